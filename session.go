package relay

import (
	"context"
	"errors"
)

// GetOrCreateSession deduplicates sessions by the client-supplied tag.
// A create emits a new-session update to the account's connections.
func (self *Records) GetOrCreateSession(ctx context.Context, accountId string, tag string, metadata []byte, agentState []byte) (*SessionRecord, bool, error) {
	existing, err := self.store.FindSessionByTag(ctx, accountId, tag)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	record := &SessionRecord{
		Id:         NewId().String(),
		AccountId:  accountId,
		Tag:        tag,
		Metadata:   metadata,
		AgentState: agentState,
	}
	err = self.store.CreateSession(ctx, record)
	if errors.Is(err, ErrAlreadyExists) {
		// another connection created it between the find and the insert
		existing, err := self.store.FindSessionByTag(ctx, accountId, tag)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	err = self.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       accountId,
		Payload:         NewNewSessionUpdate(record),
		RecipientFilter: UserScopedOnly(),
	})
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (self *Records) GetSession(ctx context.Context, accountId string, sessionId string) (*SessionRecord, error) {
	return self.store.GetSession(ctx, accountId, sessionId)
}

func (self *Records) UpdateSessionMetadata(ctx context.Context, accountId string, sessionId string, expectedVersion int64, value []byte) (*CasOutcome, error) {
	outcome, err := casApply(
		ctx,
		expectedVersion,
		func(ctx context.Context) ([]byte, int64, error) {
			record, err := self.store.GetSession(ctx, accountId, sessionId)
			if err != nil {
				return nil, 0, err
			}
			return record.Metadata, record.MetadataVersion, nil
		},
		func(ctx context.Context) (bool, error) {
			return self.store.CompareAndSetSessionMetadata(ctx, accountId, sessionId, expectedVersion, value)
		},
	)
	if err != nil {
		return nil, err
	}

	if outcome.Applied {
		err = self.router.EmitUpdate(ctx, &UpdateEvent{
			AccountId: accountId,
			Payload: NewUpdateSessionUpdate(
				sessionId,
				&VersionedField{
					Value:   encodeValue(value),
					Version: outcome.Version,
				},
				nil,
			),
			RecipientFilter: SessionScoped(sessionId),
		})
		if err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

func (self *Records) UpdateSessionAgentState(ctx context.Context, accountId string, sessionId string, expectedVersion int64, value []byte) (*CasOutcome, error) {
	outcome, err := casApply(
		ctx,
		expectedVersion,
		func(ctx context.Context) ([]byte, int64, error) {
			record, err := self.store.GetSession(ctx, accountId, sessionId)
			if err != nil {
				return nil, 0, err
			}
			return record.AgentState, record.AgentStateVersion, nil
		},
		func(ctx context.Context) (bool, error) {
			return self.store.CompareAndSetSessionAgentState(ctx, accountId, sessionId, expectedVersion, value)
		},
	)
	if err != nil {
		return nil, err
	}

	if outcome.Applied {
		err = self.router.EmitUpdate(ctx, &UpdateEvent{
			AccountId: accountId,
			Payload: NewUpdateSessionUpdate(
				sessionId,
				nil,
				&VersionedField{
					Value:   encodeValue(value),
					Version: outcome.Version,
				},
			),
			RecipientFilter: SessionScoped(sessionId),
		})
		if err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

func (self *Records) DeleteSession(ctx context.Context, accountId string, sessionId string) error {
	deleted, err := self.store.DeleteSession(ctx, accountId, sessionId)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}

	return self.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       accountId,
		Payload:         NewDeleteSessionUpdate(sessionId),
		RecipientFilter: UserScopedOnly(),
	})
}
