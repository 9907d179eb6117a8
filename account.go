package relay

import (
	"context"
)

func (self *Records) UpdateAccountProfile(ctx context.Context, accountId string, expectedVersion int64, value []byte) (*CasOutcome, error) {
	outcome, err := casApply(
		ctx,
		expectedVersion,
		func(ctx context.Context) ([]byte, int64, error) {
			record, err := self.store.GetAccount(ctx, accountId)
			if err != nil {
				return nil, 0, err
			}
			return record.Profile, record.ProfileVersion, nil
		},
		func(ctx context.Context) (bool, error) {
			return self.store.CompareAndSetAccountProfile(ctx, accountId, expectedVersion, value)
		},
	)
	if err != nil {
		return nil, err
	}

	if outcome.Applied {
		err = self.router.EmitUpdate(ctx, &UpdateEvent{
			AccountId: accountId,
			Payload: NewUpdateAccountUpdate(accountId, &VersionedField{
				Value:   encodeValue(value),
				Version: outcome.Version,
			}),
			RecipientFilter: UserScopedOnly(),
		})
		if err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

// PostFeed allocates the feed cursor from the account sequence and fans
// out the new-feed-post event. durable feed storage lives behind the HTTP
// surface, not the relay.
func (self *Records) PostFeed(ctx context.Context, accountId string, content []byte) (string, error) {
	seq, err := self.seq.AllocateAccountSeq(ctx, accountId)
	if err != nil {
		return "", err
	}
	cursor := EncodeCursor(seq)

	err = self.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       accountId,
		Payload:         NewNewFeedPostUpdate(cursor, content, nowMilli()),
		RecipientFilter: UserScopedOnly(),
		Seq:             seq,
	})
	if err != nil {
		return "", err
	}
	return cursor, nil
}
