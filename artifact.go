package relay

import (
	"context"
)

// artifacts carry two independently versioned sub-fields (header, body).
// an update may target either or both; a mismatch on any requested field
// aborts the whole call and reports current state for every requested
// field, leaving non-requested fields untouched.

type ArtifactFieldUpdate struct {
	ExpectedVersion int64
	Value           []byte
}

type ArtifactFieldOutcome struct {
	// new version when the update applied, current version when not
	Version int64
	// current value when the update did not apply
	Value []byte
}

type ArtifactUpdateOutcome struct {
	Applied bool
	// set for the requested fields only
	Header *ArtifactFieldOutcome
	Body   *ArtifactFieldOutcome
}

func (self *Records) CreateArtifact(ctx context.Context, accountId string, artifactId string, header []byte, body []byte) (*ArtifactRecord, error) {
	seq, err := self.seq.AllocateAccountSeq(ctx, accountId)
	if err != nil {
		return nil, err
	}

	record := &ArtifactRecord{
		Id:        artifactId,
		AccountId: accountId,
		Header:    header,
		Body:      body,
		Seq:       seq,
	}
	if err := self.store.CreateArtifact(ctx, record); err != nil {
		return nil, err
	}

	// a second counter for the event. gaps in the scope sequence are fine.
	err = self.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       accountId,
		Payload:         NewNewArtifactUpdate(record),
		RecipientFilter: UserScopedOnly(),
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (self *Records) ReadArtifact(ctx context.Context, accountId string, artifactId string) (*ArtifactRecord, error) {
	return self.store.GetArtifact(ctx, accountId, artifactId)
}

// ListArtifacts returns headers only. bodies are fetched per artifact.
func (self *Records) ListArtifacts(ctx context.Context, accountId string) ([]*ArtifactRecord, error) {
	return self.store.ListArtifacts(ctx, accountId)
}

func (self *Records) UpdateArtifact(ctx context.Context, accountId string, artifactId string, header *ArtifactFieldUpdate, body *ArtifactFieldUpdate) (*ArtifactUpdateOutcome, error) {
	record, err := self.store.GetArtifact(ctx, accountId, artifactId)
	if err != nil {
		return nil, err
	}

	mismatch := false
	if header != nil && record.HeaderVersion != header.ExpectedVersion {
		mismatch = true
	}
	if body != nil && record.BodyVersion != body.ExpectedVersion {
		mismatch = true
	}
	if mismatch {
		return artifactMismatchOutcome(record, header != nil, body != nil), nil
	}

	applied := false
	switch {
	case header != nil && body != nil:
		applied, err = self.store.CompareAndSetArtifactHeaderBody(
			ctx, accountId, artifactId,
			header.ExpectedVersion, header.Value,
			body.ExpectedVersion, body.Value,
		)
	case header != nil:
		applied, err = self.store.CompareAndSetArtifactHeader(
			ctx, accountId, artifactId, header.ExpectedVersion, header.Value,
		)
	case body != nil:
		applied, err = self.store.CompareAndSetArtifactBody(
			ctx, accountId, artifactId, body.ExpectedVersion, body.Value,
		)
	default:
		return &ArtifactUpdateOutcome{
			Applied: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if !applied {
		// lost the race. report the winner's state.
		record, err := self.store.GetArtifact(ctx, accountId, artifactId)
		if err != nil {
			return nil, err
		}
		return artifactMismatchOutcome(record, header != nil, body != nil), nil
	}

	outcome := &ArtifactUpdateOutcome{
		Applied: true,
	}
	var headerField *VersionedField
	var bodyField *VersionedField
	if header != nil {
		outcome.Header = &ArtifactFieldOutcome{
			Version: header.ExpectedVersion + 1,
		}
		headerField = &VersionedField{
			Value:   encodeValue(header.Value),
			Version: outcome.Header.Version,
		}
	}
	if body != nil {
		outcome.Body = &ArtifactFieldOutcome{
			Version: body.ExpectedVersion + 1,
		}
		bodyField = &VersionedField{
			Value:   encodeValue(body.Value),
			Version: outcome.Body.Version,
		}
	}

	err = self.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       accountId,
		Payload:         NewUpdateArtifactUpdate(artifactId, headerField, bodyField),
		RecipientFilter: UserScopedOnly(),
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func artifactMismatchOutcome(record *ArtifactRecord, headerRequested bool, bodyRequested bool) *ArtifactUpdateOutcome {
	outcome := &ArtifactUpdateOutcome{
		Applied: false,
	}
	if headerRequested {
		outcome.Header = &ArtifactFieldOutcome{
			Version: record.HeaderVersion,
			Value:   record.Header,
		}
	}
	if bodyRequested {
		outcome.Body = &ArtifactFieldOutcome{
			Version: record.BodyVersion,
			Value:   record.Body,
		}
	}
	return outcome
}

func (self *Records) DeleteArtifact(ctx context.Context, accountId string, artifactId string) error {
	deleted, err := self.store.DeleteArtifact(ctx, accountId, artifactId)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}

	return self.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       accountId,
		Payload:         NewDeleteArtifactUpdate(artifactId),
		RecipientFilter: UserScopedOnly(),
	})
}
