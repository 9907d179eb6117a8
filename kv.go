package relay

import (
	"context"
	"errors"
)

const MaxKVBatchSize = 100

var ErrBatchTooLarge = errors.New("kv batch exceeds the maximum size")

type KVMutation struct {
	Key string `json:"key"`
	// nil deletes the entry: the value becomes null but the record and its
	// version survive (soft delete)
	Value *string `json:"value"`
	// -1 means the key must not yet exist
	Version int64 `json:"version"`
}

type KVMutateResult struct {
	Success bool              `json:"success"`
	Results []KVWriteResult   `json:"results,omitempty"`
	Errors  []KVMutationError `json:"errors,omitempty"`
}

type KVMutationError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
	// current state for the client-side merge path
	Version int64   `json:"version"`
	Value   *string `json:"value"`
}

type KVEntryView struct {
	Key     string  `json:"key"`
	Value   *string `json:"value"`
	Version int64   `json:"version"`
}

// MutateKV atomically applies a batch of versioned key/value writes.
// If any key's expected version mismatches, nothing is applied and every
// offending key is reported with its current state. On success exactly one
// bundled kv-batch-update event describes all changed keys.
func (self *Records) MutateKV(ctx context.Context, accountId string, mutations []KVMutation) (*KVMutateResult, error) {
	if MaxKVBatchSize < len(mutations) {
		return nil, ErrBatchTooLarge
	}

	writes := make([]KVWrite, 0, len(mutations))
	for _, mutation := range mutations {
		value, err := decodeValue(mutation.Value)
		if err != nil {
			return nil, err
		}
		writes = append(writes, KVWrite{
			Key:             mutation.Key,
			Value:           value,
			ExpectedVersion: mutation.Version,
		})
	}

	results, mismatches, err := self.store.MutateKVEntries(ctx, accountId, writes)
	if err != nil {
		return nil, err
	}
	if 0 < len(mismatches) {
		mutateErrors := make([]KVMutationError, 0, len(mismatches))
		for _, mismatch := range mismatches {
			mutateErrors = append(mutateErrors, KVMutationError{
				Key:     mismatch.Key,
				Error:   "version-mismatch",
				Version: mismatch.Version,
				Value:   encodeValue(mismatch.Value),
			})
		}
		return &KVMutateResult{
			Success: false,
			Errors:  mutateErrors,
		}, nil
	}

	changes := make([]KVChange, 0, len(mutations))
	for i, mutation := range mutations {
		changes = append(changes, KVChange{
			Key:     mutation.Key,
			Value:   mutation.Value,
			Version: results[i].Version,
		})
	}
	err = self.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       accountId,
		Payload:         NewKVBatchUpdate(changes),
		RecipientFilter: UserScopedOnly(),
	})
	if err != nil {
		return nil, err
	}

	return &KVMutateResult{
		Success: true,
		Results: results,
	}, nil
}

// GetKV reads one live entry. soft-deleted entries read as not found.
func (self *Records) GetKV(ctx context.Context, accountId string, key string) (*KVEntryView, error) {
	record, err := self.store.GetKVEntry(ctx, accountId, key)
	if err != nil {
		return nil, err
	}
	if record.Value == nil {
		return nil, ErrNotFound
	}
	return &KVEntryView{
		Key:     record.Key,
		Value:   encodeValue(record.Value),
		Version: record.Version,
	}, nil
}

func (self *Records) ListKV(ctx context.Context, accountId string, prefix string) ([]*KVEntryView, error) {
	records, err := self.store.ListKVEntries(ctx, accountId, prefix)
	if err != nil {
		return nil, err
	}
	views := make([]*KVEntryView, 0, len(records))
	for _, record := range records {
		views = append(views, &KVEntryView{
			Key:     record.Key,
			Value:   encodeValue(record.Value),
			Version: record.Version,
		})
	}
	return views, nil
}

func (self *Records) BulkGetKV(ctx context.Context, accountId string, keys []string) ([]*KVEntryView, error) {
	views := []*KVEntryView{}
	for _, key := range keys {
		view, err := self.GetKV(ctx, accountId, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}
