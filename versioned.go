package relay

import (
	"context"
)

// the one optimistic update algorithm shared by every versioned entity:
// read current state, reject on expected-version mismatch, then write
// conditioned on the version at the storage layer. if the conditional
// write affects zero rows another writer won the race between the read and
// the write; re-read and report the now-current state instead of
// succeeding silently.

// CasOutcome is a first-class result variant, not an error. A mismatch
// carries the current state to drive the client-side merge path.
type CasOutcome struct {
	Applied bool
	// new version when applied, current version when not
	Version int64
	// current value when not applied
	Value []byte
}

func casApply(
	ctx context.Context,
	expectedVersion int64,
	read func(ctx context.Context) ([]byte, int64, error),
	write func(ctx context.Context) (bool, error),
) (*CasOutcome, error) {
	value, version, err := read(ctx)
	if err != nil {
		return nil, err
	}
	if version != expectedVersion {
		return &CasOutcome{
			Applied: false,
			Version: version,
			Value:   value,
		}, nil
	}

	applied, err := write(ctx)
	if err != nil {
		return nil, err
	}
	if !applied {
		// lost the race. report the winner's state.
		value, version, err = read(ctx)
		if err != nil {
			return nil, err
		}
		return &CasOutcome{
			Applied: false,
			Version: version,
			Value:   value,
		}, nil
	}

	return &CasOutcome{
		Applied: true,
		Version: expectedVersion + 1,
	}, nil
}

// Records applies version-checked mutations to the durable entities and
// emits the matching update events on success.
type Records struct {
	store  *Store
	router *EventRouter
	seq    *SequenceAllocator
}

func NewRecords(store *Store, router *EventRouter, seq *SequenceAllocator) *Records {
	return &Records{
		store:  store,
		router: router,
		seq:    seq,
	}
}
