package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// per-scope strictly increasing counters. the allocator is a thin wrapper
// over the store's atomic increment-and-return, so concurrent callers are
// linearized by the store and never observe the same value twice. gaps are
// permitted.

type SequenceAllocator struct {
	store *Store
}

func NewSequenceAllocator(store *Store) *SequenceAllocator {
	return &SequenceAllocator{
		store: store,
	}
}

func (self *SequenceAllocator) AllocateAccountSeq(ctx context.Context, accountId string) (int64, error) {
	return self.store.IncrementAccountSeq(ctx, accountId)
}

func (self *SequenceAllocator) AllocateSessionSeq(ctx context.Context, sessionId string) (int64, error) {
	return self.store.IncrementSessionSeq(ctx, sessionId)
}

// pagination cursors are a fixed prefix plus the decimal counter,
// opaque to clients otherwise

const cursorPrefix = "0-"

func EncodeCursor(seq int64) string {
	return cursorPrefix + strconv.FormatInt(seq, 10)
}

func ParseCursor(cursor string) (int64, error) {
	if !strings.HasPrefix(cursor, cursorPrefix) {
		return 0, fmt.Errorf("invalid cursor format: %s", cursor)
	}
	seq, err := strconv.ParseInt(cursor[len(cursorPrefix):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor format: %s", cursor)
	}
	return seq, nil
}
