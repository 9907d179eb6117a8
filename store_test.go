package relay

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEnsureAccountIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)

	err := rig.store.EnsureAccount(ctx, "account-a")
	assert.Equal(t, err, nil)

	seq, err := rig.store.IncrementAccountSeq(ctx, "account-a")
	assert.Equal(t, err, nil)
	assert.Equal(t, seq, int64(1))

	// re-ensuring never resets the counter
	err = rig.store.EnsureAccount(ctx, "account-a")
	assert.Equal(t, err, nil)

	seq, err = rig.store.IncrementAccountSeq(ctx, "account-a")
	assert.Equal(t, err, nil)
	assert.Equal(t, seq, int64(2))
}

func TestIncrementUnknownAccount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)

	_, err := rig.store.IncrementAccountSeq(ctx, "missing")
	assert.Equal(t, err, ErrNotFound)
}

func TestUsageReportUpsert(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	session, _, err := rig.records.GetOrCreateSession(ctx, "account-a", "tag-a", nil, nil)
	assert.Equal(t, err, nil)

	first, err := rig.store.UpsertUsageReport(ctx, &UsageReportRecord{
		Id:        NewId().String(),
		AccountId: "account-a",
		SessionId: session.Id,
		Key:       "llm-usage",
		Data:      []byte(`{"total":1}`),
	})
	assert.Equal(t, err, nil)

	time.Sleep(5 * time.Millisecond)

	// the same (account, session, key) accumulates into the same report
	second, err := rig.store.UpsertUsageReport(ctx, &UsageReportRecord{
		Id:        NewId().String(),
		AccountId: "account-a",
		SessionId: session.Id,
		Key:       "llm-usage",
		Data:      []byte(`{"total":2}`),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, second.Id, first.Id)
	assert.Equal(t, second.CreatedAt, first.CreatedAt)
	assert.Equal(t, second.Data, []byte(`{"total":2}`))

	// a different key is a separate report
	third, err := rig.store.UpsertUsageReport(ctx, &UsageReportRecord{
		Id:        NewId().String(),
		AccountId: "account-a",
		SessionId: session.Id,
		Key:       "api-usage",
		Data:      []byte(`{"total":3}`),
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, third.Id, first.Id)
}
