package relay

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestGetOrCreateMachine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	listener := rig.listen(ctx, "account-a", ScopeUser, "")

	record, created, err := rig.records.GetOrCreateMachine(ctx, "account-a", "machine-1", []byte("m"), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, created, true)
	assert.Equal(t, record.Id, "machine-1")

	envelope := receiveEnvelope(t, listener)
	assert.Equal(t, payloadType(t, envelope), "new-machine")

	again, created, err := rig.records.GetOrCreateMachine(ctx, "account-a", "machine-1", []byte("other"), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, created, false)
	assert.Equal(t, again.Metadata, []byte("m"))
	assertNoEnvelope(t, listener)

	// the same machine id under another account is a distinct record
	rig.ensureAccount(t, ctx, "account-b")
	_, created, err = rig.records.GetOrCreateMachine(ctx, "account-b", "machine-1", nil, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, created, true)
}

func TestMachineStateCasAndScoping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	_, _, err := rig.records.GetOrCreateMachine(ctx, "account-a", "machine-1", nil, nil)
	assert.Equal(t, err, nil)

	userListener := rig.listen(ctx, "account-a", ScopeUser, "")
	sameMachine := rig.listen(ctx, "account-a", ScopeMachine, "machine-1")
	otherMachine := rig.listen(ctx, "account-a", ScopeMachine, "machine-2")

	outcome, err := rig.records.UpdateMachineDaemonState(ctx, "account-a", "machine-1", 0, []byte("d1"))
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome.Applied, true)
	assert.Equal(t, outcome.Version, int64(1))

	for _, listener := range []*Connection{userListener, sameMachine} {
		envelope := receiveEnvelope(t, listener)
		assert.Equal(t, payloadType(t, envelope), "update-machine")
		assert.Equal(t, envelope.RecipientFilter.Type, RecipientTypeMachine)
		assert.Equal(t, envelope.RecipientFilter.Id, "machine-1")
	}
	assertNoEnvelope(t, otherMachine)

	// metadata and daemon state version independently
	outcome, err = rig.records.UpdateMachineMetadata(ctx, "account-a", "machine-1", 0, []byte("m1"))
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome.Applied, true)

	record, err := rig.records.GetMachine(ctx, "account-a", "machine-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, record.MetadataVersion, int64(1))
	assert.Equal(t, record.DaemonStateVersion, int64(1))

	outcome, err = rig.records.UpdateMachineDaemonState(ctx, "account-a", "machine-1", 0, []byte("d2"))
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome.Applied, false)
	assert.Equal(t, outcome.Version, int64(1))
	assert.Equal(t, outcome.Value, []byte("d1"))
}
