package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEmitUpdateRecipientUnion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")
	rig.ensureAccount(t, ctx, "account-b")

	userA := rig.listen(ctx, "account-a", ScopeUser, "")
	sessionA := rig.listen(ctx, "account-a", ScopeSession, "session-1")
	sessionOther := rig.listen(ctx, "account-a", ScopeSession, "session-2")
	machineA := rig.listen(ctx, "account-a", ScopeMachine, "machine-1")
	userB := rig.listen(ctx, "account-b", ScopeUser, "")

	err := rig.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       "account-a",
		Payload:         NewDeleteSessionUpdate("session-1"),
		RecipientFilter: SessionScoped("session-1"),
	})
	assert.Equal(t, err, nil)

	receiveEnvelope(t, userA)
	receiveEnvelope(t, sessionA)
	assertNoEnvelope(t, sessionOther)
	assertNoEnvelope(t, machineA)
	assertNoEnvelope(t, userB)

	// user-scoped goes to the user-scoped connections only
	err = rig.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       "account-a",
		Payload:         NewDeleteSessionUpdate("session-1"),
		RecipientFilter: UserScopedOnly(),
	})
	assert.Equal(t, err, nil)

	receiveEnvelope(t, userA)
	assertNoEnvelope(t, sessionA)
	assertNoEnvelope(t, machineA)
}

func TestEmitUpdateSeqIncreasing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	listener := rig.listen(ctx, "account-a", ScopeUser, "")

	previous := int64(0)
	for i := 0; i < 5; i += 1 {
		err := rig.router.EmitUpdate(ctx, &UpdateEvent{
			AccountId:       "account-a",
			Payload:         NewDeleteSessionUpdate("session-1"),
			RecipientFilter: UserScopedOnly(),
		})
		assert.Equal(t, err, nil)

		envelope := receiveEnvelope(t, listener)
		assert.Equal(t, envelope.Type, "update")
		assert.NotEqual(t, envelope.Id, "")
		assert.Equal(t, previous < envelope.Seq, true)
		previous = envelope.Seq
	}
}

func TestEmitEphemeralNoSeq(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	listener := rig.listen(ctx, "account-a", ScopeUser, "")

	rig.router.EmitEphemeral(&EphemeralEvent{
		AccountId:       "account-a",
		Payload:         NewSessionActivityEphemeral("session-1", true, nowMilli(), false),
		RecipientFilter: UserScopedOnly(),
	})

	envelope := receiveEnvelope(t, listener)
	assert.Equal(t, envelope.Type, "ephemeral")
	assert.Equal(t, envelope.Seq, int64(0))

	var payload SessionActivityEphemeral
	err := json.Unmarshal(envelope.Payload, &payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, payload.T, "session-activity")
	assert.Equal(t, payload.SessionId, "session-1")
	assert.Equal(t, payload.Active, true)

	// ephemeral emission does not consume scope sequence numbers
	seq, err := rig.seq.AllocateAccountSeq(ctx, "account-a")
	assert.Equal(t, err, nil)
	assert.Equal(t, seq, int64(1))
}

func TestUnregisteredConnectionReceivesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	listener := rig.listen(ctx, "account-a", ScopeUser, "")
	rig.registry.Unregister(listener)

	err := rig.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       "account-a",
		Payload:         NewDeleteSessionUpdate("session-1"),
		RecipientFilter: UserScopedOnly(),
	})
	assert.Equal(t, err, nil)
	assertNoEnvelope(t, listener)
}

func TestValueEncoding(t *testing.T) {
	assert.Equal(t, encodeValue(nil), nil)

	encoded := encodeValue([]byte("hello"))
	assert.NotEqual(t, encoded, nil)

	decoded, err := decodeValue(encoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, []byte("hello"))

	decoded, err = decodeValue(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, nil)

	_, err = decodeValue(strptr("not base64!!!"))
	assert.NotEqual(t, err, nil)
}
