package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func kvSet(key string, value string, version int64) KVMutation {
	return KVMutation{
		Key:     key,
		Value:   encodeValue([]byte(value)),
		Version: version,
	}
}

func TestKVCreateAndUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	result, err := rig.records.MutateKV(ctx, "account-a", []KVMutation{
		kvSet("k1", "v1", -1),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.Results[0].Version, int64(0))

	result, err = rig.records.MutateKV(ctx, "account-a", []KVMutation{
		kvSet("k1", "v2", 0),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.Results[0].Version, int64(1))

	view, err := rig.records.GetKV(ctx, "account-a", "k1")
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Value, encodeValue([]byte("v2")))
	assert.Equal(t, view.Version, int64(1))

	// creating over an existing key fails
	result, err = rig.records.MutateKV(ctx, "account-a", []KVMutation{
		kvSet("k1", "v3", -1),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.Errors[0].Version, int64(1))
}

func TestKVBatchAtomicity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	listener := rig.listen(ctx, "account-a", ScopeUser, "")

	mutations := []KVMutation{}
	for i := 0; i < 5; i += 1 {
		mutations = append(mutations, kvSet(fmt.Sprintf("k%d", i), "v0", -1))
	}
	result, err := rig.records.MutateKV(ctx, "account-a", mutations)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)
	receiveEnvelope(t, listener)

	// five writes where one carries a stale version: nothing applies,
	// only the offending key is reported, and no event is emitted
	mutations = []KVMutation{}
	for i := 0; i < 5; i += 1 {
		version := int64(0)
		if i == 2 {
			version = 7
		}
		mutations = append(mutations, kvSet(fmt.Sprintf("k%d", i), "v1", version))
	}
	result, err = rig.records.MutateKV(ctx, "account-a", mutations)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, false)
	assert.Equal(t, len(result.Errors), 1)
	assert.Equal(t, result.Errors[0].Key, "k2")
	assert.Equal(t, result.Errors[0].Error, "version-mismatch")
	assert.Equal(t, result.Errors[0].Version, int64(0))
	assert.Equal(t, result.Errors[0].Value, encodeValue([]byte("v0")))
	assertNoEnvelope(t, listener)

	for i := 0; i < 5; i += 1 {
		view, err := rig.records.GetKV(ctx, "account-a", fmt.Sprintf("k%d", i))
		assert.Equal(t, err, nil)
		assert.Equal(t, view.Value, encodeValue([]byte("v0")))
		assert.Equal(t, view.Version, int64(0))
	}
}

func TestKVBatchEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	listener := rig.listen(ctx, "account-a", ScopeUser, "")

	result, err := rig.records.MutateKV(ctx, "account-a", []KVMutation{
		kvSet("k1", "v1", -1),
		kvSet("k2", "v2", -1),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)

	// one bundled event for the whole batch
	envelope := receiveEnvelope(t, listener)
	assert.Equal(t, payloadType(t, envelope), "kv-batch-update")

	var payload KVBatchUpdate
	err = json.Unmarshal(envelope.Payload, &payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(payload.Changes), 2)
	assert.Equal(t, payload.Changes[0].Key, "k1")
	assert.Equal(t, payload.Changes[0].Version, int64(0))
	assert.Equal(t, payload.Changes[1].Key, "k2")
	assertNoEnvelope(t, listener)
}

func TestKVSoftDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	result, err := rig.records.MutateKV(ctx, "account-a", []KVMutation{
		kvSet("k1", "v1", -1),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)

	result, err = rig.records.MutateKV(ctx, "account-a", []KVMutation{
		{Key: "k1", Value: nil, Version: 0},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.Results[0].Version, int64(1))

	// the entry reads as missing but its version survives
	_, err = rig.records.GetKV(ctx, "account-a", "k1")
	assert.Equal(t, err, ErrNotFound)

	result, err = rig.records.MutateKV(ctx, "account-a", []KVMutation{
		kvSet("k1", "v2", -1),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.Errors[0].Version, int64(1))
	assert.Equal(t, result.Errors[0].Value, nil)

	result, err = rig.records.MutateKV(ctx, "account-a", []KVMutation{
		kvSet("k1", "v2", 1),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.Results[0].Version, int64(2))
}

func TestKVListAndBulkGet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	result, err := rig.records.MutateKV(ctx, "account-a", []KVMutation{
		kvSet("prefix.a", "1", -1),
		kvSet("prefix.b", "2", -1),
		kvSet("other.c", "3", -1),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)

	// delete one under the prefix. the listing only returns live entries.
	result, err = rig.records.MutateKV(ctx, "account-a", []KVMutation{
		{Key: "prefix.b", Value: nil, Version: 0},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)

	views, err := rig.records.ListKV(ctx, "account-a", "prefix.")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(views), 1)
	assert.Equal(t, views[0].Key, "prefix.a")

	bulk, err := rig.records.BulkGetKV(ctx, "account-a", []string{"prefix.a", "prefix.b", "missing"})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(bulk), 1)
	assert.Equal(t, bulk[0].Key, "prefix.a")
}

func TestKVBatchTooLarge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t)
	rig.ensureAccount(t, ctx, "account-a")

	mutations := []KVMutation{}
	for i := 0; i < MaxKVBatchSize+1; i += 1 {
		mutations = append(mutations, kvSet(fmt.Sprintf("k%d", i), "v", -1))
	}
	_, err := rig.records.MutateKV(ctx, "account-a", mutations)
	assert.Equal(t, err, ErrBatchTooLarge)
}
