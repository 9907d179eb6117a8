package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newRpcConnection(ctx context.Context, accountId string) *Connection {
	return NewConnection(ctx, accountId, ScopeUser, "", "", DefaultConnectionSettings())
}

// respondTo serves forwarded requests on `connection` with a fixed result
func respondTo(t *testing.T, connection *Connection, result string) {
	go func() {
		for {
			select {
			case <-connection.Done():
				return
			case message := <-connection.Messages():
				var wire wireMessage
				if err := json.Unmarshal(message, &wire); err != nil {
					t.Errorf("malformed forward: %s", err)
					return
				}
				if wire.Type != "rpc-request" {
					continue
				}
				requestId, err := ParseId(wire.Id)
				if err != nil {
					t.Errorf("malformed request id: %s", err)
					return
				}
				connection.resolveCall(requestId, &rpcOutcome{
					result: json.RawMessage(result),
				})
			}
		}
	}()
}

func TestRpcLastRegisterWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := NewRPCRelayWithDefaults()

	a := newRpcConnection(ctx, "account-a")
	b := newRpcConnection(ctx, "account-a")
	c := newRpcConnection(ctx, "account-a")

	rpc.Register("echo", a)
	rpc.Register("echo", b)

	respondTo(t, a, `"from-a"`)
	respondTo(t, b, `"from-b"`)

	result, err := rpc.Call(ctx, "echo", json.RawMessage(`{}`), c)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), `"from-b"`)

	// a stale unregister from the previous owner does not clobber b
	rpc.Unregister("echo", a)
	result, err = rpc.Call(ctx, "echo", json.RawMessage(`{}`), c)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), `"from-b"`)

	rpc.Unregister("echo", b)
	_, err = rpc.Call(ctx, "echo", json.RawMessage(`{}`), c)
	assert.Equal(t, err, ErrMethodNotAvailable)
}

func TestRpcSelfCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := NewRPCRelayWithDefaults()

	a := newRpcConnection(ctx, "account-a")
	rpc.Register("echo", a)

	_, err := rpc.Call(ctx, "echo", json.RawMessage(`{}`), a)
	assert.Equal(t, err, ErrSelfCall)
}

func TestRpcUnknownMethod(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := NewRPCRelayWithDefaults()

	a := newRpcConnection(ctx, "account-a")
	_, err := rpc.Call(ctx, "missing", json.RawMessage(`{}`), a)
	assert.Equal(t, err, ErrMethodNotAvailable)
}

func TestRpcAccountIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := NewRPCRelayWithDefaults()

	a := newRpcConnection(ctx, "account-a")
	b := newRpcConnection(ctx, "account-b")

	rpc.Register("echo", a)

	// registrations are per account
	_, err := rpc.Call(ctx, "echo", json.RawMessage(`{}`), b)
	assert.Equal(t, err, ErrMethodNotAvailable)
}

func TestRpcCallTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := NewRPCRelay(&RPCRelaySettings{
		CallTimeout: 100 * time.Millisecond,
	})

	a := newRpcConnection(ctx, "account-a")
	b := newRpcConnection(ctx, "account-a")
	rpc.Register("slow", a)

	// a never acknowledges
	_, err := rpc.Call(ctx, "slow", json.RawMessage(`{}`), b)
	assert.Equal(t, err, ErrCallTimeout)
}

func TestRpcErrorResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := NewRPCRelayWithDefaults()

	a := newRpcConnection(ctx, "account-a")
	b := newRpcConnection(ctx, "account-a")
	rpc.Register("fail", a)

	go func() {
		message := <-a.Messages()
		var wire wireMessage
		if err := json.Unmarshal(message, &wire); err != nil {
			t.Errorf("malformed forward: %s", err)
			return
		}
		requestId, _ := ParseId(wire.Id)
		a.resolveCall(requestId, &rpcOutcome{
			errorMessage: "no such file",
		})
	}()

	_, err := rpc.Call(ctx, "fail", json.RawMessage(`{}`), b)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "no such file")
}

func TestRpcDisconnectCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := NewRPCRelayWithDefaults()

	a := newRpcConnection(ctx, "account-a")
	b := newRpcConnection(ctx, "account-a")
	c := newRpcConnection(ctx, "account-a")

	rpc.Register("one", a)
	rpc.Register("two", a)
	rpc.Register("three", b)

	rpc.DisconnectConnection(a)

	_, err := rpc.Call(ctx, "one", json.RawMessage(`{}`), c)
	assert.Equal(t, err, ErrMethodNotAvailable)
	_, err = rpc.Call(ctx, "two", json.RawMessage(`{}`), c)
	assert.Equal(t, err, ErrMethodNotAvailable)

	respondTo(t, b, `"ok"`)
	result, err := rpc.Call(ctx, "three", json.RawMessage(`{}`), c)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), `"ok"`)
}

func TestRpcClosedTargetNotAvailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := NewRPCRelayWithDefaults()

	a := newRpcConnection(ctx, "account-a")
	b := newRpcConnection(ctx, "account-a")
	rpc.Register("echo", a)

	a.Close()

	_, err := rpc.Call(ctx, "echo", json.RawMessage(`{}`), b)
	assert.Equal(t, err, ErrMethodNotAvailable)
}

func TestConnectionCloseFailsPendingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newRpcConnection(ctx, "account-a")

	done := make(chan error, 1)
	go func() {
		_, err := a.ForwardCall(ctx, "echo", json.RawMessage(`{}`), 5*time.Second)
		done <- err
	}()

	// wait for the forward to land in the send queue
	<-a.Messages()
	a.Close()

	select {
	case err := <-done:
		assert.NotEqual(t, err, nil)
	case <-time.After(1 * time.Second):
		t.Fatalf("pending call not failed on close")
	}
}
