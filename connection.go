package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrConnectionClosed = errors.New("connection closed")
var ErrSendQueueFull = errors.New("send queue full")

type ConnectionScope int

const (
	ScopeUser ConnectionScope = iota
	ScopeSession
	ScopeMachine
)

func ParseConnectionScope(scope string) (ConnectionScope, error) {
	switch scope {
	case "user-scoped":
		return ScopeUser, nil
	case "session-scoped":
		return ScopeSession, nil
	case "machine-scoped":
		return ScopeMachine, nil
	default:
		return ScopeUser, errors.New("unknown connection scope")
	}
}

type ConnectionSettings struct {
	SendQueueSize int
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		SendQueueSize: 64,
	}
}

// one live client connection. the relay core only sees this type; the
// websocket plumbing lives in the transport.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionId Id
	accountId    string
	scope        ConnectionScope
	sessionId    string
	machineId    string

	sendQueue chan []byte

	stateLock    sync.Mutex
	pendingCalls map[Id]chan *rpcOutcome

	// serializes the usage report read-validate-write sequence
	// across repeated invocations on this connection
	usageLock sync.Mutex
}

func NewConnection(
	ctx context.Context,
	accountId string,
	scope ConnectionScope,
	sessionId string,
	machineId string,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:          cancelCtx,
		cancel:       cancel,
		connectionId: NewId(),
		accountId:    accountId,
		scope:        scope,
		sessionId:    sessionId,
		machineId:    machineId,
		sendQueue:    make(chan []byte, settings.SendQueueSize),
		pendingCalls: map[Id]chan *rpcOutcome{},
	}
}

func (self *Connection) ConnectionId() Id {
	return self.connectionId
}

func (self *Connection) AccountId() string {
	return self.accountId
}

func (self *Connection) Scope() ConnectionScope {
	return self.scope
}

func (self *Connection) SessionId() string {
	return self.sessionId
}

func (self *Connection) MachineId() string {
	return self.machineId
}

func (self *Connection) IsLive() bool {
	return self.ctx.Err() == nil
}

func (self *Connection) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Connection) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for requestId, outcome := range self.pendingCalls {
		select {
		case outcome <- &rpcOutcome{errorMessage: "connection closed"}:
		default:
		}
		delete(self.pendingCalls, requestId)
	}
}

// Send enqueues one outbound message. delivery is at-most-once,
// best-effort: a closed connection or a full queue drops the message.
func (self *Connection) Send(message []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.sendQueue <- message:
		return true
	default:
		glog.Infof("[conn]%s drop (queue full)\n", self.connectionId)
		return false
	}
}

// Messages is consumed by the transport write loop.
func (self *Connection) Messages() <-chan []byte {
	return self.sendQueue
}

type rpcOutcome struct {
	result       json.RawMessage
	errorMessage string
}

// ForwardCall relays one timed rpc request to this connection and awaits
// its acknowledgement. not cancellable mid-flight by the caller beyond the
// fixed timeout.
func (self *Connection) ForwardCall(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	requestId := NewId()
	outcomes := make(chan *rpcOutcome, 1)

	self.stateLock.Lock()
	self.pendingCalls[requestId] = outcomes
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		delete(self.pendingCalls, requestId)
		self.stateLock.Unlock()
	}()

	message, err := json.Marshal(&wireMessage{
		Type: "rpc-request",
		Id:   requestId.String(),
		Data: mustMarshalRaw(&rpcRequest{
			Method: method,
			Params: params,
		}),
	})
	if err != nil {
		return nil, err
	}
	if !self.Send(message) {
		return nil, ErrConnectionClosed
	}

	select {
	case outcome := <-outcomes:
		if outcome.errorMessage != "" {
			return nil, errors.New(outcome.errorMessage)
		}
		return outcome.result, nil
	case <-time.After(timeout):
		return nil, ErrCallTimeout
	case <-self.ctx.Done():
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// called by the transport read loop when the target acknowledges
func (self *Connection) resolveCall(requestId Id, outcome *rpcOutcome) {
	self.stateLock.Lock()
	outcomes, ok := self.pendingCalls[requestId]
	delete(self.pendingCalls, requestId)
	self.stateLock.Unlock()

	if ok {
		select {
		case outcomes <- outcome:
		default:
		}
	}
}

func mustMarshalRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return json.RawMessage(data)
}
