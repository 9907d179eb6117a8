package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// typed rpc failures. these surface to the caller as ack errors, never as
// transport faults.
var ErrMethodNotAvailable = errors.New("rpc method not available")
var ErrSelfCall = errors.New("cannot call rpc on the same connection")
var ErrCallTimeout = errors.New("rpc call timed out")

type RPCRelaySettings struct {
	CallTimeout time.Duration
}

func DefaultRPCRelaySettings() *RPCRelaySettings {
	return &RPCRelaySettings{
		CallTimeout: 30 * time.Second,
	}
}

// RPCRelay forwards timed calls between a user's own devices. Each account
// keeps a method-name registry pointing at the single connection currently
// serving that method.
type RPCRelay struct {
	settings *RPCRelaySettings

	stateLock sync.Mutex
	// accountId -> method -> owning connection
	methods map[string]map[string]*Connection
}

func NewRPCRelayWithDefaults() *RPCRelay {
	return NewRPCRelay(DefaultRPCRelaySettings())
}

func NewRPCRelay(settings *RPCRelaySettings) *RPCRelay {
	return &RPCRelay{
		settings: settings,
		methods:  map[string]map[string]*Connection{},
	}
}

// Register makes `connection` the owner of `method`. last register wins;
// re-registering over another connection is not an error.
func (self *RPCRelay) Register(method string, connection *Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	accountMethods, ok := self.methods[connection.AccountId()]
	if !ok {
		accountMethods = map[string]*Connection{}
		self.methods[connection.AccountId()] = accountMethods
	}
	if previous, ok := accountMethods[method]; ok && previous != connection {
		glog.V(1).Infof("[rpc]%s re-registered %s -> %s\n", method, previous.ConnectionId(), connection.ConnectionId())
	}
	accountMethods[method] = connection
}

// Unregister removes the mapping only if it currently points at
// `connection`, so a stale unregister from a previous owner never clobbers
// the new owner.
func (self *RPCRelay) Unregister(method string, connection *Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	accountMethods, ok := self.methods[connection.AccountId()]
	if !ok {
		return
	}
	if accountMethods[method] != connection {
		return
	}
	delete(accountMethods, method)
	if len(accountMethods) == 0 {
		delete(self.methods, connection.AccountId())
	}
}

// Call forwards the request to the registered connection and awaits its
// acknowledgement under the fixed timeout.
func (self *RPCRelay) Call(ctx context.Context, method string, params json.RawMessage, from *Connection) (json.RawMessage, error) {
	self.stateLock.Lock()
	var target *Connection
	if accountMethods, ok := self.methods[from.AccountId()]; ok {
		target = accountMethods[method]
	}
	self.stateLock.Unlock()

	if target == nil || !target.IsLive() {
		return nil, ErrMethodNotAvailable
	}
	if target == from {
		return nil, ErrSelfCall
	}

	startTime := time.Now()
	result, err := target.ForwardCall(ctx, method, params, self.settings.CallTimeout)
	if err != nil {
		glog.Infof("[rpc]%s failed = %s (%s)\n", method, err, time.Since(startTime))
		return nil, err
	}
	glog.V(1).Infof("[rpc]%s ok (%s)\n", method, time.Since(startTime))
	return result, nil
}

// DisconnectConnection removes every method the connection currently owns.
func (self *RPCRelay) DisconnectConnection(connection *Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	accountMethods, ok := self.methods[connection.AccountId()]
	if !ok {
		return
	}
	for method, owner := range accountMethods {
		if owner == connection {
			delete(accountMethods, method)
		}
	}
	if len(accountMethods) == 0 {
		delete(self.methods, connection.AccountId())
	}
}
