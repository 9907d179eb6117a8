package relay

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// ConnectionRegistry tracks which live connections belong to which
// account/session/machine scope. membership add/remove is O(1) per index
// and resolve is O(k) in the result size.

type ConnectionRegistry struct {
	stateLock sync.Mutex

	userConnections    map[string]map[*Connection]bool
	sessionConnections map[string]map[*Connection]bool
	machineConnections map[string]map[*Connection]bool
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		userConnections:    map[string]map[*Connection]bool{},
		sessionConnections: map[string]map[*Connection]bool{},
		machineConnections: map[string]map[*Connection]bool{},
	}
}

func (self *ConnectionRegistry) Register(connection *Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch connection.Scope() {
	case ScopeUser:
		connections, ok := self.userConnections[connection.AccountId()]
		if !ok {
			connections = map[*Connection]bool{}
			self.userConnections[connection.AccountId()] = connections
		}
		connections[connection] = true
	case ScopeSession:
		connections, ok := self.sessionConnections[connection.SessionId()]
		if !ok {
			connections = map[*Connection]bool{}
			self.sessionConnections[connection.SessionId()] = connections
		}
		connections[connection] = true
	case ScopeMachine:
		connections, ok := self.machineConnections[connection.MachineId()]
		if !ok {
			connections = map[*Connection]bool{}
			self.machineConnections[connection.MachineId()] = connections
		}
		connections[connection] = true
	}

	glog.V(1).Infof("[registry]+%s\n", connection.ConnectionId())
}

// Unregister removes the connection from every index it was added to.
func (self *ConnectionRegistry) Unregister(connection *Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	removeConnection := func(index map[string]map[*Connection]bool, key string) {
		if connections, ok := index[key]; ok {
			delete(connections, connection)
			if len(connections) == 0 {
				delete(index, key)
			}
		}
	}

	switch connection.Scope() {
	case ScopeUser:
		removeConnection(self.userConnections, connection.AccountId())
	case ScopeSession:
		removeConnection(self.sessionConnections, connection.SessionId())
	case ScopeMachine:
		removeConnection(self.machineConnections, connection.MachineId())
	}

	glog.V(1).Infof("[registry]-%s\n", connection.ConnectionId())
}

// Resolve returns the set of live connections selected by the filter.
// Session- and machine-scoped filters always include the account's
// user-scoped connections, so a plain "any device of mine" listener still
// receives scoped events.
func (self *ConnectionRegistry) Resolve(accountId string, filter RecipientFilter) []*Connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	resolved := map[*Connection]bool{}
	maps.Copy(resolved, self.userConnections[accountId])

	switch filter.Type {
	case RecipientTypeSession:
		maps.Copy(resolved, self.sessionConnections[filter.Id])
	case RecipientTypeMachine:
		maps.Copy(resolved, self.machineConnections[filter.Id])
	}

	// scope isolation: never cross accounts
	connections := []*Connection{}
	for connection := range resolved {
		if connection.AccountId() == accountId {
			connections = append(connections, connection)
		}
	}
	return connections
}
