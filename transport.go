package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type RelayServerSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration

	ConnectionSettings *ConnectionSettings
}

func DefaultRelayServerSettings() *RelayServerSettings {
	return &RelayServerSettings{
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingInterval:       15 * time.Second,
		ConnectionSettings: DefaultConnectionSettings(),
	}
}

// every message on the persistent connection is a tagged json object.
// requests that expect an acknowledgement carry an id echoed on the ack.
type wireMessage struct {
	Type string          `json:"type"`
	Id   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RelayServer accepts the persistent bidirectional connections and
// dispatches the socket protocol to the core services.
type RelayServer struct {
	ctx context.Context

	auth     *Auth
	store    *Store
	records  *Records
	presence *ActivityCache
	rpc      *RPCRelay
	registry *ConnectionRegistry
	router   *EventRouter

	settings *RelayServerSettings

	upgrader websocket.Upgrader
}

func NewRelayServerWithDefaults(
	ctx context.Context,
	auth *Auth,
	store *Store,
	records *Records,
	presence *ActivityCache,
	rpc *RPCRelay,
	registry *ConnectionRegistry,
	router *EventRouter,
) *RelayServer {
	return NewRelayServer(ctx, auth, store, records, presence, rpc, registry, router, DefaultRelayServerSettings())
}

func NewRelayServer(
	ctx context.Context,
	auth *Auth,
	store *Store,
	records *Records,
	presence *ActivityCache,
	rpc *RPCRelay,
	registry *ConnectionRegistry,
	router *EventRouter,
	settings *RelayServerSettings,
) *RelayServer {
	return &RelayServer{
		ctx:      ctx,
		auth:     auth,
		store:    store,
		records:  records,
		presence: presence,
		rpc:      rpc,
		registry: registry,
		router:   router,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeWs authenticates and upgrades one client connection.
// Query parameters: token, scope (user-scoped|session-scoped|machine-scoped),
// sessionId/machineId for the scoped variants.
func (self *RelayServer) ServeWs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	token := query.Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	claims, err := self.auth.VerifyToken(token)
	if err != nil {
		glog.V(1).Infof("[t]auth error = %s\n", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	scope := ScopeUser
	if scopeStr := query.Get("scope"); scopeStr != "" {
		scope, err = ParseConnectionScope(scopeStr)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
	}
	sessionId := query.Get("sessionId")
	machineId := query.Get("machineId")
	if scope == ScopeSession && sessionId == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if scope == ScopeMachine && machineId == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := self.store.EnsureAccount(r.Context(), claims.AccountId); err != nil {
		glog.Errorf("[t]ensure account error = %s\n", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[t]upgrade error = %s\n", err)
		return
	}

	connection := NewConnection(
		self.ctx,
		claims.AccountId,
		scope,
		sessionId,
		machineId,
		self.settings.ConnectionSettings,
	)
	self.registry.Register(connection)
	glog.V(1).Infof("[t]%s connected\n", connection.ConnectionId())

	go self.writeLoop(connection, ws)
	self.readLoop(connection, ws)

	// disconnect
	self.registry.Unregister(connection)
	self.rpc.DisconnectConnection(connection)
	connection.Close()
	ws.Close()
	glog.V(1).Infof("[t]%s disconnected\n", connection.ConnectionId())
}

func (self *RelayServer) writeLoop(connection *Connection, ws *websocket.Conn) {
	defer connection.Close()

	for {
		select {
		case <-connection.Done():
			return
		case message := <-connection.Messages():
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.V(2).Infof("[ts]%s-> error = %s\n", connection.ConnectionId(), err)
				return
			}
		case <-time.After(self.settings.PingInterval):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *RelayServer) readLoop(connection *Connection, ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		if !connection.IsLive() {
			return
		}
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[tr]%s<- error = %s\n", connection.ConnectionId(), err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		var wire wireMessage
		if err := json.Unmarshal(message, &wire); err != nil {
			glog.V(2).Infof("[tr]%s<- malformed message\n", connection.ConnectionId())
			continue
		}
		self.handleMessage(connection, &wire)
	}
}

func (self *RelayServer) handleMessage(connection *Connection, wire *wireMessage) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[t]%s panic in %s = %v\n", connection.ConnectionId(), wire.Type, r)
			self.ack(connection, wire.Id, map[string]any{
				"success": false,
				"error":   "Internal error",
			})
		}
	}()

	switch wire.Type {
	case "ping":
		self.ack(connection, wire.Id, map[string]any{})
	case "rpc-register":
		self.handleRpcRegister(connection, wire)
	case "rpc-unregister":
		self.handleRpcUnregister(connection, wire)
	case "rpc-call":
		// forwarding blocks up to the call timeout. keep the read loop free.
		go self.handleRpcCall(connection, wire)
	case "rpc-response":
		self.handleRpcResponse(connection, wire)
	case "session-alive":
		self.handleSessionAlive(connection, wire)
	case "machine-alive":
		self.handleMachineAlive(connection, wire)
	case "usage-report":
		self.handleUsageReport(connection, wire)
	case "kv-mutate":
		self.handleKVMutate(connection, wire)
	case "session-update-metadata":
		self.handleSessionUpdateMetadata(connection, wire)
	case "session-update-state":
		self.handleSessionUpdateState(connection, wire)
	case "machine-update-metadata":
		self.handleMachineUpdateMetadata(connection, wire)
	case "machine-update-state":
		self.handleMachineUpdateState(connection, wire)
	case "account-update":
		self.handleAccountUpdate(connection, wire)
	case "artifact-read":
		self.handleArtifactRead(connection, wire)
	case "artifact-update":
		self.handleArtifactUpdate(connection, wire)
	default:
		glog.V(2).Infof("[tr]%s<- unknown type %s\n", connection.ConnectionId(), wire.Type)
	}
}

func (self *RelayServer) ack(connection *Connection, ackId string, data any) {
	if ackId == "" {
		return
	}
	message, err := json.Marshal(&wireMessage{
		Type: "ack",
		Id:   ackId,
		Data: mustMarshalRaw(data),
	})
	if err != nil {
		glog.Errorf("[t]ack marshal error = %s\n", err)
		return
	}
	connection.Send(message)
}

func (self *RelayServer) send(connection *Connection, messageType string, data any) {
	message, err := json.Marshal(&wireMessage{
		Type: messageType,
		Data: mustMarshalRaw(data),
	})
	if err != nil {
		glog.Errorf("[t]send marshal error = %s\n", err)
		return
	}
	connection.Send(message)
}

// rpc

func (self *RelayServer) handleRpcRegister(connection *Connection, wire *wireMessage) {
	var data struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(wire.Data, &data); err != nil || data.Method == "" {
		self.send(connection, "rpc-error", map[string]any{
			"type":  "register",
			"error": "Invalid method name",
		})
		return
	}
	self.rpc.Register(data.Method, connection)
	self.send(connection, "rpc-registered", map[string]any{
		"method": data.Method,
	})
}

func (self *RelayServer) handleRpcUnregister(connection *Connection, wire *wireMessage) {
	var data struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(wire.Data, &data); err != nil || data.Method == "" {
		self.send(connection, "rpc-error", map[string]any{
			"type":  "unregister",
			"error": "Invalid method name",
		})
		return
	}
	self.rpc.Unregister(data.Method, connection)
	self.send(connection, "rpc-unregistered", map[string]any{
		"method": data.Method,
	})
}

func (self *RelayServer) handleRpcCall(connection *Connection, wire *wireMessage) {
	var data rpcRequest
	if err := json.Unmarshal(wire.Data, &data); err != nil || data.Method == "" {
		self.ack(connection, wire.Id, &rpcResponse{
			Ok:    false,
			Error: "Invalid parameters: method is required",
		})
		return
	}

	result, err := self.rpc.Call(self.ctx, data.Method, data.Params, connection)
	if err != nil {
		var message string
		switch {
		case errors.Is(err, ErrMethodNotAvailable):
			message = "RPC method not available"
		case errors.Is(err, ErrSelfCall):
			message = "Cannot call RPC on the same connection"
		case errors.Is(err, ErrCallTimeout):
			message = "RPC call timed out"
		default:
			message = "RPC call failed"
		}
		self.ack(connection, wire.Id, &rpcResponse{
			Ok:    false,
			Error: message,
		})
		return
	}
	self.ack(connection, wire.Id, &rpcResponse{
		Ok:     true,
		Result: result,
	})
}

func (self *RelayServer) handleRpcResponse(connection *Connection, wire *wireMessage) {
	requestId, err := ParseId(wire.Id)
	if err != nil {
		return
	}
	var data rpcResponse
	if err := json.Unmarshal(wire.Data, &data); err != nil {
		return
	}
	if data.Ok {
		connection.resolveCall(requestId, &rpcOutcome{
			result: data.Result,
		})
	} else {
		errorMessage := data.Error
		if errorMessage == "" {
			errorMessage = "RPC call failed"
		}
		connection.resolveCall(requestId, &rpcOutcome{
			errorMessage: errorMessage,
		})
	}
}

// presence

type aliveMessage struct {
	Id       string `json:"id"`
	Time     int64  `json:"time"`
	Thinking bool   `json:"thinking,omitempty"`
}

// clampAliveTime clamps future times to now and drops times older than
// the inactivity threshold.
func (self *RelayServer) clampAliveTime(t int64) (int64, bool) {
	now := nowMilli()
	if now < t {
		t = now
	}
	if t < now-self.presence.settings.InactivityTimeout.Milliseconds() {
		return 0, false
	}
	return t, true
}

func (self *RelayServer) handleSessionAlive(connection *Connection, wire *wireMessage) {
	var data aliveMessage
	if err := json.Unmarshal(wire.Data, &data); err != nil || data.Id == "" || data.Time <= 0 {
		return
	}
	t, ok := self.clampAliveTime(data.Time)
	if !ok {
		return
	}

	if !self.presence.IsSessionValid(self.ctx, data.Id, connection.AccountId()) {
		return
	}
	self.presence.QueueSessionUpdate(data.Id, t)

	self.router.EmitEphemeral(&EphemeralEvent{
		AccountId:       connection.AccountId(),
		Payload:         NewSessionActivityEphemeral(data.Id, true, t, data.Thinking),
		RecipientFilter: UserScopedOnly(),
	})
}

func (self *RelayServer) handleMachineAlive(connection *Connection, wire *wireMessage) {
	var data aliveMessage
	if err := json.Unmarshal(wire.Data, &data); err != nil || data.Id == "" || data.Time <= 0 {
		return
	}
	t, ok := self.clampAliveTime(data.Time)
	if !ok {
		return
	}

	if !self.presence.IsMachineValid(self.ctx, data.Id, connection.AccountId()) {
		return
	}
	self.presence.QueueMachineUpdate(data.Id, t)

	self.router.EmitEphemeral(&EphemeralEvent{
		AccountId:       connection.AccountId(),
		Payload:         NewMachineActivityEphemeral(data.Id, true, t),
		RecipientFilter: UserScopedOnly(),
	})
}

// usage

type usageTotals struct {
	Total *float64 `json:"total"`
}

func (self *RelayServer) handleUsageReport(connection *Connection, wire *wireMessage) {
	// serialize the read-validate-write sequence per connection
	connection.usageLock.Lock()
	defer connection.usageLock.Unlock()

	var data struct {
		Key       string          `json:"key"`
		SessionId string          `json:"sessionId,omitempty"`
		Tokens    json.RawMessage `json:"tokens"`
		Cost      json.RawMessage `json:"cost"`
	}
	if err := json.Unmarshal(wire.Data, &data); err != nil || data.Key == "" {
		self.ack(connection, wire.Id, map[string]any{
			"success": false,
			"error":   "Invalid key",
		})
		return
	}
	var tokens usageTotals
	if err := json.Unmarshal(data.Tokens, &tokens); err != nil || tokens.Total == nil {
		self.ack(connection, wire.Id, map[string]any{
			"success": false,
			"error":   "Invalid tokens object - must include total",
		})
		return
	}
	var cost usageTotals
	if err := json.Unmarshal(data.Cost, &cost); err != nil || cost.Total == nil {
		self.ack(connection, wire.Id, map[string]any{
			"success": false,
			"error":   "Invalid cost object - must include total",
		})
		return
	}

	if data.SessionId != "" {
		_, err := self.store.GetSession(self.ctx, connection.AccountId(), data.SessionId)
		if errors.Is(err, ErrNotFound) {
			self.ack(connection, wire.Id, map[string]any{
				"success": false,
				"error":   "Session not found",
			})
			return
		}
		if err != nil {
			self.internalError(connection, wire, err)
			return
		}
	}

	reportData := mustMarshalRaw(map[string]json.RawMessage{
		"tokens": data.Tokens,
		"cost":   data.Cost,
	})
	report, err := self.store.UpsertUsageReport(self.ctx, &UsageReportRecord{
		Id:        NewId().String(),
		AccountId: connection.AccountId(),
		SessionId: data.SessionId,
		Key:       data.Key,
		Data:      reportData,
	})
	if err != nil {
		self.internalError(connection, wire, err)
		return
	}

	if data.SessionId != "" {
		self.router.EmitEphemeral(&EphemeralEvent{
			AccountId:       connection.AccountId(),
			Payload:         NewUsageEphemeral(data.SessionId, data.Key, data.Tokens, data.Cost),
			RecipientFilter: UserScopedOnly(),
		})
	}

	self.ack(connection, wire.Id, map[string]any{
		"success":   true,
		"reportId":  report.Id,
		"createdAt": report.CreatedAt,
		"updatedAt": report.UpdatedAt,
	})
}

// versioned updates

func (self *RelayServer) handleKVMutate(connection *Connection, wire *wireMessage) {
	var data struct {
		Mutations []KVMutation `json:"mutations"`
	}
	if err := json.Unmarshal(wire.Data, &data); err != nil {
		self.ack(connection, wire.Id, map[string]any{
			"success": false,
			"error":   "Invalid parameters",
		})
		return
	}

	result, err := self.records.MutateKV(self.ctx, connection.AccountId(), data.Mutations)
	if errors.Is(err, ErrBatchTooLarge) {
		self.ack(connection, wire.Id, map[string]any{
			"success": false,
			"error":   "Batch too large",
		})
		return
	}
	if err != nil {
		self.internalError(connection, wire, err)
		return
	}
	self.ack(connection, wire.Id, result)
}

type fieldUpdateMessage struct {
	Id              string  `json:"id"`
	Value           *string `json:"value"`
	ExpectedVersion *int64  `json:"expectedVersion"`
}

func (self *RelayServer) handleFieldUpdate(
	connection *Connection,
	wire *wireMessage,
	notFoundMessage string,
	update func(ctx context.Context, id string, expectedVersion int64, value []byte) (*CasOutcome, error),
) {
	var data fieldUpdateMessage
	if err := json.Unmarshal(wire.Data, &data); err != nil || data.Id == "" || data.ExpectedVersion == nil {
		self.ack(connection, wire.Id, map[string]any{
			"result":  "error",
			"message": "Invalid parameters",
		})
		return
	}
	value, err := decodeValue(data.Value)
	if err != nil {
		self.ack(connection, wire.Id, map[string]any{
			"result":  "error",
			"message": "Invalid parameters",
		})
		return
	}

	outcome, err := update(self.ctx, data.Id, *data.ExpectedVersion, value)
	if errors.Is(err, ErrNotFound) {
		self.ack(connection, wire.Id, map[string]any{
			"result":  "error",
			"message": notFoundMessage,
		})
		return
	}
	if err != nil {
		self.internalError(connection, wire, err)
		return
	}
	if !outcome.Applied {
		self.ack(connection, wire.Id, map[string]any{
			"result":  "version-mismatch",
			"version": outcome.Version,
			"value":   encodeValue(outcome.Value),
		})
		return
	}
	self.ack(connection, wire.Id, map[string]any{
		"result":  "success",
		"version": outcome.Version,
	})
}

func (self *RelayServer) handleSessionUpdateMetadata(connection *Connection, wire *wireMessage) {
	self.handleFieldUpdate(connection, wire, "Session not found",
		func(ctx context.Context, id string, expectedVersion int64, value []byte) (*CasOutcome, error) {
			return self.records.UpdateSessionMetadata(ctx, connection.AccountId(), id, expectedVersion, value)
		})
}

func (self *RelayServer) handleSessionUpdateState(connection *Connection, wire *wireMessage) {
	self.handleFieldUpdate(connection, wire, "Session not found",
		func(ctx context.Context, id string, expectedVersion int64, value []byte) (*CasOutcome, error) {
			return self.records.UpdateSessionAgentState(ctx, connection.AccountId(), id, expectedVersion, value)
		})
}

func (self *RelayServer) handleMachineUpdateMetadata(connection *Connection, wire *wireMessage) {
	self.handleFieldUpdate(connection, wire, "Machine not found",
		func(ctx context.Context, id string, expectedVersion int64, value []byte) (*CasOutcome, error) {
			return self.records.UpdateMachineMetadata(ctx, connection.AccountId(), id, expectedVersion, value)
		})
}

func (self *RelayServer) handleMachineUpdateState(connection *Connection, wire *wireMessage) {
	self.handleFieldUpdate(connection, wire, "Machine not found",
		func(ctx context.Context, id string, expectedVersion int64, value []byte) (*CasOutcome, error) {
			return self.records.UpdateMachineDaemonState(ctx, connection.AccountId(), id, expectedVersion, value)
		})
}

func (self *RelayServer) handleAccountUpdate(connection *Connection, wire *wireMessage) {
	self.handleFieldUpdate(connection, wire, "Account not found",
		func(ctx context.Context, id string, expectedVersion int64, value []byte) (*CasOutcome, error) {
			// the id field is ignored. an account can only update itself.
			return self.records.UpdateAccountProfile(ctx, connection.AccountId(), expectedVersion, value)
		})
}

// artifacts

func (self *RelayServer) handleArtifactRead(connection *Connection, wire *wireMessage) {
	var data struct {
		ArtifactId string `json:"artifactId"`
	}
	if err := json.Unmarshal(wire.Data, &data); err != nil || data.ArtifactId == "" {
		self.ack(connection, wire.Id, map[string]any{
			"result":  "error",
			"message": "Invalid parameters",
		})
		return
	}

	record, err := self.records.ReadArtifact(self.ctx, connection.AccountId(), data.ArtifactId)
	if errors.Is(err, ErrNotFound) {
		self.ack(connection, wire.Id, map[string]any{
			"result":  "error",
			"message": "Artifact not found",
		})
		return
	}
	if err != nil {
		self.internalError(connection, wire, err)
		return
	}
	self.ack(connection, wire.Id, map[string]any{
		"result":   "success",
		"artifact": NewArtifactView(record, true),
	})
}

func (self *RelayServer) handleArtifactUpdate(connection *Connection, wire *wireMessage) {
	var data struct {
		ArtifactId            string  `json:"artifactId"`
		Header                *string `json:"header,omitempty"`
		HeaderExpectedVersion *int64  `json:"headerExpectedVersion,omitempty"`
		Body                  *string `json:"body,omitempty"`
		BodyExpectedVersion   *int64  `json:"bodyExpectedVersion,omitempty"`
	}
	if err := json.Unmarshal(wire.Data, &data); err != nil || data.ArtifactId == "" {
		self.ack(connection, wire.Id, map[string]any{
			"result":  "error",
			"message": "Invalid parameters",
		})
		return
	}

	var headerUpdate *ArtifactFieldUpdate
	if data.HeaderExpectedVersion != nil {
		value, err := decodeValue(data.Header)
		if err != nil {
			self.ack(connection, wire.Id, map[string]any{
				"result":  "error",
				"message": "Invalid parameters",
			})
			return
		}
		headerUpdate = &ArtifactFieldUpdate{
			ExpectedVersion: *data.HeaderExpectedVersion,
			Value:           value,
		}
	}
	var bodyUpdate *ArtifactFieldUpdate
	if data.BodyExpectedVersion != nil {
		value, err := decodeValue(data.Body)
		if err != nil {
			self.ack(connection, wire.Id, map[string]any{
				"result":  "error",
				"message": "Invalid parameters",
			})
			return
		}
		bodyUpdate = &ArtifactFieldUpdate{
			ExpectedVersion: *data.BodyExpectedVersion,
			Value:           value,
		}
	}

	outcome, err := self.records.UpdateArtifact(self.ctx, connection.AccountId(), data.ArtifactId, headerUpdate, bodyUpdate)
	if errors.Is(err, ErrNotFound) {
		self.ack(connection, wire.Id, map[string]any{
			"result":  "error",
			"message": "Artifact not found",
		})
		return
	}
	if err != nil {
		self.internalError(connection, wire, err)
		return
	}

	if !outcome.Applied {
		response := map[string]any{
			"result": "version-mismatch",
		}
		if outcome.Header != nil {
			response["headerVersion"] = outcome.Header.Version
			response["header"] = encodeValue(outcome.Header.Value)
		}
		if outcome.Body != nil {
			response["bodyVersion"] = outcome.Body.Version
			response["body"] = encodeValue(outcome.Body.Value)
		}
		self.ack(connection, wire.Id, response)
		return
	}

	response := map[string]any{
		"result": "success",
	}
	if outcome.Header != nil {
		response["headerVersion"] = outcome.Header.Version
	}
	if outcome.Body != nil {
		response["bodyVersion"] = outcome.Body.Version
	}
	self.ack(connection, wire.Id, response)
}

// internalError logs the full context and returns an opaque indicator to
// the caller.
func (self *RelayServer) internalError(connection *Connection, wire *wireMessage, err error) {
	glog.Errorf("[t]%s %s error = %s\n", connection.ConnectionId(), wire.Type, err)
	self.ack(connection, wire.Id, map[string]any{
		"success": false,
		"error":   "Internal error",
	})
}
