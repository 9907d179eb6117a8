package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/golang/glog"
)

const (
	RecipientTypeUser    = "user"
	RecipientTypeSession = "session"
	RecipientTypeMachine = "machine"
)

// RecipientFilter selects which live connections receive an event.
// Session- and machine-scoped filters are superset-inclusive of the
// account's user-scoped listeners.
type RecipientFilter struct {
	Type string `json:"type"`
	Id   string `json:"id,omitempty"`
}

func UserScopedOnly() RecipientFilter {
	return RecipientFilter{
		Type: RecipientTypeUser,
	}
}

func SessionScoped(sessionId string) RecipientFilter {
	return RecipientFilter{
		Type: RecipientTypeSession,
		Id:   sessionId,
	}
}

func MachineScoped(machineId string) RecipientFilter {
	return RecipientFilter{
		Type: RecipientTypeMachine,
		Id:   machineId,
	}
}

// envelopes

type UpdateEnvelope struct {
	Type            string          `json:"type"`
	Id              string          `json:"id"`
	Seq             int64           `json:"seq"`
	RecipientFilter RecipientFilter `json:"recipientFilter"`
	Payload         any             `json:"payload"`
}

type EphemeralEnvelope struct {
	Type            string          `json:"type"`
	RecipientFilter RecipientFilter `json:"recipientFilter"`
	Payload         any             `json:"payload"`
}

// views and payload variants. opaque byte fields cross the wire base64
// encoded; nil stays null.

func encodeValue(value []byte) *string {
	if value == nil {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(value)
	return &encoded
}

func decodeValue(value *string) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(*value)
}

type VersionedField struct {
	Value   *string `json:"value"`
	Version int64   `json:"version"`
}

type SessionView struct {
	Id                string  `json:"id"`
	Tag               string  `json:"tag"`
	Seq               int64   `json:"seq"`
	Metadata          *string `json:"metadata"`
	MetadataVersion   int64   `json:"metadataVersion"`
	AgentState        *string `json:"agentState"`
	AgentStateVersion int64   `json:"agentStateVersion"`
	Active            bool    `json:"active"`
	ActiveAt          int64   `json:"activeAt"`
	CreatedAt         int64   `json:"createdAt"`
	UpdatedAt         int64   `json:"updatedAt"`
}

func NewSessionView(record *SessionRecord) *SessionView {
	return &SessionView{
		Id:                record.Id,
		Tag:               record.Tag,
		Seq:               record.Seq,
		Metadata:          encodeValue(record.Metadata),
		MetadataVersion:   record.MetadataVersion,
		AgentState:        encodeValue(record.AgentState),
		AgentStateVersion: record.AgentStateVersion,
		Active:            record.Active,
		ActiveAt:          record.LastActiveAt,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
}

type MachineView struct {
	Id                 string  `json:"id"`
	Metadata           *string `json:"metadata"`
	MetadataVersion    int64   `json:"metadataVersion"`
	DaemonState        *string `json:"daemonState"`
	DaemonStateVersion int64   `json:"daemonStateVersion"`
	Active             bool    `json:"active"`
	ActiveAt           int64   `json:"activeAt"`
	CreatedAt          int64   `json:"createdAt"`
	UpdatedAt          int64   `json:"updatedAt"`
}

func NewMachineView(record *MachineRecord) *MachineView {
	return &MachineView{
		Id:                 record.Id,
		Metadata:           encodeValue(record.Metadata),
		MetadataVersion:    record.MetadataVersion,
		DaemonState:        encodeValue(record.DaemonState),
		DaemonStateVersion: record.DaemonStateVersion,
		Active:             record.Active,
		ActiveAt:           record.LastActiveAt,
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
	}
}

type ArtifactView struct {
	Id            string  `json:"id"`
	Header        *string `json:"header"`
	HeaderVersion int64   `json:"headerVersion"`
	Body          *string `json:"body,omitempty"`
	BodyVersion   int64   `json:"bodyVersion"`
	Seq           int64   `json:"seq"`
	CreatedAt     int64   `json:"createdAt"`
	UpdatedAt     int64   `json:"updatedAt"`
}

func NewArtifactView(record *ArtifactRecord, includeBody bool) *ArtifactView {
	view := &ArtifactView{
		Id:            record.Id,
		Header:        encodeValue(record.Header),
		HeaderVersion: record.HeaderVersion,
		BodyVersion:   record.BodyVersion,
		Seq:           record.Seq,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
	if includeBody {
		view.Body = encodeValue(record.Body)
	}
	return view
}

// persistent update payloads

type NewSessionUpdate struct {
	T       string       `json:"t"`
	Session *SessionView `json:"session"`
}

func NewNewSessionUpdate(record *SessionRecord) *NewSessionUpdate {
	return &NewSessionUpdate{
		T:       "new-session",
		Session: NewSessionView(record),
	}
}

type UpdateSessionUpdate struct {
	T          string          `json:"t"`
	SessionId  string          `json:"sessionId"`
	Metadata   *VersionedField `json:"metadata,omitempty"`
	AgentState *VersionedField `json:"agentState,omitempty"`
}

func NewUpdateSessionUpdate(sessionId string, metadata *VersionedField, agentState *VersionedField) *UpdateSessionUpdate {
	return &UpdateSessionUpdate{
		T:          "update-session",
		SessionId:  sessionId,
		Metadata:   metadata,
		AgentState: agentState,
	}
}

type DeleteSessionUpdate struct {
	T         string `json:"t"`
	SessionId string `json:"sessionId"`
}

func NewDeleteSessionUpdate(sessionId string) *DeleteSessionUpdate {
	return &DeleteSessionUpdate{
		T:         "delete-session",
		SessionId: sessionId,
	}
}

type NewMachineUpdate struct {
	T       string       `json:"t"`
	Machine *MachineView `json:"machine"`
}

func NewNewMachineUpdate(record *MachineRecord) *NewMachineUpdate {
	return &NewMachineUpdate{
		T:       "new-machine",
		Machine: NewMachineView(record),
	}
}

type UpdateMachineUpdate struct {
	T           string          `json:"t"`
	MachineId   string          `json:"machineId"`
	Metadata    *VersionedField `json:"metadata,omitempty"`
	DaemonState *VersionedField `json:"daemonState,omitempty"`
}

func NewUpdateMachineUpdate(machineId string, metadata *VersionedField, daemonState *VersionedField) *UpdateMachineUpdate {
	return &UpdateMachineUpdate{
		T:           "update-machine",
		MachineId:   machineId,
		Metadata:    metadata,
		DaemonState: daemonState,
	}
}

type NewArtifactUpdate struct {
	T        string        `json:"t"`
	Artifact *ArtifactView `json:"artifact"`
}

func NewNewArtifactUpdate(record *ArtifactRecord) *NewArtifactUpdate {
	return &NewArtifactUpdate{
		T:        "new-artifact",
		Artifact: NewArtifactView(record, false),
	}
}

type UpdateArtifactUpdate struct {
	T          string          `json:"t"`
	ArtifactId string          `json:"artifactId"`
	Header     *VersionedField `json:"header,omitempty"`
	Body       *VersionedField `json:"body,omitempty"`
}

func NewUpdateArtifactUpdate(artifactId string, header *VersionedField, body *VersionedField) *UpdateArtifactUpdate {
	return &UpdateArtifactUpdate{
		T:          "update-artifact",
		ArtifactId: artifactId,
		Header:     header,
		Body:       body,
	}
}

type DeleteArtifactUpdate struct {
	T          string `json:"t"`
	ArtifactId string `json:"artifactId"`
}

func NewDeleteArtifactUpdate(artifactId string) *DeleteArtifactUpdate {
	return &DeleteArtifactUpdate{
		T:          "delete-artifact",
		ArtifactId: artifactId,
	}
}

type KVChange struct {
	Key     string  `json:"key"`
	Value   *string `json:"value"`
	Version int64   `json:"version"`
}

type KVBatchUpdate struct {
	T       string     `json:"t"`
	Changes []KVChange `json:"changes"`
}

func NewKVBatchUpdate(changes []KVChange) *KVBatchUpdate {
	return &KVBatchUpdate{
		T:       "kv-batch-update",
		Changes: changes,
	}
}

type NewFeedPostUpdate struct {
	T         string  `json:"t"`
	Cursor    string  `json:"cursor"`
	Content   *string `json:"content"`
	CreatedAt int64   `json:"createdAt"`
}

func NewNewFeedPostUpdate(cursor string, content []byte, createdAt int64) *NewFeedPostUpdate {
	return &NewFeedPostUpdate{
		T:         "new-feed-post",
		Cursor:    cursor,
		Content:   encodeValue(content),
		CreatedAt: createdAt,
	}
}

type UpdateAccountUpdate struct {
	T         string          `json:"t"`
	AccountId string          `json:"accountId"`
	Profile   *VersionedField `json:"profile,omitempty"`
}

func NewUpdateAccountUpdate(accountId string, profile *VersionedField) *UpdateAccountUpdate {
	return &UpdateAccountUpdate{
		T:         "update-account",
		AccountId: accountId,
		Profile:   profile,
	}
}

// ephemeral payloads

type SessionActivityEphemeral struct {
	T         string `json:"t"`
	SessionId string `json:"id"`
	Active    bool   `json:"active"`
	ActiveAt  int64  `json:"activeAt"`
	Thinking  bool   `json:"thinking"`
}

func NewSessionActivityEphemeral(sessionId string, active bool, activeAt int64, thinking bool) *SessionActivityEphemeral {
	return &SessionActivityEphemeral{
		T:         "session-activity",
		SessionId: sessionId,
		Active:    active,
		ActiveAt:  activeAt,
		Thinking:  thinking,
	}
}

type MachineActivityEphemeral struct {
	T         string `json:"t"`
	MachineId string `json:"id"`
	Active    bool   `json:"active"`
	ActiveAt  int64  `json:"activeAt"`
}

func NewMachineActivityEphemeral(machineId string, active bool, activeAt int64) *MachineActivityEphemeral {
	return &MachineActivityEphemeral{
		T:         "machine-activity",
		MachineId: machineId,
		Active:    active,
		ActiveAt:  activeAt,
	}
}

type UsageEphemeral struct {
	T         string          `json:"t"`
	SessionId string          `json:"sessionId"`
	Key       string          `json:"key"`
	Tokens    json.RawMessage `json:"tokens"`
	Cost      json.RawMessage `json:"cost"`
}

func NewUsageEphemeral(sessionId string, key string, tokens json.RawMessage, cost json.RawMessage) *UsageEphemeral {
	return &UsageEphemeral{
		T:         "usage",
		SessionId: sessionId,
		Key:       key,
		Tokens:    tokens,
		Cost:      cost,
	}
}

// router

type UpdateEvent struct {
	AccountId       string
	Payload         any
	RecipientFilter RecipientFilter
	// pre-allocated scope sequence. 0 allocates a fresh account seq.
	Seq int64
}

type EphemeralEvent struct {
	AccountId       string
	Payload         any
	RecipientFilter RecipientFilter
}

// EventRouter builds typed envelopes and fans them out to the resolved
// connections. delivery is at-most-once, best-effort: a connection that is
// offline at emit time never receives the event. clients detect gaps via
// their own last-seen seq and reconcile with a separate fetch.
type EventRouter struct {
	registry *ConnectionRegistry
	seq      *SequenceAllocator
}

func NewEventRouter(registry *ConnectionRegistry, seq *SequenceAllocator) *EventRouter {
	return &EventRouter{
		registry: registry,
		seq:      seq,
	}
}

func (self *EventRouter) EmitUpdate(ctx context.Context, event *UpdateEvent) error {
	seq := event.Seq
	if seq == 0 {
		var err error
		seq, err = self.seq.AllocateAccountSeq(ctx, event.AccountId)
		if err != nil {
			return err
		}
	}

	envelope := &UpdateEnvelope{
		Type:            "update",
		Id:              NewId().String(),
		Seq:             seq,
		RecipientFilter: event.RecipientFilter,
		Payload:         event.Payload,
	}
	message, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	connections := self.registry.Resolve(event.AccountId, event.RecipientFilter)
	sent := 0
	for _, connection := range connections {
		if connection.Send(message) {
			sent += 1
		}
	}
	glog.V(1).Infof("[router]update %s seq=%d -> %d/%d\n", envelope.Id, seq, sent, len(connections))
	return nil
}

func (self *EventRouter) EmitEphemeral(event *EphemeralEvent) {
	envelope := &EphemeralEnvelope{
		Type:            "ephemeral",
		RecipientFilter: event.RecipientFilter,
		Payload:         event.Payload,
	}
	message, err := json.Marshal(envelope)
	if err != nil {
		glog.Errorf("[router]ephemeral marshal error = %s\n", err)
		return
	}

	connections := self.registry.Resolve(event.AccountId, event.RecipientFilter)
	for _, connection := range connections {
		connection.Send(message)
	}
	glog.V(2).Infof("[router]ephemeral -> %d\n", len(connections))
}
