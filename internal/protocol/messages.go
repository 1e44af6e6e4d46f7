// Package protocol defines the device-to-device sync wire format and drives
// the pairing and sync state machines over any message transport.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/caravelhq/caravel-sync/internal/agent"
)

// ProtocolVersion is negotiated during the handshake. Peers with a
// different major version refuse to sync.
const ProtocolVersion = 1

// MessageType discriminates envelopes on the wire.
type MessageType string

const (
	MessageHandshake         MessageType = "handshake"
	MessageHandshakeResponse MessageType = "handshake_response"
	MessagePairingRequest    MessageType = "pairing_request"
	MessagePairingResponse   MessageType = "pairing_response"
	MessageSyncRequest       MessageType = "sync_request"
	MessageDeltaBatch        MessageType = "delta_batch"
	MessageBatchAck          MessageType = "batch_ack"
	MessageSyncComplete      MessageType = "sync_complete"
	MessageError             MessageType = "error"
)

// Envelope frames every wire message as a type tag plus JSON payload.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope serializes payload under the given type tag.
func NewEnvelope(messageType MessageType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: messageType}, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s payload: %w", messageType, err)
	}
	return Envelope{Type: messageType, Payload: encoded}, nil
}

// Decode unmarshals the envelope payload into target.
func (e Envelope) Decode(target any) error {
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Handshake opens every connection and identifies the caller. PublicKey is
// the key the caller presented at pairing time; the receiver checks it
// against the pinned one before accepting.
type Handshake struct {
	DeviceID        string           `json:"device_id"`
	DeviceName      string           `json:"device_name"`
	DeviceType      agent.DeviceType `json:"device_type"`
	PublicKey       []byte           `json:"public_key,omitempty"`
	ProtocolVersion int              `json:"protocol_version"`
}

// HandshakeResponse accepts or refuses a connection.
type HandshakeResponse struct {
	DeviceID string `json:"device_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// PairingRequest asks the receiver to pair. Code is the short code the user
// read off the receiving device's screen.
type PairingRequest struct {
	DeviceID   string           `json:"device_id"`
	DeviceName string           `json:"device_name"`
	DeviceType agent.DeviceType `json:"device_type"`
	PublicKey  []byte           `json:"public_key"`
	Code       string           `json:"code"`
}

// PairingResponse carries the receiver's public key on success.
type PairingResponse struct {
	Accepted  bool   `json:"accepted"`
	DeviceID  string `json:"device_id,omitempty"`
	PublicKey []byte `json:"public_key,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SyncRequest scopes a sync run to a space, a watermark and categories.
type SyncRequest struct {
	SpaceID    string     `json:"space_id"`
	Since      int64      `json:"since"`
	Categories []Category `json:"categories,omitempty"`
}

// DeltaBatch carries one bounded batch of encrypted deltas.
type DeltaBatch struct {
	BatchIndex int               `json:"batch_index"`
	BatchCount int               `json:"batch_count"`
	Deltas     []agent.SyncDelta `json:"deltas"`
}

// BatchAck confirms a batch was applied and reports collisions.
type BatchAck struct {
	BatchIndex int `json:"batch_index"`
	Applied    int `json:"applied"`
	Conflicts  int `json:"conflicts"`
}

// SyncComplete closes a sync run with final counters.
type SyncComplete struct {
	EntitiesSent     int `json:"entities_sent"`
	EntitiesReceived int `json:"entities_received"`
	Conflicts        int `json:"conflicts"`
}

// ErrorMessage reports a failure to the peer before closing.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Category names a syncable slice of the vault. Each category maps to the
// entity types it covers.
type Category string

const (
	CategoryNotes    Category = "notes"
	CategoryTasks    Category = "tasks"
	CategoryProjects Category = "projects"
	CategoryHealth   Category = "health"
	CategoryTime     Category = "time"
	CategoryCalendar Category = "calendar"
)

// AllCategories lists every syncable category.
var AllCategories = []Category{
	CategoryNotes,
	CategoryTasks,
	CategoryProjects,
	CategoryHealth,
	CategoryTime,
	CategoryCalendar,
}

var categoryEntityTypes = map[Category][]string{
	CategoryNotes:    {"note"},
	CategoryTasks:    {"task"},
	CategoryProjects: {"project"},
	CategoryHealth:   {"health_entry"},
	CategoryTime:     {"time_entry"},
	CategoryCalendar: {"calendar_event"},
}

// EntityTypes flattens categories into the entity type names the store
// filters on. Unknown categories are ignored; an empty or nil category list
// means every type.
func EntityTypes(categories []Category) []string {
	if len(categories) == 0 {
		return nil
	}
	types := make([]string, 0, len(categories))
	for _, category := range categories {
		types = append(types, categoryEntityTypes[category]...)
	}
	return types
}
