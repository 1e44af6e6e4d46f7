package agent

import (
	"errors"
	"fmt"
	"strings"
)

// SyncOperation enumerates the mutation kinds a delta can carry.
type SyncOperation string

const (
	// OperationCreate introduces an entity that the receiver has never seen.
	OperationCreate SyncOperation = "create"
	// OperationUpdate replaces the payload of an existing entity.
	OperationUpdate SyncOperation = "update"
	// OperationDelete tombstones an entity on the receiver.
	OperationDelete SyncOperation = "delete"
)

// DeviceType enumerates the device classes that participate in sync.
type DeviceType string

const (
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeWeb     DeviceType = "web"
)

// TrustLevel grades how much a paired peer's key material is trusted.
type TrustLevel string

const (
	// TrustOnFirstUse marks a key pinned at pairing time and not yet
	// confirmed out of band.
	TrustOnFirstUse TrustLevel = "tofu"
	// TrustVerified marks a key the user explicitly confirmed.
	TrustVerified TrustLevel = "verified"
	// TrustRevoked marks a peer the user cut off. Revoked peers never sync
	// again until re-paired.
	TrustRevoked TrustLevel = "revoked"
	// TrustKeyChanged marks a peer that presented a key other than the
	// pinned one. Sync is blocked until the user re-pairs.
	TrustKeyChanged TrustLevel = "key_changed"
)

// AllowsSync reports whether a peer at this trust level may sync.
func (level TrustLevel) AllowsSync() bool {
	return level == TrustOnFirstUse || level == TrustVerified
}

// PeerTrust pins the key material agreed with one paired peer. PublicKey is
// the key the peer presented at pairing time; LocalPublicKey is the key this
// device presented back, which the peer pinned in turn.
type PeerTrust struct {
	DeviceID       string     `json:"device_id"`
	PublicKey      []byte     `json:"public_key"`
	LocalPublicKey []byte     `json:"local_public_key"`
	SharedSecret   []byte     `json:"-"`
	Trust          TrustLevel `json:"trust"`
	PairedAt       int64      `json:"paired_at"`
}

// ConflictType classifies how local and remote edits collided.
type ConflictType string

const (
	// ConflictUpdateUpdate marks concurrent updates to the same entity.
	ConflictUpdateUpdate ConflictType = "update_update"
	// ConflictUpdateDelete marks a local update racing a remote delete.
	ConflictUpdateDelete ConflictType = "update_delete"
	// ConflictDeleteUpdate marks a local delete racing a remote update.
	ConflictDeleteUpdate ConflictType = "delete_update"
)

// ConflictResolution enumerates the supported resolution strategies.
type ConflictResolution string

const (
	ResolutionUseLocal  ConflictResolution = "use_local"
	ResolutionUseRemote ConflictResolution = "use_remote"
	ResolutionMerge     ConflictResolution = "merge"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("agent: invalid device id")
	// ErrInvalidSpaceID indicates that a space identifier is empty or exceeds storage bounds.
	ErrInvalidSpaceID = errors.New("agent: invalid space id")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("agent: invalid unix timestamp")
)

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// SpaceID represents a validated vault space identifier.
type SpaceID string

// NewSpaceID validates raw input and returns a SpaceID.
func NewSpaceID(rawInput string) (SpaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSpaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSpaceID, maxIdentifierLength)
	}
	return SpaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SpaceID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// DeviceInfo describes a sync participant as last observed.
type DeviceInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	DeviceType DeviceType `json:"device_type"`
	IPAddress  string     `json:"ip_address"`
	SyncPort   int        `json:"sync_port"`
	PublicKey  []byte     `json:"public_key,omitempty"`
	OSVersion  string     `json:"os_version,omitempty"`
	LastSeen   int64      `json:"last_seen"`
	IsActive   bool       `json:"is_active"`
}

// SyncDelta is one entity mutation in transit between devices. Data is an
// opaque encrypted payload; the agent never inspects it beyond decryption.
type SyncDelta struct {
	ID          string            `json:"id"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Operation   SyncOperation     `json:"operation"`
	Data        []byte            `json:"data,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`
	SpaceID     string            `json:"space_id"`
}

// SyncConflict records a collision between a local record and an incoming
// delta. Both payloads are retained so either side can win later.
type SyncConflict struct {
	ID              string             `json:"id"`
	EntityType      string             `json:"entity_type"`
	EntityID        string             `json:"entity_id"`
	SpaceID         string             `json:"space_id"`
	LocalData       []byte             `json:"local_data"`
	RemoteData      []byte             `json:"remote_data"`
	LocalTimestamp  int64              `json:"local_timestamp"`
	RemoteTimestamp int64              `json:"remote_timestamp"`
	RemoteDeviceID  string             `json:"remote_device_id"`
	ConflictType    ConflictType       `json:"conflict_type"`
	Resolved        bool               `json:"resolved"`
	Resolution      ConflictResolution `json:"resolution,omitempty"`
}

// SyncHistoryEntry is one append-only record of a completed sync attempt.
type SyncHistoryEntry struct {
	ID               string `json:"id"`
	DeviceID         string `json:"device_id"`
	SpaceID          string `json:"space_id"`
	SyncTime         int64  `json:"sync_time"`
	EntitiesSent     int    `json:"entities_sent"`
	EntitiesReceived int    `json:"entities_received"`
	Conflicts        int    `json:"conflicts"`
	Success          bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	DurationMillis   int64  `json:"duration_ms"`
}

// SyncStats aggregates the history log. Stats are derived on demand and
// never stored.
type SyncStats struct {
	TotalSyncs            int   `json:"total_syncs"`
	SuccessfulSyncs       int   `json:"successful_syncs"`
	FailedSyncs           int   `json:"failed_syncs"`
	LastSyncTime          int64 `json:"last_sync_time"`
	TotalEntitiesSent     int   `json:"total_entities_sent"`
	TotalEntitiesReceived int   `json:"total_entities_received"`
}

// EntityRecord is the local materialized state of one synced entity. Data is
// the plaintext payload; encryption happens only at the sync boundary.
type EntityRecord struct {
	SpaceID     string
	EntityType  string
	EntityID    string
	Data        []byte
	UpdatedAt   int64
	Deleted     bool
	VectorClock map[string]uint64
}
