// Package storage provides the GORM-backed implementation of the sync
// agent's store collaborator.
package storage

// EntityRecordRow persists the local materialized state of a synced entity.
type EntityRecordRow struct {
	SpaceID          string `gorm:"column:space_id;primaryKey;size:190;not null;index:idx_records_space_updated,priority:1"`
	EntityType       string `gorm:"column:entity_type;primaryKey;size:190;not null;index:idx_records_space_updated,priority:2"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_records_space_updated,priority:3"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	VectorClockJSON  string `gorm:"column:vector_clock_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRecordRow) TableName() string {
	return "entity_records"
}

// DeviceRow persists a known sync peer.
type DeviceRow struct {
	DeviceID        string `gorm:"column:device_id;primaryKey;size:190;not null"`
	Name            string `gorm:"column:name;size:190;not null;default:''"`
	DeviceType      string `gorm:"column:device_type;size:32;not null;default:'desktop'"`
	IPAddress       string `gorm:"column:ip_address;size:64;not null;default:''"`
	SyncPort        int    `gorm:"column:sync_port;not null;default:0"`
	PublicKey       []byte `gorm:"column:public_key"`
	OSVersion       string `gorm:"column:os_version;size:190;not null;default:''"`
	LastSeenSeconds int64  `gorm:"column:last_seen_s;not null;default:0"`
	IsActive        bool   `gorm:"column:is_active;not null;default:true"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceRow) TableName() string {
	return "sync_devices"
}

// PeerTrustRow pins the key material agreed with one paired peer.
type PeerTrustRow struct {
	DeviceID        string `gorm:"column:device_id;primaryKey;size:190;not null"`
	PublicKey       []byte `gorm:"column:public_key"`
	LocalPublicKey  []byte `gorm:"column:local_public_key"`
	SharedSecret    []byte `gorm:"column:shared_secret"`
	TrustLevel      string `gorm:"column:trust_level;size:32;not null;default:'tofu'"`
	PairedAtSeconds int64  `gorm:"column:paired_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PeerTrustRow) TableName() string {
	return "sync_peer_trust"
}

// ConflictRow persists an unresolved or resolved sync conflict.
type ConflictRow struct {
	ConflictID             string `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	SpaceID                string `gorm:"column:space_id;size:190;not null"`
	EntityType             string `gorm:"column:entity_type;size:190;not null"`
	EntityID               string `gorm:"column:entity_id;size:190;not null"`
	LocalPayloadJSON       string `gorm:"column:local_payload_json;type:text;not null;default:''"`
	RemotePayloadJSON      string `gorm:"column:remote_payload_json;type:text;not null;default:''"`
	LocalTimestampSeconds  int64  `gorm:"column:local_timestamp_s;not null"`
	RemoteTimestampSeconds int64  `gorm:"column:remote_timestamp_s;not null"`
	RemoteDeviceID         string `gorm:"column:remote_device_id;size:190;not null"`
	ConflictType           string `gorm:"column:conflict_type;size:32;not null"`
	Resolved               bool   `gorm:"column:resolved;not null;default:false;index:idx_conflicts_resolved"`
	Resolution             string `gorm:"column:resolution;size:32;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictRow) TableName() string {
	return "sync_conflicts"
}

// HistoryRow persists one sync attempt.
type HistoryRow struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	DeviceID         string `gorm:"column:device_id;size:190;not null"`
	SpaceID          string `gorm:"column:space_id;size:190;not null;index:idx_history_space_time,priority:1"`
	SyncTimeSeconds  int64  `gorm:"column:sync_time_s;not null;index:idx_history_space_time,priority:2"`
	EntitiesSent     int    `gorm:"column:entities_sent;not null;default:0"`
	EntitiesReceived int    `gorm:"column:entities_received;not null;default:0"`
	Conflicts        int    `gorm:"column:conflicts;not null;default:0"`
	Success          bool   `gorm:"column:success;not null"`
	Error            string `gorm:"column:error;type:text;not null;default:''"`
	DurationMillis   int64  `gorm:"column:duration_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryRow) TableName() string {
	return "sync_history"
}

// VectorClockRow persists a space's vector clock as JSON.
type VectorClockRow struct {
	SpaceID   string `gorm:"column:space_id;primaryKey;size:190;not null"`
	ClockJSON string `gorm:"column:clock_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VectorClockRow) TableName() string {
	return "sync_vector_clocks"
}

// EntitySyncLogRow is the append-only per-entity sync audit trail.
type EntitySyncLogRow struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SpaceID         string `gorm:"column:space_id;size:190;not null;index:idx_entity_log_space"`
	EntityType      string `gorm:"column:entity_type;size:190;not null"`
	EntityID        string `gorm:"column:entity_id;size:190;not null"`
	Direction       string `gorm:"column:direction;size:16;not null"`
	SyncTimeSeconds int64  `gorm:"column:sync_time_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntitySyncLogRow) TableName() string {
	return "entity_sync_log"
}

// Models lists every table the sync store owns, for migration.
func Models() []any {
	return []any{
		&EntityRecordRow{},
		&DeviceRow{},
		&PeerTrustRow{},
		&ConflictRow{},
		&HistoryRow{},
		&VectorClockRow{},
		&EntitySyncLogRow{},
	}
}
