package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/caravelhq/caravel-sync/internal/agent"
)

var errMissingDatabase = errors.New("storage: database handle is required")

// Store implements agent.Store over a GORM SQLite database.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Transact runs fn against a transaction-bound Store. A non-nil error from
// fn rolls back every write made inside it.
func (s *Store) Transact(ctx context.Context, fn func(tx agent.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// GetRecord returns the stored record, or (nil, nil) when absent.
func (s *Store) GetRecord(ctx context.Context, spaceID, entityType, entityID string) (*agent.EntityRecord, error) {
	var row EntityRecordRow
	err := s.db.WithContext(ctx).
		Where("space_id = ? AND entity_type = ? AND entity_id = ?", spaceID, entityType, entityID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record, err := recordFromRow(row)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// WriteRecord upserts a record, clearing any tombstone.
func (s *Store) WriteRecord(ctx context.Context, record *agent.EntityRecord) error {
	clockJSON, err := encodeClock(record.VectorClock)
	if err != nil {
		return err
	}
	row := EntityRecordRow{
		SpaceID:          record.SpaceID,
		EntityType:       record.EntityType,
		EntityID:         record.EntityID,
		PayloadJSON:      string(record.Data),
		UpdatedAtSeconds: record.UpdatedAt,
		IsDeleted:        record.Deleted,
		VectorClockJSON:  clockJSON,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// DeleteRecord tombstones a record in place and advances its update time to
// deletedAt so the deletion still syncs to other devices. Deleting a missing
// record is a no-op.
func (s *Store) DeleteRecord(ctx context.Context, spaceID, entityType, entityID string, deletedAt int64) error {
	return s.db.WithContext(ctx).Model(&EntityRecordRow{}).
		Where("space_id = ? AND entity_type = ? AND entity_id = ?", spaceID, entityType, entityID).
		Updates(map[string]any{"is_deleted": true, "payload_json": "", "updated_at_s": deletedAt}).Error
}

// RecordsChangedSince returns records updated strictly after since, oldest
// first. An empty entityTypes slice matches every type.
func (s *Store) RecordsChangedSince(ctx context.Context, spaceID string, since int64, entityTypes []string) ([]agent.EntityRecord, error) {
	query := s.db.WithContext(ctx).
		Where("space_id = ? AND updated_at_s > ?", spaceID, since).
		Order("updated_at_s ASC")
	if len(entityTypes) > 0 {
		query = query.Where("entity_type IN ?", entityTypes)
	}

	var rows []EntityRecordRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]agent.EntityRecord, 0, len(rows))
	for _, row := range rows {
		record, err := recordFromRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// UpsertDevice inserts or refreshes a peer device row.
func (s *Store) UpsertDevice(ctx context.Context, device agent.DeviceInfo) error {
	row := DeviceRow{
		DeviceID:        device.ID,
		Name:            device.Name,
		DeviceType:      string(device.DeviceType),
		IPAddress:       device.IPAddress,
		SyncPort:        device.SyncPort,
		PublicKey:       device.PublicKey,
		OSVersion:       device.OSVersion,
		LastSeenSeconds: device.LastSeen,
		IsActive:        device.IsActive,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

// Devices lists every known peer, most recently seen first.
func (s *Store) Devices(ctx context.Context) ([]agent.DeviceInfo, error) {
	var rows []DeviceRow
	if err := s.db.WithContext(ctx).Order("last_seen_s DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	devices := make([]agent.DeviceInfo, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, agent.DeviceInfo{
			ID:         row.DeviceID,
			Name:       row.Name,
			DeviceType: agent.DeviceType(row.DeviceType),
			IPAddress:  row.IPAddress,
			SyncPort:   row.SyncPort,
			PublicKey:  row.PublicKey,
			OSVersion:  row.OSVersion,
			LastSeen:   row.LastSeenSeconds,
			IsActive:   row.IsActive,
		})
	}
	return devices, nil
}

// SavePeerTrust upserts one peer's pinned key material.
func (s *Store) SavePeerTrust(ctx context.Context, trust agent.PeerTrust) error {
	row := PeerTrustRow{
		DeviceID:        trust.DeviceID,
		PublicKey:       trust.PublicKey,
		LocalPublicKey:  trust.LocalPublicKey,
		SharedSecret:    trust.SharedSecret,
		TrustLevel:      string(trust.Trust),
		PairedAtSeconds: trust.PairedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

// PeerTrustByDevice returns the pinned entry, or (nil, nil) when the device
// was never paired.
func (s *Store) PeerTrustByDevice(ctx context.Context, deviceID string) (*agent.PeerTrust, error) {
	var row PeerTrustRow
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	trust := peerTrustFromRow(row)
	return &trust, nil
}

// PeerTrusts lists every pinned peer, oldest pairing first.
func (s *Store) PeerTrusts(ctx context.Context) ([]agent.PeerTrust, error) {
	var rows []PeerTrustRow
	if err := s.db.WithContext(ctx).Order("paired_at_s ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	trusts := make([]agent.PeerTrust, 0, len(rows))
	for _, row := range rows {
		trusts = append(trusts, peerTrustFromRow(row))
	}
	return trusts, nil
}

// InsertConflict persists a new conflict row.
func (s *Store) InsertConflict(ctx context.Context, conflict *agent.SyncConflict) error {
	row := conflictRowFromDomain(*conflict)
	return s.db.WithContext(ctx).Create(&row).Error
}

// ConflictByID returns the stored conflict, or (nil, nil) when absent.
func (s *Store) ConflictByID(ctx context.Context, conflictID string) (*agent.SyncConflict, error) {
	var row ConflictRow
	err := s.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conflict := conflictFromRow(row)
	return &conflict, nil
}

// MarkConflictResolved stamps a conflict with its resolution.
func (s *Store) MarkConflictResolved(ctx context.Context, conflictID string, resolution agent.ConflictResolution) error {
	result := s.db.WithContext(ctx).Model(&ConflictRow{}).
		Where("conflict_id = ?", conflictID).
		Updates(map[string]any{"resolved": true, "resolution": string(resolution)})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("storage: conflict %s not found", conflictID)
	}
	return nil
}

// UnresolvedConflicts lists conflicts awaiting resolution, oldest remote
// edit first.
func (s *Store) UnresolvedConflicts(ctx context.Context) ([]agent.SyncConflict, error) {
	var rows []ConflictRow
	if err := s.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("remote_timestamp_s ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	conflicts := make([]agent.SyncConflict, 0, len(rows))
	for _, row := range rows {
		conflicts = append(conflicts, conflictFromRow(row))
	}
	return conflicts, nil
}

// AppendHistory inserts one sync attempt row.
func (s *Store) AppendHistory(ctx context.Context, entry agent.SyncHistoryEntry) error {
	row := HistoryRow{
		EntryID:          entry.ID,
		DeviceID:         entry.DeviceID,
		SpaceID:          entry.SpaceID,
		SyncTimeSeconds:  entry.SyncTime,
		EntitiesSent:     entry.EntitiesSent,
		EntitiesReceived: entry.EntitiesReceived,
		Conflicts:        entry.Conflicts,
		Success:          entry.Success,
		Error:            entry.Error,
		DurationMillis:   entry.DurationMillis,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// History returns sync attempts newest first. A limit of zero returns all.
func (s *Store) History(ctx context.Context, limit int) ([]agent.SyncHistoryEntry, error) {
	query := s.db.WithContext(ctx).Order("sync_time_s DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []HistoryRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	entries := make([]agent.SyncHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, agent.SyncHistoryEntry{
			ID:               row.EntryID,
			DeviceID:         row.DeviceID,
			SpaceID:          row.SpaceID,
			SyncTime:         row.SyncTimeSeconds,
			EntitiesSent:     row.EntitiesSent,
			EntitiesReceived: row.EntitiesReceived,
			Conflicts:        row.Conflicts,
			Success:          row.Success,
			Error:            row.Error,
			DurationMillis:   row.DurationMillis,
		})
	}
	return entries, nil
}

// LastSuccessfulSyncTime returns the space's most recent successful sync
// time, or 0 when the space has never synced.
func (s *Store) LastSuccessfulSyncTime(ctx context.Context, spaceID string) (int64, error) {
	var row HistoryRow
	err := s.db.WithContext(ctx).
		Where("space_id = ? AND success = ?", spaceID, true).
		Order("sync_time_s DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.SyncTimeSeconds, nil
}

// VectorClock loads a space's clock state. A space never seen before
// returns an empty state.
func (s *Store) VectorClock(ctx context.Context, spaceID string) (map[string]uint64, error) {
	var row VectorClockRow
	err := s.db.WithContext(ctx).Where("space_id = ?", spaceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[string]uint64{}, nil
	}
	if err != nil {
		return nil, err
	}

	state := make(map[string]uint64)
	if err := json.Unmarshal([]byte(row.ClockJSON), &state); err != nil {
		return nil, fmt.Errorf("storage: decode vector clock for %s: %w", spaceID, err)
	}
	return state, nil
}

// SaveVectorClock upserts a space's clock state.
func (s *Store) SaveVectorClock(ctx context.Context, spaceID string, state map[string]uint64) error {
	clockJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("storage: encode vector clock for %s: %w", spaceID, err)
	}
	row := VectorClockRow{SpaceID: spaceID, ClockJSON: string(clockJSON)}
	return s.db.WithContext(ctx).Save(&row).Error
}

// LogEntitySync appends one per-entity audit row.
func (s *Store) LogEntitySync(ctx context.Context, spaceID, entityType, entityID, direction string, syncTime int64) error {
	row := EntitySyncLogRow{
		SpaceID:         spaceID,
		EntityType:      entityType,
		EntityID:        entityID,
		Direction:       direction,
		SyncTimeSeconds: syncTime,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func recordFromRow(row EntityRecordRow) (agent.EntityRecord, error) {
	record := agent.EntityRecord{
		SpaceID:    row.SpaceID,
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		Data:       []byte(row.PayloadJSON),
		UpdatedAt:  row.UpdatedAtSeconds,
		Deleted:    row.IsDeleted,
	}
	if row.VectorClockJSON != "" {
		state := make(map[string]uint64)
		if err := json.Unmarshal([]byte(row.VectorClockJSON), &state); err != nil {
			return agent.EntityRecord{}, fmt.Errorf("storage: decode record clock: %w", err)
		}
		record.VectorClock = state
	}
	return record, nil
}

func peerTrustFromRow(row PeerTrustRow) agent.PeerTrust {
	return agent.PeerTrust{
		DeviceID:       row.DeviceID,
		PublicKey:      row.PublicKey,
		LocalPublicKey: row.LocalPublicKey,
		SharedSecret:   row.SharedSecret,
		Trust:          agent.TrustLevel(row.TrustLevel),
		PairedAt:       row.PairedAtSeconds,
	}
}

func conflictRowFromDomain(conflict agent.SyncConflict) ConflictRow {
	return ConflictRow{
		ConflictID:             conflict.ID,
		SpaceID:                conflict.SpaceID,
		EntityType:             conflict.EntityType,
		EntityID:               conflict.EntityID,
		LocalPayloadJSON:       string(conflict.LocalData),
		RemotePayloadJSON:      string(conflict.RemoteData),
		LocalTimestampSeconds:  conflict.LocalTimestamp,
		RemoteTimestampSeconds: conflict.RemoteTimestamp,
		RemoteDeviceID:         conflict.RemoteDeviceID,
		ConflictType:           string(conflict.ConflictType),
		Resolved:               conflict.Resolved,
		Resolution:             string(conflict.Resolution),
	}
}

func conflictFromRow(row ConflictRow) agent.SyncConflict {
	return agent.SyncConflict{
		ID:              row.ConflictID,
		SpaceID:         row.SpaceID,
		EntityType:      row.EntityType,
		EntityID:        row.EntityID,
		LocalData:       []byte(row.LocalPayloadJSON),
		RemoteData:      []byte(row.RemotePayloadJSON),
		LocalTimestamp:  row.LocalTimestampSeconds,
		RemoteTimestamp: row.RemoteTimestampSeconds,
		RemoteDeviceID:  row.RemoteDeviceID,
		ConflictType:    agent.ConflictType(row.ConflictType),
		Resolved:        row.Resolved,
		Resolution:      agent.ConflictResolution(row.Resolution),
	}
}

func encodeClock(state map[string]uint64) (string, error) {
	if len(state) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("storage: encode record clock: %w", err)
	}
	return string(encoded), nil
}
