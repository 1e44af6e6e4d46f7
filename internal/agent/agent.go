package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caravelhq/caravel-sync/internal/vclock"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingCipher     = errors.New("cipher is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDeviceID   = errors.New("device identifier is required")
	errConflictNotFound  = errors.New("conflict not found")
	errPairingNotFound   = errors.New("pairing not found")
	errUnknownResolution = errors.New("unknown resolution strategy")
	noOpLogger           = zap.NewNop()
)

// AgentError carries a stable machine-readable code alongside the cause.
type AgentError struct {
	code string
	err  error
}

func (e *AgentError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *AgentError) Unwrap() error {
	return e.err
}

func (e *AgentError) Code() string {
	return e.code
}

const (
	opAgentNew            = "agent.new"
	opRegisterDevice      = "agent.register_device"
	opDevices             = "agent.devices"
	opSavePairing         = "agent.save_pairing"
	opVerifyPeerKey       = "agent.verify_peer_key"
	opVerifyPairing       = "agent.verify_pairing"
	opRevokePairing       = "agent.revoke_pairing"
	opPairings            = "agent.pairings"
	opDeltasSince         = "agent.deltas_since"
	opApplyDeltas         = "agent.apply_deltas"
	opResolveConflict     = "agent.resolve_conflict"
	opUnresolvedConflicts = "agent.unresolved_conflicts"
	opLastSyncTime        = "agent.last_sync_time"
	opRecordHistory       = "agent.record_history"
	opHistory             = "agent.history"
	opStats               = "agent.stats"
)

func newAgentError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &AgentError{code: code, err: cause}
}

// IDProvider issues identifiers for deltas, conflicts and history rows.
type IDProvider interface {
	NewID() (string, error)
}

// AgentConfig carries the collaborators an Agent is built from. Store and
// Cipher are injected so the vault's storage and key handling stay outside
// this package.
type AgentConfig struct {
	Store      Store
	Cipher     Cipher
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	DeviceID   DeviceID
	DeviceName string
	DeviceType DeviceType
	SyncPort   int
}

// Agent applies and produces sync deltas against the local vault store. It
// is caller-owned: construct one per store, share it across goroutines.
type Agent struct {
	store      Store
	cipher     Cipher
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	deviceID   DeviceID
	deviceName string
	deviceType DeviceType
	syncPort   int
}

// NewAgent validates the configuration and returns an Agent.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Store == nil {
		return nil, newAgentError(opAgentNew, "missing_store", errMissingStore)
	}
	if cfg.Cipher == nil {
		return nil, newAgentError(opAgentNew, "missing_cipher", errMissingCipher)
	}
	if cfg.IDProvider == nil {
		return nil, newAgentError(opAgentNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.DeviceID.String() == "" {
		return nil, newAgentError(opAgentNew, "missing_device_id", errMissingDeviceID)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	deviceType := cfg.DeviceType
	if deviceType == "" {
		deviceType = DeviceTypeDesktop
	}

	return &Agent{
		store:      cfg.Store,
		cipher:     cfg.Cipher,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		deviceID:   cfg.DeviceID,
		deviceName: cfg.DeviceName,
		deviceType: deviceType,
		syncPort:   cfg.SyncPort,
	}, nil
}

// LocalDeviceInfo describes this device as peers should see it.
func (a *Agent) LocalDeviceInfo() DeviceInfo {
	return DeviceInfo{
		ID:         a.deviceID.String(),
		Name:       a.deviceName,
		DeviceType: a.deviceType,
		SyncPort:   a.syncPort,
		LastSeen:   a.clock().UTC().Unix(),
		IsActive:   true,
	}
}

// RegisterDevice upserts a peer device. Registration is idempotent; a
// re-register refreshes the stored metadata and last-seen time.
func (a *Agent) RegisterDevice(ctx context.Context, device DeviceInfo) error {
	if _, err := NewDeviceID(device.ID); err != nil {
		a.logError(opRegisterDevice, "invalid_device_id", err)
		return newAgentError(opRegisterDevice, "invalid_device_id", err)
	}

	device.LastSeen = a.clock().UTC().Unix()
	device.IsActive = true
	if err := a.store.UpsertDevice(ctx, device); err != nil {
		a.logError(opRegisterDevice, "upsert_failed", err, zap.String("device_id", device.ID))
		return newAgentError(opRegisterDevice, "upsert_failed", err)
	}
	return nil
}

// Devices lists every known peer device.
func (a *Agent) Devices(ctx context.Context) ([]DeviceInfo, error) {
	devices, err := a.store.Devices(ctx)
	if err != nil {
		a.logError(opDevices, "query_failed", err)
		return nil, newAgentError(opDevices, "query_failed", err)
	}
	return devices, nil
}

// SavePairing pins the key material agreed during an explicit pairing
// exchange. A re-pair replaces the pinned keys and resets the trust level to
// trust-on-first-use, which is also how a revoked or key-changed peer is
// re-enrolled.
func (a *Agent) SavePairing(ctx context.Context, trust PeerTrust) error {
	if _, err := NewDeviceID(trust.DeviceID); err != nil {
		a.logError(opSavePairing, "invalid_device_id", err)
		return newAgentError(opSavePairing, "invalid_device_id", err)
	}

	if trust.Trust == "" {
		trust.Trust = TrustOnFirstUse
	}
	if trust.PairedAt == 0 {
		trust.PairedAt = a.clock().UTC().Unix()
	}
	if err := a.store.SavePeerTrust(ctx, trust); err != nil {
		a.logError(opSavePairing, "save_failed", err, zap.String("device_id", trust.DeviceID))
		return newAgentError(opSavePairing, "save_failed", err)
	}
	return nil
}

// VerifyPeerKey checks a key a known peer presented against the pinned one.
// A mismatch demotes the pairing to key-changed and persists that, so the
// peer stays blocked until the user re-pairs. An unknown device reports
// trust-on-first-use without pinning anything; pinning happens only through
// SavePairing.
func (a *Agent) VerifyPeerKey(ctx context.Context, deviceID string, publicKey []byte) (TrustLevel, error) {
	trust, err := a.store.PeerTrustByDevice(ctx, deviceID)
	if err != nil {
		a.logError(opVerifyPeerKey, "query_failed", err, zap.String("device_id", deviceID))
		return "", newAgentError(opVerifyPeerKey, "query_failed", err)
	}
	if trust == nil {
		return TrustOnFirstUse, nil
	}
	if trust.Trust == TrustRevoked {
		a.logger.Warn("revoked device attempted to connect", zap.String("device_id", deviceID))
		return TrustRevoked, nil
	}
	if !bytes.Equal(trust.PublicKey, publicKey) {
		a.logger.Warn("peer presented a different key than the pinned one",
			zap.String("device_id", deviceID))
		trust.Trust = TrustKeyChanged
		if err := a.store.SavePeerTrust(ctx, *trust); err != nil {
			a.logError(opVerifyPeerKey, "save_failed", err, zap.String("device_id", deviceID))
			return "", newAgentError(opVerifyPeerKey, "save_failed", err)
		}
		return TrustKeyChanged, nil
	}
	return trust.Trust, nil
}

// VerifyPairing upgrades a trust-on-first-use pairing to verified after the
// user confirmed the key out of band.
func (a *Agent) VerifyPairing(ctx context.Context, deviceID string) error {
	return a.setTrustLevel(ctx, opVerifyPairing, deviceID, TrustVerified)
}

// RevokePairing cuts a peer off. The pinned entry is kept so the device
// stays blocked; only an explicit re-pair restores it.
func (a *Agent) RevokePairing(ctx context.Context, deviceID string) error {
	return a.setTrustLevel(ctx, opRevokePairing, deviceID, TrustRevoked)
}

func (a *Agent) setTrustLevel(ctx context.Context, operation, deviceID string, level TrustLevel) error {
	trust, err := a.store.PeerTrustByDevice(ctx, deviceID)
	if err != nil {
		a.logError(operation, "query_failed", err, zap.String("device_id", deviceID))
		return newAgentError(operation, "query_failed", err)
	}
	if trust == nil {
		return newAgentError(operation, "pairing_not_found", errPairingNotFound)
	}

	trust.Trust = level
	if err := a.store.SavePeerTrust(ctx, *trust); err != nil {
		a.logError(operation, "save_failed", err, zap.String("device_id", deviceID))
		return newAgentError(operation, "save_failed", err)
	}
	return nil
}

// Pairings lists every pinned peer, including revoked ones.
func (a *Agent) Pairings(ctx context.Context) ([]PeerTrust, error) {
	pairings, err := a.store.PeerTrusts(ctx)
	if err != nil {
		a.logError(opPairings, "query_failed", err)
		return nil, newAgentError(opPairings, "query_failed", err)
	}
	return pairings, nil
}

// DeltasSince gathers encrypted deltas for every record in the space updated
// strictly after since, scoped to the given entity types (empty means all).
// The space's vector clock is incremented once per call and stamped onto
// every produced delta.
func (a *Agent) DeltasSince(ctx context.Context, spaceID SpaceID, since int64, entityTypes []string, key []byte) ([]SyncDelta, error) {
	records, err := a.store.RecordsChangedSince(ctx, spaceID.String(), since, entityTypes)
	if err != nil {
		a.logError(opDeltasSince, "records_query_failed", err, zap.String("space_id", spaceID.String()))
		return nil, newAgentError(opDeltasSince, "records_query_failed", err)
	}

	clockState, err := a.store.VectorClock(ctx, spaceID.String())
	if err != nil {
		a.logError(opDeltasSince, "clock_load_failed", err, zap.String("space_id", spaceID.String()))
		return nil, newAgentError(opDeltasSince, "clock_load_failed", err)
	}
	spaceClock := vclock.FromState(a.deviceID.String(), clockState)
	spaceClock.Increment()
	if err := a.store.SaveVectorClock(ctx, spaceID.String(), spaceClock.State()); err != nil {
		a.logError(opDeltasSince, "clock_save_failed", err, zap.String("space_id", spaceID.String()))
		return nil, newAgentError(opDeltasSince, "clock_save_failed", err)
	}

	deltas := make([]SyncDelta, 0, len(records))
	for _, record := range records {
		delta := SyncDelta{
			EntityType:  record.EntityType,
			EntityID:    record.EntityID,
			SpaceID:     spaceID.String(),
			Timestamp:   record.UpdatedAt,
			VectorClock: spaceClock.State(),
		}

		deltaID, err := a.idProvider.NewID()
		if err != nil {
			a.logError(opDeltasSince, "id_generation_failed", err)
			return nil, newAgentError(opDeltasSince, "id_generation_failed", err)
		}
		delta.ID = deltaID

		if record.Deleted {
			delta.Operation = OperationDelete
		} else {
			delta.Operation = OperationUpdate
			encrypted, err := a.cipher.Encrypt(record.Data, key)
			if err != nil {
				a.logError(opDeltasSince, "encrypt_failed", err,
					zap.String("entity_type", record.EntityType),
					zap.String("entity_id", record.EntityID))
				return nil, newAgentError(opDeltasSince, "encrypt_failed", err)
			}
			delta.Data = encrypted
		}

		deltas = append(deltas, delta)
	}

	return deltas, nil
}

// ApplyDeltas applies a batch of incoming deltas inside a single store
// transaction. Deltas whose payload cannot be decrypted or parsed are
// skipped so one poisoned delta cannot block the batch; storage failures
// abort and roll back everything. Collisions are persisted as conflicts and
// returned; conflicted entities are left untouched.
func (a *Agent) ApplyDeltas(ctx context.Context, deltas []SyncDelta, remoteDeviceID string, key []byte) ([]SyncConflict, error) {
	conflicts := make([]SyncConflict, 0)
	txErr := a.store.Transact(ctx, func(tx Store) error {
		lastSyncBySpace := make(map[string]int64)
		clocksBySpace := make(map[string]*vclock.Clock)

		for _, delta := range deltas {
			lastSync, known := lastSyncBySpace[delta.SpaceID]
			if !known {
				var err error
				lastSync, err = tx.LastSuccessfulSyncTime(ctx, delta.SpaceID)
				if err != nil {
					a.logError(opApplyDeltas, "last_sync_query_failed", err, zap.String("space_id", delta.SpaceID))
					return newAgentError(opApplyDeltas, "last_sync_query_failed", err)
				}
				lastSyncBySpace[delta.SpaceID] = lastSync
			}

			var plaintext []byte
			if delta.Operation != OperationDelete {
				decrypted, err := a.cipher.Decrypt(delta.Data, key)
				if err != nil {
					a.logger.Warn("skipping undecryptable delta",
						zap.String("delta_id", delta.ID),
						zap.String("entity_type", delta.EntityType),
						zap.String("entity_id", delta.EntityID),
						zap.Error(err))
					continue
				}
				plaintext = decrypted
			}

			local, err := tx.GetRecord(ctx, delta.SpaceID, delta.EntityType, delta.EntityID)
			if err != nil {
				a.logError(opApplyDeltas, "record_select_failed", err,
					zap.String("entity_type", delta.EntityType),
					zap.String("entity_id", delta.EntityID))
				return newAgentError(opApplyDeltas, "record_select_failed", err)
			}

			if conflictType, collided := classifyConflict(local, delta, lastSync); collided {
				conflictID, err := a.idProvider.NewID()
				if err != nil {
					a.logError(opApplyDeltas, "id_generation_failed", err)
					return newAgentError(opApplyDeltas, "id_generation_failed", err)
				}
				conflict := SyncConflict{
					ID:              conflictID,
					EntityType:      delta.EntityType,
					EntityID:        delta.EntityID,
					SpaceID:         delta.SpaceID,
					LocalData:       local.Data,
					RemoteData:      plaintext,
					LocalTimestamp:  local.UpdatedAt,
					RemoteTimestamp: delta.Timestamp,
					RemoteDeviceID:  remoteDeviceID,
					ConflictType:    conflictType,
				}
				if err := tx.InsertConflict(ctx, &conflict); err != nil {
					a.logError(opApplyDeltas, "conflict_insert_failed", err, zap.String("conflict_id", conflictID))
					return newAgentError(opApplyDeltas, "conflict_insert_failed", err)
				}
				conflicts = append(conflicts, conflict)
				continue
			}

			if delta.Operation == OperationDelete {
				if err := tx.DeleteRecord(ctx, delta.SpaceID, delta.EntityType, delta.EntityID, delta.Timestamp); err != nil {
					a.logError(opApplyDeltas, "record_delete_failed", err,
						zap.String("entity_type", delta.EntityType),
						zap.String("entity_id", delta.EntityID))
					return newAgentError(opApplyDeltas, "record_delete_failed", err)
				}
			} else {
				record := EntityRecord{
					SpaceID:     delta.SpaceID,
					EntityType:  delta.EntityType,
					EntityID:    delta.EntityID,
					Data:        plaintext,
					UpdatedAt:   delta.Timestamp,
					VectorClock: delta.VectorClock,
				}
				if err := tx.WriteRecord(ctx, &record); err != nil {
					a.logError(opApplyDeltas, "record_write_failed", err,
						zap.String("entity_type", delta.EntityType),
						zap.String("entity_id", delta.EntityID))
					return newAgentError(opApplyDeltas, "record_write_failed", err)
				}
			}

			spaceClock, loaded := clocksBySpace[delta.SpaceID]
			if !loaded {
				state, err := tx.VectorClock(ctx, delta.SpaceID)
				if err != nil {
					a.logError(opApplyDeltas, "clock_load_failed", err, zap.String("space_id", delta.SpaceID))
					return newAgentError(opApplyDeltas, "clock_load_failed", err)
				}
				spaceClock = vclock.FromState(a.deviceID.String(), state)
				clocksBySpace[delta.SpaceID] = spaceClock
			}
			spaceClock.Merge(vclock.FromState(remoteDeviceID, delta.VectorClock))

			if err := tx.LogEntitySync(ctx, delta.SpaceID, delta.EntityType, delta.EntityID, "received", a.clock().UTC().Unix()); err != nil {
				a.logError(opApplyDeltas, "entity_log_failed", err)
				return newAgentError(opApplyDeltas, "entity_log_failed", err)
			}
		}

		for spaceID, spaceClock := range clocksBySpace {
			if err := tx.SaveVectorClock(ctx, spaceID, spaceClock.State()); err != nil {
				a.logError(opApplyDeltas, "clock_save_failed", err, zap.String("space_id", spaceID))
				return newAgentError(opApplyDeltas, "clock_save_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	return conflicts, nil
}

// ResolveConflict settles a stored conflict with the chosen strategy.
// Resolving an already-resolved conflict is a no-op.
func (a *Agent) ResolveConflict(ctx context.Context, conflictID string, resolution ConflictResolution) error {
	return a.store.Transact(ctx, func(tx Store) error {
		conflict, err := tx.ConflictByID(ctx, conflictID)
		if err != nil {
			a.logError(opResolveConflict, "conflict_select_failed", err, zap.String("conflict_id", conflictID))
			return newAgentError(opResolveConflict, "conflict_select_failed", err)
		}
		if conflict == nil {
			return newAgentError(opResolveConflict, "conflict_not_found", errConflictNotFound)
		}
		if conflict.Resolved {
			return nil
		}

		switch resolution {
		case ResolutionUseLocal:
			// Local state already holds the winning payload.

		case ResolutionUseRemote:
			if conflict.ConflictType == ConflictUpdateDelete {
				if err := tx.DeleteRecord(ctx, conflict.SpaceID, conflict.EntityType, conflict.EntityID, conflict.RemoteTimestamp); err != nil {
					a.logError(opResolveConflict, "record_delete_failed", err, zap.String("conflict_id", conflictID))
					return newAgentError(opResolveConflict, "record_delete_failed", err)
				}
			} else {
				record := EntityRecord{
					SpaceID:    conflict.SpaceID,
					EntityType: conflict.EntityType,
					EntityID:   conflict.EntityID,
					Data:       conflict.RemoteData,
					UpdatedAt:  conflict.RemoteTimestamp,
				}
				if err := tx.WriteRecord(ctx, &record); err != nil {
					a.logError(opResolveConflict, "record_write_failed", err, zap.String("conflict_id", conflictID))
					return newAgentError(opResolveConflict, "record_write_failed", err)
				}
			}

		case ResolutionMerge:
			merged, err := mergePayloads(conflict.LocalData, conflict.RemoteData, conflict.LocalTimestamp, conflict.RemoteTimestamp)
			if err != nil {
				a.logError(opResolveConflict, "merge_failed", err, zap.String("conflict_id", conflictID))
				return newAgentError(opResolveConflict, "merge_failed", err)
			}
			record := EntityRecord{
				SpaceID:    conflict.SpaceID,
				EntityType: conflict.EntityType,
				EntityID:   conflict.EntityID,
				Data:       merged,
				UpdatedAt:  a.clock().UTC().Unix(),
			}
			if err := tx.WriteRecord(ctx, &record); err != nil {
				a.logError(opResolveConflict, "record_write_failed", err, zap.String("conflict_id", conflictID))
				return newAgentError(opResolveConflict, "record_write_failed", err)
			}

		default:
			return newAgentError(opResolveConflict, "unknown_resolution", fmt.Errorf("%w: %q", errUnknownResolution, resolution))
		}

		if err := tx.MarkConflictResolved(ctx, conflictID, resolution); err != nil {
			a.logError(opResolveConflict, "mark_resolved_failed", err, zap.String("conflict_id", conflictID))
			return newAgentError(opResolveConflict, "mark_resolved_failed", err)
		}
		return nil
	})
}

// LastSyncTime returns the watermark of the space's most recent successful
// sync, or 0 when it has never synced.
func (a *Agent) LastSyncTime(ctx context.Context, spaceID SpaceID) (int64, error) {
	lastSync, err := a.store.LastSuccessfulSyncTime(ctx, spaceID.String())
	if err != nil {
		a.logError(opLastSyncTime, "query_failed", err, zap.String("space_id", spaceID.String()))
		return 0, newAgentError(opLastSyncTime, "query_failed", err)
	}
	return lastSync, nil
}

// UnresolvedConflicts lists every conflict awaiting a resolution decision.
func (a *Agent) UnresolvedConflicts(ctx context.Context) ([]SyncConflict, error) {
	conflicts, err := a.store.UnresolvedConflicts(ctx)
	if err != nil {
		a.logError(opUnresolvedConflicts, "query_failed", err)
		return nil, newAgentError(opUnresolvedConflicts, "query_failed", err)
	}
	return conflicts, nil
}

// RecordHistory appends a sync attempt to the history log, filling in the
// id and sync time when the caller left them zero.
func (a *Agent) RecordHistory(ctx context.Context, entry SyncHistoryEntry) error {
	if entry.ID == "" {
		entryID, err := a.idProvider.NewID()
		if err != nil {
			a.logError(opRecordHistory, "id_generation_failed", err)
			return newAgentError(opRecordHistory, "id_generation_failed", err)
		}
		entry.ID = entryID
	}
	if entry.SyncTime == 0 {
		entry.SyncTime = a.clock().UTC().Unix()
	}

	if err := a.store.AppendHistory(ctx, entry); err != nil {
		a.logError(opRecordHistory, "append_failed", err)
		return newAgentError(opRecordHistory, "append_failed", err)
	}
	return nil
}

// History returns the most recent sync attempts, newest first. A limit of
// zero returns everything.
func (a *Agent) History(ctx context.Context, limit int) ([]SyncHistoryEntry, error) {
	entries, err := a.store.History(ctx, limit)
	if err != nil {
		a.logError(opHistory, "query_failed", err)
		return nil, newAgentError(opHistory, "query_failed", err)
	}
	return entries, nil
}

// Stats derives aggregate counters from the full history log.
func (a *Agent) Stats(ctx context.Context) (SyncStats, error) {
	entries, err := a.store.History(ctx, 0)
	if err != nil {
		a.logError(opStats, "query_failed", err)
		return SyncStats{}, newAgentError(opStats, "query_failed", err)
	}

	var stats SyncStats
	for _, entry := range entries {
		stats.TotalSyncs++
		if entry.Success {
			stats.SuccessfulSyncs++
		} else {
			stats.FailedSyncs++
		}
		if entry.SyncTime > stats.LastSyncTime {
			stats.LastSyncTime = entry.SyncTime
		}
		stats.TotalEntitiesSent += entry.EntitiesSent
		stats.TotalEntitiesReceived += entry.EntitiesReceived
	}
	return stats, nil
}

func (a *Agent) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("sync agent error", attrs...)
}
