package agent

import "context"

// Store is the persistence collaborator the agent runs against. The vault
// owns the concrete implementation; the agent only needs these operations.
//
// Record lookups return (nil, nil) when the entity does not exist so that
// absence is distinguishable from storage failure.
type Store interface {
	// Transact runs fn against a transaction-bound Store. A non-nil error
	// from fn rolls back every write made inside it.
	Transact(ctx context.Context, fn func(tx Store) error) error

	GetRecord(ctx context.Context, spaceID, entityType, entityID string) (*EntityRecord, error)
	WriteRecord(ctx context.Context, record *EntityRecord) error
	// DeleteRecord tombstones a record and stamps it with deletedAt so the
	// deletion itself is picked up by RecordsChangedSince and syncs onward.
	DeleteRecord(ctx context.Context, spaceID, entityType, entityID string, deletedAt int64) error
	// RecordsChangedSince returns records of the given entity types updated
	// strictly after since, ordered by update time ascending. An empty
	// entityTypes slice matches every type.
	RecordsChangedSince(ctx context.Context, spaceID string, since int64, entityTypes []string) ([]EntityRecord, error)

	UpsertDevice(ctx context.Context, device DeviceInfo) error
	Devices(ctx context.Context) ([]DeviceInfo, error)

	// SavePeerTrust upserts the pinned key material for one peer.
	SavePeerTrust(ctx context.Context, trust PeerTrust) error
	// PeerTrustByDevice returns the pinned entry, or (nil, nil) when the
	// device was never paired.
	PeerTrustByDevice(ctx context.Context, deviceID string) (*PeerTrust, error)
	PeerTrusts(ctx context.Context) ([]PeerTrust, error)

	InsertConflict(ctx context.Context, conflict *SyncConflict) error
	ConflictByID(ctx context.Context, conflictID string) (*SyncConflict, error)
	MarkConflictResolved(ctx context.Context, conflictID string, resolution ConflictResolution) error
	UnresolvedConflicts(ctx context.Context) ([]SyncConflict, error)

	AppendHistory(ctx context.Context, entry SyncHistoryEntry) error
	History(ctx context.Context, limit int) ([]SyncHistoryEntry, error)
	// LastSuccessfulSyncTime returns the most recent successful sync time
	// for the space, or 0 when the space has never synced.
	LastSuccessfulSyncTime(ctx context.Context, spaceID string) (int64, error)

	VectorClock(ctx context.Context, spaceID string) (map[string]uint64, error)
	SaveVectorClock(ctx context.Context, spaceID string, state map[string]uint64) error

	LogEntitySync(ctx context.Context, spaceID, entityType, entityID, direction string, syncTime int64) error
}

// Cipher encrypts and decrypts delta payloads at the sync boundary. The key
// is the 32-byte space key or pairing shared secret; the agent treats both
// the key and the payload as opaque.
type Cipher interface {
	Encrypt(plaintext, key []byte) ([]byte, error)
	Decrypt(ciphertext, key []byte) ([]byte, error)
}
