package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func mustDeviceID(t *testing.T, value string) DeviceID {
	t.Helper()
	id, err := NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustSpaceID(t *testing.T, value string) SpaceID {
	t.Helper()
	id, err := NewSpaceID(value)
	if err != nil {
		t.Fatalf("unexpected space id error: %v", err)
	}
	return id
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

// fakeCipher prefixes payloads with a marker derived from the key so that
// decryption with the wrong key, or of unencrypted bytes, fails.
type fakeCipher struct{}

func (fakeCipher) prefix(key []byte) []byte {
	return []byte(fmt.Sprintf("sealed[%x]:", key))
}

func (c fakeCipher) Encrypt(plaintext, key []byte) ([]byte, error) {
	return append(c.prefix(key), plaintext...), nil
}

func (c fakeCipher) Decrypt(ciphertext, key []byte) ([]byte, error) {
	prefix := c.prefix(key)
	if !bytes.HasPrefix(ciphertext, prefix) {
		return nil, errors.New("fake cipher: bad ciphertext")
	}
	return ciphertext[len(prefix):], nil
}

type recordKey struct {
	spaceID, entityType, entityID string
}

// fakeStore is an in-memory Store with snapshot-based transaction rollback
// and per-operation failure injection.
type fakeStore struct {
	records   map[recordKey]EntityRecord
	devices   map[string]DeviceInfo
	trusts    map[string]PeerTrust
	conflicts map[string]SyncConflict
	history   []SyncHistoryEntry
	clocks    map[string]map[string]uint64
	syncLog   []string

	failWriteRecord   bool
	failLogEntitySync bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:   make(map[recordKey]EntityRecord),
		devices:   make(map[string]DeviceInfo),
		trusts:    make(map[string]PeerTrust),
		conflicts: make(map[string]SyncConflict),
		clocks:    make(map[string]map[string]uint64),
	}
}

func (s *fakeStore) snapshot() *fakeStore {
	clone := newFakeStore()
	for key, record := range s.records {
		clone.records[key] = record
	}
	for id, device := range s.devices {
		clone.devices[id] = device
	}
	for id, trust := range s.trusts {
		clone.trusts[id] = trust
	}
	for id, conflict := range s.conflicts {
		clone.conflicts[id] = conflict
	}
	clone.history = append(clone.history, s.history...)
	for spaceID, state := range s.clocks {
		copied := make(map[string]uint64, len(state))
		for device, value := range state {
			copied[device] = value
		}
		clone.clocks[spaceID] = copied
	}
	clone.syncLog = append(clone.syncLog, s.syncLog...)
	return clone
}

func (s *fakeStore) restore(from *fakeStore) {
	s.records = from.records
	s.devices = from.devices
	s.trusts = from.trusts
	s.conflicts = from.conflicts
	s.history = from.history
	s.clocks = from.clocks
	s.syncLog = from.syncLog
}

func (s *fakeStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	saved := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(saved)
		return err
	}
	return nil
}

func (s *fakeStore) GetRecord(_ context.Context, spaceID, entityType, entityID string) (*EntityRecord, error) {
	record, ok := s.records[recordKey{spaceID, entityType, entityID}]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *fakeStore) WriteRecord(_ context.Context, record *EntityRecord) error {
	if s.failWriteRecord {
		return errors.New("fake store: write failure")
	}
	s.records[recordKey{record.SpaceID, record.EntityType, record.EntityID}] = *record
	return nil
}

func (s *fakeStore) DeleteRecord(_ context.Context, spaceID, entityType, entityID string, deletedAt int64) error {
	key := recordKey{spaceID, entityType, entityID}
	if record, ok := s.records[key]; ok {
		record.Deleted = true
		record.Data = nil
		record.UpdatedAt = deletedAt
		s.records[key] = record
	}
	return nil
}

func (s *fakeStore) RecordsChangedSince(_ context.Context, spaceID string, since int64, entityTypes []string) ([]EntityRecord, error) {
	matchType := func(entityType string) bool {
		if len(entityTypes) == 0 {
			return true
		}
		for _, candidate := range entityTypes {
			if candidate == entityType {
				return true
			}
		}
		return false
	}

	var matched []EntityRecord
	for key, record := range s.records {
		if key.spaceID == spaceID && record.UpdatedAt > since && matchType(key.entityType) {
			matched = append(matched, record)
		}
	}
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			if matched[j].UpdatedAt < matched[i].UpdatedAt {
				matched[i], matched[j] = matched[j], matched[i]
			}
		}
	}
	return matched, nil
}

func (s *fakeStore) UpsertDevice(_ context.Context, device DeviceInfo) error {
	s.devices[device.ID] = device
	return nil
}

func (s *fakeStore) Devices(_ context.Context) ([]DeviceInfo, error) {
	devices := make([]DeviceInfo, 0, len(s.devices))
	for _, device := range s.devices {
		devices = append(devices, device)
	}
	return devices, nil
}

func (s *fakeStore) SavePeerTrust(_ context.Context, trust PeerTrust) error {
	s.trusts[trust.DeviceID] = trust
	return nil
}

func (s *fakeStore) PeerTrustByDevice(_ context.Context, deviceID string) (*PeerTrust, error) {
	trust, ok := s.trusts[deviceID]
	if !ok {
		return nil, nil
	}
	return &trust, nil
}

func (s *fakeStore) PeerTrusts(_ context.Context) ([]PeerTrust, error) {
	trusts := make([]PeerTrust, 0, len(s.trusts))
	for _, trust := range s.trusts {
		trusts = append(trusts, trust)
	}
	return trusts, nil
}

func (s *fakeStore) InsertConflict(_ context.Context, conflict *SyncConflict) error {
	s.conflicts[conflict.ID] = *conflict
	return nil
}

func (s *fakeStore) ConflictByID(_ context.Context, conflictID string) (*SyncConflict, error) {
	conflict, ok := s.conflicts[conflictID]
	if !ok {
		return nil, nil
	}
	return &conflict, nil
}

func (s *fakeStore) MarkConflictResolved(_ context.Context, conflictID string, resolution ConflictResolution) error {
	conflict, ok := s.conflicts[conflictID]
	if !ok {
		return errors.New("fake store: conflict not found")
	}
	conflict.Resolved = true
	conflict.Resolution = resolution
	s.conflicts[conflictID] = conflict
	return nil
}

func (s *fakeStore) UnresolvedConflicts(_ context.Context) ([]SyncConflict, error) {
	var unresolved []SyncConflict
	for _, conflict := range s.conflicts {
		if !conflict.Resolved {
			unresolved = append(unresolved, conflict)
		}
	}
	return unresolved, nil
}

func (s *fakeStore) AppendHistory(_ context.Context, entry SyncHistoryEntry) error {
	s.history = append(s.history, entry)
	return nil
}

func (s *fakeStore) History(_ context.Context, limit int) ([]SyncHistoryEntry, error) {
	entries := append([]SyncHistoryEntry(nil), s.history...)
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *fakeStore) LastSuccessfulSyncTime(_ context.Context, spaceID string) (int64, error) {
	var latest int64
	for _, entry := range s.history {
		if entry.SpaceID == spaceID && entry.Success && entry.SyncTime > latest {
			latest = entry.SyncTime
		}
	}
	return latest, nil
}

func (s *fakeStore) VectorClock(_ context.Context, spaceID string) (map[string]uint64, error) {
	state, ok := s.clocks[spaceID]
	if !ok {
		return map[string]uint64{}, nil
	}
	copied := make(map[string]uint64, len(state))
	for device, value := range state {
		copied[device] = value
	}
	return copied, nil
}

func (s *fakeStore) SaveVectorClock(_ context.Context, spaceID string, state map[string]uint64) error {
	copied := make(map[string]uint64, len(state))
	for device, value := range state {
		copied[device] = value
	}
	s.clocks[spaceID] = copied
	return nil
}

func (s *fakeStore) LogEntitySync(_ context.Context, spaceID, entityType, entityID, direction string, _ int64) error {
	if s.failLogEntitySync {
		return errors.New("fake store: entity log failure")
	}
	s.syncLog = append(s.syncLog, fmt.Sprintf("%s/%s/%s/%s", spaceID, entityType, entityID, direction))
	return nil
}

func newTestAgent(t *testing.T, store *fakeStore) *Agent {
	t.Helper()
	testAgent, err := NewAgent(AgentConfig{
		Store:      store,
		Cipher:     fakeCipher{},
		Clock:      func() time.Time { return time.Unix(1700001000, 0) },
		IDProvider: &sequenceIDProvider{},
		DeviceID:   mustDeviceID(t, "device-local"),
		DeviceName: "Local",
		SyncPort:   8765,
	})
	if err != nil {
		t.Fatalf("unexpected agent construction error: %v", err)
	}
	return testAgent
}

func sealedPayload(t *testing.T, key []byte, plaintext string) []byte {
	t.Helper()
	sealed, err := fakeCipher{}.Encrypt([]byte(plaintext), key)
	if err != nil {
		t.Fatalf("unexpected seal error: %v", err)
	}
	return sealed
}
