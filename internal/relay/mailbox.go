// Package relay implements the blind store-and-forward service. The relay
// queues opaque encrypted envelopes per recipient and never holds key
// material that could open them.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxEnvelopeBytes caps one encrypted payload.
	MaxEnvelopeBytes = 10 << 20
	// MaxPendingPerDevice caps a recipient's queue depth.
	MaxPendingPerDevice = 100
	// EnvelopeTTL is how long an undelivered envelope is retained.
	EnvelopeTTL = 24 * time.Hour
)

var (
	// ErrEnvelopeTooLarge indicates the payload exceeds MaxEnvelopeBytes.
	ErrEnvelopeTooLarge = errors.New("relay: envelope exceeds size limit")
	// ErrMailboxFull indicates the recipient queue is at capacity.
	ErrMailboxFull = errors.New("relay: recipient mailbox is full")
	// ErrUnknownDevice indicates the device never registered.
	ErrUnknownDevice = errors.New("relay: unknown device")
	// ErrMissingField indicates a required envelope field is empty.
	ErrMissingField = errors.New("relay: missing required field")
)

// Envelope is one opaque message in transit through the relay.
type Envelope struct {
	ID               string `json:"id"`
	FromDeviceID     string `json:"from_device_id"`
	ToDeviceID       string `json:"to_device_id"`
	EncryptedPayload []byte `json:"encrypted_payload"`
	CreatedAt        int64  `json:"created_at"`
}

// Stats summarizes the relay's current load.
type Stats struct {
	RegisteredDevices int `json:"registered_devices"`
	PendingMessages   int `json:"pending_messages"`
	AcceptedTotal     int `json:"accepted_total"`
	ExpiredTotal      int `json:"expired_total"`
}

// Mailbox holds per-recipient FIFO queues in memory. Envelopes leave a
// queue only through expiry; fetching does not drain, so a crashed reader
// can fetch again safely.
type Mailbox struct {
	clock func() time.Time

	mu       sync.Mutex
	devices  map[string]string
	queues   map[string][]Envelope
	accepted int
	expired  int
}

// NewMailbox returns an empty mailbox. A nil clock defaults to time.Now.
func NewMailbox(clock func() time.Time) *Mailbox {
	if clock == nil {
		clock = time.Now
	}
	return &Mailbox{
		clock:   clock,
		devices: make(map[string]string),
		queues:  make(map[string][]Envelope),
	}
}

// RegisterDevice records a device and the hash of its public key.
// Re-registration refreshes the hash.
func (m *Mailbox) RegisterDevice(deviceID, publicKeyHash string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device_id", ErrMissingField)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceID] = publicKeyHash
	return nil
}

// SubmitMessage queues an envelope for its recipient and returns the
// assigned envelope id.
func (m *Mailbox) SubmitMessage(envelope Envelope) (string, error) {
	if envelope.FromDeviceID == "" {
		return "", fmt.Errorf("%w: from_device_id", ErrMissingField)
	}
	if envelope.ToDeviceID == "" {
		return "", fmt.Errorf("%w: to_device_id", ErrMissingField)
	}
	if len(envelope.EncryptedPayload) == 0 {
		return "", fmt.Errorf("%w: encrypted_payload", ErrMissingField)
	}
	if len(envelope.EncryptedPayload) > MaxEnvelopeBytes {
		return "", ErrEnvelopeTooLarge
	}

	envelopeID, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, registered := m.devices[envelope.ToDeviceID]; !registered {
		return "", ErrUnknownDevice
	}
	m.expireLocked(envelope.ToDeviceID)
	if len(m.queues[envelope.ToDeviceID]) >= MaxPendingPerDevice {
		return "", ErrMailboxFull
	}

	envelope.ID = envelopeID.String()
	envelope.CreatedAt = m.clock().UTC().Unix()
	m.queues[envelope.ToDeviceID] = append(m.queues[envelope.ToDeviceID], envelope)
	m.accepted++
	return envelope.ID, nil
}

// FetchMessages returns up to limit queued envelopes for the device, oldest
// first, without removing them. A limit of zero returns everything pending.
func (m *Mailbox) FetchMessages(deviceID string, limit int) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, registered := m.devices[deviceID]; !registered {
		return nil, ErrUnknownDevice
	}
	m.expireLocked(deviceID)

	queue := m.queues[deviceID]
	if limit <= 0 || limit > len(queue) {
		limit = len(queue)
	}
	envelopes := make([]Envelope, limit)
	copy(envelopes, queue[:limit])
	return envelopes, nil
}

// PendingCount returns the device's current queue depth.
func (m *Mailbox) PendingCount(deviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, registered := m.devices[deviceID]; !registered {
		return 0, ErrUnknownDevice
	}
	m.expireLocked(deviceID)
	return len(m.queues[deviceID]), nil
}

// Stats snapshots the relay's load counters.
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := 0
	for deviceID := range m.queues {
		m.expireLocked(deviceID)
		pending += len(m.queues[deviceID])
	}
	return Stats{
		RegisteredDevices: len(m.devices),
		PendingMessages:   pending,
		AcceptedTotal:     m.accepted,
		ExpiredTotal:      m.expired,
	}
}

// CleanupExpired drops every envelope past its TTL and returns how many
// were dropped.
func (m *Mailbox) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.expired
	for deviceID := range m.queues {
		m.expireLocked(deviceID)
	}
	return m.expired - before
}

func (m *Mailbox) expireLocked(deviceID string) {
	cutoff := m.clock().UTC().Add(-EnvelopeTTL).Unix()
	queue := m.queues[deviceID]
	kept := queue[:0]
	for _, envelope := range queue {
		if envelope.CreatedAt > cutoff {
			kept = append(kept, envelope)
		} else {
			m.expired++
		}
	}
	m.queues[deviceID] = kept
}
