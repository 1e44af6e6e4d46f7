package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caravelhq/caravel-sync/internal/agent"
	"github.com/caravelhq/caravel-sync/internal/batch"
	"github.com/caravelhq/caravel-sync/internal/pairing"
)

var (
	// ErrAuthenticationFailed indicates the pairing code did not match.
	ErrAuthenticationFailed = errors.New("protocol: pairing code mismatch")
	// ErrNotPaired indicates a sync was requested with an unpaired device.
	ErrNotPaired = errors.New("protocol: device not paired")
	// ErrDeviceUnavailable indicates the paired device is marked inactive.
	ErrDeviceUnavailable = errors.New("protocol: device unavailable")
	// ErrSyncInProgress indicates a session with the device is already running.
	ErrSyncInProgress = errors.New("protocol: sync already in progress")
	// ErrVersionMismatch indicates the peer speaks a different protocol version.
	ErrVersionMismatch = errors.New("protocol: version mismatch")
	// ErrUntrustedDevice indicates the peer is revoked or presented a key
	// other than the pinned one. Only an explicit re-pair clears it.
	ErrUntrustedDevice = errors.New("protocol: device key not trusted")

	errMissingAgent = errors.New("agent is required")
)

// SessionState tracks one device's sync session lifecycle.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionConnecting SessionState = "connecting"
	SessionSyncing    SessionState = "syncing"
	SessionComplete   SessionState = "complete"
	SessionError      SessionState = "error"
)

// Progress is a point-in-time snapshot of a sync session, published to
// subscribers after every state change and batch.
type Progress struct {
	DeviceID         string       `json:"device_id"`
	State            SessionState `json:"state"`
	BatchesSent      int          `json:"batches_sent"`
	BatchesTotal     int          `json:"batches_total"`
	EntitiesSent     int          `json:"entities_sent"`
	EntitiesReceived int          `json:"entities_received"`
	Conflicts        int          `json:"conflicts"`
	Error            string       `json:"error,omitempty"`
}

// ProgressPublisher receives progress snapshots. Publish must not block.
type ProgressPublisher interface {
	Publish(progress Progress)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Progress) {}

// PairedDevice is a peer this device has completed pairing with.
// LocalPublicKey is the key this device presented during the exchange; it is
// replayed in later handshakes so the peer can match it against its pin.
type PairedDevice struct {
	Info           agent.DeviceInfo
	SharedSecret   []byte
	LocalPublicKey []byte
	PairedAt       int64
}

// Config carries the collaborators a Protocol is built from.
type Config struct {
	Agent     *agent.Agent
	Batcher   *batch.Processor
	Publisher ProgressPublisher
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Protocol owns the paired-device registry and per-device session state,
// and drives sync runs over a message transport. Safe for concurrent use;
// the mutex guards state transitions only, never wire I/O.
type Protocol struct {
	agent     *agent.Agent
	batcher   *batch.Processor
	publisher ProgressPublisher
	logger    *zap.Logger
	clock     func() time.Time

	mu         sync.Mutex
	paired     map[string]PairedDevice
	sessions   map[string]SessionState
	activeCode string
}

// New validates the configuration and returns a Protocol.
func New(cfg Config) (*Protocol, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("protocol: %w", errMissingAgent)
	}

	batcher := cfg.Batcher
	if batcher == nil {
		batcher = batch.New(0, 0)
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Protocol{
		agent:     cfg.Agent,
		batcher:   batcher,
		publisher: publisher,
		logger:    logger,
		clock:     clock,
		paired:    make(map[string]PairedDevice),
		sessions:  make(map[string]SessionState),
	}, nil
}

// PairDevice handles an incoming pairing request on the receiving side.
// expectedCode is the code shown on this device's screen; the comparison is
// constant time and a mismatch leaves the requester unpaired. The outcome is
// persisted through the agent so pairings survive a restart. Re-pairing an
// already-paired device succeeds and replaces its pinned key material, which
// is also how a revoked device is re-enrolled.
func (p *Protocol) PairDevice(ctx context.Context, request PairingRequest, expectedCode string) (PairingResponse, error) {
	if !pairing.CodesEqual(expectedCode, request.Code) {
		p.logger.Warn("pairing rejected", zap.String("device_id", request.DeviceID))
		return PairingResponse{Accepted: false, Reason: "code mismatch"}, ErrAuthenticationFailed
	}

	keyPair, err := pairing.GenerateKeyPair()
	if err != nil {
		return PairingResponse{}, err
	}
	secret, err := pairing.SharedSecret(keyPair.PrivateKey, request.PublicKey)
	if err != nil {
		return PairingResponse{Accepted: false, Reason: "invalid public key"}, err
	}

	local := p.agent.LocalDeviceInfo()
	device := PairedDevice{
		Info: agent.DeviceInfo{
			ID:         request.DeviceID,
			Name:       request.DeviceName,
			DeviceType: request.DeviceType,
			PublicKey:  request.PublicKey,
			LastSeen:   p.clock().UTC().Unix(),
			IsActive:   true,
		},
		SharedSecret:   secret,
		LocalPublicKey: keyPair.PublicKey,
		PairedAt:       p.clock().UTC().Unix(),
	}
	if err := p.persistPairing(ctx, device); err != nil {
		return PairingResponse{Accepted: false, Reason: "persist failed"}, err
	}

	p.mu.Lock()
	p.paired[request.DeviceID] = device
	p.mu.Unlock()

	p.logger.Info("device paired", zap.String("device_id", request.DeviceID))
	return PairingResponse{
		Accepted:  true,
		DeviceID:  local.ID,
		PublicKey: keyPair.PublicKey,
	}, nil
}

// BeginPairing arms the protocol to accept one wire pairing attempt against
// the given code. The code is what this device is currently displaying.
func (p *Protocol) BeginPairing(code string) {
	p.mu.Lock()
	p.activeCode = code
	p.mu.Unlock()
}

// EndPairing disarms wire pairing.
func (p *Protocol) EndPairing() {
	p.mu.Lock()
	p.activeCode = ""
	p.mu.Unlock()
}

// handleWirePairing answers a pairing request from the connection loop.
// With no pairing armed, every request is refused.
func (p *Protocol) handleWirePairing(ctx context.Context, request PairingRequest) (PairingResponse, error) {
	p.mu.Lock()
	code := p.activeCode
	p.mu.Unlock()
	if code == "" {
		return PairingResponse{Accepted: false, Reason: "pairing not in progress"}, ErrAuthenticationFailed
	}

	response, err := p.PairDevice(ctx, request, code)
	if err == nil {
		p.EndPairing()
	}
	return response, err
}

// AdoptPairing stores and persists the outcome of an initiator-side pairing
// session. localPublicKey is the key this device presented to the peer.
func (p *Protocol) AdoptPairing(ctx context.Context, info agent.DeviceInfo, sharedSecret, localPublicKey []byte) error {
	device := PairedDevice{
		Info:           info,
		SharedSecret:   sharedSecret,
		LocalPublicKey: localPublicKey,
		PairedAt:       p.clock().UTC().Unix(),
	}
	if err := p.persistPairing(ctx, device); err != nil {
		return err
	}

	p.mu.Lock()
	p.paired[info.ID] = device
	p.mu.Unlock()
	return nil
}

// persistPairing records the peer in the device registry and pins its key
// material, resetting the trust level to trust-on-first-use.
func (p *Protocol) persistPairing(ctx context.Context, device PairedDevice) error {
	if err := p.agent.RegisterDevice(ctx, device.Info); err != nil {
		return err
	}
	return p.agent.SavePairing(ctx, agent.PeerTrust{
		DeviceID:       device.Info.ID,
		PublicKey:      device.Info.PublicKey,
		LocalPublicKey: device.LocalPublicKey,
		SharedSecret:   device.SharedSecret,
		Trust:          agent.TrustOnFirstUse,
		PairedAt:       device.PairedAt,
	})
}

// RestorePairings reloads persisted pairings into the runtime registry.
// Revoked and key-changed peers are skipped; they stay blocked until
// re-paired. Called once at daemon start.
func (p *Protocol) RestorePairings(ctx context.Context) error {
	pairings, err := p.agent.Pairings(ctx)
	if err != nil {
		return err
	}
	devices, err := p.agent.Devices(ctx)
	if err != nil {
		return err
	}
	infoByID := make(map[string]agent.DeviceInfo, len(devices))
	for _, info := range devices {
		infoByID[info.ID] = info
	}

	restored := 0
	p.mu.Lock()
	for _, trust := range pairings {
		if !trust.Trust.AllowsSync() {
			continue
		}
		info, known := infoByID[trust.DeviceID]
		if !known {
			info = agent.DeviceInfo{ID: trust.DeviceID, PublicKey: trust.PublicKey, IsActive: true}
		}
		p.paired[trust.DeviceID] = PairedDevice{
			Info:           info,
			SharedSecret:   trust.SharedSecret,
			LocalPublicKey: trust.LocalPublicKey,
			PairedAt:       trust.PairedAt,
		}
		restored++
	}
	p.mu.Unlock()

	if restored > 0 {
		p.logger.Info("pairings restored", zap.Int("count", restored))
	}
	return nil
}

// RemovePairedDevice forgets a peer's runtime state and revokes its
// persisted trust, so the device stays blocked across restarts.
func (p *Protocol) RemovePairedDevice(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	_, known := p.paired[deviceID]
	delete(p.paired, deviceID)
	delete(p.sessions, deviceID)
	p.mu.Unlock()

	err := p.agent.RevokePairing(ctx, deviceID)
	if err != nil && !known {
		// Never paired in the first place; nothing to revoke.
		return nil
	}
	return err
}

// PairedDevices lists every paired peer.
func (p *Protocol) PairedDevices() []PairedDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	devices := make([]PairedDevice, 0, len(p.paired))
	for _, device := range p.paired {
		devices = append(devices, device)
	}
	return devices
}

// IsDeviceAvailable reports whether the device is paired and active.
func (p *Protocol) IsDeviceAvailable(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	device, ok := p.paired[deviceID]
	return ok && device.Info.IsActive
}

// localKeyFor returns the public key this device presented to the peer at
// pairing time, or nil when the peer is unknown.
func (p *Protocol) localKeyFor(deviceID string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paired[deviceID].LocalPublicKey
}

// SharedSecretFor returns the pairing secret for an active peer.
func (p *Protocol) SharedSecretFor(deviceID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	device, ok := p.paired[deviceID]
	if !ok {
		return nil, ErrNotPaired
	}
	if !device.Info.IsActive {
		return nil, ErrDeviceUnavailable
	}
	return device.SharedSecret, nil
}

// SessionState returns the current session state for a device.
func (p *Protocol) SessionState(deviceID string) SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.sessions[deviceID]
	if !ok {
		return SessionIdle
	}
	return state
}

// CompleteSync moves a device's session back to complete, releasing it for
// the next run.
func (p *Protocol) CompleteSync(deviceID string) {
	p.setSession(deviceID, SessionComplete)
}

// beginSession transitions a device to connecting, failing when a session
// is already running.
func (p *Protocol) beginSession(deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state := p.sessions[deviceID]; state == SessionConnecting || state == SessionSyncing {
		return ErrSyncInProgress
	}
	p.sessions[deviceID] = SessionConnecting
	return nil
}

func (p *Protocol) setSession(deviceID string, state SessionState) {
	p.mu.Lock()
	p.sessions[deviceID] = state
	p.mu.Unlock()
}

func (p *Protocol) publishProgress(progress Progress) {
	p.publisher.Publish(progress)
}
