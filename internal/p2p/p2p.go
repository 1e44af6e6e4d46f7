// Package p2p composes discovery, the sync protocol and the relay fallback
// into the device-side sync surface.
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/caravelhq/caravel-sync/internal/agent"
	"github.com/caravelhq/caravel-sync/internal/batch"
	"github.com/caravelhq/caravel-sync/internal/discovery"
	"github.com/caravelhq/caravel-sync/internal/protocol"
	"github.com/caravelhq/caravel-sync/internal/relay"
)

const (
	// DiscoveryWindow is how long DiscoverPeers blocks browsing mDNS.
	DiscoveryWindow = 5 * time.Second

	defaultMaxConnections = 16
	serverShutdownTimeout = 5 * time.Second
	syncEndpointPath      = "/sync"
)

var (
	errMissingAgent    = errors.New("agent is required")
	errMissingProtocol = errors.New("protocol is required")
	errMissingCipher   = errors.New("cipher is required")
	// ErrPeerUnreachable indicates neither a direct connection nor a relay
	// path to the peer is available.
	ErrPeerUnreachable = errors.New("p2p: peer unreachable")
	// ErrNoAddress indicates the paired device has no known address.
	ErrNoAddress = errors.New("p2p: paired device has no address")
)

// Config carries the collaborators a Sync is built from. RelayClient is
// optional; without it unreachable peers simply fail.
type Config struct {
	Agent          *agent.Agent
	Protocol       *protocol.Protocol
	Discovery      *discovery.Service
	Cipher         agent.Cipher
	Batcher        *batch.Processor
	RelayClient    *relay.Client
	Dispatcher     *ProgressDispatcher
	Logger         *zap.Logger
	MaxConnections int
}

// Sync is the composition root of device-side synchronization: it runs the
// accept loop, discovers peers, initiates sessions and falls back to the
// relay when a peer is offline.
type Sync struct {
	agent       *agent.Agent
	protocol    *protocol.Protocol
	discovery   *discovery.Service
	cipher      agent.Cipher
	batcher     *batch.Processor
	relayClient *relay.Client
	dispatcher  *ProgressDispatcher
	logger      *zap.Logger
	maxConns    int

	mu           sync.Mutex
	appliedRelay map[string]bool
}

// New validates the configuration and returns a Sync.
func New(cfg Config) (*Sync, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("p2p: %w", errMissingAgent)
	}
	if cfg.Protocol == nil {
		return nil, fmt.Errorf("p2p: %w", errMissingProtocol)
	}
	if cfg.Cipher == nil {
		return nil, fmt.Errorf("p2p: %w", errMissingCipher)
	}

	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewProgressDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = defaultMaxConnections
	}
	batcher := cfg.Batcher
	if batcher == nil {
		batcher = batch.New(0, 0)
	}

	return &Sync{
		agent:        cfg.Agent,
		protocol:     cfg.Protocol,
		discovery:    cfg.Discovery,
		cipher:       cfg.Cipher,
		batcher:      batcher,
		relayClient:  cfg.RelayClient,
		dispatcher:   dispatcher,
		logger:       logger,
		maxConns:     maxConns,
		appliedRelay: make(map[string]bool),
	}, nil
}

// Dispatcher exposes the progress event stream for UI subscribers.
func (s *Sync) Dispatcher() *ProgressDispatcher {
	return s.dispatcher
}

// StartServer runs the websocket accept loop on the given port until ctx is
// cancelled. Each connection is served by its own goroutine; one
// connection's failure never affects another. Concurrent connections are
// bounded; excess callers are refused at upgrade time.
func (s *Sync) StartServer(ctx context.Context, port int) error {
	semaphore := make(chan struct{}, s.maxConns)

	mux := http.NewServeMux()
	mux.HandleFunc(syncEndpointPath, func(w http.ResponseWriter, r *http.Request) {
		select {
		case semaphore <- struct{}{}:
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer func() { <-semaphore }()

		wsocket, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket accept failed", zap.Error(err))
			return
		}
		conn := newWSConn(wsocket)

		if err := s.protocol.HandleConnection(r.Context(), conn); err != nil {
			s.logger.Warn("sync connection ended with error", zap.Error(err))
			conn.close(websocket.StatusInternalError, "sync failed")
			return
		}
		conn.close(websocket.StatusNormalClosure, "done")
	})

	server := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(port)),
		Handler: mux,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// DiscoverPeers browses mDNS for the fixed discovery window and returns
// the peers seen. Blocks for the full window.
func (s *Sync) DiscoverPeers(ctx context.Context) ([]discovery.DiscoveredDevice, error) {
	if s.discovery == nil {
		return nil, nil
	}
	return s.discovery.Discover(ctx, DiscoveryWindow)
}

// StartSync synchronizes with a paired device. It dials the peer directly;
// when the peer is unreachable and a relay client is configured, the local
// deltas are queued through the relay instead.
func (s *Sync) StartSync(ctx context.Context, deviceID string, spaceID agent.SpaceID, categories []protocol.Category) error {
	address, err := s.peerAddress(deviceID)
	if err != nil {
		return err
	}

	conn, dialErr := s.dial(ctx, address)
	if dialErr != nil {
		s.logger.Info("peer unreachable, trying relay",
			zap.String("device_id", deviceID),
			zap.Error(dialErr))
		if s.relayClient == nil {
			return fmt.Errorf("%w: %v", ErrPeerUnreachable, dialErr)
		}
		return s.sendViaRelay(ctx, deviceID, spaceID, categories)
	}
	defer conn.close(websocket.StatusNormalClosure, "done")

	return s.protocol.StartSync(ctx, conn, deviceID, spaceID, categories)
}

// DrainRelay fetches queued envelopes from the relay and applies them.
// Already-applied envelope ids are skipped, so calling this repeatedly
// against the relay's non-draining fetch is safe.
func (s *Sync) DrainRelay(ctx context.Context) error {
	if s.relayClient == nil {
		return nil
	}

	envelopes, err := s.relayClient.Fetch(ctx, 0)
	if err != nil {
		return err
	}

	for _, envelope := range envelopes {
		s.mu.Lock()
		seen := s.appliedRelay[envelope.ID]
		s.mu.Unlock()
		if seen {
			continue
		}

		if err := s.applyRelayEnvelope(ctx, envelope); err != nil {
			s.logger.Warn("relay envelope apply failed",
				zap.String("envelope_id", envelope.ID),
				zap.String("from_device", envelope.FromDeviceID),
				zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.appliedRelay[envelope.ID] = true
		s.mu.Unlock()
	}
	return nil
}

func (s *Sync) applyRelayEnvelope(ctx context.Context, envelope relay.Envelope) error {
	secret, err := s.protocol.SharedSecretFor(envelope.FromDeviceID)
	if err != nil {
		return err
	}

	plaintext, err := s.cipher.Decrypt(envelope.EncryptedPayload, secret)
	if err != nil {
		return err
	}

	var deltaBatch protocol.DeltaBatch
	if err := json.Unmarshal(plaintext, &deltaBatch); err != nil {
		return err
	}

	conflicts, err := s.agent.ApplyDeltas(ctx, deltaBatch.Deltas, envelope.FromDeviceID, secret)
	if err != nil {
		return err
	}
	s.dispatcher.Publish(protocol.Progress{
		DeviceID:         envelope.FromDeviceID,
		State:            protocol.SessionSyncing,
		EntitiesReceived: len(deltaBatch.Deltas),
		Conflicts:        len(conflicts),
	})
	return nil
}

func (s *Sync) sendViaRelay(ctx context.Context, deviceID string, spaceID agent.SpaceID, categories []protocol.Category) error {
	secret, err := s.protocol.SharedSecretFor(deviceID)
	if err != nil {
		return err
	}

	since, err := s.agent.LastSyncTime(ctx, spaceID)
	if err != nil {
		return err
	}
	deltas, err := s.agent.DeltasSince(ctx, spaceID, since, protocol.EntityTypes(categories), secret)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}

	local := s.agent.LocalDeviceInfo()
	batches := s.batcher.CreateBatches(deltas)
	for index, deltaBatch := range batches {
		payload, err := json.Marshal(protocol.DeltaBatch{
			BatchIndex: index,
			BatchCount: len(batches),
			Deltas:     deltaBatch,
		})
		if err != nil {
			return err
		}
		sealed, err := s.cipher.Encrypt(payload, secret)
		if err != nil {
			return err
		}

		if _, err := s.relayClient.Send(ctx, relay.Envelope{
			FromDeviceID:     local.ID,
			ToDeviceID:       deviceID,
			EncryptedPayload: sealed,
		}); err != nil {
			return err
		}
	}

	entry := agent.SyncHistoryEntry{
		DeviceID:     deviceID,
		SpaceID:      spaceID.String(),
		EntitiesSent: len(deltas),
		Success:      true,
	}
	if err := s.agent.RecordHistory(ctx, entry); err != nil {
		s.logger.Warn("relay sync history record failed", zap.Error(err))
	}
	return nil
}

func (s *Sync) peerAddress(deviceID string) (string, error) {
	for _, device := range s.protocol.PairedDevices() {
		if device.Info.ID != deviceID {
			continue
		}
		if device.Info.IPAddress == "" || device.Info.SyncPort == 0 {
			return "", ErrNoAddress
		}
		return net.JoinHostPort(device.Info.IPAddress, strconv.Itoa(device.Info.SyncPort)), nil
	}
	return "", protocol.ErrNotPaired
}

func (s *Sync) dial(ctx context.Context, address string) (*wsConn, error) {
	endpoint := fmt.Sprintf("ws://%s%s", address, syncEndpointPath)
	wsocket, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(wsocket), nil
}
