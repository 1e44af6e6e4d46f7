package protocol

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/caravelhq/caravel-sync/internal/agent"
	"github.com/caravelhq/caravel-sync/internal/cipher"
	"github.com/caravelhq/caravel-sync/internal/database"
	"github.com/caravelhq/caravel-sync/internal/pairing"
	"github.com/caravelhq/caravel-sync/internal/storage"
)

// pipeConn is an in-memory MessageConn for driving both protocol ends in
// one test.
type pipeConn struct {
	in  chan Envelope
	out chan Envelope
}

func newPipe() (*pipeConn, *pipeConn) {
	forward := make(chan Envelope, 64)
	backward := make(chan Envelope, 64)
	return &pipeConn{in: backward, out: forward}, &pipeConn{in: forward, out: backward}
}

func (c *pipeConn) Send(ctx context.Context, envelope Envelope) error {
	select {
	case c.out <- envelope:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Receive(ctx context.Context) (Envelope, error) {
	select {
	case envelope := <-c.in:
		return envelope, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

type testPeer struct {
	agent    *agent.Agent
	protocol *Protocol
	store    *storage.Store
}

func newTestPeer(t *testing.T, deviceID string) *testPeer {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), deviceID+".db"), nil)
	if err != nil {
		t.Fatalf("unexpected database error: %v", err)
	}
	store, err := storage.NewStore(db)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	id, err := agent.NewDeviceID(deviceID)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	peerAgent, err := agent.NewAgent(agent.AgentConfig{
		Store:      store,
		Cipher:     cipher.New(),
		Clock:      time.Now,
		IDProvider: agent.NewUUIDProvider(),
		DeviceID:   id,
		DeviceName: deviceID,
		SyncPort:   8765,
	})
	if err != nil {
		t.Fatalf("unexpected agent error: %v", err)
	}

	peerProtocol, err := New(Config{Agent: peerAgent})
	if err != nil {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	return &testPeer{agent: peerAgent, protocol: peerProtocol, store: store}
}

// pairPeers runs the wire-free pairing exchange so both sides hold the same
// shared secret.
func pairPeers(t *testing.T, initiator, responder *testPeer, code string) []byte {
	t.Helper()
	keyPair, err := pairing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}

	local := initiator.agent.LocalDeviceInfo()
	response, err := responder.protocol.PairDevice(context.Background(), PairingRequest{
		DeviceID:   local.ID,
		DeviceName: local.Name,
		DeviceType: local.DeviceType,
		PublicKey:  keyPair.PublicKey,
		Code:       code,
	}, code)
	if err != nil {
		t.Fatalf("unexpected pairing error: %v", err)
	}

	secret, err := pairing.SharedSecret(keyPair.PrivateKey, response.PublicKey)
	if err != nil {
		t.Fatalf("unexpected secret error: %v", err)
	}

	responderInfo := responder.agent.LocalDeviceInfo()
	responderInfo.PublicKey = response.PublicKey
	if err := initiator.protocol.AdoptPairing(context.Background(), responderInfo, secret, keyPair.PublicKey); err != nil {
		t.Fatalf("unexpected adopt error: %v", err)
	}
	return secret
}

func writeRecord(t *testing.T, peer *testPeer, entityID, payload string, updatedAt int64) {
	t.Helper()
	err := peer.store.WriteRecord(context.Background(), &agent.EntityRecord{
		SpaceID:    "space-1",
		EntityType: "note",
		EntityID:   entityID,
		Data:       []byte(payload),
		UpdatedAt:  updatedAt,
	})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
}

func TestPairDeviceRejectsWrongCode(t *testing.T) {
	responder := newTestPeer(t, "device-b")
	keyPair, err := pairing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}

	response, err := responder.protocol.PairDevice(context.Background(), PairingRequest{
		DeviceID:  "device-a",
		PublicKey: keyPair.PublicKey,
		Code:      "111111",
	}, "222222")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if response.Accepted {
		t.Fatalf("rejected pairing must not be accepted")
	}
	if responder.protocol.IsDeviceAvailable("device-a") {
		t.Fatalf("device must stay unpaired after a code mismatch")
	}
}

func TestPairDeviceDerivesMatchingSecrets(t *testing.T) {
	initiator := newTestPeer(t, "device-a")
	responder := newTestPeer(t, "device-b")

	secret := pairPeers(t, initiator, responder, "123456")

	responderSecret, err := responder.protocol.SharedSecretFor("device-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(secret, responderSecret) {
		t.Fatalf("both sides must hold the same shared secret")
	}
}

func TestRepairingReplacesKeyMaterial(t *testing.T) {
	initiator := newTestPeer(t, "device-a")
	responder := newTestPeer(t, "device-b")

	first := pairPeers(t, initiator, responder, "123456")
	second := pairPeers(t, initiator, responder, "654321")

	if bytes.Equal(first, second) {
		t.Fatalf("re-pairing must rotate the shared secret")
	}
	if got := len(responder.protocol.PairedDevices()); got != 1 {
		t.Fatalf("re-pairing must not duplicate the device, got %d entries", got)
	}
	current, err := responder.protocol.SharedSecretFor("device-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(current, second) {
		t.Fatalf("the newest secret must be in effect")
	}
}

func TestPairingSurvivesRestart(t *testing.T) {
	initiator := newTestPeer(t, "device-a")
	responder := newTestPeer(t, "device-b")
	secret := pairPeers(t, initiator, responder, "123456")

	// A fresh Protocol over the same agent models a daemon restart.
	restarted, err := New(Config{Agent: responder.agent})
	if err != nil {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	if restarted.IsDeviceAvailable("device-a") {
		t.Fatalf("nothing should be paired before the restore")
	}
	if err := restarted.RestorePairings(context.Background()); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}

	restored, err := restarted.SharedSecretFor("device-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(restored, secret) {
		t.Fatalf("the restored secret must match the paired one")
	}
}

func TestRevokedPairingNotRestored(t *testing.T) {
	initiator := newTestPeer(t, "device-a")
	responder := newTestPeer(t, "device-b")
	pairPeers(t, initiator, responder, "123456")

	if err := responder.protocol.RemovePairedDevice(context.Background(), "device-a"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}

	restarted, err := New(Config{Agent: responder.agent})
	if err != nil {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	if err := restarted.RestorePairings(context.Background()); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}
	if _, err := restarted.SharedSecretFor("device-a"); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("a revoked peer must stay blocked across restarts, got %v", err)
	}
}

func TestHandshakeRefusedAfterKeyRotation(t *testing.T) {
	initiator := newTestPeer(t, "device-a")
	responder := newTestPeer(t, "device-b")
	secret := pairPeers(t, initiator, responder, "123456")

	// The initiator now presents a key other than the one the responder
	// pinned, as an attacker holding a copied secret would.
	rotated, err := pairing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	responderInfo := responder.agent.LocalDeviceInfo()
	if err := initiator.protocol.AdoptPairing(context.Background(), responderInfo, secret, rotated.PublicKey); err != nil {
		t.Fatalf("unexpected adopt error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	initiatorConn, responderConn := newPipe()
	responderDone := make(chan error, 1)
	go func() {
		responderDone <- responder.protocol.HandleConnection(ctx, responderConn)
	}()

	spaceID, err := agent.NewSpaceID("space-1")
	if err != nil {
		t.Fatalf("unexpected space id error: %v", err)
	}
	err = initiator.protocol.StartSync(ctx, initiatorConn, "device-b", spaceID, nil)
	if err == nil {
		t.Fatalf("expected the handshake to be refused")
	}
	if err := <-responderDone; !errors.Is(err, ErrUntrustedDevice) {
		t.Fatalf("expected ErrUntrustedDevice on the responder, got %v", err)
	}

	// The demotion is persisted; even the pinned key stays blocked now.
	level, err := responder.agent.VerifyPeerKey(ctx, "device-a", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if level != agent.TrustKeyChanged {
		t.Fatalf("expected key_changed persisted, got %s", level)
	}
}

func TestStartSyncRequiresPairing(t *testing.T) {
	peer := newTestPeer(t, "device-a")
	local, _ := newPipe()

	spaceID, err := agent.NewSpaceID("space-1")
	if err != nil {
		t.Fatalf("unexpected space id error: %v", err)
	}
	err = peer.protocol.StartSync(context.Background(), local, "device-unknown", spaceID, nil)
	if !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
}

func TestBidirectionalSyncExchangesRecords(t *testing.T) {
	initiator := newTestPeer(t, "device-a")
	responder := newTestPeer(t, "device-b")
	pairPeers(t, initiator, responder, "123456")

	now := time.Now().Unix()
	writeRecord(t, initiator, "note-from-a", `{"content":"written on a"}`, now)
	writeRecord(t, responder, "note-from-b", `{"content":"written on b"}`, now)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	initiatorConn, responderConn := newPipe()
	responderDone := make(chan error, 1)
	go func() {
		responderDone <- responder.protocol.HandleConnection(ctx, responderConn)
	}()

	spaceID, err := agent.NewSpaceID("space-1")
	if err != nil {
		t.Fatalf("unexpected space id error: %v", err)
	}
	if err := initiator.protocol.StartSync(ctx, initiatorConn, "device-b", spaceID, []Category{CategoryNotes}); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if err := <-responderDone; err != nil {
		t.Fatalf("unexpected responder error: %v", err)
	}

	fromA, err := responder.store.GetRecord(ctx, "space-1", "note", "note-from-a")
	if err != nil || fromA == nil {
		t.Fatalf("expected a's note on b, got %v, %v", fromA, err)
	}
	if string(fromA.Data) != `{"content":"written on a"}` {
		t.Fatalf("payload must survive the encrypted exchange, got %q", fromA.Data)
	}

	fromB, err := initiator.store.GetRecord(ctx, "space-1", "note", "note-from-b")
	if err != nil || fromB == nil {
		t.Fatalf("expected b's note on a, got %v, %v", fromB, err)
	}

	if state := initiator.protocol.SessionState("device-b"); state != SessionComplete {
		t.Fatalf("expected complete session on initiator, got %s", state)
	}

	history, err := initiator.agent.History(ctx, 0)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(history) != 1 || !history[0].Success {
		t.Fatalf("expected one successful history entry, got %+v", history)
	}
}

func TestStartSyncWhileSyncingFails(t *testing.T) {
	initiator := newTestPeer(t, "device-a")
	responder := newTestPeer(t, "device-b")
	pairPeers(t, initiator, responder, "123456")

	if err := initiator.protocol.beginSession("device-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	local, _ := newPipe()
	spaceID, err := agent.NewSpaceID("space-1")
	if err != nil {
		t.Fatalf("unexpected space id error: %v", err)
	}
	err = initiator.protocol.StartSync(context.Background(), local, "device-b", spaceID, nil)
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestHandleWirePairingRefusedWhenNotArmed(t *testing.T) {
	responder := newTestPeer(t, "device-b")
	keyPair, err := pairing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}

	_, err = responder.protocol.handleWirePairing(context.Background(), PairingRequest{
		DeviceID:  "device-a",
		PublicKey: keyPair.PublicKey,
		Code:      "123456",
	})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected refusal without an armed code, got %v", err)
	}

	responder.protocol.BeginPairing("123456")
	response, err := responder.protocol.handleWirePairing(context.Background(), PairingRequest{
		DeviceID:  "device-a",
		PublicKey: keyPair.PublicKey,
		Code:      "123456",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !response.Accepted {
		t.Fatalf("armed pairing with the right code must succeed")
	}
}
