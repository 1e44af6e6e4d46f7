package pairing

import (
	"errors"
	"fmt"
	"sync"
)

// State enumerates the phases of one pairing attempt.
type State string

const (
	StateIdle          State = "idle"
	StateInitiated     State = "initiated"
	StateKeysExchanged State = "keys_exchanged"
	StatePaired        State = "paired"
	StateFailed        State = "failed"
)

// ErrInvalidTransition indicates a session method was called out of order.
var ErrInvalidTransition = errors.New("pairing: invalid state transition")

// Session tracks one pairing attempt from initiation to a shared secret.
// Methods are safe for concurrent use; the mutex is never held across
// key derivation input from the caller.
type Session struct {
	mu sync.Mutex

	state        State
	keyPair      KeyPair
	pairingCode  string
	peerDeviceID string
	sharedSecret []byte
}

// NewSession returns a session in the idle state.
func NewSession() *Session {
	return &Session{state: StateIdle}
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initiate generates the local key pair and pairing code, moving the
// session from idle to initiated. The returned code is shown to the user.
func (s *Session) Initiate(peerDeviceID string) (publicKey []byte, code string, err error) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, "", err
	}
	pairingCode, err := GeneratePairingCode()
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return nil, "", fmt.Errorf("%w: initiate from %s", ErrInvalidTransition, s.state)
	}
	s.state = StateInitiated
	s.keyPair = keyPair
	s.pairingCode = pairingCode
	s.peerDeviceID = peerDeviceID
	return keyPair.PublicKey, pairingCode, nil
}

// ExchangeKeys derives the shared secret from the peer's public key, moving
// the session to keys_exchanged. A bad peer key fails the session.
func (s *Session) ExchangeKeys(peerPublicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitiated {
		return fmt.Errorf("%w: exchange keys from %s", ErrInvalidTransition, s.state)
	}

	secret, err := SharedSecret(s.keyPair.PrivateKey, peerPublicKey)
	if err != nil {
		s.state = StateFailed
		return err
	}
	s.sharedSecret = secret
	s.state = StateKeysExchanged
	return nil
}

// Confirm checks the code the user typed against the session's code. On a
// match the session is paired and the shared secret is released to the
// caller; on mismatch the session fails and the secret is discarded.
func (s *Session) Confirm(providedCode string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateKeysExchanged {
		return nil, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, s.state)
	}

	if !CodesEqual(s.pairingCode, providedCode) {
		s.state = StateFailed
		s.sharedSecret = nil
		return nil, errors.New("pairing: code mismatch")
	}

	s.state = StatePaired
	secret := make([]byte, len(s.sharedSecret))
	copy(secret, s.sharedSecret)
	return secret, nil
}

// PeerDeviceID returns the device this session is pairing with.
func (s *Session) PeerDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerDeviceID
}
