// Package pairing implements the device pairing handshake: X25519 key
// agreement plus a short user-verified pairing code.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the byte length of X25519 public keys, private keys and the
// derived shared secret.
const KeySize = curve25519.ScalarSize

const pairingCodeLength = 6

var (
	// ErrInvalidPeerKey indicates the peer public key has the wrong length.
	ErrInvalidPeerKey = errors.New("pairing: peer public key must be 32 bytes")
	// ErrLowOrderPoint indicates the peer public key produced an all-zero
	// shared secret.
	ErrLowOrderPoint = errors.New("pairing: peer public key is a low-order point")
)

// KeyPair holds one side of an X25519 exchange.
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// GenerateKeyPair returns a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	private := make([]byte, KeySize)
	if _, err := rand.Read(private); err != nil {
		return KeyPair{}, fmt.Errorf("pairing: key generation: %w", err)
	}

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("pairing: public key derivation: %w", err)
	}

	return KeyPair{PrivateKey: private, PublicKey: public}, nil
}

// SharedSecret derives the 32-byte shared secret from our private key and
// the peer's public key.
func SharedSecret(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != KeySize {
		return nil, ErrInvalidPeerKey
	}

	secret, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w", ErrLowOrderPoint)
	}
	return secret, nil
}

// GeneratePairingCode returns a 6-digit numeric code for the user to read
// off one device and type into the other.
func GeneratePairingCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < pairingCodeLength; i++ {
		limit.Mul(limit, big.NewInt(10))
	}

	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("pairing: code generation: %w", err)
	}
	return fmt.Sprintf("%0*d", pairingCodeLength, value), nil
}

// CodesEqual compares two pairing codes in constant time.
func CodesEqual(expected, provided string) bool {
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
