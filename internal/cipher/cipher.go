// Package cipher provides the payload encryption used at the sync boundary.
// Payloads are sealed with XChaCha20-Poly1305 under a 32-byte key, either a
// space key or a pairing shared secret.
package cipher

import (
	cryptocipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKey indicates the key is not the required 32 bytes.
	ErrInvalidKey = errors.New("cipher: key must be 32 bytes")
	// ErrCiphertextTooShort indicates the ciphertext cannot contain a nonce.
	ErrCiphertextTooShort = errors.New("cipher: ciphertext shorter than nonce")
)

// XChaCha seals and opens payloads with XChaCha20-Poly1305. The zero value
// is ready to use; it satisfies agent.Cipher.
type XChaCha struct{}

// New returns a ready XChaCha cipher.
func New() *XChaCha {
	return &XChaCha{}
}

// Encrypt seals plaintext under key. The random 24-byte nonce is prepended
// to the returned ciphertext.
func (x *XChaCha) Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipher: nonce generation: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (x *XChaCha) Decrypt(ciphertext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: open: %w", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cryptocipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return chacha20poly1305.NewX(key)
}
