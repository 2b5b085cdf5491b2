// Package security holds the at-rest encryption and URL checks the relay
// applies to conversation data and attachment downloads.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"threadrelay/internal/domain"
)

// sealedMagic prefixes every sealed value so plaintext written before
// encryption was enabled still reads back.
var sealedMagic = []byte("trs1")

// Sealer encrypts stored values with AES-256-GCM. The key is derived from a
// passphrase via Argon2id and held only in memory.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the key from passphrase and salt. The same pair must be
// used by every process sharing a store.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt must be at least 8 bytes")
	}
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal returns magic + nonce + ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(sealedMagic)+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal. Values without the magic prefix are returned as-is.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return sealed, nil
	}
	data := sealed[len(sealedMagic):]
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, domain.NewDomainError("Sealer.Open", domain.ErrDecryption, "ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, domain.NewDomainError("Sealer.Open", domain.ErrDecryption, err.Error())
	}
	return plaintext, nil
}

// IsSealed reports whether b carries the sealed-value prefix.
func IsSealed(b []byte) bool {
	return len(b) >= len(sealedMagic) && string(b[:len(sealedMagic)]) == string(sealedMagic)
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
