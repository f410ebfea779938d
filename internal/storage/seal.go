// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SECURITY: At-rest sealing keeps conversation history unreadable if the
// store file leaks. AES-256-GCM authenticated encryption with a
// PBKDF2-SHA-256 derived key; the nonce is prepended to the ciphertext.

// =============================================================================
// CONSTANTS
// =============================================================================

// SealedPrefix marks a stored value as sealed.
// Format: ENC:base64(nonce | ciphertext | tag)
const SealedPrefix = "ENC:"

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// SaltSize is the key-derivation salt size in bytes.
const SaltSize = 32

// KDFIterations is the PBKDF2-SHA-256 iteration count (OWASP 2023 floor).
const KDFIterations = 600000

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidSealedValue indicates the sealed value format is invalid.
	ErrInvalidSealedValue = errors.New("invalid sealed value format")

	// ErrUnsealFailed indicates authentication failed (wrong key or tampering).
	ErrUnsealFailed = errors.New("unseal failed: authentication tag mismatch")
)

// =============================================================================
// SEALER
// =============================================================================

// Sealer seals and opens stored values.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a key from the passphrase and salt and prepares the
// AEAD cipher.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	key := pbkdf2.Key([]byte(passphrase), salt, KDFIterations, KeySize, sha256.New)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// GenerateSalt creates a fresh random key-derivation salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// IsSealed reports whether a stored value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts a plaintext value into the ENC: wire form.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Unsealed input passes through unchanged so
// a store created before sealing was enabled keeps working.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSealedValue, err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrInvalidSealedValue
	}

	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrUnsealFailed
	}
	return string(plaintext), nil
}

// openValue unseals when a sealer is configured; without one, sealed values
// are unreadable and reported as corruption by the caller.
func (s *Store) openValue(value string) (string, error) {
	if s.sealer == nil {
		if IsSealed(value) {
			return "", ErrUnsealFailed
		}
		return value, nil
	}
	return s.sealer.Open(value)
}

// zeroBytes clears key material to keep it out of crash dumps.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
