// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSealer(t *testing.T, passphrase string) *Sealer {
	t.Helper()
	salt, err := GenerateSalt()
	require.NoError(t, err)
	sealer, err := NewSealer(passphrase, salt)
	require.NoError(t, err)
	return sealer
}

func TestSealer_RoundTrip(t *testing.T) {
	sealer := testSealer(t, "pass")

	sealed, err := sealer.Seal(`{"messages":["hi"]}`)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, SealedPrefix))

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, `{"messages":["hi"]}`, opened)
}

func TestSealer_UniqueNonces(t *testing.T) {
	sealer := testSealer(t, "pass")

	a, err := sealer.Seal("same plaintext")
	require.NoError(t, err)
	b, err := sealer.Seal("same plaintext")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "identical plaintexts must not seal identically")
}

func TestSealer_PassthroughUnsealed(t *testing.T) {
	sealer := testSealer(t, "pass")

	opened, err := sealer.Open("plain legacy value")
	require.NoError(t, err)
	require.Equal(t, "plain legacy value", opened)
}

func TestSealer_TamperDetection(t *testing.T) {
	sealer := testSealer(t, "pass")

	sealed, err := sealer.Seal("payload")
	require.NoError(t, err)

	// Flip a character in the ciphertext body.
	tampered := []byte(sealed)
	tampered[len(tampered)-2] ^= 1
	_, err = sealer.Open(string(tampered))
	require.Error(t, err)
}

func TestSealer_InvalidFormat(t *testing.T) {
	sealer := testSealer(t, "pass")

	_, err := sealer.Open(SealedPrefix + "!!!not-base64!!!")
	require.True(t, errors.Is(err, ErrInvalidSealedValue))

	_, err = sealer.Open(SealedPrefix) // empty payload, shorter than a nonce
	require.True(t, errors.Is(err, ErrInvalidSealedValue))
}

func TestNewSealer_BadSalt(t *testing.T) {
	_, err := NewSealer("pass", []byte("short"))
	require.Error(t, err)
}
