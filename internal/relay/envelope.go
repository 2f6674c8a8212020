// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Envelope layout: [version=0x01][24-byte nonce][ciphertext]. The
// ciphertext decrypts to a binary frame: [format][payload].
const (
	envelopeVersion = 0x01
	nonceLen        = 24
	// minEnvelopeLen is a version byte, a nonce, the secretbox overhead
	// and at least a one-byte frame inside.
	minEnvelopeLen = 1 + nonceLen + secretbox.Overhead + 1
)

var (
	// ErrDecryptFailed is returned when an envelope fails to open.
	ErrDecryptFailed = errors.New("envelope decryption failed")
	// ErrUnknownVersion is returned for an unrecognized envelope version.
	ErrUnknownVersion = errors.New("unknown envelope version")
)

// Seal encrypts a binary frame into an envelope under the session key.
func Seal(key *[32]byte, frame []byte) ([]byte, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 1+nonceLen, 1+nonceLen+len(frame)+secretbox.Overhead)
	out[0] = envelopeVersion
	copy(out[1:], nonce[:])
	return secretbox.Seal(out, frame, &nonce, key), nil
}

// Open decrypts an envelope back into its binary frame. A flipped byte
// anywhere in nonce or ciphertext yields ErrDecryptFailed.
func Open(key *[32]byte, data []byte) ([]byte, error) {
	if len(data) < minEnvelopeLen {
		return nil, ErrDecryptFailed
	}
	if data[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownVersion, data[0])
	}

	var nonce [nonceLen]byte
	copy(nonce[:], data[1:1+nonceLen])

	frame, ok := secretbox.Open(nil, data[1+nonceLen:], &nonce, key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return frame, nil
}

// isEncryptedEnvelope disambiguates an envelope from a plain framed JSON
// binary message. A Phase-0 framed JSON starts [0x01]['{' or '[']; an
// envelope's second byte is a random nonce byte. Only authenticated
// connections may carry envelopes at all.
func isEncryptedEnvelope(data []byte, authenticated bool) bool {
	if !authenticated || len(data) < minEnvelopeLen {
		return false
	}
	if data[0] != envelopeVersion {
		return false
	}
	return data[1] != '{' && data[1] != '['
}
