// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection auth states.
type authState int

const (
	authNone authState = iota
	authWaitingProof
	authOK
)

// Resumable auth session errors.
var (
	ErrSessionExpired = errors.New("auth session expired")
	ErrSessionInvalid = errors.New("auth session invalid")
)

// DefaultSessionTTL bounds how long a dropped client may resume without
// a full handshake.
const DefaultSessionTTL = 24 * time.Hour

type authSession struct {
	identity string
	key      [32]byte
	expires  time.Time
}

// sessionRegistry holds resumable authenticated sessions.
type sessionRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*authSession
}

func newSessionRegistry(ttl time.Duration) *sessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &sessionRegistry{
		ttl:      ttl,
		sessions: make(map[string]*authSession),
	}
}

// Add registers a freshly negotiated session key and returns its id.
func (r *sessionRegistry) Add(identity string, key [32]byte) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.sessions[id] = &authSession{
		identity: identity,
		key:      key,
		expires:  time.Now().Add(r.ttl),
	}
	r.mu.Unlock()
	return id
}

// Resume validates a resume proof and rebinds the stored key. The proof
// is HMAC-SHA256(key, sessionID | identity), hex encoded, so only a
// client holding the original key can resume.
func (r *sessionRegistry) Resume(sessionID, identity, proofHex string) ([32]byte, error) {
	var zero [32]byte

	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok || sess.identity != identity {
		return zero, ErrSessionInvalid
	}
	if time.Now().After(sess.expires) {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return zero, ErrSessionExpired
	}

	expected := resumeProof(sess.key, sessionID, identity)
	proof, err := hex.DecodeString(proofHex)
	if err != nil || !hmac.Equal(expected, proof) {
		return zero, ErrSessionInvalid
	}

	// Sliding expiry: a successful resume refreshes the window.
	r.mu.Lock()
	sess.expires = time.Now().Add(r.ttl)
	r.mu.Unlock()
	return sess.key, nil
}

// Drop removes a session (logout).
func (r *sessionRegistry) Drop(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// resumeProof computes the expected resume HMAC.
func resumeProof(key [32]byte, sessionID, identity string) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(sessionID))
	mac.Write([]byte(identity))
	return mac.Sum(nil)
}

// ResumeProofHex is the client-side helper for building a resume proof.
// Exposed for tests and client tooling.
func ResumeProofHex(key [32]byte, sessionID, identity string) string {
	return hex.EncodeToString(resumeProof(key, sessionID, identity))
}
