// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metadata owns session metadata that lives outside the
// transcript: titles, stars, archive flags and read cursors. The
// transcript file stays the authority for messages.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Metadata is the per-session keyed record.
type Metadata struct {
	SessionID   string     `json:"sessionId"`
	CustomTitle string     `json:"customTitle,omitempty"`
	IsStarred   bool       `json:"isStarred,omitempty"`
	IsArchived  bool       `json:"isArchived,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}

// Store persists metadata as one JSON file per session. Writes to the
// same session are serialized; transient write failures are retried
// before bubbling up.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a metadata store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Get returns the metadata for a session, or the zero record when none
// has been written yet.
func (s *Store) Get(sessionID string) (Metadata, error) {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{SessionID: sessionID}, nil
		}
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	md.SessionID = sessionID
	return md, nil
}

// Put writes the metadata record atomically, retrying transient failures
// with exponential backoff before surfacing the error.
func (s *Store) Put(sessionID string, md Metadata) error {
	md.SessionID = sessionID

	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	write := func() error {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return err
		}
		tmpPath := s.path(sessionID) + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, s.path(sessionID)); err != nil {
			os.Remove(tmpPath)
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(write, backoff.WithMaxRetries(bo, 3)); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Update applies fn to the current record and writes the result back.
func (s *Store) Update(sessionID string, fn func(*Metadata)) (Metadata, error) {
	md, err := s.Get(sessionID)
	if err != nil {
		return Metadata{}, err
	}
	fn(&md)
	if err := s.Put(sessionID, md); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

// Delete removes a session's metadata record.
func (s *Store) Delete(sessionID string) error {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}
