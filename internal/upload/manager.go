// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upload implements chunked, resumable, size-capped file ingest.
// Chunks arrive as binary relay frames; offsets are validated so a
// replayed or reordered chunk cannot corrupt a file.
package upload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown upload id.
	ErrNotFound = errors.New("upload not found")
	// ErrAlreadyInUse is returned when starting an upload with an id that
	// is already active.
	ErrAlreadyInUse = errors.New("upload id already in use")
	// ErrInvalidOffset is returned when a chunk's offset does not equal
	// the bytes received so far.
	ErrInvalidOffset = errors.New("invalid chunk offset")
	// ErrTooLarge is returned when a declared or accumulated size exceeds
	// the configured cap.
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrSizeMismatch is returned at completion when the bytes received
	// do not equal the declared size.
	ErrSizeMismatch = errors.New("upload size mismatch")
	// ErrMalformedChunk is returned for a binary chunk frame that is too
	// short to carry its header.
	ErrMalformedChunk = errors.New("malformed upload chunk")
)

// chunkHeaderLen is the binary chunk prefix: a 16-byte upload UUID plus
// an 8-byte big-endian offset.
const chunkHeaderLen = 24

// FileRef describes a completed upload.
type FileRef struct {
	UploadID  string `json:"uploadId"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType,omitempty"`
}

type upload struct {
	id        string
	projectID string
	sessionID string
	filename  string
	mimeType  string
	size      int64
	received  int64
	file      *os.File
	path      string
	startedAt time.Time
}

// Manager tracks in-flight uploads. A connection cancels its uploads on
// drop; partial files are deleted.
type Manager struct {
	dir      string
	maxBytes int64

	mu      sync.Mutex
	uploads map[string]*upload
}

// NewManager creates an upload manager writing into dir. maxBytes of 0
// means unlimited.
func NewManager(dir string, maxBytes int64) *Manager {
	return &Manager{
		dir:      dir,
		maxBytes: maxBytes,
		uploads:  make(map[string]*upload),
	}
}

// Start registers a new upload. The id is client-chosen so a reconnecting
// client cannot silently hijack another's stream: a live id is rejected
// with ErrAlreadyInUse and the client must start over with a fresh one.
func (m *Manager) Start(uploadID, projectID, sessionID, filename string, size int64, mimeType string) error {
	if uploadID == "" {
		return fmt.Errorf("%w: empty upload id", ErrNotFound)
	}
	if m.maxBytes > 0 && size > m.maxBytes {
		return ErrTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.uploads[uploadID]; ok {
		return ErrAlreadyInUse
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(m.dir, uploadID+".part")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}

	m.uploads[uploadID] = &upload{
		id:        uploadID,
		projectID: projectID,
		sessionID: sessionID,
		filename:  filepath.Base(filename),
		mimeType:  mimeType,
		size:      size,
		file:      f,
		path:      path,
		startedAt: time.Now(),
	}
	return nil
}

// WriteChunk appends a chunk at the given offset and returns the total
// bytes received so far.
func (m *Manager) WriteChunk(uploadID string, offset int64, data []byte) (int64, error) {
	m.mu.Lock()
	u, ok := m.uploads[uploadID]
	m.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}

	if offset != u.received {
		return u.received, ErrInvalidOffset
	}
	newTotal := u.received + int64(len(data))
	if m.maxBytes > 0 && newTotal > m.maxBytes {
		m.Cancel(uploadID)
		return u.received, ErrTooLarge
	}
	if newTotal > u.size {
		m.Cancel(uploadID)
		return u.received, ErrSizeMismatch
	}

	if _, err := u.file.Write(data); err != nil {
		m.Cancel(uploadID)
		return u.received, fmt.Errorf("write chunk: %w", err)
	}
	u.received = newTotal
	return u.received, nil
}

// Complete finalizes an upload. The bytes received must equal the
// declared size; the part file is renamed into place.
func (m *Manager) Complete(uploadID string) (FileRef, error) {
	m.mu.Lock()
	u, ok := m.uploads[uploadID]
	if ok {
		delete(m.uploads, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return FileRef{}, ErrNotFound
	}

	if err := u.file.Close(); err != nil {
		os.Remove(u.path)
		return FileRef{}, fmt.Errorf("close upload: %w", err)
	}
	if u.received != u.size {
		os.Remove(u.path)
		return FileRef{}, ErrSizeMismatch
	}

	finalPath := filepath.Join(m.dir, u.id+"-"+u.filename)
	if err := os.Rename(u.path, finalPath); err != nil {
		os.Remove(u.path)
		return FileRef{}, fmt.Errorf("finalize upload: %w", err)
	}

	return FileRef{
		UploadID:  u.id,
		ProjectID: u.projectID,
		SessionID: u.sessionID,
		Filename:  u.filename,
		Path:      finalPath,
		Size:      u.size,
		MimeType:  u.mimeType,
	}, nil
}

// Cancel aborts an upload and deletes the partial file. Unknown ids are
// ignored.
func (m *Manager) Cancel(uploadID string) {
	m.mu.Lock()
	u, ok := m.uploads[uploadID]
	if ok {
		delete(m.uploads, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	u.file.Close()
	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		log.Printf("upload: remove partial %s: %v", u.path, err)
	}
}

// BytesReceived returns the progress of an upload.
func (m *Manager) BytesReceived(uploadID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[uploadID]
	if !ok {
		return 0, ErrNotFound
	}
	return u.received, nil
}

// ParseChunk decodes a binary upload frame payload:
// [16-byte upload UUID][8-byte big-endian offset][chunk bytes].
func ParseChunk(payload []byte) (uploadID string, offset int64, data []byte, err error) {
	if len(payload) < chunkHeaderLen {
		return "", 0, nil, ErrMalformedChunk
	}
	id, err := uuid.FromBytes(payload[:16])
	if err != nil {
		return "", 0, nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	off := binary.BigEndian.Uint64(payload[16:24])
	return id.String(), int64(off), payload[chunkHeaderLen:], nil
}

// EncodeChunk builds the binary chunk payload. Used by tests and client
// tooling.
func EncodeChunk(uploadID string, offset int64, data []byte) ([]byte, error) {
	id, err := uuid.Parse(uploadID)
	if err != nil {
		return nil, fmt.Errorf("parse upload id: %w", err)
	}
	out := make([]byte, chunkHeaderLen+len(data))
	copy(out[:16], id[:])
	binary.BigEndian.PutUint64(out[16:24], uint64(offset))
	copy(out[chunkHeaderLen:], data)
	return out, nil
}
