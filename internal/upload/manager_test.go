// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"bytes"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadHappyPath(t *testing.T) {
	m := NewManager(t.TempDir(), 0)
	id := uuid.New().String()

	require.NoError(t, m.Start(id, "p1", "s1", "notes.txt", 10, "text/plain"))

	n, err := m.WriteChunk(id, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = m.WriteChunk(id, 5, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	ref, err := m.Complete(id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ref.Size)
	assert.Equal(t, "notes.txt", ref.Filename)

	data, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))
}

func TestUploadOffsetValidation(t *testing.T) {
	m := NewManager(t.TempDir(), 0)
	id := uuid.New().String()
	require.NoError(t, m.Start(id, "", "", "f.bin", 10, ""))

	_, err := m.WriteChunk(id, 0, []byte("abcde"))
	require.NoError(t, err)

	// Replay of the first chunk is rejected without advancing.
	n, err := m.WriteChunk(id, 0, []byte("abcde"))
	assert.ErrorIs(t, err, ErrInvalidOffset)
	assert.Equal(t, int64(5), n)

	// Gap is rejected too.
	_, err = m.WriteChunk(id, 7, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidOffset)

	got, err := m.BytesReceived(id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

func TestUploadIDReuseRejected(t *testing.T) {
	m := NewManager(t.TempDir(), 0)
	id := uuid.New().String()
	require.NoError(t, m.Start(id, "", "", "f.bin", 10, ""))
	assert.ErrorIs(t, m.Start(id, "", "", "f.bin", 10, ""), ErrAlreadyInUse)

	// A fresh id starts from offset zero.
	fresh := uuid.New().String()
	require.NoError(t, m.Start(fresh, "", "", "f.bin", 10, ""))
	n, err := m.WriteChunk(fresh, 0, []byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUploadSizeCap(t *testing.T) {
	m := NewManager(t.TempDir(), 4)

	assert.ErrorIs(t, m.Start(uuid.New().String(), "", "", "big.bin", 5, ""), ErrTooLarge)

	id := uuid.New().String()
	require.NoError(t, m.Start(id, "", "", "f.bin", 4, ""))
	_, err := m.WriteChunk(id, 0, []byte("abcd"))
	require.NoError(t, err)
	_, err = m.Complete(id)
	require.NoError(t, err)
}

func TestUploadCompleteSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)
	id := uuid.New().String()
	require.NoError(t, m.Start(id, "", "", "f.bin", 10, ""))
	_, err := m.WriteChunk(id, 0, []byte("abc"))
	require.NoError(t, err)

	_, err = m.Complete(id)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	// The partial file is gone.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadCancelDeletesPartial(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)
	id := uuid.New().String()
	require.NoError(t, m.Start(id, "", "", "f.bin", 10, ""))
	_, err := m.WriteChunk(id, 0, []byte("abc"))
	require.NoError(t, err)

	m.Cancel(id)
	_, err = m.BytesReceived(id)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChunkRoundTrip(t *testing.T) {
	id := uuid.New().String()
	payload, err := EncodeChunk(id, 262144, []byte("chunk-bytes"))
	require.NoError(t, err)

	gotID, offset, data, err := ParseChunk(payload)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, int64(262144), offset)
	assert.True(t, bytes.Equal([]byte("chunk-bytes"), data))
}

func TestParseChunkTooShort(t *testing.T) {
	_, _, _, err := ParseChunk(make([]byte, 23))
	assert.ErrorIs(t, err, ErrMalformedChunk)
}
