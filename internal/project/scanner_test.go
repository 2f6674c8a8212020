// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeID(t *testing.T) {
	assert.Equal(t, "-Users-alice-src-myapp", EncodeID("/Users/alice/src/myapp"))
	assert.Equal(t, "-srv-groups-io", EncodeID("/srv/groups.io"))
}

func TestAddProjectAndGet(t *testing.T) {
	root := t.TempDir()
	projDir := t.TempDir()

	s := NewScanner(root)
	p, err := s.AddProject(projDir + "/")
	require.NoError(t, err)
	assert.Equal(t, projDir, p.AbsolutePath)
	assert.Equal(t, EncodeID(projDir), p.ID)
	assert.Equal(t, filepath.Base(projDir), p.Name)
	assert.DirExists(t, p.SessionDirPath)

	got, err := s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	// Adding the same path again is idempotent.
	again, err := s.AddProject(projDir)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
}

func TestAddProjectInvalidPath(t *testing.T) {
	s := NewScanner(t.TempDir())

	_, err := s.AddProject(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = s.AddProject("   ")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestGetProjectNotFound(t *testing.T) {
	s := NewScanner(t.TempDir())
	_, err := s.GetProject("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryPersistsAcrossScanners(t *testing.T) {
	root := t.TempDir()
	projDir := t.TempDir()

	s1 := NewScanner(root)
	p, err := s1.AddProject(projDir)
	require.NoError(t, err)

	s2 := NewScanner(root)
	got, err := s2.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, projDir, got.AbsolutePath)

	byPath, ok := s2.GetByPath(projDir)
	require.True(t, ok)
	assert.Equal(t, p.ID, byPath.ID)
}

func TestScanPicksUpUnregisteredSessionDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "-home-bob-app"), 0755))

	s := NewScanner(root)
	list, err := s.Scan()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "-home-bob-app", list[0].ID)
	assert.Empty(t, list[0].AbsolutePath)
}
