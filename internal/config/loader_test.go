// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
  // comments are fine, this is hjson
  server: {
    port: 9000
  }
  paths: {
    session_dir: "sessions"
    metadata_dir: "metadata"
    index_dir: "index"
  }
  auth: {
    credentials_file: "credentials.json"
  }
}`)

	cfg, err := NewLoader().LoadWithDefaults(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "claude", cfg.Agent.Provider)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, 10000, cfg.Agent.MaxHistory)
	assert.Equal(t, 30*time.Second, ParseDuration(cfg.Agent.IdleGrace, 0))
	assert.Equal(t, 5*time.Second, ParseDuration(cfg.Agent.ExternalQuiet, 0))
	assert.Equal(t, 50*time.Millisecond, ParseDuration(cfg.Watch.Coalesce, 0))

	// Relative paths resolve against the config directory.
	assert.Equal(t, filepath.Join(dir, "sessions"), cfg.Paths.SessionDir)
	assert.Equal(t, filepath.Join(dir, "credentials.json"), cfg.Auth.CredentialsFile)
}

func TestLoadMissingRequiredPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{ server: { port: 9000 } }`)

	_, err := NewLoader().LoadWithDefaults(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_dir")
}

func TestLoadMismatchedTLS(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
  server: { tls_cert: "cert.pem" }
  paths: { session_dir: "s", metadata_dir: "m", index_dir: "i" }
  auth: { credentials_file: "c.json" }
}`)

	_, err := NewLoader().LoadWithDefaults(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_cert and tls_key")
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, time.Second, ParseDuration("", time.Second))
	assert.Equal(t, time.Second, ParseDuration("garbage", time.Second))
	assert.Equal(t, 250*time.Millisecond, ParseDuration("250ms", time.Second))
}
