// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the tether.hjson configuration file.
package config

import (
	"fmt"
	"time"
)

// Config is the parsed configuration.
type Config struct {
	Server Server `json:"server"`
	Agent  Agent  `json:"agent"`
	Paths  Paths  `json:"paths"`
	Auth   Auth   `json:"auth"`
	Upload Upload `json:"upload"`
	Events Events `json:"events"`
	Watch  Watch  `json:"watch"`
}

// Server configures the listener.
type Server struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	TLSCert        string   `json:"tls_cert"`
	TLSKey         string   `json:"tls_key"`
	TLSTailscale   bool     `json:"tls_tailscale"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// Agent configures the agent provider and process lifecycle.
type Agent struct {
	Provider      string `json:"provider"`
	Command       string `json:"command"`
	Model         string `json:"model"`
	IdleGrace     string `json:"idle_grace"`
	ExternalQuiet string `json:"external_quiet"`
	MaxHistory    int    `json:"max_history"`
}

// Paths configures the persistence layout.
type Paths struct {
	SessionDir    string   `json:"session_dir"`
	MetadataDir   string   `json:"metadata_dir"`
	IndexDir      string   `json:"index_dir"`
	UploadDir     string   `json:"upload_dir"`
	SettingsPaths []string `json:"settings_paths"`
}

// Auth configures SRP authentication.
type Auth struct {
	CredentialsFile string `json:"credentials_file"`
	SessionTTL      string `json:"session_ttl"`
}

// Upload configures file ingest.
type Upload struct {
	MaxBytes int64 `json:"max_bytes"`
}

// Events configures the bus history.
type Events struct {
	HistoryMaxEvents int    `json:"history_max_events"`
	HistoryMaxAge    string `json:"history_max_age"`
}

// Watch configures filesystem watching.
type Watch struct {
	Coalesce string `json:"coalesce"`
}

// applyDefaults fills unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4020
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "claude"
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = cfg.Agent.Provider
	}
	if cfg.Agent.IdleGrace == "" {
		cfg.Agent.IdleGrace = "30s"
	}
	if cfg.Agent.ExternalQuiet == "" {
		cfg.Agent.ExternalQuiet = "5s"
	}
	if cfg.Agent.MaxHistory == 0 {
		cfg.Agent.MaxHistory = 10000
	}
	if cfg.Auth.SessionTTL == "" {
		cfg.Auth.SessionTTL = "24h"
	}
	if cfg.Events.HistoryMaxEvents == 0 {
		cfg.Events.HistoryMaxEvents = 1000
	}
	if cfg.Events.HistoryMaxAge == "" {
		cfg.Events.HistoryMaxAge = "1h"
	}
	if cfg.Watch.Coalesce == "" {
		cfg.Watch.Coalesce = "50ms"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Paths.SessionDir == "" {
		return fmt.Errorf("paths.session_dir is required")
	}
	if c.Paths.MetadataDir == "" {
		return fmt.Errorf("paths.metadata_dir is required")
	}
	if c.Paths.IndexDir == "" {
		return fmt.Errorf("paths.index_dir is required")
	}
	if c.Auth.CredentialsFile == "" {
		return fmt.Errorf("auth.credentials_file is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	return nil
}

// ParseDuration parses a duration string, falling back to def for empty
// or malformed values.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
