// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// DefaultFileName is the configuration file tether looks for.
const DefaultFileName = "tether.hjson"

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to an intermediate map, then through JSON for typed
	// unmarshalling.
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads config, applies defaults and validates.
func (l *Loader) LoadWithDefaults(path string) (*Config, error) {
	cfg, err := l.Load(path)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	expandPaths(cfg, filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// FindConfig walks up from the working directory looking for the
// configuration file.
func (l *Loader) FindConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found (run tether init)", DefaultFileName)
		}
		dir = parent
	}
}

// expandPaths resolves ~ and relative paths against the config dir.
func expandPaths(cfg *Config, baseDir string) {
	expand := func(p string) string {
		if p == "" {
			return p
		}
		if p == "~" || (len(p) > 1 && p[0] == '~' && p[1] == '/') {
			if home, err := os.UserHomeDir(); err == nil {
				return filepath.Join(home, p[1:])
			}
		}
		if !filepath.IsAbs(p) {
			return filepath.Join(baseDir, p)
		}
		return p
	}

	cfg.Paths.SessionDir = expand(cfg.Paths.SessionDir)
	cfg.Paths.MetadataDir = expand(cfg.Paths.MetadataDir)
	cfg.Paths.IndexDir = expand(cfg.Paths.IndexDir)
	cfg.Paths.UploadDir = expand(cfg.Paths.UploadDir)
	cfg.Auth.CredentialsFile = expand(cfg.Auth.CredentialsFile)
	cfg.Server.TLSCert = expand(cfg.Server.TLSCert)
	cfg.Server.TLSKey = expand(cfg.Server.TLSKey)
	for i, p := range cfg.Paths.SettingsPaths {
		cfg.Paths.SettingsPaths[i] = expand(p)
	}
}
