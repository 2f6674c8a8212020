// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package project resolves project directories to stable ids and their
// per-project session directories.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned for an unknown project id.
var ErrNotFound = errors.New("project not found")

// ErrInvalidPath is returned when a project path does not resolve to an
// existing directory.
var ErrInvalidPath = errors.New("invalid project path")

// Project is an immutable registered project.
type Project struct {
	ID             string `json:"id"`
	AbsolutePath   string `json:"absolutePath"`
	Name           string `json:"name"`
	SessionDirPath string `json:"sessionDirPath"`
}

// EncodeID derives the stable, URL-safe project id from an absolute
// path. The agent CLI uses the same encoding for its per-project session
// directories, so ids double as directory names.
func EncodeID(absPath string) string {
	return strings.NewReplacer("/", "-", ".", "-").Replace(absPath)
}

// Scanner enumerates projects under a session root and caches the
// path ↔ id mapping. The id encoding is lossy, so registered paths are
// persisted in a registry file alongside the session root.
type Scanner struct {
	sessionRoot  string
	registryPath string

	mu     sync.Mutex
	byID   map[string]*Project
	byPath map[string]*Project
}

// NewScanner creates a scanner. sessionRoot holds one session directory
// per project, named by the encoded project id.
func NewScanner(sessionRoot string) *Scanner {
	s := &Scanner{
		sessionRoot:  sessionRoot,
		registryPath: filepath.Join(sessionRoot, "projects.json"),
		byID:         make(map[string]*Project),
		byPath:       make(map[string]*Project),
	}
	s.loadRegistry()
	return s
}

// Scan merges session directories on disk into the cache. Directories
// with no registry entry are listed with their encoded id as the name;
// the original path cannot be recovered from the encoding alone.
func (s *Scanner) Scan() ([]*Project, error) {
	entries, err := os.ReadDir(s.sessionRoot)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read session root: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, ok := s.byID[id]; ok {
			continue
		}
		p := &Project{
			ID:             id,
			Name:           id,
			SessionDirPath: filepath.Join(s.sessionRoot, id),
		}
		s.byID[id] = p
	}

	return s.listLocked(), nil
}

// List returns all cached projects.
func (s *Scanner) List() []*Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Scanner) listLocked() []*Project {
	out := make([]*Project, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	return out
}

// GetProject returns a project by id.
func (s *Scanner) GetProject(id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// GetByPath returns a registered project by absolute path.
func (s *Scanner) GetByPath(absPath string) (*Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byPath[absPath]
	return p, ok
}

// AddProject registers a project directory. The path expression may use
// ~ and trailing slashes; the directory must exist.
func (s *Scanner) AddProject(pathExpr string) (*Project, error) {
	abs, err := normalizePath(pathExpr)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, abs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.byPath[abs]; ok {
		return p, nil
	}

	id := EncodeID(abs)
	p := &Project{
		ID:             id,
		AbsolutePath:   abs,
		Name:           filepath.Base(abs),
		SessionDirPath: filepath.Join(s.sessionRoot, id),
	}
	if err := os.MkdirAll(p.SessionDirPath, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s.byID[id] = p
	s.byPath[abs] = p
	s.saveRegistryLocked()
	return p, nil
}

// normalizePath expands ~, strips trailing slashes and resolves to an
// absolute path. Rejects empty expressions.
func normalizePath(pathExpr string) (string, error) {
	p := strings.TrimSpace(pathExpr)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		p = "/"
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return abs, nil
}

// registryEntry is one persisted id → path record.
type registryEntry struct {
	ID           string `json:"id"`
	AbsolutePath string `json:"absolutePath"`
}

func (s *Scanner) loadRegistry() {
	data, err := os.ReadFile(s.registryPath)
	if err != nil {
		return
	}
	var entries []registryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Printf("project: failed to parse registry: %v", err)
		return
	}
	for _, e := range entries {
		p := &Project{
			ID:             e.ID,
			AbsolutePath:   e.AbsolutePath,
			Name:           filepath.Base(e.AbsolutePath),
			SessionDirPath: filepath.Join(s.sessionRoot, e.ID),
		}
		s.byID[e.ID] = p
		s.byPath[e.AbsolutePath] = p
	}
}

// saveRegistryLocked writes the registry atomically. Must be called with
// s.mu held.
func (s *Scanner) saveRegistryLocked() {
	entries := make([]registryEntry, 0, len(s.byPath))
	for _, p := range s.byPath {
		entries = append(entries, registryEntry{ID: p.ID, AbsolutePath: p.AbsolutePath})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		log.Printf("project: marshal registry: %v", err)
		return
	}
	if err := os.MkdirAll(s.sessionRoot, 0755); err != nil {
		log.Printf("project: create session root: %v", err)
		return
	}
	tmpPath := s.registryPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		log.Printf("project: write registry: %v", err)
		return
	}
	if err := os.Rename(tmpPath, s.registryPath); err != nil {
		os.Remove(tmpPath)
		log.Printf("project: rename registry: %v", err)
	}
}
