// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package watcher turns filesystem changes under the session, metadata
// and settings paths into classified bus events. Sessions modified by
// another tool (the agent CLI run directly, an editor) surface here.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wingedpig/tether/internal/events"
)

// Config holds the watched roots.
type Config struct {
	SessionDir      string
	MetadataDir     string
	SettingsPaths   []string
	CredentialsPath string
	CoalesceWindow  time.Duration
}

// Watcher publishes classified filesystem events onto the bus. Rapid
// modifications of the same path inside the coalesce window collapse to
// one modify event; creates and deletes pass through immediately.
type Watcher struct {
	bus       events.Bus
	cfg       Config
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	done      chan struct{}
}

// New creates a watcher over the configured roots. Roots that do not
// exist yet are skipped with a log line; AddPath can register them later.
func New(bus events.Bus, cfg Config) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		bus:       bus,
		cfg:       cfg,
		fs:        fs,
		debouncer: NewDebouncer(cfg.CoalesceWindow),
		done:      make(chan struct{}),
	}

	roots := []string{cfg.SessionDir, filepath.Join(cfg.SessionDir, "agents"), cfg.MetadataDir}
	for _, p := range cfg.SettingsPaths {
		roots = append(roots, filepath.Dir(p))
	}
	if cfg.CredentialsPath != "" {
		roots = append(roots, filepath.Dir(cfg.CredentialsPath))
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		if err := w.AddPath(root); err != nil {
			log.Printf("watcher: not watching %s: %v", root, err)
		}
	}

	return w, nil
}

// AddPath registers an additional directory.
func (w *Watcher) AddPath(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	return w.fs.Add(dir)
}

// Start runs the event loop until Close.
func (w *Watcher) Start() {
	go w.loop()
}

// Close stops the loop and releases the fsnotify watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.debouncer.Stop()
	w.fs.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case fsEvent, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(fsEvent)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(fsEvent fsnotify.Event) {
	kind, sessionID := w.classify(fsEvent.Name)

	switch {
	case fsEvent.Op.Has(fsnotify.Create):
		// A new session dir entry may itself need watching.
		if fi, err := os.Stat(fsEvent.Name); err == nil && fi.IsDir() {
			if err := w.fs.Add(fsEvent.Name); err != nil {
				log.Printf("watcher: add %s: %v", fsEvent.Name, err)
			}
			return
		}
		w.debouncer.Cancel(fsEvent.Name)
		w.publish(createType(kind), sessionID, fsEvent.Name)

	case fsEvent.Op.Has(fsnotify.Remove) || fsEvent.Op.Has(fsnotify.Rename):
		w.debouncer.Cancel(fsEvent.Name)
		w.publish(deleteType(kind), sessionID, fsEvent.Name)

	case fsEvent.Op.Has(fsnotify.Write) || fsEvent.Op.Has(fsnotify.Chmod):
		path := fsEvent.Name
		w.debouncer.Debounce(path, func() {
			w.publish(kind, sessionID, path)
		})
	}
}

func (w *Watcher) publish(eventType, sessionID, path string) {
	err := w.bus.Publish(context.Background(), events.Event{
		Type:      eventType,
		SessionID: sessionID,
		Path:      path,
	})
	if err != nil && err != events.ErrBusClosed {
		log.Printf("watcher: publish %s: %v", eventType, err)
	}
}

// classify maps a path to its modify event type plus the session id when
// the path is a transcript.
func (w *Watcher) classify(path string) (string, string) {
	if w.cfg.CredentialsPath != "" && path == w.cfg.CredentialsPath {
		return events.EventCredentialsChanged, ""
	}
	for _, p := range w.cfg.SettingsPaths {
		if path == p {
			return events.EventSettingsChanged, ""
		}
	}

	if w.cfg.SessionDir != "" && within(w.cfg.SessionDir, path) && strings.HasSuffix(path, ".jsonl") {
		base := strings.TrimSuffix(filepath.Base(path), ".jsonl")
		if filepath.Base(filepath.Dir(path)) == "agents" {
			return events.EventAgentSessionChanged, base
		}
		return events.EventSessionChanged, base
	}

	return events.EventOtherChanged, ""
}

// createType maps a modify event type to its create counterpart.
func createType(modify string) string {
	if modify == events.EventSessionChanged {
		return events.EventSessionCreated
	}
	return modify
}

// deleteType maps a modify event type to its delete counterpart.
func deleteType(modify string) string {
	if modify == events.EventSessionChanged {
		return events.EventSessionDeleted
	}
	return modify
}

// within reports whether path is root or inside it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
