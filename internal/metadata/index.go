// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wingedpig/tether/internal/transcript"
)

// autoTitleMaxLen bounds the derived session title.
const autoTitleMaxLen = 80

// Summary is the denormalized per-session record kept for fast listing.
type Summary struct {
	SessionID    string    `json:"sessionId"`
	ProjectID    string    `json:"projectId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	AutoTitle    string    `json:"autoTitle,omitempty"`
	CustomTitle  string    `json:"customTitle,omitempty"`
	IsStarred    bool      `json:"isStarred,omitempty"`
	IsArchived   bool      `json:"isArchived,omitempty"`
	HasUnread    bool      `json:"hasUnread,omitempty"`
}

// Title returns the custom title when set, else the derived one.
func (s Summary) Title() string {
	if s.CustomTitle != "" {
		return s.CustomTitle
	}
	return s.AutoTitle
}

// Query filters a session listing.
type Query struct {
	ProjectID       string
	Text            string
	After           time.Time
	Limit           int
	IncludeArchived bool
	StarredOnly     bool
}

// Index maintains summaries under indexDir, one JSON file per session,
// refreshed from watcher events. Listing reads only the index, never the
// transcripts.
type Index struct {
	dir    string
	reader *transcript.Reader
	store  *Store

	mu sync.Mutex
}

// NewIndex creates a summary index backed by the given reader and
// metadata store.
func NewIndex(dir string, reader *transcript.Reader, store *Store) *Index {
	return &Index{dir: dir, reader: reader, store: store}
}

func (ix *Index) path(sessionID string) string {
	return filepath.Join(ix.dir, sessionID+".json")
}

// Refresh recomputes a session's summary from its transcript and
// metadata and persists it.
func (ix *Index) Refresh(sessionID, projectID string) (Summary, error) {
	_, msgs, err := ix.reader.LoadSession(sessionID, projectID, "")
	if err != nil {
		return Summary{}, err
	}
	md, err := ix.store.Get(sessionID)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		SessionID:    sessionID,
		ProjectID:    projectID,
		MessageCount: len(msgs),
		AutoTitle:    autoTitle(msgs),
		CustomTitle:  md.CustomTitle,
		IsStarred:    md.IsStarred,
		IsArchived:   md.IsArchived,
	}
	if len(msgs) > 0 {
		sum.CreatedAt = msgs[0].Time()
		sum.UpdatedAt = msgs[len(msgs)-1].Time()
	}
	if md.LastSeenAt == nil {
		sum.HasUnread = sum.MessageCount > 0
	} else {
		sum.HasUnread = sum.UpdatedAt.After(*md.LastSeenAt)
	}

	if err := ix.write(sum); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// Get returns one summary.
func (ix *Index) Get(sessionID string) (Summary, error) {
	data, err := os.ReadFile(ix.path(sessionID))
	if err != nil {
		return Summary{}, fmt.Errorf("read summary: %w", err)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return Summary{}, fmt.Errorf("parse summary: %w", err)
	}
	return sum, nil
}

// Remove drops a session's summary.
func (ix *Index) Remove(sessionID string) {
	os.Remove(ix.path(sessionID))
}

// List returns summaries matching the query, newest activity first.
func (ix *Index) List(q Query) ([]Summary, error) {
	entries, err := os.ReadDir(ix.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index dir: %w", err)
	}

	var out []Summary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sum, err := ix.Get(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if q.ProjectID != "" && sum.ProjectID != q.ProjectID {
			continue
		}
		if !q.IncludeArchived && sum.IsArchived {
			continue
		}
		if q.StarredOnly && !sum.IsStarred {
			continue
		}
		if !q.After.IsZero() && !sum.UpdatedAt.After(q.After) {
			continue
		}
		if q.Text != "" && !strings.Contains(strings.ToLower(sum.Title()), strings.ToLower(q.Text)) {
			continue
		}
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (ix *Index) write(sum Summary) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := os.MkdirAll(ix.dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tmpPath := ix.path(sum.SessionID) + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err := os.Rename(tmpPath, ix.path(sum.SessionID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename summary: %w", err)
	}
	return nil
}

// autoTitle derives a session title from the first real user message:
// up to two non-empty lines joined and truncated.
func autoTitle(msgs []transcript.Message) string {
	for _, msg := range msgs {
		if msg.Type != transcript.TypeUser || msg.IsToolResultOnly() {
			continue
		}
		text := msg.FirstText()
		if text == "" {
			continue
		}
		var lines []string
		for _, line := range strings.SplitN(text, "\n", 3) {
			line = strings.TrimSpace(line)
			if line != "" {
				lines = append(lines, line)
				if len(lines) >= 2 {
					break
				}
			}
		}
		title := strings.Join(lines, " ")
		if len(title) > autoTitleMaxLen {
			return title[:autoTitleMaxLen] + "..."
		}
		return title
	}
	return ""
}
