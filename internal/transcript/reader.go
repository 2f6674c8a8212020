// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// ErrSessionNotFound is returned when no transcript exists for a session.
var ErrSessionNotFound = errors.New("session not found")

// AgentMapping links a Task tool_use to the subagent transcript it spawned.
type AgentMapping struct {
	ToolUseID string `json:"toolUseId"`
	AgentID   string `json:"agentId"`
}

// Session is the reader's view of a session's identity and counters.
type Session struct {
	SessionID    string `json:"sessionId"`
	ProjectID    string `json:"projectId,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
	MessageCount int    `json:"messageCount"`
}

// Reader parses transcript files under the session root and answers
// incremental queries. It only ever reads; the owning Process writes.
// The root holds one directory per project (named by project id), each
// containing <sessionId>.jsonl transcripts and an agents/ subdirectory
// for subagent transcripts. When the provider records a parent chain,
// messages are stably re-ordered by it.
type Reader struct {
	root        string
	supportsDAG bool

	mu       sync.Mutex
	located  map[string]string
	lastGood map[string][]Message
}

// NewReader creates a reader over a session root. supportsDAG enables
// parent-chain ordering for providers that write one.
func NewReader(root string, supportsDAG bool) *Reader {
	return &Reader{
		root:        root,
		supportsDAG: supportsDAG,
		located:     make(map[string]string),
		lastGood:    make(map[string][]Message),
	}
}

// SessionPath returns the transcript path for a session within a project.
func (r *Reader) SessionPath(projectID, sessionID string) string {
	if projectID == "" {
		return filepath.Join(r.root, sessionID+".jsonl")
	}
	return filepath.Join(r.root, projectID, sessionID+".jsonl")
}

// AgentSessionPath returns the transcript path for a subagent spawned by
// a Task tool. Subagents get their own transcript file under agents/.
func (r *Reader) AgentSessionPath(projectID, agentID string) string {
	if projectID == "" {
		return filepath.Join(r.root, "agents", agentID+".jsonl")
	}
	return filepath.Join(r.root, projectID, "agents", agentID+".jsonl")
}

// locate finds a transcript when the caller has no project id: the flat
// root first, then every project subdirectory. Hits are cached.
func (r *Reader) locate(rel string) string {
	r.mu.Lock()
	if p, ok := r.located[rel]; ok {
		r.mu.Unlock()
		if _, err := os.Stat(p); err == nil {
			return p
		}
		delete(r.located, rel)
	} else {
		r.mu.Unlock()
	}

	flat := filepath.Join(r.root, rel)
	if _, err := os.Stat(flat); err == nil {
		r.cachePath(rel, flat)
		return flat
	}

	matches, err := filepath.Glob(filepath.Join(r.root, "*", rel))
	if err != nil || len(matches) == 0 {
		return flat
	}
	r.cachePath(rel, matches[0])
	return matches[0]
}

func (r *Reader) cachePath(rel, path string) {
	r.mu.Lock()
	r.located[rel] = path
	r.mu.Unlock()
}

// LoadSession returns the session summary and its ordered messages. When
// afterMessageID is set, only messages strictly after it are returned;
// an unknown afterMessageID (e.g. a client temp id) returns the full
// list and the caller dedupes.
func (r *Reader) LoadSession(sessionID, projectID, afterMessageID string) (Session, []Message, error) {
	path := r.SessionPath(projectID, sessionID)
	if projectID == "" {
		path = r.locate(sessionID + ".jsonl")
	}

	msgs, err := r.load(path, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	if msgs == nil {
		return Session{}, nil, ErrSessionNotFound
	}

	sess := Session{
		SessionID:    sessionID,
		ProjectID:    projectID,
		MessageCount: len(msgs),
	}
	if len(msgs) > 0 {
		sess.CreatedAt = msgs[0].Timestamp
		sess.UpdatedAt = msgs[len(msgs)-1].Timestamp
	}

	return sess, filterAfter(msgs, afterMessageID), nil
}

// LoadAgentSession returns the messages of a subagent transcript.
func (r *Reader) LoadAgentSession(sessionID, agentID string) (Session, []Message, error) {
	path := r.locate(filepath.Join("agents", agentID+".jsonl"))
	msgs, err := r.load(path, agentID)
	if err != nil {
		return Session{}, nil, err
	}
	if msgs == nil {
		return Session{}, nil, ErrSessionNotFound
	}
	sess := Session{SessionID: sessionID, MessageCount: len(msgs)}
	return sess, msgs, nil
}

// ListAgentMappings scans a transcript for subagent spawn records and
// returns toolUseId → agentId pairs. The agent emits these as system
// lines when a Task tool forks a subagent.
func (r *Reader) ListAgentMappings(sessionID string) ([]AgentMapping, error) {
	msgs, err := r.load(r.locate(sessionID+".jsonl"), sessionID)
	if err != nil {
		return nil, err
	}

	var mappings []AgentMapping
	for _, msg := range msgs {
		if msg.Type != TypeSystem {
			continue
		}
		subtype, agentID := "", ""
		if v, ok := msg.Extra["subtype"]; ok {
			json.Unmarshal(v, &subtype)
		}
		if subtype != "agent_spawned" {
			continue
		}
		if v, ok := msg.Extra["agentId"]; ok {
			json.Unmarshal(v, &agentID)
		}
		if agentID == "" || msg.ParentToolUseID == "" {
			continue
		}
		mappings = append(mappings, AgentMapping{
			ToolUseID: msg.ParentToolUseID,
			AgentID:   agentID,
		})
	}
	return mappings, nil
}

// load parses and orders a transcript file. On a read failure the last
// good parse for that file is returned so a mid-write race does not blank
// out a client's view.
func (r *Reader) load(path, key string) ([]Message, error) {
	msgs, err := parseFile(path)
	if err != nil {
		r.mu.Lock()
		good, ok := r.lastGood[key]
		r.mu.Unlock()
		if ok {
			log.Printf("transcript: read failed for %s, serving last good parse: %v", key, err)
			return good, nil
		}
		return nil, err
	}
	if msgs == nil {
		return nil, nil
	}

	if r.supportsDAG {
		msgs = orderByParentChain(msgs)
	}

	r.mu.Lock()
	r.lastGood[key] = msgs
	r.mu.Unlock()
	return msgs, nil
}

// filterAfter returns the messages strictly after the given id, or the
// full slice when the id is empty or not present.
func filterAfter(msgs []Message, afterID string) []Message {
	if afterID == "" {
		return msgs
	}
	for i, m := range msgs {
		if m.UUID == afterID {
			return msgs[i+1:]
		}
	}
	return msgs
}
