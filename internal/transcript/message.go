// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transcript owns the on-disk session log and its reader. The
// transcript file is the authority for a session's messages: one JSON
// object per line, append-only, with unknown fields preserved.
package transcript

import (
	"encoding/json"
	"time"
)

// Message types found in a transcript.
const (
	TypeUser        = "user"
	TypeAssistant   = "assistant"
	TypeSystem      = "system"
	TypeToolUse     = "tool_use"
	TypeToolResult  = "tool_result"
	TypeStreamEvent = "stream_event"
)

// Message sources.
const (
	SourceLog  = "log"
	SourceLive = "live"
)

// ContentBlock mirrors the agent's content block types.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Payload is the "message" field of a transcript line: a role plus an
// ordered list of content blocks.
type Payload struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// Message is one transcript line. The typed fields are the subset the
// server interprets; everything else a provider writes is carried in
// Extra and round-trips untouched.
type Message struct {
	UUID            string
	Type            string
	Timestamp       string
	SessionID       string
	ParentUUID      string
	ParentToolUseID string
	IsSidechain     bool
	Message         json.RawMessage
	Extra           map[string]json.RawMessage

	// Source records where the message was observed: the disk log or the
	// live child stream. Not serialized; the log is always authoritative.
	Source string
}

// knownKeys are the typed fields extracted from a transcript line.
var knownKeys = map[string]bool{
	"uuid":            true,
	"type":            true,
	"timestamp":       true,
	"sessionId":       true,
	"parentUuid":      true,
	"parentToolUseId": true,
	"isSidechain":     true,
	"message":         true,
}

// UnmarshalJSON decodes the typed subset and stashes all other fields in
// Extra so they survive a read-modify-write cycle.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	get := func(key string, dst interface{}) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		return json.Unmarshal(v, dst)
	}

	if err := get("uuid", &m.UUID); err != nil {
		return err
	}
	if err := get("type", &m.Type); err != nil {
		return err
	}
	if err := get("timestamp", &m.Timestamp); err != nil {
		return err
	}
	if err := get("sessionId", &m.SessionID); err != nil {
		return err
	}
	if err := get("parentUuid", &m.ParentUUID); err != nil {
		return err
	}
	if err := get("parentToolUseId", &m.ParentToolUseID); err != nil {
		return err
	}
	if err := get("isSidechain", &m.IsSidechain); err != nil {
		return err
	}
	if v, ok := raw["message"]; ok {
		m.Message = v
	}

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return nil
}

// MarshalJSON re-merges the typed fields with the Extra bag.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+8)
	for k, v := range m.Extra {
		out[k] = v
	}

	put := func(key string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = data
		return nil
	}

	if err := put("uuid", m.UUID); err != nil {
		return nil, err
	}
	if err := put("type", m.Type); err != nil {
		return nil, err
	}
	if err := put("timestamp", m.Timestamp); err != nil {
		return nil, err
	}
	if m.SessionID != "" {
		if err := put("sessionId", m.SessionID); err != nil {
			return nil, err
		}
	}
	if m.ParentUUID != "" {
		if err := put("parentUuid", m.ParentUUID); err != nil {
			return nil, err
		}
	}
	if m.ParentToolUseID != "" {
		if err := put("parentToolUseId", m.ParentToolUseID); err != nil {
			return nil, err
		}
	}
	if m.IsSidechain {
		if err := put("isSidechain", m.IsSidechain); err != nil {
			return nil, err
		}
	}
	if m.Message != nil {
		out["message"] = m.Message
	}

	return json.Marshal(out)
}

// Time parses the message timestamp. Returns the zero time if the
// timestamp is missing or not RFC 3339.
func (m *Message) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Content decodes the message payload. Returns an empty payload for
// messages without one (e.g. bare system lines).
func (m *Message) Content() Payload {
	var p Payload
	if m.Message != nil {
		json.Unmarshal(m.Message, &p)
	}
	return p
}

// FirstText returns the first non-empty text block of the payload.
func (m *Message) FirstText() string {
	for _, block := range m.Content().Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return ""
}

// IsToolResultOnly reports whether every content block is a tool_result.
// Used to distinguish real user turns from tool result carriers.
func (m *Message) IsToolResultOnly() bool {
	blocks := m.Content().Content
	if len(blocks) == 0 {
		return false
	}
	for _, block := range blocks {
		if block.Type != "tool_result" {
			return false
		}
	}
	return true
}
