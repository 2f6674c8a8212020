// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"

	"github.com/wingedpig/tether/internal/transcript"
)

// StreamEvent is a parsed NDJSON line from the child's stdout.
type StreamEvent struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	UUID       string          `json:"uuid,omitempty"`
	ParentUUID string          `json:"parentUuid,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
	// control_request fields (permission prompts from the stdio
	// permission-prompt tool)
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	// stream_event inner event (from --include-partial-messages)
	Event json.RawMessage `json:"event,omitempty"`
	// system line extras
	AgentID         string `json:"agentId,omitempty"`
	ParentToolUseID string `json:"parentToolUseId,omitempty"`
}

// StreamDelta is a digested inner stream event, enough for streaming-text
// accumulation and augmentation.
type StreamDelta struct {
	Kind       string `json:"kind"`
	MessageID  string `json:"messageId,omitempty"`
	BlockIndex int    `json:"blockIndex"`
	Text       string `json:"text,omitempty"`
}

// Inner stream event kinds.
const (
	DeltaMessageStart = "message_start"
	DeltaBlockStart   = "content_block_start"
	DeltaBlockText    = "content_block_delta"
	DeltaBlockStop    = "content_block_stop"
	DeltaMessageStop  = "message_stop"
)

// parseDelta digests the inner event of a stream_event line. Returns nil
// for kinds the server does not track.
func parseDelta(raw json.RawMessage) *StreamDelta {
	var inner struct {
		Type    string `json:"type"`
		Index   int    `json:"index"`
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if json.Unmarshal(raw, &inner) != nil {
		return nil
	}

	switch inner.Type {
	case DeltaMessageStart:
		return &StreamDelta{Kind: DeltaMessageStart, MessageID: inner.Message.ID}
	case DeltaBlockStart:
		return &StreamDelta{Kind: DeltaBlockStart, BlockIndex: inner.Index}
	case DeltaBlockText:
		if inner.Delta.Type != "text_delta" {
			return nil
		}
		return &StreamDelta{Kind: DeltaBlockText, BlockIndex: inner.Index, Text: inner.Delta.Text}
	case DeltaBlockStop:
		return &StreamDelta{Kind: DeltaBlockStop, BlockIndex: inner.Index}
	case DeltaMessageStop:
		return &StreamDelta{Kind: DeltaMessageStop}
	default:
		return nil
	}
}

// stdinUserMessage is the JSON format for sending user messages to the
// child's stdin.
type stdinUserMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Message   stdinMessageInner `json:"message"`
}

type stdinMessageInner struct {
	Role    string                    `json:"role"`
	Content []transcript.ContentBlock `json:"content"`
}

// controlResponse answers a pending permission prompt over stdin.
type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// controlRequest carries server → child control messages (permission
// mode changes, interrupts).
type controlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}
