// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"time"
)

// Input request types.
const (
	InputToolApproval = "tool-approval"
	InputQuestion     = "question"
	InputChoice       = "choice"
)

// Input responses.
const (
	ResponseApprove            = "approve"
	ResponseApproveAcceptEdits = "approve_accept_edits"
	ResponseDeny               = "deny"
)

// InputRequest is a one-shot pause: the agent is waiting for the user.
// The first valid RespondToInput resolves it; later responses are
// rejected.
type InputRequest struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Prompt    string          `json:"prompt,omitempty"`
	Options   []string        `json:"options,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// parseInputRequest digests a control_request line into an InputRequest.
func parseInputRequest(sessionID string, ev StreamEvent) *InputRequest {
	req := &InputRequest{
		ID:        ev.RequestID,
		SessionID: sessionID,
		Type:      InputToolApproval,
		Timestamp: time.Now(),
	}

	var body struct {
		Subtype  string          `json:"subtype"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input"`
		Prompt   string          `json:"prompt"`
		Options  []string        `json:"options"`
	}
	if ev.Request != nil && json.Unmarshal(ev.Request, &body) == nil {
		req.ToolName = body.ToolName
		req.ToolInput = body.Input
		req.Prompt = body.Prompt
		req.Options = body.Options
		switch body.Subtype {
		case "can_use_tool", "":
			req.Type = InputToolApproval
		case "question":
			req.Type = InputQuestion
		case "choice":
			req.Type = InputChoice
		}
	}
	return req
}
