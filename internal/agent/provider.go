// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package agent supervises coding-agent subprocesses. A Process wraps
// one running agent with its state machine, inbound serializer, message
// buffer and event fan-out; the Supervisor owns the session → process
// registry.
package agent

// Permission modes.
const (
	ModeDefault           = "default"
	ModePlan              = "plan"
	ModeAcceptEdits       = "accept-edits"
	ModeBypassPermissions = "bypass-permissions"
)

// Capabilities declares what a provider's CLI supports.
type Capabilities struct {
	SupportsDAG       bool `json:"supportsDag"`
	SupportsInterrupt bool `json:"supportsInterrupt"`
}

// Provider describes one agent CLI.
type Provider struct {
	Name         string
	Command      string
	Model        string
	Capabilities Capabilities
}

// ClaudeProvider returns the default provider: the claude CLI speaking
// its stream-json stdio protocol.
func ClaudeProvider() *Provider {
	return &Provider{
		Name:    "claude",
		Command: "claude",
		Capabilities: Capabilities{
			SupportsDAG:       true,
			SupportsInterrupt: true,
		},
	}
}

// args builds the CLI arguments for a spawn. resumeSID resumes a prior
// conversation; mode sets the initial permission mode.
func (p *Provider) args(resumeSID, mode string) []string {
	args := []string{
		"--output-format", "stream-json",
		"--verbose",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--include-partial-messages",
	}
	if mode == "" {
		mode = ModeDefault
	}
	args = append(args, "--permission-mode", mode)
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if resumeSID != "" {
		args = append(args, "--resume", resumeSID)
	}
	return args
}
