// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	ps "github.com/mitchellh/go-ps"

	"github.com/wingedpig/tether/internal/events"
)

// Session statuses reported on the bus.
const (
	StatusOwned      = "owned"
	StatusExternal   = "external"
	StatusIdle       = "idle"
	StatusTerminated = "terminated"
)

// Supervisor defaults.
const (
	DefaultExternalQuiet = 5 * time.Second
)

// ErrProcessNotFound is returned for an unknown process id.
var ErrProcessNotFound = errors.New("process not found")

// StartOptions tune a spawn.
type StartOptions struct {
	Mode        string
	TempID      string
	Attachments []string
}

// SupervisorConfig wires a Supervisor.
type SupervisorConfig struct {
	Provider      *Provider
	Runner        Runner
	Bus           events.Bus
	SessionRoot   string
	IdleGrace     time.Duration
	ExternalQuiet time.Duration
	MaxHistory    int
}

type externalState struct {
	lastSeen time.Time
	timer    *time.Timer
}

// Supervisor is the registry of Processes keyed by session id and
// process id. It enforces the single-owner invariant: at most one
// Process owns a session at any time.
type Supervisor struct {
	cfg SupervisorConfig

	mu          sync.Mutex
	byProcessID map[string]*Process
	bySessionID map[string]*Process
	everOwned   map[string]bool
	external    map[string]*externalState
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Provider == nil {
		cfg.Provider = ClaudeProvider()
	}
	if cfg.Runner == nil {
		cfg.Runner = NewExecRunner()
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = DefaultIdleGrace
	}
	if cfg.ExternalQuiet <= 0 {
		cfg.ExternalQuiet = DefaultExternalQuiet
	}
	return &Supervisor{
		cfg:         cfg,
		byProcessID: make(map[string]*Process),
		bySessionID: make(map[string]*Process),
		everOwned:   make(map[string]bool),
		external:    make(map[string]*externalState),
	}
}

// logPathFor maps (projectID, sessionID) to the transcript path.
func (s *Supervisor) logPathFor(projectID, sessionID string) string {
	if projectID == "" {
		return filepath.Join(s.cfg.SessionRoot, sessionID+".jsonl")
	}
	return filepath.Join(s.cfg.SessionRoot, projectID, sessionID+".jsonl")
}

// newProcess builds a Process wired into the registry callbacks.
func (s *Supervisor) newProcess(sessionID, projectID, projectPath, resumeSID, mode string) *Process {
	return NewProcess(Config{
		SessionID:   sessionID,
		ProjectID:   projectID,
		ProjectPath: projectPath,
		Provider:    s.cfg.Provider,
		Runner:      s.cfg.Runner,
		Mode:        mode,
		ResumeSID:   resumeSID,
		MaxHistory:  s.cfg.MaxHistory,
		IdleGrace:   s.cfg.IdleGrace,
		LogPathFor: func(sid string) string {
			return s.logPathFor(projectID, sid)
		},
		OnTerminate:        s.release,
		OnSessionIDChanged: s.remapSession,
	})
}

// StartSession mints a session id, spawns a child and registers it. Two
// concurrent starts for the same project produce distinct sessions.
func (s *Supervisor) StartSession(projectID, projectPath, userMessage string, opts StartOptions) (*Process, error) {
	sessionID := uuid.New().String()
	p := s.newProcess(sessionID, projectID, projectPath, "", opts.Mode)

	s.mu.Lock()
	s.byProcessID[p.ProcessID()] = p
	s.bySessionID[sessionID] = p
	s.everOwned[sessionID] = true
	s.clearExternalLocked(sessionID)
	s.mu.Unlock()

	if err := s.spawnRegistered(p, sessionID); err != nil {
		return nil, err
	}

	if userMessage != "" {
		if _, err := p.QueueMessage(userMessage, opts.Attachments, "", opts.TempID); err != nil {
			return nil, err
		}
	}
	s.publishStatus(sessionID, StatusOwned, p)
	return p, nil
}

// ResumeSession returns the owning process for a session, spawning one
// with the resume flag when none exists. Ownership is acquired under the
// registry lock before the spawn, so two concurrent resumes cannot both
// spawn.
func (s *Supervisor) ResumeSession(sessionID, projectID, projectPath, userMessage string, opts StartOptions) (*Process, error) {
	s.mu.Lock()
	if owner, ok := s.bySessionID[sessionID]; ok {
		s.mu.Unlock()
		if userMessage != "" {
			if _, err := owner.QueueMessage(userMessage, opts.Attachments, opts.Mode, opts.TempID); err != nil {
				return nil, err
			}
		}
		return owner, nil
	}

	p := s.newProcess(sessionID, projectID, projectPath, sessionID, opts.Mode)
	s.byProcessID[p.ProcessID()] = p
	s.bySessionID[sessionID] = p
	s.everOwned[sessionID] = true
	s.clearExternalLocked(sessionID)
	s.mu.Unlock()

	if err := s.spawnRegistered(p, sessionID); err != nil {
		return nil, err
	}

	if userMessage != "" {
		if _, err := p.QueueMessage(userMessage, opts.Attachments, "", opts.TempID); err != nil {
			return nil, err
		}
	}
	s.publishStatus(sessionID, StatusOwned, p)
	return p, nil
}

// spawnRegistered starts a registered process, rolling back the registry
// entries on spawn failure.
func (s *Supervisor) spawnRegistered(p *Process, sessionID string) error {
	if err := p.Start(context.Background()); err != nil {
		s.mu.Lock()
		delete(s.byProcessID, p.ProcessID())
		if s.bySessionID[sessionID] == p {
			delete(s.bySessionID, sessionID)
		}
		s.mu.Unlock()
		return fmt.Errorf("spawn failed: %w", err)
	}
	return nil
}

// GetProcessForSession returns the current owner of a session, or nil.
func (s *Supervisor) GetProcessForSession(sessionID string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bySessionID[sessionID]
}

// GetProcess returns a process by process id.
func (s *Supervisor) GetProcess(processID string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byProcessID[processID]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return p, nil
}

// ListProcesses snapshots the registry.
func (s *Supervisor) ListProcesses() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.byProcessID))
	for _, p := range s.byProcessID {
		out = append(out, p)
	}
	return out
}

// Abort terminates a process by id.
func (s *Supervisor) Abort(processID string) error {
	p, err := s.GetProcess(processID)
	if err != nil {
		return err
	}
	return p.Abort()
}

// Interrupt asks a process to stop its current turn.
func (s *Supervisor) Interrupt(processID string) (InterruptResult, error) {
	p, err := s.GetProcess(processID)
	if err != nil {
		return InterruptResult{}, err
	}
	return p.Interrupt()
}

// EverOwned reports whether this server ever owned the session. Used to
// tell an orphaned session apart from one that was always external.
func (s *Supervisor) EverOwned(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everOwned[sessionID]
}

// release removes a terminated process from the registry.
func (s *Supervisor) release(p *Process, reason string) {
	sessionID := p.SessionID()

	s.mu.Lock()
	delete(s.byProcessID, p.ProcessID())
	if s.bySessionID[sessionID] == p {
		delete(s.bySessionID, sessionID)
	}
	s.mu.Unlock()

	log.Printf("supervisor: process %s released session %s (%s)", p.ProcessID(), sessionID, reason)
	s.publishStatus(sessionID, StatusTerminated, p)
}

// remapSession moves ownership when the child reports its real session
// id at init.
func (s *Supervisor) remapSession(p *Process, oldID, newID string) {
	s.mu.Lock()
	if s.bySessionID[oldID] == p {
		delete(s.bySessionID, oldID)
	}
	s.bySessionID[newID] = p
	s.everOwned[newID] = true
	s.mu.Unlock()
	log.Printf("supervisor: session %s renamed to %s", oldID, newID)
}

// NoteSessionFileChanged feeds watcher modify events for session files.
// Changes to unowned transcripts mark the session external until the
// file goes quiet.
func (s *Supervisor) NoteSessionFileChanged(sessionID string) {
	s.mu.Lock()
	if _, owned := s.bySessionID[sessionID]; owned {
		s.mu.Unlock()
		return
	}

	st, known := s.external[sessionID]
	if known {
		st.lastSeen = time.Now()
		st.timer.Reset(s.cfg.ExternalQuiet)
		s.mu.Unlock()
		return
	}

	st = &externalState{lastSeen: time.Now()}
	st.timer = time.AfterFunc(s.cfg.ExternalQuiet, func() {
		s.externalQuiet(sessionID)
	})
	s.external[sessionID] = st
	s.mu.Unlock()

	payload := map[string]interface{}{
		"agentRunning": agentProcessRunning(s.cfg.Provider.Command),
	}
	s.publishStatusPayload(sessionID, StatusExternal, payload)
}

// externalQuiet clears external status after the quiet window.
func (s *Supervisor) externalQuiet(sessionID string) {
	s.mu.Lock()
	st, ok := s.external[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if time.Since(st.lastSeen) < s.cfg.ExternalQuiet {
		// A change slipped in while the timer fired.
		st.timer.Reset(s.cfg.ExternalQuiet)
		s.mu.Unlock()
		return
	}
	delete(s.external, sessionID)
	s.mu.Unlock()

	s.publishStatusPayload(sessionID, StatusIdle, nil)
}

// ExternalSessions snapshots the sessions currently marked external.
func (s *Supervisor) ExternalSessions() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.external))
	for id, st := range s.external {
		out[id] = st.lastSeen
	}
	return out
}

// clearExternalLocked drops external tracking when we take ownership.
func (s *Supervisor) clearExternalLocked(sessionID string) {
	if st, ok := s.external[sessionID]; ok {
		st.timer.Stop()
		delete(s.external, sessionID)
	}
}

// Shutdown aborts every process.
func (s *Supervisor) Shutdown() {
	for _, p := range s.ListProcesses() {
		if err := p.Abort(); err != nil {
			log.Printf("supervisor: abort %s: %v", p.ProcessID(), err)
		}
	}
}

func (s *Supervisor) publishStatus(sessionID, status string, p *Process) {
	payload := map[string]interface{}{}
	if p != nil {
		payload["processId"] = p.ProcessID()
	}
	payload["status"] = status
	s.publishEvent(sessionID, payload)
}

func (s *Supervisor) publishStatusPayload(sessionID, status string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["status"] = status
	s.publishEvent(sessionID, payload)
}

func (s *Supervisor) publishEvent(sessionID string, payload map[string]interface{}) {
	if s.cfg.Bus == nil {
		return
	}
	err := s.cfg.Bus.Publish(context.Background(), events.Event{
		Type:      events.EventSessionStatus,
		SessionID: sessionID,
		Payload:   payload,
	})
	if err != nil && err != events.ErrBusClosed {
		log.Printf("supervisor: publish status: %v", err)
	}
}

// agentProcessRunning checks whether some agent CLI process is alive on
// this host. Pure diagnostics for the external-session event payload.
func agentProcessRunning(command string) bool {
	procs, err := ps.Processes()
	if err != nil {
		return false
	}
	base := filepath.Base(command)
	for _, proc := range procs {
		if proc.Executable() == base {
			return true
		}
	}
	return false
}
