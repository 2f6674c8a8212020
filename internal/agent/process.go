// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wingedpig/tether/internal/transcript"
)

// Process states.
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateWaitingInput State = "waiting-input"
	StateHold         State = "hold"
	StateIdle         State = "idle"
	StateTerminated   State = "terminated"
)

// Defaults.
const (
	DefaultMaxHistory = 10_000
	DefaultIdleGrace  = 30 * time.Second
)

var (
	// ErrTerminated is returned for operations on a dead process.
	ErrTerminated = errors.New("process terminated")
	// ErrNoPendingRequest is returned when no input request is pending.
	ErrNoPendingRequest = errors.New("no pending input request")
	// ErrRequestIDMismatch is returned when a response names the wrong
	// request.
	ErrRequestIDMismatch = errors.New("request id mismatch")
	// ErrNotActive is returned for hold changes outside the active state.
	ErrNotActive = errors.New("process not active")
)

// Event types fanned out to subscribers.
type EventType string

const (
	EventMessage          EventType = "message"
	EventStateChange      EventType = "state-change"
	EventModeChange       EventType = "mode-change"
	EventError            EventType = "error"
	EventSessionIDChanged EventType = "session-id-changed"
	EventComplete         EventType = "complete"
	EventLogin            EventType = "claude-login"
)

// Event is one fan-out record. Subscribers must not block the publisher;
// they enqueue to their own buffers.
type Event struct {
	Type        EventType           `json:"type"`
	Message     *transcript.Message `json:"message,omitempty"`
	Delta       *StreamDelta        `json:"delta,omitempty"`
	State       State               `json:"state,omitempty"`
	Request     *InputRequest       `json:"request,omitempty"`
	Mode        string              `json:"mode,omitempty"`
	ModeVersion int                 `json:"modeVersion,omitempty"`
	Err         string              `json:"error,omitempty"`
	SessionID   string              `json:"sessionId,omitempty"`
	TempID      string              `json:"tempId,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// QueueResult is the outcome of QueueMessage.
type QueueResult struct {
	Queued   bool `json:"queued"`
	Position int  `json:"position"`
}

// InterruptResult is the outcome of Interrupt.
type InterruptResult struct {
	Interrupted bool `json:"interrupted"`
	Supported   bool `json:"supported"`
}

// StreamingContent is the partial text of an in-progress message.
type StreamingContent struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

// Config wires one Process.
type Config struct {
	ProcessID   string
	SessionID   string
	ProjectID   string
	ProjectPath string
	Provider    *Provider
	Runner      Runner
	Mode        string
	ResumeSID   string
	MaxHistory  int
	IdleGrace   time.Duration

	// LogPathFor maps a session id to its transcript path; the log moves
	// when the child reports a different session id at init.
	LogPathFor func(sessionID string) string

	// OnTerminate runs after the process reaches terminated, outside the
	// worker. The supervisor uses it to release ownership.
	OnTerminate func(p *Process, reason string)
	// OnSessionIDChanged runs when the child reports a session id that
	// differs from the minted one.
	OnSessionIDChanged func(p *Process, oldID, newID string)
}

type queuedMessage struct {
	id          string
	text        string
	attachments []string
	tempID      string
}

type cmdKind int

const (
	cmdQueue cmdKind = iota
	cmdRespond
	cmdSetMode
	cmdSetHold
	cmdAbort
	cmdInterrupt
	cmdChildEvent
	cmdChildStderr
	cmdChildExit
	cmdEvict
)

type command struct {
	kind cmdKind

	queued    queuedMessage
	requestID string
	response  string
	answers   map[string]string
	feedback  string
	mode      string
	hold      bool
	ev        StreamEvent
	line      string
	gen       int
	exitErr   error

	reply chan cmdResult
}

type cmdResult struct {
	err         error
	queue       QueueResult
	mode        string
	modeVersion int
	state       State
	holdSince   *time.Time
	interrupt   InterruptResult
}

// Process is one live agent subprocess. All mutating operations are
// funnelled through a single worker goroutine so state transitions are
// strictly sequential; concurrent callers observe a consistent order.
type Process struct {
	cfg Config

	commands chan command
	done     chan struct{}

	// Snapshot state: written only by the worker, read under mu.
	mu          sync.Mutex
	state       State
	sessionID   string
	mode        string
	modeVersion int
	pending     *InputRequest
	queue       []queuedMessage
	history     []transcript.Message
	idleSince   time.Time
	holdSince   time.Time
	termReason  string

	// Streaming accumulation, keyed by streaming message id. Entries
	// stay addressable after message_stop until the authoritative
	// assistant message arrives.
	streamID    string
	streamAccum map[string]map[int]*strings.Builder

	// Fan-out. The critical section is short; subscribers must enqueue.
	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	// Worker-only child plumbing.
	child     *Child
	childGen  int
	lastUUID  string
	logFile   *transcript.Log
	idleTimer *time.Timer
}

// NewProcess creates a process in the starting state. Start spawns the
// child.
func NewProcess(cfg Config) *Process {
	if cfg.ProcessID == "" {
		cfg.ProcessID = uuid.New().String()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = DefaultIdleGrace
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDefault
	}

	p := &Process{
		cfg:         cfg,
		commands:    make(chan command),
		done:        make(chan struct{}),
		state:       StateStarting,
		sessionID:   cfg.SessionID,
		mode:        cfg.Mode,
		streamAccum: make(map[string]map[int]*strings.Builder),
		subs:        make(map[int]func(Event)),
	}
	if cfg.LogPathFor != nil {
		p.logFile = transcript.NewLog(cfg.LogPathFor(cfg.SessionID))
	}
	return p
}

// Start spawns the child and the worker. Called once by the supervisor.
func (p *Process) Start(ctx context.Context) error {
	if err := p.spawnChild(ctx); err != nil {
		p.mu.Lock()
		p.state = StateTerminated
		p.termReason = "spawn-failed"
		p.mu.Unlock()
		close(p.done)
		return fmt.Errorf("spawn agent: %w", err)
	}
	go p.run()
	return nil
}

// ProcessID returns the server-assigned process id.
func (p *Process) ProcessID() string { return p.cfg.ProcessID }

// SessionID returns the current session id.
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// ProjectID returns the owning project id.
func (p *Process) ProjectID() string { return p.cfg.ProjectID }

// Provider returns the provider descriptor.
func (p *Process) Provider() *Provider { return p.cfg.Provider }

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mode returns the permission mode and its version.
func (p *Process) Mode() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode, p.modeVersion
}

// QueueDepth returns the number of queued messages.
func (p *Process) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// PendingInputRequest returns the pending request, if any.
func (p *Process) PendingInputRequest() *InputRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// TerminationReason reports why the process terminated.
func (p *Process) TerminationReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termReason
}

// GetMessageHistory returns the buffered messages in order.
func (p *Process) GetMessageHistory() []transcript.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transcript.Message, len(p.history))
	copy(out, p.history)
	return out
}

// GetStreamingContent returns the partial text of the message currently
// streaming, or nil when nothing is in flight.
func (p *Process) GetStreamingContent() *StreamingContent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamingContentLocked()
}

func (p *Process) streamingContentLocked() *StreamingContent {
	id := p.streamID
	if id == "" {
		// message_stop seen; the last buffer stays addressable until the
		// authoritative assistant message replaces it.
		for k := range p.streamAccum {
			id = k
			break
		}
	}
	blocks, ok := p.streamAccum[id]
	if !ok || len(blocks) == 0 {
		return nil
	}
	return &StreamingContent{MessageID: id, Text: joinBlocks(blocks)}
}

// AccumulateStreamingText appends delta text for a streaming message id.
// Locked variant used by the worker and exposed for catch-up plumbing.
func (p *Process) AccumulateStreamingText(id string, delta string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accumulateLocked(id, 0, delta)
}

func (p *Process) accumulateLocked(id string, blockIndex int, delta string) {
	blocks, ok := p.streamAccum[id]
	if !ok {
		blocks = make(map[int]*strings.Builder)
		p.streamAccum[id] = blocks
	}
	buf, ok := blocks[blockIndex]
	if !ok {
		buf = &strings.Builder{}
		blocks[blockIndex] = buf
	}
	buf.WriteString(delta)
}

func joinBlocks(blocks map[int]*strings.Builder) string {
	idxs := make([]int, 0, len(blocks))
	for i := range blocks {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	var sb strings.Builder
	for _, i := range idxs {
		sb.WriteString(blocks[i].String())
	}
	return sb.String()
}

// Subscribe attaches a fan-out callback and returns its unsubscribe
// function. The callback runs under a short critical section and must
// not block.
func (p *Process) Subscribe(fn func(Event)) func() {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

// SubscribeWithReplay snapshots history and streaming state and attaches
// the live callback under one critical section, so a new subscriber sees
// every buffered message before any live event and nothing falls in the
// gap between snapshot and attach. The replay callback must not block.
func (p *Process) SubscribeWithReplay(replay func([]transcript.Message, *StreamingContent), fn func(Event)) func() {
	p.subMu.Lock()

	p.mu.Lock()
	history := make([]transcript.Message, len(p.history))
	copy(history, p.history)
	sc := p.streamingContentLocked()
	p.mu.Unlock()

	replay(history, sc)

	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *Process) publish(ev Event) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, fn := range p.subs {
		fn(ev)
	}
}

// send hands a command to the worker, failing fast once the process is
// terminated.
func (p *Process) send(cmd command) (cmdResult, error) {
	select {
	case p.commands <- cmd:
		return <-cmd.reply, nil
	case <-p.done:
		return cmdResult{}, ErrTerminated
	}
}

// sendAsync is for child-IO goroutines: no result, drop after death.
func (p *Process) sendAsync(cmd command) {
	cmd.reply = make(chan cmdResult, 1)
	select {
	case p.commands <- cmd:
		<-cmd.reply
	case <-p.done:
	}
}

// QueueMessage enqueues a user message. The optional mode applies before
// dispatch; tempID round-trips to the client for dedupe against the log.
func (p *Process) QueueMessage(text string, attachments []string, mode, tempID string) (QueueResult, error) {
	cmd := command{
		kind: cmdQueue,
		queued: queuedMessage{
			id:          uuid.New().String(),
			text:        text,
			attachments: attachments,
			tempID:      tempID,
		},
		mode:  mode,
		reply: make(chan cmdResult, 1),
	}
	res, err := p.send(cmd)
	if err != nil {
		return QueueResult{}, err
	}
	return res.queue, res.err
}

// RespondToInput resolves the pending input request. Only the first
// matching response succeeds.
func (p *Process) RespondToInput(requestID, response string, answers map[string]string, feedback string) error {
	cmd := command{
		kind:      cmdRespond,
		requestID: requestID,
		response:  response,
		answers:   answers,
		feedback:  feedback,
		reply:     make(chan cmdResult, 1),
	}
	res, err := p.send(cmd)
	if err != nil {
		return err
	}
	return res.err
}

// SetPermissionMode stamps the next mode version and broadcasts the
// change. Versions are strictly increasing; clients reject stale ones.
func (p *Process) SetPermissionMode(mode string) (string, int, error) {
	cmd := command{kind: cmdSetMode, mode: mode, reply: make(chan cmdResult, 1)}
	res, err := p.send(cmd)
	if err != nil {
		return "", 0, err
	}
	return res.mode, res.modeVersion, res.err
}

// SetHold soft-pauses the process: queued messages stop dispatching but
// the child stays alive.
func (p *Process) SetHold(hold bool) (State, *time.Time, error) {
	cmd := command{kind: cmdSetHold, hold: hold, reply: make(chan cmdResult, 1)}
	res, err := p.send(cmd)
	if err != nil {
		return StateTerminated, nil, err
	}
	return res.state, res.holdSince, res.err
}

// Abort kills the child and terminates the process.
func (p *Process) Abort() error {
	cmd := command{kind: cmdAbort, reply: make(chan cmdResult, 1)}
	_, err := p.send(cmd)
	if errors.Is(err, ErrTerminated) {
		return nil
	}
	return err
}

// Interrupt asks the child to stop the current turn without killing it.
// Providers without interrupt support report supported=false.
func (p *Process) Interrupt() (InterruptResult, error) {
	cmd := command{kind: cmdInterrupt, reply: make(chan cmdResult, 1)}
	res, err := p.send(cmd)
	if err != nil {
		return InterruptResult{}, err
	}
	return res.interrupt, res.err
}

// run is the single inbound serializer.
func (p *Process) run() {
	for cmd := range p.commands {
		p.handle(cmd)
		if p.State() == StateTerminated {
			p.shutdown()
			return
		}
	}
}

// shutdown closes the door and fires OnTerminate.
func (p *Process) shutdown() {
	close(p.done)

	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	if p.child != nil {
		p.child.Kill()
	}

	p.mu.Lock()
	reason := p.termReason
	p.mu.Unlock()

	if p.cfg.OnTerminate != nil {
		p.cfg.OnTerminate(p, reason)
	}
}

func (p *Process) handle(cmd command) {
	var res cmdResult
	switch cmd.kind {
	case cmdQueue:
		res = p.handleQueue(cmd)
	case cmdRespond:
		res = p.handleRespond(cmd)
	case cmdSetMode:
		res = p.handleSetMode(cmd.mode, true)
	case cmdSetHold:
		res = p.handleSetHold(cmd.hold)
	case cmdAbort:
		p.terminate("aborted", "")
	case cmdInterrupt:
		res = p.handleInterrupt()
	case cmdChildEvent:
		p.handleChildEvent(cmd.ev)
	case cmdChildStderr:
		p.publish(Event{Type: EventError, Err: cmd.line})
	case cmdChildExit:
		p.handleChildExit(cmd.gen, cmd.exitErr)
	case cmdEvict:
		p.handleEvict()
	}
	cmd.reply <- res
}

func (p *Process) setState(next State) {
	p.mu.Lock()
	if p.state == next {
		p.mu.Unlock()
		return
	}
	p.state = next
	if next == StateIdle {
		p.idleSince = time.Now()
	}
	pending := p.pending
	p.mu.Unlock()

	p.publish(Event{Type: EventStateChange, State: next, Request: pending})

	if next == StateIdle {
		p.armIdleTimer()
	} else if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *Process) armIdleTimer() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.cfg.IdleGrace, func() {
		p.sendAsync(command{kind: cmdEvict})
	})
}

func (p *Process) handleQueue(cmd command) cmdResult {
	if cmd.mode != "" {
		p.handleSetMode(cmd.mode, true)
	}

	p.mu.Lock()
	p.queue = append(p.queue, cmd.queued)
	position := len(p.queue)
	state := p.state
	p.mu.Unlock()

	if state == StateIdle || state == StateRunning || state == StateStarting {
		p.dispatchQueue()
	}
	return cmdResult{queue: QueueResult{Queued: true, Position: position}}
}

// dispatchQueue feeds queued messages to the child when the process may
// consume them. Hold and waiting-input block consumption.
func (p *Process) dispatchQueue() {
	p.mu.Lock()
	state := p.state
	if state == StateHold || state == StateWaitingInput || state == StateTerminated {
		p.mu.Unlock()
		return
	}
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	sessionID := p.sessionID
	p.mu.Unlock()

	if p.child == nil {
		if err := p.spawnChild(context.Background()); err != nil {
			log.Printf("agent [%s]: respawn failed: %v", p.cfg.ProcessID, err)
			p.terminate("spawn-failed", err.Error())
			return
		}
	}

	content := []transcript.ContentBlock{{Type: "text", Text: next.text}}
	for _, att := range next.attachments {
		content = append(content, transcript.ContentBlock{Type: "text", Text: "[attachment] " + att})
	}

	msg := transcript.Message{
		UUID:       next.id,
		Type:       transcript.TypeUser,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:  sessionID,
		ParentUUID: p.lastUUID,
	}
	payload, _ := json.Marshal(transcript.Payload{Role: "user", Content: content})
	msg.Message = payload
	p.recordMessage(msg, next.tempID)

	if err := p.writeStdin(stdinUserMessage{
		Type:      "user",
		SessionID: sessionID,
		Message:   stdinMessageInner{Role: "user", Content: content},
	}); err != nil {
		log.Printf("agent [%s]: stdin write failed: %v", p.cfg.ProcessID, err)
		p.terminate("stdio-error", err.Error())
		return
	}

	p.setState(StateRunning)
}

func (p *Process) handleRespond(cmd command) cmdResult {
	p.mu.Lock()
	pending := p.pending
	p.mu.Unlock()

	if pending == nil {
		return cmdResult{err: ErrNoPendingRequest}
	}
	if pending.ID != cmd.requestID {
		return cmdResult{err: ErrRequestIDMismatch}
	}

	behavior := "deny"
	switch cmd.response {
	case ResponseApprove, ResponseApproveAcceptEdits:
		behavior = "allow"
	}
	body := map[string]interface{}{"behavior": behavior}
	if cmd.feedback != "" {
		body["message"] = cmd.feedback
	}
	if len(cmd.answers) > 0 {
		body["answers"] = cmd.answers
	}
	raw, _ := json.Marshal(body)

	if err := p.writeStdin(controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: cmd.requestID,
			Response:  raw,
		},
	}); err != nil {
		p.terminate("stdio-error", err.Error())
		return cmdResult{err: fmt.Errorf("write response: %w", err)}
	}

	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()

	if cmd.response == ResponseApproveAcceptEdits {
		p.handleSetMode(ModeAcceptEdits, true)
	}

	p.setState(StateRunning)
	p.dispatchQueue()
	return cmdResult{}
}

// handleSetMode stamps the next mode version. Versions only move
// forward; a subscriber applying updates rejects anything older than its
// last known version.
func (p *Process) handleSetMode(mode string, notifyChild bool) cmdResult {
	p.mu.Lock()
	p.mode = mode
	p.modeVersion++
	version := p.modeVersion
	p.mu.Unlock()

	if notifyChild && p.child != nil {
		err := p.writeStdin(controlRequest{
			Type:      "control_request",
			RequestID: uuid.New().String(),
			Request:   controlRequestBody{Subtype: "set_permission_mode", Mode: mode},
		})
		if err != nil {
			log.Printf("agent [%s]: mode change write failed: %v", p.cfg.ProcessID, err)
		}
	}

	p.publish(Event{Type: EventModeChange, Mode: mode, ModeVersion: version})
	return cmdResult{mode: mode, modeVersion: version}
}

func (p *Process) handleSetHold(hold bool) cmdResult {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	if hold {
		if state != StateRunning {
			return cmdResult{err: ErrNotActive, state: state}
		}
		p.mu.Lock()
		p.holdSince = time.Now()
		holdSince := p.holdSince
		p.mu.Unlock()
		p.setState(StateHold)
		return cmdResult{state: StateHold, holdSince: &holdSince}
	}

	if state != StateHold {
		return cmdResult{err: ErrNotActive, state: state}
	}
	p.mu.Lock()
	p.holdSince = time.Time{}
	p.mu.Unlock()
	p.setState(StateRunning)
	p.dispatchQueue()
	return cmdResult{state: StateRunning}
}

func (p *Process) handleInterrupt() cmdResult {
	if !p.cfg.Provider.Capabilities.SupportsInterrupt {
		return cmdResult{interrupt: InterruptResult{Interrupted: false, Supported: false}}
	}
	err := p.writeStdin(controlRequest{
		Type:      "control_request",
		RequestID: uuid.New().String(),
		Request:   controlRequestBody{Subtype: "interrupt"},
	})
	if err != nil {
		p.terminate("stdio-error", err.Error())
		return cmdResult{err: fmt.Errorf("write interrupt: %w", err)}
	}
	return cmdResult{interrupt: InterruptResult{Interrupted: true, Supported: true}}
}

func (p *Process) handleChildEvent(ev StreamEvent) {
	// First sign of life moves starting → running.
	p.mu.Lock()
	if p.state == StateStarting {
		p.mu.Unlock()
		p.setState(StateRunning)
	} else {
		p.mu.Unlock()
	}

	switch ev.Type {
	case "system":
		p.handleSystemEvent(ev)

	case "stream_event":
		if ev.Event == nil {
			return
		}
		if delta := parseDelta(ev.Event); delta != nil {
			p.applyDelta(delta)
			p.publish(Event{Type: EventMessage, Delta: delta})
		}

	case "assistant", "user":
		msg := p.messageFromEvent(ev)
		p.recordMessage(msg, "")
		p.mu.Lock()
		// The authoritative message replaces streamed text.
		p.streamAccum = make(map[string]map[int]*strings.Builder)
		p.streamID = ""
		p.mu.Unlock()

	case "control_request":
		req := parseInputRequest(p.SessionID(), ev)
		p.mu.Lock()
		p.pending = req
		p.mu.Unlock()
		p.setState(StateWaitingInput)

	case "result":
		if ev.IsError {
			p.publish(Event{Type: EventError, Err: strings.Join(ev.Errors, "; ")})
		}
		p.mu.Lock()
		p.pending = nil
		queueEmpty := len(p.queue) == 0
		p.mu.Unlock()

		p.publish(Event{Type: EventComplete})
		if queueEmpty {
			p.setState(StateIdle)
		} else {
			p.dispatchQueue()
		}

	default:
		log.Printf("agent [%s]: unknown event type %q", p.cfg.ProcessID, ev.Type)
	}
}

func (p *Process) handleSystemEvent(ev StreamEvent) {
	switch ev.Subtype {
	case "init":
		if ev.SessionID != "" {
			p.adoptSessionID(ev.SessionID)
		}
	case "login_required":
		p.publish(Event{Type: EventLogin})
	case "agent_spawned":
		msg := p.messageFromEvent(ev)
		msg.ParentToolUseID = ev.ParentToolUseID
		if msg.Extra == nil {
			msg.Extra = make(map[string]json.RawMessage)
		}
		msg.Extra["subtype"], _ = json.Marshal(ev.Subtype)
		msg.Extra["agentId"], _ = json.Marshal(ev.AgentID)
		p.recordMessage(msg, "")
	}
}

// adoptSessionID handles the child reporting its own session id at init.
func (p *Process) adoptSessionID(newID string) {
	p.mu.Lock()
	oldID := p.sessionID
	if oldID == newID {
		p.mu.Unlock()
		return
	}
	p.sessionID = newID
	p.mu.Unlock()

	if p.cfg.LogPathFor != nil {
		p.logFile = transcript.NewLog(p.cfg.LogPathFor(newID))
	}
	if p.cfg.OnSessionIDChanged != nil {
		p.cfg.OnSessionIDChanged(p, oldID, newID)
	}
	p.publish(Event{Type: EventSessionIDChanged, SessionID: newID})
}

// applyDelta updates the streaming-text accumulator. A delta arriving
// before its message_start lands under the empty id and is re-keyed when
// the start arrives; the final transcript is identical either way.
func (p *Process) applyDelta(delta *StreamDelta) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch delta.Kind {
	case DeltaMessageStart:
		if early, ok := p.streamAccum[""]; ok && delta.MessageID != "" {
			p.streamAccum[delta.MessageID] = early
			delete(p.streamAccum, "")
		}
		p.streamID = delta.MessageID
	case DeltaBlockText:
		p.accumulateLocked(p.streamID, delta.BlockIndex, delta.Text)
	case DeltaMessageStop:
		p.streamID = ""
	}
}

// messageFromEvent builds a transcript message from a child line.
func (p *Process) messageFromEvent(ev StreamEvent) transcript.Message {
	id := ev.UUID
	if id == "" {
		id = uuid.New().String()
	}
	ts := ev.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	parent := ev.ParentUUID
	if parent == "" {
		parent = p.lastUUID
	}
	return transcript.Message{
		UUID:       id,
		Type:       ev.Type,
		Timestamp:  ts,
		SessionID:  p.SessionID(),
		ParentUUID: parent,
		Message:    ev.Message,
		Source:     transcript.SourceLive,
	}
}

// recordMessage logs a message, buffers it, and fans it out.
func (p *Process) recordMessage(msg transcript.Message, tempID string) {
	if p.logFile != nil {
		logged := msg
		logged.Source = ""
		if err := p.logFile.Append(logged); err != nil {
			log.Printf("agent [%s]: transcript append failed: %v", p.cfg.ProcessID, err)
		}
	}
	p.lastUUID = msg.UUID

	p.mu.Lock()
	p.history = append(p.history, msg)
	if len(p.history) > p.cfg.MaxHistory {
		p.history = p.history[len(p.history)-p.cfg.MaxHistory:]
	}
	p.mu.Unlock()

	p.publish(Event{Type: EventMessage, Message: &msg, TempID: tempID})
}

func (p *Process) handleChildExit(gen int, exitErr error) {
	if gen != p.childGen {
		// A newer child is already running; stale exit.
		return
	}
	p.child = nil

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state == StateTerminated {
		return
	}

	reason := "crash"
	detail := ""
	if exitErr != nil {
		detail = exitErr.Error()
	}
	p.terminate(reason, detail)
}

func (p *Process) handleEvict() {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != StateIdle {
		return
	}
	p.terminate("idle-evicted", "")
}

// terminate is the single path into the terminal state. Every entry
// leaves pendingInputRequest nil and the queue consistent; unresolved
// pending input is denied synthetically.
func (p *Process) terminate(reason, detail string) {
	p.mu.Lock()
	if p.state == StateTerminated {
		p.mu.Unlock()
		return
	}
	pending := p.pending
	p.pending = nil
	p.queue = nil
	p.state = StateTerminated
	p.termReason = reason
	p.mu.Unlock()

	if pending != nil && p.child != nil {
		body, _ := json.Marshal(map[string]interface{}{
			"behavior": "deny",
			"message":  "session terminated",
		})
		p.writeStdin(controlResponse{
			Type: "control_response",
			Response: controlResponseBody{
				Subtype:   "success",
				RequestID: pending.ID,
				Response:  body,
			},
		})
	}
	if p.child != nil {
		p.child.Kill()
	}

	if detail != "" {
		p.publish(Event{Type: EventError, Err: detail})
	}
	p.publish(Event{Type: EventStateChange, State: StateTerminated, Reason: reason})
	p.publish(Event{Type: EventComplete, Reason: reason})
}

// spawnChild starts the agent subprocess and its IO pumps. Worker-only
// (and once from Start before the worker runs).
func (p *Process) spawnChild(ctx context.Context) error {
	p.childGen++
	gen := p.childGen

	child, err := p.cfg.Runner.Start(ctx, StartSpec{
		Command: p.cfg.Provider.Command,
		Args:    p.cfg.Provider.args(p.cfg.ResumeSID, p.cfg.Mode),
		Dir:     p.cfg.ProjectPath,
	})
	if err != nil {
		return err
	}
	p.child = child

	go p.readLoop(child.Stdout, gen)
	if child.Stderr != nil {
		go p.stderrLoop(child.Stderr)
	}
	go func() {
		err := child.Wait()
		p.sendAsync(command{kind: cmdChildExit, gen: gen, exitErr: err})
	}()
	return nil
}

func (p *Process) readLoop(stdout io.Reader, gen int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("agent [%s]: bad NDJSON line: %v", p.cfg.ProcessID, err)
			continue
		}
		p.sendAsync(command{kind: cmdChildEvent, ev: ev, gen: gen})
	}
}

func (p *Process) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.sendAsync(command{kind: cmdChildStderr, line: line})
	}
}

func (p *Process) writeStdin(v interface{}) error {
	if p.child == nil {
		return errors.New("child not running")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stdin message: %w", err)
	}
	data = append(data, '\n')
	if _, err := p.child.Stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}
