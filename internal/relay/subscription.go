// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/wingedpig/tether/internal/agent"
	"github.com/wingedpig/tether/internal/augment"
	"github.com/wingedpig/tether/internal/events"
	"github.com/wingedpig/tether/internal/transcript"
)

// Subscription tuning.
const (
	heartbeatInterval = 30 * time.Second
	outboundBuffer    = 256
)

// SlowConsumer is the drop code for a subscription whose outbound buffer
// overflowed.
const SlowConsumer = "SLOW_CONSUMER"

// Subscription event types on the session channel.
const (
	evConnected        = "connected"
	evMessage          = "message"
	evStatus           = "status"
	evModeChange       = "mode-change"
	evMarkdownAugment  = "markdown-augment"
	evPending          = "pending"
	evHeartbeat        = "heartbeat"
	evErrorEvent       = "error"
	evComplete         = "complete"
	evSessionIDChanged = "session-id-changed"
	evActivity         = "activity"
)

// connectedData is the first event on a session subscription.
type connectedData struct {
	ProcessID      string              `json:"processId"`
	SessionID      string              `json:"sessionId"`
	State          agent.State         `json:"state"`
	PermissionMode string              `json:"permissionMode"`
	ModeVersion    int                 `json:"modeVersion"`
	Provider       string              `json:"provider"`
	Model          string              `json:"model,omitempty"`
	Request        *agent.InputRequest `json:"request,omitempty"`
}

// Subscription is one client's live view over a Process or the activity
// bus. Events flow through a bounded outbound buffer; a full buffer
// drops the subscription rather than blocking the publisher. Event ids
// are strictly monotonic and contiguous from 0 per subscription.
type Subscription struct {
	id        string
	channel   string
	sessionID string

	send   func(wireMessage) error
	onDrop func(id, code string)

	aug     *augment.Augmenter
	out     chan outboundEvent
	eventID uint64
	done    chan struct{}
	once    sync.Once

	unsubProcess func()
	busID        events.SubscriptionID
	bus          events.Bus
}

type outboundEvent struct {
	eventType string
	data      json.RawMessage
}

// newSubscription builds a subscription bound to a connection's sender.
func newSubscription(id, channel, sessionID string, send func(wireMessage) error, onDrop func(id, code string)) *Subscription {
	return &Subscription{
		id:        id,
		channel:   channel,
		sessionID: sessionID,
		send:      send,
		onDrop:    onDrop,
		aug:       augment.New(),
		out:       make(chan outboundEvent, outboundBuffer),
		done:      make(chan struct{}),
	}
}

// StartSession wires the subscription to a live process: connected
// snapshot, full history replay, streaming catch-up, then live forward.
func (s *Subscription) StartSession(proc *agent.Process) {
	go s.pump()

	mode, modeVersion := proc.Mode()
	s.enqueue(evConnected, connectedData{
		ProcessID:      proc.ProcessID(),
		SessionID:      proc.SessionID(),
		State:          proc.State(),
		PermissionMode: mode,
		ModeVersion:    modeVersion,
		Provider:       proc.Provider().Name,
		Model:          proc.Provider().Model,
		Request:        proc.PendingInputRequest(),
	})

	// History replay, streaming catch-up and the live attach happen
	// atomically so no event falls in the gap.
	s.unsubProcess = proc.SubscribeWithReplay(
		func(history []transcript.Message, sc *agent.StreamingContent) {
			for _, msg := range history {
				s.enqueue(evMessage, map[string]interface{}{"message": msg})
			}
			if sc != nil {
				if ev := s.aug.ProcessCatchUp(sc.Text, sc.MessageID); ev != nil {
					s.enqueue(evPending, ev)
				}
				s.aug.StartMessage(sc.MessageID)
			}
		},
		s.onProcessEvent,
	)

	// The replay itself can overflow the buffer and drop the
	// subscription; detach immediately rather than at process exit.
	select {
	case <-s.done:
		s.unsubProcess()
	default:
	}
}

// StartActivity wires the subscription to the event bus.
func (s *Subscription) StartActivity(bus events.Bus) error {
	go s.pump()

	id, err := bus.SubscribeAsync("*", func(_ context.Context, event events.Event) error {
		s.enqueue(evActivity, event)
		return nil
	}, outboundBuffer)
	if err != nil {
		return err
	}
	s.bus = bus
	s.busID = id
	return nil
}

// onProcessEvent transforms fan-out events and enqueues them. Runs under
// the process's short publish section, so it never blocks.
func (s *Subscription) onProcessEvent(ev agent.Event) {
	switch ev.Type {
	case agent.EventMessage:
		if ev.Delta != nil {
			s.handleDelta(ev.Delta)
			return
		}
		if ev.Message == nil {
			return
		}
		payload := map[string]interface{}{"message": ev.Message}
		if ev.TempID != "" {
			payload["tempId"] = ev.TempID
		}
		s.enqueue(evMessage, payload)
		if ev.Message.Type == transcript.TypeAssistant {
			s.finishAssistant(ev.Message)
		}

	case agent.EventStateChange:
		s.enqueue(evStatus, map[string]interface{}{
			"state":   ev.State,
			"request": ev.Request,
			"reason":  ev.Reason,
		})

	case agent.EventModeChange:
		s.enqueue(evModeChange, map[string]interface{}{
			"mode":        ev.Mode,
			"modeVersion": ev.ModeVersion,
		})

	case agent.EventError:
		s.enqueue(evErrorEvent, map[string]interface{}{"error": ev.Err})

	case agent.EventComplete:
		s.enqueue(evComplete, map[string]interface{}{"reason": ev.Reason})

	case agent.EventSessionIDChanged:
		s.enqueue(evSessionIDChanged, map[string]interface{}{"sessionId": ev.SessionID})

	case agent.EventLogin:
		s.enqueue("claude-login", map[string]interface{}{})
	}
}

// handleDelta feeds streaming deltas through the augmenter.
func (s *Subscription) handleDelta(delta *agent.StreamDelta) {
	s.enqueue(evMessage, map[string]interface{}{"delta": delta})

	switch delta.Kind {
	case agent.DeltaMessageStart:
		s.aug.StartMessage(delta.MessageID)
	case agent.DeltaBlockText:
		if ev := s.aug.Delta(delta.BlockIndex, delta.Text); ev != nil {
			s.enqueue(evPending, ev)
		}
	case agent.DeltaBlockStop:
		if ev := s.aug.FinishBlock(delta.BlockIndex); ev != nil {
			s.enqueue(evMarkdownAugment, ev)
		}
	}
}

// finishAssistant renders the authoritative text blocks of a final
// assistant message.
func (s *Subscription) finishAssistant(msg *transcript.Message) {
	var texts []string
	for _, block := range msg.Content().Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		} else {
			texts = append(texts, "")
		}
	}
	for _, ev := range s.aug.FinishMessage(msg.UUID, texts) {
		s.enqueue(evMarkdownAugment, ev)
	}
}

// enqueue serializes and buffers one event. Overflow drops the whole
// subscription with SLOW_CONSUMER.
func (s *Subscription) enqueue(eventType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("relay: marshal %s event: %v", eventType, err)
		return
	}

	select {
	case s.out <- outboundEvent{eventType: eventType, data: raw}:
	case <-s.done:
	default:
		log.Printf("relay: subscription %s dropped: %s", s.id, SlowConsumer)
		if s.onDrop != nil {
			s.onDrop(s.id, SlowConsumer)
		}
		s.Close()
	}
}

// pump drains the buffer to the connection, stamping contiguous event
// ids and emitting heartbeats on quiet subscriptions.
func (s *Subscription) pump() {
	heartbeat := time.NewTimer(heartbeatInterval)
	defer heartbeat.Stop()

	deliver := func(eventType string, data json.RawMessage) bool {
		id := s.eventID
		s.eventID++
		err := s.send(wireMessage{
			Type:           msgEvent,
			SubscriptionID: s.id,
			EventID:        &id,
			EventType:      eventType,
			Data:           data,
		})
		if err != nil {
			s.Close()
			return false
		}
		if !heartbeat.Stop() {
			select {
			case <-heartbeat.C:
			default:
			}
		}
		heartbeat.Reset(heartbeatInterval)
		return true
	}

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.out:
			if !deliver(ev.eventType, ev.data) {
				return
			}
		case <-heartbeat.C:
			if !deliver(evHeartbeat, json.RawMessage(`{}`)) {
				return
			}
		}
	}
}

// Close detaches from the process or bus and stops the pump. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.unsubProcess != nil {
			s.unsubProcess()
		}
		if s.bus != nil {
			s.bus.Unsubscribe(s.busID)
		}
	})
}
