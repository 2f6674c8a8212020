// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the process-wide event bus. The watcher
// publishes filesystem changes onto it; the supervisor publishes session
// ownership transitions; the relay's activity channel subscribes.
package events

import (
	"context"
	"time"
)

// Event is an immutable record published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"sessionId,omitempty"`
	ProjectID string                 `json:"projectId,omitempty"`
	Path      string                 `json:"path,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler processes a received event.
type Handler func(ctx context.Context, event Event) error

// SubscriptionID identifies a bus subscription.
type SubscriptionID string

// Filter selects events from history.
type Filter struct {
	Types     []string
	SessionID string
	Since     time.Time
	Limit     int
}

// Bus is the pub/sub interface. Implementations guarantee that a single
// subscriber observes events in publication order.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(pattern string, handler Handler) (SubscriptionID, error)
	SubscribeAsync(pattern string, handler Handler, bufferSize int) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	History(filter Filter) ([]Event, error)
	Close() error
}

// Event types. Filesystem events are classified by path prefix; status
// events are synthesized by the supervisor.
const (
	EventSessionCreated      = "session.created"
	EventSessionChanged      = "session.changed"
	EventSessionDeleted      = "session.deleted"
	EventSessionStatus       = "session.status"
	EventAgentSessionChanged = "agent-session.changed"
	EventSettingsChanged     = "settings.changed"
	EventCredentialsChanged  = "credentials.changed"
	EventOtherChanged        = "other.changed"
)
