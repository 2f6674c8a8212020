// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		eventType string
		pattern   string
		want      bool
	}{
		{"session.changed", "*", true},
		{"session.changed", "session.changed", true},
		{"session.changed", "session.*", true},
		{"session.status", "session.*", true},
		{"settings.changed", "session.*", false},
		{"agent-session.changed", "*.changed", true},
		{"session.status", "*.changed", false},
		{"session.changed", "", false},
		{"", "*", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, matchPattern(tt.eventType, tt.pattern))
		})
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{HistoryMaxEvents: 10, HistoryMaxAge: time.Hour})
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	_, err := bus.Subscribe("session.*", func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Event{Type: EventSessionChanged, SessionID: "s1"}))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventSettingsChanged}))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventSessionStatus, SessionID: "s1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, EventSessionChanged, got[0].Type)
	assert.Equal(t, EventSessionStatus, got[1].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestSubscriberObservesPublicationOrder(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Hour})
	defer bus.Close()

	var got []string
	bus.Subscribe("*", func(_ context.Context, e Event) error {
		got = append(got, e.Payload["n"].(string))
		return nil
	})

	for i := 0; i < 20; i++ {
		bus.Publish(context.Background(), Event{
			Type:    EventSessionChanged,
			Payload: map[string]interface{}{"n": fmt.Sprintf("%d", i)},
		})
	}

	require.Len(t, got, 20)
	for i, n := range got {
		assert.Equal(t, fmt.Sprintf("%d", i), n)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{HistoryMaxEvents: 10, HistoryMaxAge: time.Hour})
	defer bus.Close()

	count := 0
	id, err := bus.Subscribe("*", func(_ context.Context, e Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	bus.Publish(context.Background(), Event{Type: EventSessionChanged})
	require.NoError(t, bus.Unsubscribe(id))
	bus.Publish(context.Background(), Event{Type: EventSessionChanged})

	assert.Equal(t, 1, count)
	assert.ErrorIs(t, bus.Unsubscribe(id), ErrSubscriptionNotFound)
}

func TestHistoryBounded(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{HistoryMaxEvents: 5, HistoryMaxAge: time.Hour})
	defer bus.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), Event{
			Type:    EventSessionChanged,
			Payload: map[string]interface{}{"n": i},
		})
	}

	got, err := bus.History(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, 5, got[0].Payload["n"])
	assert.Equal(t, 9, got[4].Payload["n"])
}

func TestHistoryFilter(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Hour})
	defer bus.Close()

	ctx := context.Background()
	bus.Publish(ctx, Event{Type: EventSessionChanged, SessionID: "s1"})
	bus.Publish(ctx, Event{Type: EventSessionChanged, SessionID: "s2"})
	bus.Publish(ctx, Event{Type: EventSettingsChanged})

	got, err := bus.History(Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = bus.History(Filter{Types: []string{"session.*"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{HistoryMaxEvents: 10, HistoryMaxAge: time.Hour})
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), Event{Type: "x"}), ErrBusClosed)
}

func TestHandlerPanicDoesNotUnwindPublisher(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{HistoryMaxEvents: 10, HistoryMaxAge: time.Hour})
	defer bus.Close()

	bus.Subscribe("*", func(_ context.Context, e Event) error {
		panic("boom")
	})
	assert.NoError(t, bus.Publish(context.Background(), Event{Type: EventSessionChanged}))
}
