// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/tether/internal/events"
)

func TestDebouncerCoalescesBurst(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var calls int32
	for i := 0; i < 10; i++ {
		d.Debounce("k", func() { atomic.AddInt32(&calls, 1) })
	}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)

	// A later burst fires again.
	d.Debounce("k", func() { atomic.AddInt32(&calls, 1) })
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDebouncerCancel(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var calls int32
	d.Debounce("k", func() { atomic.AddInt32(&calls, 1) })
	d.Cancel("k")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestClassify(t *testing.T) {
	sessionDir := "/data/sessions"
	w := &Watcher{cfg: Config{
		SessionDir:      sessionDir,
		SettingsPaths:   []string{"/data/settings.json"},
		CredentialsPath: "/data/credentials.json",
	}}

	tests := []struct {
		path        string
		wantType    string
		wantSession string
	}{
		{"/data/sessions/abc-123.jsonl", events.EventSessionChanged, "abc-123"},
		{"/data/sessions/agents/ag-9.jsonl", events.EventAgentSessionChanged, "ag-9"},
		{"/data/settings.json", events.EventSettingsChanged, ""},
		{"/data/credentials.json", events.EventCredentialsChanged, ""},
		{"/data/sessions/notes.txt", events.EventOtherChanged, ""},
		{"/elsewhere/x.jsonl", events.EventOtherChanged, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			eventType, sessionID := w.classify(tt.path)
			assert.Equal(t, tt.wantType, eventType)
			assert.Equal(t, tt.wantSession, sessionID)
		})
	}
}

func TestWatcherPublishesCoalescedModify(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewMemoryBus(events.MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Hour})
	defer bus.Close()

	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe("session.*", func(_ context.Context, e events.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})

	w, err := New(bus, Config{SessionDir: dir, CoalesceWindow: 50 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()
	w.Start()

	path := filepath.Join(dir, "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))

	// Burst of appends inside the coalesce window.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		f.Write([]byte("{}\n"))
	}
	f.Close()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		modifies := 0
		for _, e := range got {
			if e.Type == events.EventSessionChanged && e.SessionID == "s1" {
				modifies++
			}
		}
		return modifies == 1
	}, 2*time.Second, 20*time.Millisecond)

	// No further modify should trickle in after the window settles.
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	modifies := 0
	for _, e := range got {
		if e.Type == events.EventSessionChanged {
			modifies++
		}
	}
	assert.Equal(t, 1, modifies)
}
