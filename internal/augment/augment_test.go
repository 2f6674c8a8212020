// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package augment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaEmitsThrottledPending(t *testing.T) {
	a := New()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }

	a.StartMessage("m1")

	ev := a.Delta(0, "# hel")
	require.NotNil(t, ev)
	assert.Equal(t, KindPending, ev.Kind)
	assert.Equal(t, "m1", ev.MessageID)

	// Inside the throttle window nothing is emitted.
	clock = clock.Add(10 * time.Millisecond)
	assert.Nil(t, a.Delta(0, "lo"))
	clock = clock.Add(10 * time.Millisecond)
	assert.Nil(t, a.Delta(0, " wor"))

	// Past the window a new pending carries all accumulated text.
	clock = clock.Add(minPendingInterval)
	ev = a.Delta(0, "ld")
	require.NotNil(t, ev)
	assert.Contains(t, ev.HTML, "<h1>hello world</h1>")
}

func TestFinishBlockRendersFinalHTML(t *testing.T) {
	a := New()
	a.StartMessage("m1")
	a.Delta(0, "**bold** text")

	ev := a.FinishBlock(0)
	require.NotNil(t, ev)
	assert.Equal(t, KindAugment, ev.Kind)
	assert.Contains(t, ev.HTML, "<strong>bold</strong>")

	// The block accumulator is cleared.
	assert.Nil(t, a.FinishBlock(0))
}

func TestDeltaBeforeStartMessageStillAccumulates(t *testing.T) {
	// content_block_delta may race ahead of message_start; the final
	// render must be identical either way.
	a := New()
	a.Delta(0, "early ")
	a.StartMessage("m1")
	a.Delta(0, "text")

	b := New()
	b.StartMessage("m1")
	b.Delta(0, "early ")
	b.Delta(0, "text")

	evA := a.FinishBlock(0)
	evB := b.FinishBlock(0)
	require.NotNil(t, evA)
	require.NotNil(t, evB)
	assert.Equal(t, evB.HTML, evA.HTML)
}

func TestFinishMessageRendersAuthoritativeBlocks(t *testing.T) {
	a := New()
	a.StartMessage("m1")
	a.Delta(0, "partial stream")

	events := a.FinishMessage("m1", []string{"final *text*", "", "second block"})
	require.Len(t, events, 2)
	assert.Contains(t, events[0].HTML, "<em>text</em>")
	assert.Equal(t, 2, events[1].BlockIndex)

	// State is reset for the next message.
	assert.Nil(t, a.FinishBlock(0))
}

func TestProcessCatchUp(t *testing.T) {
	a := New()

	assert.Nil(t, a.ProcessCatchUp("", "m1"))

	ev := a.ProcessCatchUp("- one\n- two", "m1")
	require.NotNil(t, ev)
	assert.Equal(t, KindPending, ev.Kind)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Contains(t, ev.HTML, "<li>")
}
