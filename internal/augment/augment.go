// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package augment turns streamed markdown into HTML for subscribers. One
// Augmenter exists per subscription; it tracks the current streaming
// message and emits throttled pending previews plus a final render per
// block.
package augment

import (
	"bytes"
	"log"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// minPendingInterval throttles pending previews per block.
const minPendingInterval = 50 * time.Millisecond

// Event kinds emitted by the augmenter.
const (
	KindPending = "pending"
	KindAugment = "markdown-augment"
)

// Event is an augmentation result ready to forward to a subscriber.
type Event struct {
	Kind       string `json:"kind"`
	MessageID  string `json:"messageId,omitempty"`
	BlockIndex int    `json:"blockIndex"`
	HTML       string `json:"html"`
	Type       string `json:"type,omitempty"`
}

// Augmenter accumulates streamed text per block and renders markdown to
// HTML. Not safe for concurrent use; each subscription owns one.
type Augmenter struct {
	md          goldmark.Markdown
	messageID   string
	blocks      map[int]*bytes.Buffer
	lastPending map[int]time.Time
	now         func() time.Time
}

// New creates an augmenter.
func New() *Augmenter {
	return &Augmenter{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		blocks:      make(map[int]*bytes.Buffer),
		lastPending: make(map[int]time.Time),
		now:         time.Now,
	}
}

// StartMessage records the id of the message now streaming. It does not
// clear block state: deltas may race ahead of message_start, and text
// accumulated before the id was known must survive. FinishMessage does
// the reset.
func (a *Augmenter) StartMessage(messageID string) {
	a.messageID = messageID
}

// Delta appends streamed text to a block. Returns a throttled pending
// event, or nil inside the throttle window.
func (a *Augmenter) Delta(blockIndex int, text string) *Event {
	buf, ok := a.blocks[blockIndex]
	if !ok {
		buf = &bytes.Buffer{}
		a.blocks[blockIndex] = buf
	}
	buf.WriteString(text)

	now := a.now()
	if last, ok := a.lastPending[blockIndex]; ok && now.Sub(last) < minPendingInterval {
		return nil
	}
	a.lastPending[blockIndex] = now

	return &Event{
		Kind:       KindPending,
		MessageID:  a.messageID,
		BlockIndex: blockIndex,
		HTML:       a.render(buf.String()),
	}
}

// FinishBlock renders the final HTML for a completed block and clears
// its accumulator.
func (a *Augmenter) FinishBlock(blockIndex int) *Event {
	buf, ok := a.blocks[blockIndex]
	if !ok || buf.Len() == 0 {
		return nil
	}
	delete(a.blocks, blockIndex)
	delete(a.lastPending, blockIndex)

	return &Event{
		Kind:       KindAugment,
		MessageID:  a.messageID,
		BlockIndex: blockIndex,
		HTML:       a.render(buf.String()),
		Type:       "text",
	}
}

// FinishMessage renders every remaining block for the authoritative
// final text and resets the accumulator. The final assistant message
// replaces anything streamed.
func (a *Augmenter) FinishMessage(messageID string, blockTexts []string) []Event {
	if messageID == "" {
		messageID = a.messageID
	}
	events := make([]Event, 0, len(blockTexts))
	for i, text := range blockTexts {
		if text == "" {
			continue
		}
		events = append(events, Event{
			Kind:       KindAugment,
			MessageID:  messageID,
			BlockIndex: i,
			HTML:       a.render(text),
			Type:       "text",
		})
	}
	a.messageID = ""
	a.blocks = make(map[int]*bytes.Buffer)
	a.lastPending = make(map[int]time.Time)
	return events
}

// ProcessCatchUp synthesizes a single pending event for a late-joining
// subscriber so it sees current progress immediately.
func (a *Augmenter) ProcessCatchUp(accumulatedText, messageID string) *Event {
	if accumulatedText == "" {
		return nil
	}
	return &Event{
		Kind:      KindPending,
		MessageID: messageID,
		HTML:      a.render(accumulatedText),
	}
}

// render converts markdown to HTML. Render failures degrade to the raw
// text so a subscriber never loses content.
func (a *Augmenter) render(markdown string) string {
	var out bytes.Buffer
	if err := a.md.Convert([]byte(markdown), &out); err != nil {
		log.Printf("augment: render: %v", err)
		return markdown
	}
	return out.String()
}
