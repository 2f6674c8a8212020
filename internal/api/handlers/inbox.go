// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"time"

	"github.com/wingedpig/tether/internal/agent"
	"github.com/wingedpig/tether/internal/metadata"
)

// recentActivityWindow bounds the "recent" inbox bucket.
const recentActivityWindow = time.Hour

// InboxHandler assembles the categorized session inbox.
type InboxHandler struct {
	supervisor *agent.Supervisor
	index      *metadata.Index
	now        func() time.Time
}

// NewInboxHandler creates an inbox handler.
func NewInboxHandler(supervisor *agent.Supervisor, index *metadata.Index) *InboxHandler {
	return &InboxHandler{supervisor: supervisor, index: index, now: time.Now}
}

// inboxView is the categorized response.
type inboxView struct {
	NeedsAttention []inboxEntry       `json:"needsAttention"`
	Active         []inboxEntry       `json:"active"`
	RecentActivity []metadata.Summary `json:"recentActivity"`
	Unread8h       []metadata.Summary `json:"unread8h"`
	Unread24h      []metadata.Summary `json:"unread24h"`
}

type inboxEntry struct {
	SessionID string              `json:"sessionId"`
	ProcessID string              `json:"processId"`
	State     agent.State         `json:"state"`
	Request   *agent.InputRequest `json:"request,omitempty"`
}

// Get returns the inbox: sessions waiting on the user first, then live
// ones, then recent and unread activity.
func (h *InboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	view := inboxView{
		NeedsAttention: []inboxEntry{},
		Active:         []inboxEntry{},
		RecentActivity: []metadata.Summary{},
		Unread8h:       []metadata.Summary{},
		Unread24h:      []metadata.Summary{},
	}

	for _, p := range h.supervisor.ListProcesses() {
		entry := inboxEntry{
			SessionID: p.SessionID(),
			ProcessID: p.ProcessID(),
			State:     p.State(),
		}
		switch entry.State {
		case agent.StateWaitingInput:
			entry.Request = p.PendingInputRequest()
			view.NeedsAttention = append(view.NeedsAttention, entry)
		case agent.StateRunning, agent.StateHold, agent.StateStarting:
			view.Active = append(view.Active, entry)
		}
	}

	sums, err := h.index.List(metadata.Query{})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	for _, sum := range sums {
		age := now.Sub(sum.UpdatedAt)
		if age < recentActivityWindow {
			view.RecentActivity = append(view.RecentActivity, sum)
		}
		if !sum.HasUnread {
			continue
		}
		switch {
		case age < 8*time.Hour:
			view.Unread8h = append(view.Unread8h, sum)
		case age < 24*time.Hour:
			view.Unread24h = append(view.Unread24h, sum)
		}
	}

	WriteJSON(w, http.StatusOK, view)
}
