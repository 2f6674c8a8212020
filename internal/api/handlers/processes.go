// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wingedpig/tether/internal/agent"
)

// ProcessHandler handles process-scoped control operations.
type ProcessHandler struct {
	supervisor *agent.Supervisor
}

// NewProcessHandler creates a process handler.
func NewProcessHandler(supervisor *agent.Supervisor) *ProcessHandler {
	return &ProcessHandler{supervisor: supervisor}
}

// Abort terminates a process.
func (h *ProcessHandler) Abort(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := h.supervisor.Abort(vars["pid"])
	if err != nil {
		if errors.Is(err, agent.ErrProcessNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, "process not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

// Interrupt asks a process to stop its current turn. Providers without
// interrupt support report supported=false.
func (h *ProcessHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := h.supervisor.Interrupt(vars["pid"])
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrProcessNotFound):
			WriteError(w, http.StatusNotFound, ErrNotFound, "process not found")
		case errors.Is(err, agent.ErrTerminated):
			WriteError(w, http.StatusConflict, ErrAlreadyTerminated, err.Error())
		default:
			WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		}
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{
		"interrupted": res.Interrupted,
		"supported":   res.Supported,
	})
}

// List snapshots all live processes.
func (h *ProcessHandler) List(w http.ResponseWriter, r *http.Request) {
	type processView struct {
		ProcessID  string      `json:"processId"`
		SessionID  string      `json:"sessionId"`
		ProjectID  string      `json:"projectId"`
		State      agent.State `json:"state"`
		Mode       string      `json:"mode"`
		QueueDepth int         `json:"queueDepth"`
	}
	procs := h.supervisor.ListProcesses()
	out := make([]processView, 0, len(procs))
	for _, p := range procs {
		mode, _ := p.Mode()
		out = append(out, processView{
			ProcessID:  p.ProcessID(),
			SessionID:  p.SessionID(),
			ProjectID:  p.ProjectID(),
			State:      p.State(),
			Mode:       mode,
			QueueDepth: p.QueueDepth(),
		})
	}
	WriteJSON(w, http.StatusOK, out)
}
