// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wingedpig/tether/internal/agent"
	"github.com/wingedpig/tether/internal/metadata"
	"github.com/wingedpig/tether/internal/project"
	"github.com/wingedpig/tether/internal/transcript"
)

// SessionHandler handles session reads, spawns and per-session control.
type SessionHandler struct {
	scanner    *project.Scanner
	reader     *transcript.Reader
	supervisor *agent.Supervisor
	store      *metadata.Store
	index      *metadata.Index
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(scanner *project.Scanner, reader *transcript.Reader, supervisor *agent.Supervisor, store *metadata.Store, index *metadata.Index) *SessionHandler {
	return &SessionHandler{
		scanner:    scanner,
		reader:     reader,
		supervisor: supervisor,
		store:      store,
		index:      index,
	}
}

// sessionView is the session envelope returned by Get.
type sessionView struct {
	transcript.Session
	Metadata metadata.Metadata    `json:"metadata"`
	Messages []transcript.Message `json:"messages"`
}

// Get returns a session with its messages, optionally only those after
// ?afterMessageId=.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID := vars["id"]
	sessionID := vars["sid"]
	afterID := r.URL.Query().Get("afterMessageId")

	sess, msgs, err := h.reader.LoadSession(sessionID, projectID, afterID)
	if err != nil {
		if errors.Is(err, transcript.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}

	md, err := h.store.Get(sessionID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, sessionView{Session: sess, Metadata: md, Messages: msgs})
}

// GetMetadata returns a session's metadata record.
func (h *SessionHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	md, err := h.store.Get(vars["sid"])
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, md)
}

// PutMetadata updates title, star, archive flags and the read cursor.
func (h *SessionHandler) PutMetadata(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID := vars["id"]
	sessionID := vars["sid"]

	var body struct {
		CustomTitle *string `json:"customTitle"`
		IsStarred   *bool   `json:"isStarred"`
		IsArchived  *bool   `json:"isArchived"`
		MarkSeen    bool    `json:"markSeen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}

	current, err := h.store.Get(sessionID)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	if body.IsArchived != nil && *body.IsArchived && current.IsArchived {
		WriteError(w, http.StatusConflict, ErrAlreadyArchived, "session is already archived")
		return
	}

	md, err := h.store.Update(sessionID, func(m *metadata.Metadata) {
		if body.CustomTitle != nil {
			m.CustomTitle = *body.CustomTitle
		}
		if body.IsStarred != nil {
			m.IsStarred = *body.IsStarred
		}
		if body.IsArchived != nil {
			m.IsArchived = *body.IsArchived
		}
		if body.MarkSeen {
			now := time.Now()
			m.LastSeenAt = &now
		}
	})
	if err != nil {
		// Storage failures on the metadata path bubble up after retry.
		WriteError(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}

	if _, err := h.index.Refresh(sessionID, projectID); err != nil && !errors.Is(err, transcript.ErrSessionNotFound) {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, md)
}

// startResult is returned by Start and Resume.
type startResult struct {
	SessionID string      `json:"sessionId"`
	ProcessID string      `json:"processId"`
	State     agent.State `json:"state"`
}

type startBody struct {
	Message     string   `json:"message"`
	Mode        string   `json:"mode"`
	TempID      string   `json:"tempId"`
	Attachments []string `json:"attachments"`
}

// Start spawns a new session for a project, with an initial message or
// empty for two-phase create.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID := vars["id"]

	proj, err := h.scanner.GetProject(projectID)
	if err != nil {
		WriteError(w, http.StatusNotFound, ErrNotFound, "project not found")
		return
	}

	var body startBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}

	p, err := h.supervisor.StartSession(projectID, proj.AbsolutePath, body.Message, agent.StartOptions{
		Mode:        body.Mode,
		TempID:      body.TempID,
		Attachments: body.Attachments,
	})
	if err != nil {
		WriteError(w, http.StatusBadGateway, ErrSpawnFailed, err.Error())
		return
	}

	WriteJSON(w, http.StatusCreated, startResult{
		SessionID: p.SessionID(),
		ProcessID: p.ProcessID(),
		State:     p.State(),
	})
}

// Resume attaches to an existing session, spawning with the resume flag
// when no process owns it.
func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID := vars["id"]
	sessionID := vars["sid"]

	proj, err := h.scanner.GetProject(projectID)
	if err != nil {
		WriteError(w, http.StatusNotFound, ErrNotFound, "project not found")
		return
	}

	var body startBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}

	p, err := h.supervisor.ResumeSession(sessionID, projectID, proj.AbsolutePath, body.Message, agent.StartOptions{
		Mode:        body.Mode,
		TempID:      body.TempID,
		Attachments: body.Attachments,
	})
	if err != nil {
		WriteError(w, http.StatusBadGateway, ErrSpawnFailed, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, startResult{
		SessionID: p.SessionID(),
		ProcessID: p.ProcessID(),
		State:     p.State(),
	})
}

// process resolves the owning process for a session-scoped operation.
func (h *SessionHandler) process(w http.ResponseWriter, sessionID string) *agent.Process {
	p := h.supervisor.GetProcessForSession(sessionID)
	if p == nil {
		WriteError(w, http.StatusNotFound, ErrNotFound, "no process owns session "+sessionID)
		return nil
	}
	return p
}

// QueueMessage enqueues a user message on the owning process.
func (h *SessionHandler) QueueMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := h.process(w, vars["sid"])
	if p == nil {
		return
	}

	var body startBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Message == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "message required")
		return
	}

	res, err := p.QueueMessage(body.Message, body.Attachments, body.Mode, body.TempID)
	if err != nil {
		if errors.Is(err, agent.ErrTerminated) {
			WriteError(w, http.StatusConflict, ErrAlreadyTerminated, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, res)
}

// RespondToInput resolves a pending input request.
func (h *SessionHandler) RespondToInput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := h.process(w, vars["sid"])
	if p == nil {
		return
	}

	var body struct {
		RequestID string            `json:"requestId"`
		Response  string            `json:"response"`
		Answers   map[string]string `json:"answers"`
		Feedback  string            `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}

	err := p.RespondToInput(body.RequestID, body.Response, body.Answers, body.Feedback)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]bool{"accepted": true})
	case errors.Is(err, agent.ErrNoPendingRequest):
		WriteError(w, http.StatusConflict, ErrNoPendingRequest, err.Error())
	case errors.Is(err, agent.ErrRequestIDMismatch):
		WriteError(w, http.StatusConflict, ErrRequestIDMismatch, err.Error())
	case errors.Is(err, agent.ErrTerminated):
		WriteError(w, http.StatusConflict, ErrAlreadyTerminated, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
	}
}

// SetMode changes the permission mode; the response carries the stamped
// version so clients can reject stale concurrent writes.
func (h *SessionHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := h.process(w, vars["sid"])
	if p == nil {
		return
	}

	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Mode == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "mode required")
		return
	}

	mode, version, err := p.SetPermissionMode(body.Mode)
	if err != nil {
		if errors.Is(err, agent.ErrTerminated) {
			WriteError(w, http.StatusConflict, ErrAlreadyTerminated, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"mode":        mode,
		"modeVersion": version,
	})
}

// SetHold soft-pauses or resumes the owning process.
func (h *SessionHandler) SetHold(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := h.process(w, vars["sid"])
	if p == nil {
		return
	}

	var body struct {
		Hold bool `json:"hold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}

	state, holdSince, err := p.SetHold(body.Hold)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"state":     state,
			"holdSince": holdSince,
		})
	case errors.Is(err, agent.ErrNotActive):
		WriteError(w, http.StatusConflict, ErrNotActive, "process is not active (state "+string(state)+")")
	case errors.Is(err, agent.ErrTerminated):
		WriteError(w, http.StatusConflict, ErrAlreadyTerminated, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
	}
}

// List is the global session listing with filters.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := metadata.Query{
		ProjectID:       query.Get("project"),
		Text:            query.Get("q"),
		IncludeArchived: query.Get("includeArchived") == "true",
		StarredOnly:     query.Get("starred") == "true",
	}
	if after := query.Get("after"); after != "" {
		if ts, err := time.Parse(time.RFC3339, after); err == nil {
			q.After = ts
		}
	}
	if limit := query.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			q.Limit = n
		}
	}

	sums, err := h.index.List(q)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sums)
}

// ListAgents returns the subagent mappings of a session.
func (h *SessionHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mappings, err := h.reader.ListAgentMappings(vars["sid"])
	if err != nil {
		if errors.Is(err, transcript.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, mappings)
}

// GetAgentSession returns a subagent's transcript.
func (h *SessionHandler) GetAgentSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, msgs, err := h.reader.LoadAgentSession(vars["sid"], vars["aid"])
	if err != nil {
		if errors.Is(err, transcript.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, "agent session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sessionView{Session: sess, Messages: msgs})
}
