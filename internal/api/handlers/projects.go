// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wingedpig/tether/internal/project"
)

// ProjectHandler handles project listing and registration.
type ProjectHandler struct {
	scanner *project.Scanner
}

// NewProjectHandler creates a project handler.
func NewProjectHandler(scanner *project.Scanner) *ProjectHandler {
	return &ProjectHandler{scanner: scanner}
}

// List returns all known projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.scanner.Scan()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, projects)
}

// Add registers a project directory.
func (h *ProjectHandler) Add(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}

	p, err := h.scanner.AddProject(body.Path)
	if err != nil {
		if errors.Is(err, project.ErrInvalidPath) {
			WriteError(w, http.StatusBadRequest, ErrInvalidPath, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}
