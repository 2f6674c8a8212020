// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api wires the request routes and serves them: over plain
// HTTP(S) for local debugging and, through the relay dispatcher, to
// remote clients.
package api

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/tailscale/tscert"

	"github.com/wingedpig/tether/internal/agent"
	"github.com/wingedpig/tether/internal/api/handlers"
	"github.com/wingedpig/tether/internal/api/middleware"
	"github.com/wingedpig/tether/internal/metadata"
	"github.com/wingedpig/tether/internal/project"
	"github.com/wingedpig/tether/internal/transcript"
)

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Host         string
	Port         int
	TLSCert      string
	TLSKey       string
	TLSTailscale bool
}

// Dependencies holds everything the handlers need.
type Dependencies struct {
	Scanner    *project.Scanner
	Reader     *transcript.Reader
	Supervisor *agent.Supervisor
	Store      *metadata.Store
	Index      *metadata.Index
	Relay      http.Handler
}

// NewRouter builds the route table shared by the relay dispatcher and
// the plain listener.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)

	projectHandler := handlers.NewProjectHandler(deps.Scanner)
	r.HandleFunc("/projects", projectHandler.List).Methods("GET")
	r.HandleFunc("/projects", projectHandler.Add).Methods("POST")

	sessionHandler := handlers.NewSessionHandler(deps.Scanner, deps.Reader, deps.Supervisor, deps.Store, deps.Index)
	r.HandleFunc("/projects/{id}/sessions", sessionHandler.Start).Methods("POST")
	r.HandleFunc("/projects/{id}/sessions/{sid}", sessionHandler.Get).Methods("GET")
	r.HandleFunc("/projects/{id}/sessions/{sid}/metadata", sessionHandler.GetMetadata).Methods("GET")
	r.HandleFunc("/projects/{id}/sessions/{sid}/metadata", sessionHandler.PutMetadata).Methods("PUT")
	r.HandleFunc("/projects/{id}/sessions/{sid}/resume", sessionHandler.Resume).Methods("POST")

	r.HandleFunc("/sessions", sessionHandler.List).Methods("GET")
	r.HandleFunc("/sessions/{sid}/messages", sessionHandler.QueueMessage).Methods("POST")
	r.HandleFunc("/sessions/{sid}/input", sessionHandler.RespondToInput).Methods("POST")
	r.HandleFunc("/sessions/{sid}/mode", sessionHandler.SetMode).Methods("PUT")
	r.HandleFunc("/sessions/{sid}/hold", sessionHandler.SetHold).Methods("PUT")
	r.HandleFunc("/sessions/{sid}/metadata", sessionHandler.GetMetadata).Methods("GET")
	r.HandleFunc("/sessions/{sid}/metadata", sessionHandler.PutMetadata).Methods("PUT")
	r.HandleFunc("/sessions/{sid}/agents", sessionHandler.ListAgents).Methods("GET")
	r.HandleFunc("/sessions/{sid}/agents/{aid}", sessionHandler.GetAgentSession).Methods("GET")

	processHandler := handlers.NewProcessHandler(deps.Supervisor)
	r.HandleFunc("/processes", processHandler.List).Methods("GET")
	r.HandleFunc("/processes/{pid}/abort", processHandler.Abort).Methods("POST")
	r.HandleFunc("/processes/{pid}/interrupt", processHandler.Interrupt).Methods("POST")

	inboxHandler := handlers.NewInboxHandler(deps.Supervisor, deps.Index)
	r.HandleFunc("/inbox", inboxHandler.Get).Methods("GET")

	if deps.Relay != nil {
		r.Handle("/ws", deps.Relay)
	}

	return r
}

// Server is the HTTP(S) listener.
type Server struct {
	router *mux.Router
	cfg    ServerConfig
	server *http.Server
}

// NewServer creates the listener around the shared router.
func NewServer(cfg ServerConfig, router *mux.Router) *Server {
	return &Server{router: router, cfg: cfg}
}

// Router returns the underlying router (the relay dispatcher wraps it).
func (s *Server) Router() *mux.Router { return s.router }

// ListenAndServe starts the listener. TLS comes from certificate files
// or, with tls_tailscale, from the local tailscaled's cert store.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	if s.cfg.TLSTailscale {
		s.server.TLSConfig = &tls.Config{GetCertificate: tscert.GetCertificate}
		log.Printf("api: listening on https://%s (tailscale TLS)", addr)
		return s.server.ListenAndServeTLS("", "")
	}

	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		log.Printf("api: listening on https://%s", addr)
		return s.server.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}

	log.Printf("api: listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}
