// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingedpig/tether/internal/agent"
	"github.com/wingedpig/tether/internal/events"
	"github.com/wingedpig/tether/internal/srp"
	"github.com/wingedpig/tether/internal/upload"
)

// DefaultHandshakeTimeout bounds how long an unauthenticated connection
// may linger.
const DefaultHandshakeTimeout = 30 * time.Second

// ServerConfig wires a relay server.
type ServerConfig struct {
	Dispatcher       *Dispatcher
	Supervisor       *agent.Supervisor
	Bus              events.Bus
	Uploads          *upload.Manager
	Credentials      srp.CredentialStore
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	SessionTTL       time.Duration
}

// Server accepts relay WebSocket connections.
type Server struct {
	dispatcher       *Dispatcher
	supervisor       *agent.Supervisor
	bus              events.Bus
	uploads          *upload.Manager
	creds            srp.CredentialStore
	origins          *OriginPolicy
	sessions         *sessionRegistry
	handshakeTimeout time.Duration
	upgrader         websocket.Upgrader
}

// NewServer creates the relay server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Server{
		dispatcher:       cfg.Dispatcher,
		supervisor:       cfg.Supervisor,
		bus:              cfg.Bus,
		uploads:          cfg.Uploads,
		creds:            cfg.Credentials,
		origins:          NewOriginPolicy(cfg.AllowedOrigins),
		sessions:         newSessionRegistry(cfg.SessionTTL),
		handshakeTimeout: cfg.HandshakeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is applied after the upgrade so rejection can
			// use the 4003 close code instead of a bare HTTP 403.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades and runs one relay connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !s.origins.Allowed(r) {
		log.Printf("relay: rejected origin %q", r.Header.Get("Origin"))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseForbiddenOrigin, "forbidden origin"),
			time.Now().Add(5*time.Second))
		ws.Close()
		return
	}

	newConn(ws, s).run()
}
