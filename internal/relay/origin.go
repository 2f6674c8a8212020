// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which WebSocket origins may connect. Local and
// private-LAN browsers are always welcome; anything else needs an
// explicit allowlist entry. Connections from rejected origins close
// with code 4003 before any application message is processed.
type OriginPolicy struct {
	allowlist []string
}

// NewOriginPolicy creates a policy with explicit extra allowed origins
// (full origins like "https://tools.example.com" or bare hosts).
func NewOriginPolicy(allowlist []string) *OriginPolicy {
	return &OriginPolicy{allowlist: allowlist}
}

// Allowed checks a request's Origin header. Requests without one (CLI
// clients, same-machine tools) are allowed; browsers always send it.
func (p *OriginPolicy) Allowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() {
			return true
		}
	}

	for _, entry := range p.allowlist {
		if entry == origin || entry == host {
			return true
		}
	}
	return false
}
