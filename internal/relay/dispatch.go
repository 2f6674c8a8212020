// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"net/http"
)

// Dispatcher routes relay request messages through the same router the
// plain HTTP listener serves, so both surfaces share one handler set.
type Dispatcher struct {
	handler http.Handler
}

// NewDispatcher wraps a router.
func NewDispatcher(handler http.Handler) *Dispatcher {
	return &Dispatcher{handler: handler}
}

// memoryResponseWriter captures a handler's response in memory.
type memoryResponseWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newMemoryResponseWriter() *memoryResponseWriter {
	return &memoryResponseWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *memoryResponseWriter) Header() http.Header { return w.header }

func (w *memoryResponseWriter) WriteHeader(status int) { w.status = status }

func (w *memoryResponseWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

// Do executes one request and returns status, headers and body.
func (d *Dispatcher) Do(method, path string, headers map[string]string, body []byte) (int, map[string]string, []byte) {
	req, err := http.NewRequest(method, path, bytes.NewReader(body))
	if err != nil {
		return http.StatusBadRequest, nil, []byte(`{"error":{"code":"BAD_REQUEST","message":"malformed request"}}`)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := newMemoryResponseWriter()
	d.handler.ServeHTTP(w, req)

	outHeaders := make(map[string]string, len(w.header))
	for k := range w.header {
		outHeaders[k] = w.header.Get(k)
	}
	return w.status, outHeaders, w.buf.Bytes()
}
