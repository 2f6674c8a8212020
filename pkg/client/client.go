// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client provides a Go client for the tether relay.
//
// Tether multiplexes interactive coding-agent sessions behind a single
// authenticated WebSocket connection. This client handles the SRP
// handshake, the encrypted envelope, request/response correlation and
// event subscriptions.
//
// # Getting Started
//
// Connect and authenticate:
//
//	c := client.New("ws://localhost:4020/ws", "alice", "password")
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
// Issue requests against the server's API paths:
//
//	var projects []map[string]interface{}
//	err := c.Request(ctx, "GET", "/projects", nil, &projects)
//
// Subscribe to a session's live events:
//
//	events, cancel, err := c.Subscribe(ctx, "session", sessionID)
//	defer cancel()
//	for ev := range events {
//	    fmt.Println(ev.EventType)
//	}
//
// # Reconnects
//
// After Connect succeeds, AuthSessionID returns the resumable auth
// session id. A new client on a fresh connection can skip the full
// handshake with Resume, as long as it still holds the session key from
// SessionKey.
package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingedpig/tether/internal/relay"
	"github.com/wingedpig/tether/internal/srp"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client closed")

// APIError is an error envelope returned by the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Event is one subscription event.
type Event struct {
	SubscriptionID string          `json:"subscriptionId"`
	EventID        uint64          `json:"eventId"`
	EventType      string          `json:"eventType"`
	Data           json.RawMessage `json:"data"`
}

// message mirrors the relay's flat wire shape.
type message struct {
	Type string `json:"type"`

	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`

	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	EventID        *uint64         `json:"eventId,omitempty"`
	EventType      string          `json:"eventType,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	Identity string `json:"identity,omitempty"`
	Salt     string `json:"salt,omitempty"`
	B        string `json:"B,omitempty"`
	A        string `json:"A,omitempty"`
	M1       string `json:"M1,omitempty"`
	M2       string `json:"M2,omitempty"`
	Proof    string `json:"proof,omitempty"`
}

// Client is a tether relay client. Safe for concurrent use once
// Connect (or Resume) has returned.
type Client struct {
	url      string
	identity string
	password string

	mu            sync.Mutex
	ws            *websocket.Conn
	key           [32]byte
	authenticated bool
	authSessionID string

	pendingMu sync.Mutex
	pending   map[string]chan message

	subsMu sync.Mutex
	subs   map[string]chan Event

	nextID uint64
	done   chan struct{}
	once   sync.Once
}

// New creates a client. url is the relay endpoint, e.g.
// "ws://localhost:4020/ws".
func New(url, identity, password string) *Client {
	return &Client{
		url:      url,
		identity: identity,
		password: password,
		pending:  make(map[string]chan message),
		subs:     make(map[string]chan Event),
		done:     make(chan struct{}),
	}
}

// Connect dials the relay and runs the full SRP handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	cl, err := srp.NewClient(srp.Group2048, c.identity, c.password)
	if err != nil {
		return err
	}

	if err := c.writePlain(message{Type: "srp_hello", Identity: c.identity}); err != nil {
		return err
	}
	challenge, err := c.readPlain()
	if err != nil {
		return err
	}
	if challenge.Type != "srp_challenge" {
		return fmt.Errorf("handshake failed: %s %s", challenge.Type, challenge.Code)
	}

	salt, err := hex.DecodeString(challenge.Salt)
	if err != nil {
		return fmt.Errorf("bad salt: %w", err)
	}
	b, ok := new(big.Int).SetString(challenge.B, 16)
	if !ok {
		return fmt.Errorf("bad server public value")
	}
	m1, err := cl.SetChallenge(salt, b)
	if err != nil {
		return err
	}

	if err := c.writePlain(message{
		Type: "srp_proof",
		A:    cl.A().Text(16),
		M1:   hex.EncodeToString(m1),
	}); err != nil {
		return err
	}
	verify, err := c.readPlain()
	if err != nil {
		return err
	}
	if verify.Type != "srp_verify" {
		return fmt.Errorf("handshake rejected: %s %s", verify.Type, verify.Code)
	}
	m2, err := hex.DecodeString(verify.M2)
	if err != nil {
		return fmt.Errorf("bad server proof: %w", err)
	}
	if err := cl.CheckM2(m2); err != nil {
		return fmt.Errorf("server proof invalid: %w", err)
	}

	c.mu.Lock()
	copy(c.key[:], cl.Key())
	c.authenticated = true
	c.authSessionID = verify.SessionID
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Resume dials and rebinds an existing auth session without a full
// handshake.
func (c *Client) Resume(ctx context.Context, authSessionID string, key [32]byte) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	if err := c.writePlain(message{
		Type:      "srp_session_resume",
		SessionID: authSessionID,
		Identity:  c.identity,
		Proof:     relay.ResumeProofHex(key, authSessionID, c.identity),
	}); err != nil {
		return err
	}
	resp, err := c.readPlain()
	if err != nil {
		return err
	}
	if resp.Type != "srp_session_resumed" {
		return fmt.Errorf("resume rejected: %s %s", resp.Type, resp.Reason)
	}

	c.mu.Lock()
	c.key = key
	c.authenticated = true
	c.authSessionID = authSessionID
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// AuthSessionID returns the resumable auth session id.
func (c *Client) AuthSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authSessionID
}

// SessionKey returns the negotiated session key for later resumes.
func (c *Client) SessionKey() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Request issues one HTTP-style request over the relay and decodes the
// response envelope's data field into out (unless out is nil).
func (c *Client) Request(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		raw = data
	}

	id := strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
	ch := make(chan message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeSealed(message{
		Type:   "request",
		ID:     id,
		Method: method,
		Path:   path,
		Body:   raw,
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case resp := <-ch:
		return decodeResponse(resp, out)
	}
}

// decodeResponse unwraps the server's {data, error} envelope.
func decodeResponse(resp message, out interface{}) error {
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error *APIError       `json:"error"`
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if envelope.Error != nil {
		envelope.Error.Status = resp.Status
		return envelope.Error
	}
	if resp.Status >= 400 {
		return &APIError{Status: resp.Status, Code: "HTTP_ERROR", Message: string(resp.Body)}
	}
	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// Subscribe opens a channel subscription. The returned cancel function
// unsubscribes and closes the event channel.
func (c *Client) Subscribe(ctx context.Context, channel, sessionID string) (<-chan Event, func(), error) {
	subID := "sub-" + strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
	ch := make(chan Event, 64)

	c.subsMu.Lock()
	c.subs[subID] = ch
	c.subsMu.Unlock()

	err := c.writeSealed(message{
		Type:           "subscribe",
		SubscriptionID: subID,
		Channel:        channel,
		SessionID:      sessionID,
	})
	if err != nil {
		c.subsMu.Lock()
		delete(c.subs, subID)
		c.subsMu.Unlock()
		return nil, nil, err
	}

	cancel := func() {
		c.writeSealed(message{Type: "unsubscribe", SubscriptionID: subID})
		c.subsMu.Lock()
		if _, ok := c.subs[subID]; ok {
			delete(c.subs, subID)
			close(ch)
		}
		c.subsMu.Unlock()
	}
	return ch, cancel, nil
}

// Close tears down the connection and fails pending requests.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()

		c.subsMu.Lock()
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.subsMu.Unlock()
	})
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	return nil
}

// readLoop dispatches responses and events after authentication.
func (c *Client) readLoop() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Close()
			return
		}

		var msg message
		switch mt {
		case websocket.TextMessage:
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
		case websocket.BinaryMessage:
			frame, err := relay.Open(&c.key, data)
			if err != nil {
				continue
			}
			format, payload, err := relay.DecodeFrame(frame)
			if err != nil {
				continue
			}
			if format == relay.FormatCompressedJSON {
				if payload, err = relay.GzipDecompress(payload); err != nil {
					continue
				}
			}
			if json.Unmarshal(payload, &msg) != nil {
				continue
			}
		default:
			continue
		}

		switch msg.Type {
		case "response":
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case "event":
			c.subsMu.Lock()
			ch, ok := c.subs[msg.SubscriptionID]
			c.subsMu.Unlock()
			if !ok {
				continue
			}
			var id uint64
			if msg.EventID != nil {
				id = *msg.EventID
			}
			select {
			case ch <- Event{
				SubscriptionID: msg.SubscriptionID,
				EventID:        id,
				EventType:      msg.EventType,
				Data:           msg.Data,
			}:
			default:
				// Local consumer is not keeping up; drop rather than
				// stall the read loop.
			}
		}
	}
}

// writePlain sends a JSON text frame (pre-auth handshake messages).
func (c *Client) writePlain(msg message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrClosed
	}
	return c.ws.WriteJSON(msg)
}

// readPlain reads one JSON text frame during the handshake.
func (c *Client) readPlain() (message, error) {
	c.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.ws.SetReadDeadline(time.Time{})
	var msg message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return message{}, err
	}
	return msg, nil
}

// writeSealed sends a message inside the encrypted envelope.
func (c *Client) writeSealed(msg message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || !c.authenticated {
		return ErrClosed
	}
	envelope, err := relay.Seal(&c.key, relay.EncodeFrame(relay.FormatJSON, payload))
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, envelope)
}
