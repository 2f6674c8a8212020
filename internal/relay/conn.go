// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wingedpig/tether/internal/srp"
	"github.com/wingedpig/tether/internal/upload"
)

// compressThreshold is the payload size above which COMPRESSED_JSON is
// preferred when the client declared it.
const compressThreshold = 512

// Conn is one client connection. A single read loop serializes inbound
// handling, so an upload chunk can never overtake its own upload_start.
type Conn struct {
	ws     *websocket.Conn
	server *Server

	writeMu sync.Mutex

	// Auth state. Written only by the read loop; the auth timer reads
	// under mu.
	mu        sync.Mutex
	state     authState
	key       [32]byte
	identity  string
	srpServer *srp.Server

	formats map[byte]bool

	subsMu sync.Mutex
	subs   map[string]*Subscription

	uploadsMu sync.Mutex
	uploads   map[string]bool

	authTimer *time.Timer
}

func newConn(ws *websocket.Conn, server *Server) *Conn {
	return &Conn{
		ws:      ws,
		server:  server,
		state:   authNone,
		formats: map[byte]bool{FormatJSON: true},
		subs:    make(map[string]*Subscription),
		uploads: make(map[string]bool),
	}
}

func (c *Conn) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == authOK
}

// run processes the connection until it drops.
func (c *Conn) run() {
	defer c.cleanup()

	c.authTimer = time.AfterFunc(c.server.handshakeTimeout, func() {
		if !c.authenticated() {
			c.closeWithCode(CloseAuthRequired, "authentication timeout")
		}
	})
	defer c.authTimer.Stop()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.TextMessage:
			c.handleJSON(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}
}

// cleanup releases everything the connection owned: subscriptions detach
// and in-flight uploads delete their partial files.
func (c *Conn) cleanup() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}

	c.uploadsMu.Lock()
	uploads := c.uploads
	c.uploads = make(map[string]bool)
	c.uploadsMu.Unlock()
	for id := range uploads {
		c.server.uploads.Cancel(id)
	}

	c.ws.Close()
}

func (c *Conn) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(5*time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}

// handleBinary processes a binary frame: an encrypted envelope after
// authentication, or a plain [format][payload] frame.
func (c *Conn) handleBinary(data []byte) {
	if isEncryptedEnvelope(data, c.authenticated()) {
		c.mu.Lock()
		key := c.key
		c.mu.Unlock()
		frame, err := Open(&key, data)
		if err != nil {
			if errors.Is(err, ErrUnknownVersion) {
				c.closeWithCode(CloseUnsupportedFormat, "unknown envelope version")
				return
			}
			c.sendWire(wireMessage{Type: msgError, Code: "DECRYPT_FAILED"})
			return
		}
		data = frame
	}

	format, payload, err := DecodeFrame(data)
	if err != nil {
		c.closeWithCode(CloseUnsupportedFormat, "unknown frame format")
		return
	}

	switch format {
	case FormatJSON:
		c.handleJSON(payload)
	case FormatCompressedJSON:
		decoded, err := GzipDecompress(payload)
		if err != nil {
			c.closeWithCode(CloseUnsupportedFormat, "malformed compressed frame")
			return
		}
		c.handleJSON(decoded)
	case FormatBinaryUpload:
		c.handleUploadChunk(payload)
	}
}

func (c *Conn) handleJSON(data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.closeWithCode(CloseUnsupportedFormat, "malformed frame")
		return
	}

	switch msg.Type {
	case msgClientCapabilities:
		formats := map[byte]bool{FormatJSON: true}
		for _, f := range msg.Formats {
			formats[byte(f)] = true
		}
		c.mu.Lock()
		c.formats = formats
		c.mu.Unlock()

	case msgSRPHello:
		c.handleSRPHello(msg)
	case msgSRPProof:
		c.handleSRPProof(msg)
	case msgSRPSessionResume:
		c.handleSRPResume(msg)

	case msgRequest:
		if !c.requireAuth() {
			return
		}
		status, headers, body := c.server.dispatcher.Do(msg.Method, msg.Path, msg.Headers, msg.Body)
		c.sendWire(wireMessage{
			Type:    msgResponse,
			ID:      msg.ID,
			Status:  status,
			Headers: headers,
			Body:    body,
		})

	case msgSubscribe:
		if !c.requireAuth() {
			return
		}
		c.handleSubscribe(msg)

	case msgUnsubscribe:
		if !c.requireAuth() {
			return
		}
		c.subsMu.Lock()
		sub, ok := c.subs[msg.SubscriptionID]
		delete(c.subs, msg.SubscriptionID)
		c.subsMu.Unlock()
		if ok {
			sub.Close()
		}

	case msgUploadStart:
		if !c.requireAuth() {
			return
		}
		c.handleUploadStart(msg)

	case msgUploadEnd:
		if !c.requireAuth() {
			return
		}
		c.handleUploadEnd(msg)

	default:
		c.sendWire(wireMessage{Type: msgError, Code: "UNKNOWN_TYPE", Reason: msg.Type})
	}
}

// requireAuth rejects application messages before authentication.
func (c *Conn) requireAuth() bool {
	if c.authenticated() {
		return true
	}
	c.sendWire(wireMessage{Type: msgError, Code: "AUTH_REQUIRED"})
	c.closeWithCode(CloseAuthRequired, "authentication required")
	return false
}

func (c *Conn) handleSRPHello(msg wireMessage) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != authNone {
		c.sendWire(wireMessage{Type: msgSRPError, Code: "server_error"})
		return
	}

	cred, err := c.server.creds.Lookup(msg.Identity)
	if err != nil {
		c.sendWire(wireMessage{Type: msgSRPError, Code: "invalid_identity"})
		return
	}

	server, err := srp.NewServer(srp.Group2048, msg.Identity, cred.Salt, cred.Verifier)
	if err != nil {
		log.Printf("relay: srp server: %v", err)
		c.sendWire(wireMessage{Type: msgSRPError, Code: "server_error"})
		return
	}

	c.mu.Lock()
	c.identity = msg.Identity
	c.srpServer = server
	c.state = authWaitingProof
	c.mu.Unlock()

	c.sendWire(wireMessage{
		Type: msgSRPChallenge,
		Salt: hex.EncodeToString(server.Salt()),
		B:    server.B().Text(16),
	})
}

func (c *Conn) handleSRPProof(msg wireMessage) {
	c.mu.Lock()
	state := c.state
	server := c.srpServer
	identity := c.identity
	c.mu.Unlock()
	if state != authWaitingProof || server == nil {
		c.sendWire(wireMessage{Type: msgSRPError, Code: "server_error"})
		return
	}

	reset := func(code string) {
		c.mu.Lock()
		c.state = authNone
		c.srpServer = nil
		c.mu.Unlock()
		c.sendWire(wireMessage{Type: msgSRPError, Code: code})
	}

	a, ok := new(big.Int).SetString(msg.A, 16)
	if !ok {
		reset("invalid_proof")
		return
	}
	m1, err := hex.DecodeString(msg.M1)
	if err != nil {
		reset("invalid_proof")
		return
	}

	if err := server.SetA(a); err != nil {
		reset("invalid_proof")
		return
	}
	m2, err := server.CheckM1(m1)
	if err != nil {
		reset("invalid_proof")
		return
	}

	var key [32]byte
	copy(key[:], server.Key())
	sessionID := c.server.sessions.Add(identity, key)

	c.mu.Lock()
	c.key = key
	c.state = authOK
	c.srpServer = nil
	c.mu.Unlock()

	// The verify message itself goes out in plaintext; the client flips
	// to envelopes only after observing it.
	c.sendPlain(wireMessage{
		Type:      msgSRPVerify,
		M2:        hex.EncodeToString(m2),
		SessionID: sessionID,
	})
}

func (c *Conn) handleSRPResume(msg wireMessage) {
	key, err := c.server.sessions.Resume(msg.SessionID, msg.Identity, msg.Proof)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, ErrSessionExpired) {
			reason = "expired"
		}
		c.sendWire(wireMessage{Type: msgSRPSessionInvalid, Reason: reason})
		return
	}

	c.mu.Lock()
	c.key = key
	c.identity = msg.Identity
	c.state = authOK
	c.mu.Unlock()

	c.sendPlain(wireMessage{Type: msgSRPSessionResumed, SessionID: msg.SessionID})
}

func (c *Conn) handleSubscribe(msg wireMessage) {
	if msg.SubscriptionID == "" {
		msg.SubscriptionID = uuid.New().String()
	}

	sub := newSubscription(msg.SubscriptionID, msg.Channel, msg.SessionID, c.sendWire, c.dropSubscription)

	switch msg.Channel {
	case ChannelSession:
		proc := c.server.supervisor.GetProcessForSession(msg.SessionID)
		if proc == nil {
			c.sendWire(wireMessage{
				Type:           msgError,
				SubscriptionID: msg.SubscriptionID,
				Status:         404,
				Code:           "NOT_FOUND",
				Reason:         "no process owns session " + msg.SessionID,
			})
			return
		}
		c.addSubscription(sub)
		sub.StartSession(proc)

	case ChannelActivity:
		if err := sub.StartActivity(c.server.bus); err != nil {
			c.sendWire(wireMessage{
				Type:           msgError,
				SubscriptionID: msg.SubscriptionID,
				Code:           "BAD_REQUEST",
				Reason:         err.Error(),
			})
			return
		}
		c.addSubscription(sub)

	default:
		c.sendWire(wireMessage{
			Type:           msgError,
			SubscriptionID: msg.SubscriptionID,
			Code:           "BAD_REQUEST",
			Reason:         "unknown channel " + msg.Channel,
		})
	}
}

func (c *Conn) addSubscription(sub *Subscription) {
	c.subsMu.Lock()
	c.subs[sub.id] = sub
	c.subsMu.Unlock()
}

// dropSubscription is the overflow callback: notify, then forget.
func (c *Conn) dropSubscription(id, code string) {
	c.subsMu.Lock()
	delete(c.subs, id)
	c.subsMu.Unlock()
	c.sendWire(wireMessage{Type: msgError, SubscriptionID: id, Code: code})
}

func (c *Conn) handleUploadStart(msg wireMessage) {
	err := c.server.uploads.Start(msg.UploadID, msg.ProjectID, msg.SessionID, msg.Filename, msg.Size, msg.MimeType)
	if err != nil {
		c.sendWire(wireMessage{
			Type:     msgUploadError,
			UploadID: msg.UploadID,
			Code:     uploadErrorCode(err),
			Reason:   err.Error(),
		})
		return
	}

	c.uploadsMu.Lock()
	c.uploads[msg.UploadID] = true
	c.uploadsMu.Unlock()

	c.sendWire(wireMessage{Type: msgUploadProgress, UploadID: msg.UploadID, BytesReceived: 0})
}

func (c *Conn) handleUploadChunk(payload []byte) {
	uploadID, offset, data, err := upload.ParseChunk(payload)
	if err != nil {
		c.sendWire(wireMessage{Type: msgUploadError, Code: "MALFORMED_FRAME", Reason: err.Error()})
		return
	}

	received, err := c.server.uploads.WriteChunk(uploadID, offset, data)
	if err != nil {
		c.sendWire(wireMessage{
			Type:          msgUploadError,
			UploadID:      uploadID,
			Code:          uploadErrorCode(err),
			Reason:        err.Error(),
			BytesReceived: received,
		})
		return
	}

	c.sendWire(wireMessage{Type: msgUploadProgress, UploadID: uploadID, BytesReceived: received})
}

func (c *Conn) handleUploadEnd(msg wireMessage) {
	ref, err := c.server.uploads.Complete(msg.UploadID)

	c.uploadsMu.Lock()
	delete(c.uploads, msg.UploadID)
	c.uploadsMu.Unlock()

	if err != nil {
		c.sendWire(wireMessage{
			Type:     msgUploadError,
			UploadID: msg.UploadID,
			Code:     uploadErrorCode(err),
			Reason:   err.Error(),
		})
		return
	}

	refJSON, _ := json.Marshal(ref)
	c.sendWire(wireMessage{Type: msgUploadComplete, UploadID: msg.UploadID, FileRef: refJSON})
}

func uploadErrorCode(err error) string {
	switch {
	case errors.Is(err, upload.ErrAlreadyInUse):
		return "ALREADY_IN_USE"
	case errors.Is(err, upload.ErrInvalidOffset):
		return "INVALID_OFFSET"
	case errors.Is(err, upload.ErrTooLarge):
		return "TOO_LARGE"
	case errors.Is(err, upload.ErrSizeMismatch):
		return "SIZE_MISMATCH"
	case errors.Is(err, upload.ErrNotFound):
		return "NOT_FOUND"
	default:
		return "WRITE_FAILED"
	}
}

// sendWire delivers a message in the most compact format the client
// declared: an encrypted envelope after authentication, compressed when
// worthwhile, plain JSON text before.
func (c *Conn) sendWire(msg wireMessage) error {
	if !c.authenticated() {
		return c.sendPlain(msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal wire message: %w", err)
	}

	c.mu.Lock()
	compressOK := c.formats[FormatCompressedJSON]
	c.mu.Unlock()

	format := FormatJSON
	if compressOK && len(payload) > compressThreshold {
		compressed, err := GzipCompress(payload)
		if err == nil && len(compressed) < len(payload) {
			payload = compressed
			format = FormatCompressedJSON
		}
	}

	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	envelope, err := Seal(&key, EncodeFrame(format, payload))
	if err != nil {
		return fmt.Errorf("seal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.BinaryMessage, envelope)
}

// sendPlain writes a message as a JSON text frame.
func (c *Conn) sendPlain(msg wireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}
