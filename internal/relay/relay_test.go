// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/tether/internal/agent"
	"github.com/wingedpig/tether/internal/events"
	"github.com/wingedpig/tether/internal/srp"
	"github.com/wingedpig/tether/internal/upload"
)

// pipeChild is an in-memory agent child for subscription tests.
type pipeChild struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	waitCh  chan error
	once    sync.Once
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriter) Close() error                { return nil }

type pipeRunner struct {
	mu       sync.Mutex
	children []*pipeChild
}

func (r *pipeRunner) Start(ctx context.Context, spec agent.StartSpec) (*agent.Child, error) {
	pr, pw := io.Pipe()
	c := &pipeChild{stdoutR: pr, stdoutW: pw, waitCh: make(chan error, 1)}
	r.mu.Lock()
	r.children = append(r.children, c)
	r.mu.Unlock()
	return &agent.Child{
		Stdin:  discardWriter{},
		Stdout: pr,
		Wait:   func() error { return <-c.waitCh },
		Kill: func() {
			c.once.Do(func() {
				pw.Close()
				c.waitCh <- nil
			})
		},
	}, nil
}

func (r *pipeRunner) emit(line string) {
	r.mu.Lock()
	c := r.children[len(r.children)-1]
	r.mu.Unlock()
	c.stdoutW.Write([]byte(line + "\n"))
}

// collector records wire messages handed to a subscription's sender.
type collector struct {
	mu   sync.Mutex
	msgs []wireMessage
}

func (c *collector) send(msg wireMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) snapshot() []wireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestSubscriptionReplayThenLive(t *testing.T) {
	runner := &pipeRunner{}
	proc := agent.NewProcess(agent.Config{
		SessionID:   "sess-1",
		ProjectPath: t.TempDir(),
		Provider:    agent.ClaudeProvider(),
		Runner:      runner,
		IdleGrace:   time.Hour,
	})
	require.NoError(t, proc.Start(context.Background()))
	defer proc.Abort()

	_, err := proc.QueueMessage("hello", nil, "", "")
	require.NoError(t, err)
	runner.emit(`{"type":"assistant","uuid":"a1","timestamp":"t","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`)
	require.Eventually(t, func() bool {
		return len(proc.GetMessageHistory()) == 2
	}, time.Second, 5*time.Millisecond)

	col := &collector{}
	sub := newSubscription("sub-1", ChannelSession, "sess-1", col.send, nil)
	sub.StartSession(proc)
	defer sub.Close()

	// Replay: connected first, then exactly history-many message events.
	require.Eventually(t, func() bool {
		return len(col.snapshot()) >= 3
	}, time.Second, 5*time.Millisecond)

	msgs := col.snapshot()
	assert.Equal(t, evConnected, msgs[0].EventType)
	assert.Equal(t, evMessage, msgs[1].EventType)
	assert.Equal(t, evMessage, msgs[2].EventType)

	// Live events follow the replay.
	runner.emit(`{"type":"assistant","uuid":"a2","timestamp":"t","message":{"role":"assistant","content":[{"type":"text","text":"more"}]}}`)
	require.Eventually(t, func() bool {
		for _, m := range col.snapshot() {
			if m.EventType == evMessage && strings.Contains(string(m.Data), `"a2"`) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Event ids are strictly monotonic and contiguous from 0.
	for i, m := range col.snapshot() {
		require.NotNil(t, m.EventID)
		assert.Equal(t, uint64(i), *m.EventID)
		assert.Equal(t, "sub-1", m.SubscriptionID)
	}
}

func TestSubscriptionActivityChannel(t *testing.T) {
	bus := events.NewMemoryBus(events.MemoryBusConfig{HistoryMaxEvents: 10, HistoryMaxAge: time.Hour})
	defer bus.Close()

	col := &collector{}
	sub := newSubscription("sub-a", ChannelActivity, "", col.send, nil)
	require.NoError(t, sub.StartActivity(bus))
	defer sub.Close()

	bus.Publish(context.Background(), events.Event{Type: events.EventSessionChanged, SessionID: "s9"})

	require.Eventually(t, func() bool {
		for _, m := range col.snapshot() {
			if m.EventType == evActivity && strings.Contains(string(m.Data), "s9") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// newRelayFixture builds a full relay server over httptest.
func newRelayFixture(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()

	credsPath := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, srp.WriteCredential(credsPath, "alice", "opensesame"))
	store, err := srp.NewFileStore(credsPath)
	require.NoError(t, err)

	router := http.NewServeMux()
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"pong":true}}`))
	})

	bus := events.NewMemoryBus(events.MemoryBusConfig{HistoryMaxEvents: 10, HistoryMaxAge: time.Hour})
	t.Cleanup(func() { bus.Close() })

	sup := agent.NewSupervisor(agent.SupervisorConfig{
		Runner:      &pipeRunner{},
		SessionRoot: t.TempDir(),
	})
	t.Cleanup(sup.Shutdown)

	server := NewServer(ServerConfig{
		Dispatcher:  NewDispatcher(router),
		Supervisor:  sup,
		Bus:         bus,
		Uploads:     upload.NewManager(t.TempDir(), 0),
		Credentials: store,
	})

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return ts, server
}

func dialRelay(t *testing.T, ts *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readWire(t *testing.T, ws *websocket.Conn) wireMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

// authenticate runs the full SRP handshake and returns the session key
// and resumable session id.
func authenticate(t *testing.T, ws *websocket.Conn) ([32]byte, string) {
	t.Helper()

	client, err := srp.NewClient(srp.Group2048, "alice", "opensesame")
	require.NoError(t, err)

	require.NoError(t, ws.WriteJSON(wireMessage{Type: msgSRPHello, Identity: "alice"}))
	challenge := readWire(t, ws)
	require.Equal(t, msgSRPChallenge, challenge.Type)

	salt, err := hex.DecodeString(challenge.Salt)
	require.NoError(t, err)
	b, ok := new(big.Int).SetString(challenge.B, 16)
	require.True(t, ok)

	m1, err := client.SetChallenge(salt, b)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(wireMessage{
		Type: msgSRPProof,
		A:    client.A().Text(16),
		M1:   hex.EncodeToString(m1),
	}))

	verify := readWire(t, ws)
	require.Equal(t, msgSRPVerify, verify.Type)
	m2, err := hex.DecodeString(verify.M2)
	require.NoError(t, err)
	require.NoError(t, client.CheckM2(m2))

	var key [32]byte
	copy(key[:], client.Key())
	return key, verify.SessionID
}

// sendEnvelope writes a wire message inside an encrypted envelope.
func sendEnvelope(t *testing.T, ws *websocket.Conn, key [32]byte, msg wireMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	envelope, err := Seal(&key, EncodeFrame(FormatJSON, payload))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, envelope))
}

// readEnvelope reads one encrypted wire message.
func readEnvelope(t *testing.T, ws *websocket.Conn, key [32]byte) wireMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)

	frame, err := Open(&key, data)
	require.NoError(t, err)
	format, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	if format == FormatCompressedJSON {
		payload, err = GzipDecompress(payload)
		require.NoError(t, err)
	}

	var msg wireMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestRelayHandshakeAndRequest(t *testing.T) {
	ts, _ := newRelayFixture(t)
	ws := dialRelay(t, ts, "http://localhost:3000")

	key, sessionID := authenticate(t, ws)
	assert.NotEmpty(t, sessionID)

	// Requests ride inside the encrypted envelope and route through the
	// shared dispatcher.
	sendEnvelope(t, ws, key, wireMessage{Type: msgRequest, ID: "r1", Method: "GET", Path: "/ping"})
	resp := readEnvelope(t, ws, key)
	assert.Equal(t, msgResponse, resp.Type)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "pong")
}

func TestRelaySessionResume(t *testing.T) {
	ts, _ := newRelayFixture(t)

	ws := dialRelay(t, ts, "")
	key, sessionID := authenticate(t, ws)
	ws.Close()

	// Reconnect: resume binds the existing session without a handshake.
	ws2 := dialRelay(t, ts, "")
	require.NoError(t, ws2.WriteJSON(wireMessage{
		Type:      msgSRPSessionResume,
		SessionID: sessionID,
		Identity:  "alice",
		Proof:     ResumeProofHex(key, sessionID, "alice"),
	}))
	resumed := readWire(t, ws2)
	assert.Equal(t, msgSRPSessionResumed, resumed.Type)
	assert.Equal(t, sessionID, resumed.SessionID)

	// A bad proof is rejected.
	ws3 := dialRelay(t, ts, "")
	var wrong [32]byte
	require.NoError(t, ws3.WriteJSON(wireMessage{
		Type:      msgSRPSessionResume,
		SessionID: sessionID,
		Identity:  "alice",
		Proof:     ResumeProofHex(wrong, sessionID, "alice"),
	}))
	invalid := readWire(t, ws3)
	assert.Equal(t, msgSRPSessionInvalid, invalid.Type)
}

func TestRelayRejectsForbiddenOrigin(t *testing.T) {
	ts, _ := newRelayFixture(t)
	ws := dialRelay(t, ts, "https://evil.example.com")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, CloseForbiddenOrigin, closeErr.Code)
}

func TestRelayRequiresAuth(t *testing.T) {
	ts, _ := newRelayFixture(t)
	ws := dialRelay(t, ts, "")

	require.NoError(t, ws.WriteJSON(wireMessage{Type: msgRequest, ID: "r1", Method: "GET", Path: "/ping"}))
	msg := readWire(t, ws)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "AUTH_REQUIRED", msg.Code)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, CloseAuthRequired, closeErr.Code)
}

func TestRelayWrongPasswordProof(t *testing.T) {
	ts, _ := newRelayFixture(t)
	ws := dialRelay(t, ts, "")

	client, err := srp.NewClient(srp.Group2048, "alice", "not-the-password")
	require.NoError(t, err)

	require.NoError(t, ws.WriteJSON(wireMessage{Type: msgSRPHello, Identity: "alice"}))
	challenge := readWire(t, ws)
	salt, _ := hex.DecodeString(challenge.Salt)
	b, _ := new(big.Int).SetString(challenge.B, 16)
	m1, err := client.SetChallenge(salt, b)
	require.NoError(t, err)

	require.NoError(t, ws.WriteJSON(wireMessage{
		Type: msgSRPProof,
		A:    client.A().Text(16),
		M1:   hex.EncodeToString(m1),
	}))
	srpErr := readWire(t, ws)
	assert.Equal(t, msgSRPError, srpErr.Type)
	assert.Equal(t, "invalid_proof", srpErr.Code)
}

func TestRelayUploadFlow(t *testing.T) {
	ts, _ := newRelayFixture(t)
	ws := dialRelay(t, ts, "")
	key, _ := authenticate(t, ws)

	uploadID := "01234567-89ab-cdef-0123-456789abcdef"
	sendEnvelope(t, ws, key, wireMessage{
		Type:     msgUploadStart,
		UploadID: uploadID,
		Filename: "notes.txt",
		Size:     10,
	})
	progress := readEnvelope(t, ws, key)
	require.Equal(t, msgUploadProgress, progress.Type)
	assert.Equal(t, int64(0), progress.BytesReceived)

	// Chunks ride as plain binary upload frames.
	chunk, err := upload.EncodeChunk(uploadID, 0, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(FormatBinaryUpload, chunk)))
	progress = readEnvelope(t, ws, key)
	require.Equal(t, msgUploadProgress, progress.Type)
	assert.Equal(t, int64(5), progress.BytesReceived)

	// A replayed offset is rejected.
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(FormatBinaryUpload, chunk)))
	uploadErr := readEnvelope(t, ws, key)
	require.Equal(t, msgUploadError, uploadErr.Type)
	assert.Equal(t, "INVALID_OFFSET", uploadErr.Code)

	chunk2, err := upload.EncodeChunk(uploadID, 5, []byte("world"))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(FormatBinaryUpload, chunk2)))
	progress = readEnvelope(t, ws, key)
	require.Equal(t, msgUploadProgress, progress.Type)

	sendEnvelope(t, ws, key, wireMessage{Type: msgUploadEnd, UploadID: uploadID})
	complete := readEnvelope(t, ws, key)
	assert.Equal(t, msgUploadComplete, complete.Type)
	assert.Contains(t, string(complete.FileRef), "notes.txt")
}

func TestRelaySubscribeUnknownSession(t *testing.T) {
	ts, _ := newRelayFixture(t)
	ws := dialRelay(t, ts, "")
	key, _ := authenticate(t, ws)

	sendEnvelope(t, ws, key, wireMessage{
		Type:           msgSubscribe,
		SubscriptionID: "sub-1",
		Channel:        ChannelSession,
		SessionID:      "missing",
	})
	msg := readEnvelope(t, ws, key)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, 404, msg.Status)
	assert.Equal(t, "NOT_FOUND", msg.Code)
}
