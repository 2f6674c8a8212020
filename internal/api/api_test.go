// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/tether/internal/agent"
	"github.com/wingedpig/tether/internal/api/handlers"
	"github.com/wingedpig/tether/internal/metadata"
	"github.com/wingedpig/tether/internal/project"
	"github.com/wingedpig/tether/internal/transcript"
)

// nullWriter is an inert stdin for the fake agent child.
type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }
func (nullWriter) Close() error                { return nil }

type nullRunner struct {
	mu    sync.Mutex
	count int
}

func (r *nullRunner) Start(ctx context.Context, spec agent.StartSpec) (*agent.Child, error) {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	return &agent.Child{
		Stdin:  nullWriter{},
		Stdout: pr,
		Wait:   func() error { return <-done },
		Kill: func() {
			select {
			case done <- nil:
				pw.Close()
			default:
			}
		},
	}, nil
}

type fixture struct {
	ts         *httptest.Server
	scanner    *project.Scanner
	supervisor *agent.Supervisor
	store      *metadata.Store
	index      *metadata.Index
	sessionDir string
	projectID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sessionRoot := t.TempDir()
	projDir := t.TempDir()

	scanner := project.NewScanner(sessionRoot)
	proj, err := scanner.AddProject(projDir)
	require.NoError(t, err)

	reader := transcript.NewReader(sessionRoot, true)
	store := metadata.NewStore(t.TempDir())
	index := metadata.NewIndex(t.TempDir(), reader, store)

	supervisor := agent.NewSupervisor(agent.SupervisorConfig{
		Runner:      &nullRunner{},
		SessionRoot: sessionRoot,
		IdleGrace:   time.Hour,
	})
	t.Cleanup(supervisor.Shutdown)

	router := NewRouter(Dependencies{
		Scanner:    scanner,
		Reader:     reader,
		Supervisor: supervisor,
		Store:      store,
		Index:      index,
	})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &fixture{
		ts:         ts,
		scanner:    scanner,
		supervisor: supervisor,
		store:      store,
		index:      index,
		sessionDir: proj.SessionDirPath,
		projectID:  proj.ID,
	}
}

// do executes one request and decodes the response envelope.
func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, handlers.Response) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope handlers.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp.StatusCode, envelope
}

func dataMap(t *testing.T, envelope handlers.Response) map[string]interface{} {
	t.Helper()
	m, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok, "data is not an object: %#v", envelope.Data)
	return m
}

func TestProjectsListAndAdd(t *testing.T) {
	f := newFixture(t)

	status, envelope := f.do(t, "GET", "/projects", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, envelope.Data)

	newDir := t.TempDir()
	status, envelope = f.do(t, "POST", "/projects", map[string]string{"path": newDir})
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, project.EncodeID(newDir), dataMap(t, envelope)["id"])

	status, envelope = f.do(t, "POST", "/projects", map[string]string{"path": "/does/not/exist"})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, handlers.ErrInvalidPath, envelope.Error.Code)
}

func TestStartSessionAndControls(t *testing.T) {
	f := newFixture(t)

	status, envelope := f.do(t, "POST", "/projects/"+f.projectID+"/sessions",
		map[string]string{"message": "hi there"})
	require.Equal(t, http.StatusCreated, status)
	data := dataMap(t, envelope)
	sessionID := data["sessionId"].(string)
	processID := data["processId"].(string)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, processID)

	// Queue another message.
	status, envelope = f.do(t, "POST", "/sessions/"+sessionID+"/messages",
		map[string]string{"message": "more", "tempId": "temp-9"})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, dataMap(t, envelope)["queued"])

	// Empty message is rejected.
	status, envelope = f.do(t, "POST", "/sessions/"+sessionID+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, handlers.ErrBadRequest, envelope.Error.Code)

	// Mode changes stamp increasing versions.
	status, envelope = f.do(t, "PUT", "/sessions/"+sessionID+"/mode", map[string]string{"mode": "plan"})
	require.Equal(t, http.StatusOK, status)
	v1 := dataMap(t, envelope)["modeVersion"].(float64)
	status, envelope = f.do(t, "PUT", "/sessions/"+sessionID+"/mode", map[string]string{"mode": "default"})
	require.Equal(t, http.StatusOK, status)
	v2 := dataMap(t, envelope)["modeVersion"].(float64)
	assert.Greater(t, v2, v1)

	// No pending input yet.
	status, envelope = f.do(t, "POST", "/sessions/"+sessionID+"/input",
		map[string]string{"requestId": "R1", "response": "approve"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, handlers.ErrNoPendingRequest, envelope.Error.Code)

	// Hold while running, then release.
	status, envelope = f.do(t, "PUT", "/sessions/"+sessionID+"/hold", map[string]bool{"hold": true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(agent.StateHold), dataMap(t, envelope)["state"])
	status, _ = f.do(t, "PUT", "/sessions/"+sessionID+"/hold", map[string]bool{"hold": false})
	require.Equal(t, http.StatusOK, status)

	// Releasing again conflicts.
	status, envelope = f.do(t, "PUT", "/sessions/"+sessionID+"/hold", map[string]bool{"hold": false})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, handlers.ErrNotActive, envelope.Error.Code)

	// Abort the process; the session loses its owner.
	status, envelope = f.do(t, "POST", "/processes/"+processID+"/abort", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, dataMap(t, envelope)["aborted"])
	require.Eventually(t, func() bool {
		return f.supervisor.GetProcessForSession(sessionID) == nil
	}, time.Second, 5*time.Millisecond)

	// Session-scoped operations now 404.
	status, envelope = f.do(t, "POST", "/sessions/"+sessionID+"/messages",
		map[string]string{"message": "late"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, handlers.ErrNotFound, envelope.Error.Code)
}

func TestSessionGetFromTranscript(t *testing.T) {
	f := newFixture(t)

	path := filepath.Join(f.sessionDir, "s-disk.jsonl")
	lines := `{"uuid":"m1","type":"user","timestamp":"2026-03-01T10:00:00Z","message":{"role":"user","content":[{"type":"text","text":"from disk"}]}}
{"uuid":"m2","type":"assistant","timestamp":"2026-03-01T10:00:01Z","parentUuid":"m1"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))

	status, envelope := f.do(t, "GET", "/projects/"+f.projectID+"/sessions/s-disk", nil)
	require.Equal(t, http.StatusOK, status)
	data := dataMap(t, envelope)
	assert.Equal(t, float64(2), data["messageCount"])
	msgs := data["messages"].([]interface{})
	assert.Len(t, msgs, 2)

	// Incremental query.
	status, envelope = f.do(t, "GET", "/projects/"+f.projectID+"/sessions/s-disk?afterMessageId=m1", nil)
	require.Equal(t, http.StatusOK, status)
	msgs = dataMap(t, envelope)["messages"].([]interface{})
	require.Len(t, msgs, 1)

	// Unknown session.
	status, envelope = f.do(t, "GET", "/projects/"+f.projectID+"/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, handlers.ErrNotFound, envelope.Error.Code)
}

func TestMetadataRoundTripAndArchiveConflict(t *testing.T) {
	f := newFixture(t)

	path := filepath.Join(f.sessionDir, "s-meta.jsonl")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"uuid":"m1","type":"user","timestamp":"2026-03-01T10:00:00Z","message":{"role":"user","content":[{"type":"text","text":"title me"}]}}`+"\n"), 0644))

	status, envelope := f.do(t, "PUT", "/sessions/s-meta/metadata",
		map[string]interface{}{"customTitle": "renamed", "isStarred": true})
	require.Equal(t, http.StatusOK, status)
	data := dataMap(t, envelope)
	assert.Equal(t, "renamed", data["customTitle"])
	assert.Equal(t, true, data["isStarred"])

	status, envelope = f.do(t, "GET", "/sessions/s-meta/metadata", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "renamed", dataMap(t, envelope)["customTitle"])

	// Archive once, then again: conflict.
	status, _ = f.do(t, "PUT", "/sessions/s-meta/metadata", map[string]bool{"isArchived": true})
	require.Equal(t, http.StatusOK, status)
	status, envelope = f.do(t, "PUT", "/sessions/s-meta/metadata", map[string]bool{"isArchived": true})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, handlers.ErrAlreadyArchived, envelope.Error.Code)
}

func TestGlobalSessionListAndInbox(t *testing.T) {
	f := newFixture(t)

	// Two sessions on disk, one starred.
	for _, s := range []struct{ id, text string }{
		{"s-a", "build the relay"},
		{"s-b", "fix the watcher"},
	} {
		path := filepath.Join(f.sessionDir, s.id+".jsonl")
		line := `{"uuid":"m1","type":"user","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `","message":{"role":"user","content":[{"type":"text","text":"` + s.text + `"}]}}` + "\n"
		require.NoError(t, os.WriteFile(path, []byte(line), 0644))
		_, err := f.index.Refresh(s.id, f.projectID)
		require.NoError(t, err)
	}
	require.NoError(t, f.store.Put("s-a", metadata.Metadata{IsStarred: true}))
	_, err := f.index.Refresh("s-a", f.projectID)
	require.NoError(t, err)

	status, envelope := f.do(t, "GET", "/sessions?starred=true", nil)
	require.Equal(t, http.StatusOK, status)
	list := envelope.Data.([]interface{})
	require.Len(t, list, 1)

	status, envelope = f.do(t, "GET", "/sessions?q=watcher", nil)
	require.Equal(t, http.StatusOK, status)
	list = envelope.Data.([]interface{})
	require.Len(t, list, 1)

	// Inbox: both sessions are recent and unread.
	status, envelope = f.do(t, "GET", "/inbox", nil)
	require.Equal(t, http.StatusOK, status)
	inbox := dataMap(t, envelope)
	assert.Len(t, inbox["recentActivity"], 2)
	assert.Len(t, inbox["unread8h"], 2)
}

func TestInterruptUnknownProcess(t *testing.T) {
	f := newFixture(t)
	status, envelope := f.do(t, "POST", "/processes/nope/interrupt", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, handlers.ErrNotFound, envelope.Error.Code)
}
