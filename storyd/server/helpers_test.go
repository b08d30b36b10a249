package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Oudwins/storyd/internals/conf"
	"github.com/Oudwins/storyd/internals/env"
	"github.com/Oudwins/storyd/internals/executor"
	"github.com/Oudwins/storyd/internals/notify"
	"github.com/Oudwins/storyd/internals/schemas"
	"github.com/Oudwins/storyd/internals/testutil"
	"github.com/Oudwins/storyd/storyd/core"
)

// heldExecutor runs the placeholder executor, optionally parking every
// execution until released.
type heldExecutor struct {
	mu      sync.Mutex
	held    bool
	release chan struct{}
	next    executor.Placeholder
}

func (e *heldExecutor) Execute(ctx context.Context, job executor.Job) ([]string, error) {
	e.mu.Lock()
	held, release := e.held, e.release
	e.mu.Unlock()
	if held {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.next.Execute(ctx, job)
}

func (e *heldExecutor) Hold() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.held = true
	e.release = make(chan struct{})
}

func (e *heldExecutor) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held {
		e.held = false
		close(e.release)
	}
}

type harness struct {
	t      *testing.T
	base   *core.BaseServer
	server *Server
	http   *httptest.Server
	exec   *heldExecutor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	config, err := conf.Parse(map[string]any{
		"server": map[string]any{"data_dir": t.TempDir()},
		"store":  map[string]any{"backend": "memory"},
		"queue":  map[string]any{"backend": "memory"},
	})
	require.NoError(t, err)

	exec := &heldExecutor{}
	base, err := core.Open(context.Background(), core.Options{
		Config:   config,
		Env:      &env.EnvStruct{JWT_SECRET: "0123456789abcdef0123456789abcdef"},
		Logger:   testutil.DiscardLogger(),
		Executor: exec,
	})
	require.NoError(t, err)

	s := New(base)
	srv := httptest.NewServer(s.Router())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = base.NewConsumer().Run(ctx)
	}()

	t.Cleanup(func() {
		exec.Release()
		srv.Close()
		cancel()
		<-done
		_ = base.Close()
	})
	return &harness{t: t, base: base, server: s, http: srv, exec: exec}
}

func (h *harness) token(owner string) string {
	h.t.Helper()
	token, _, err := h.base.Tokens.Issue(owner)
	require.NoError(h.t, err)
	return token
}

// do sends a request as owner (anonymous when owner is empty) and decodes a
// JSON response into out when out is not nil.
func (h *harness) do(method string, path string, owner string, body any, out any) *http.Response {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(h.t, err)
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(owner))
	}
	resp, err := h.http.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	if out != nil {
		require.NoError(h.t, json.Unmarshal(data, out), "body: %s", data)
	}
	resp.Body = io.NopCloser(strings.NewReader(string(data)))
	return resp
}

func (h *harness) createTask(owner string, workflowName string) string {
	h.t.Helper()
	var created schemas.TaskCreateResponse
	resp := h.do(http.MethodPost, "/task/new", owner, schemas.TaskCreateRequest{Topic: "a fox learns to fly", Workflow: workflowName}, &created)
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(h.t, created.TaskID)
	return created.TaskID
}

func (h *harness) progress(owner string, taskID string) schemas.ProgressResponse {
	h.t.Helper()
	var progress schemas.ProgressResponse
	resp := h.do(http.MethodGet, "/task/"+taskID+"/progress", owner, nil, &progress)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	return progress
}

func (h *harness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws" + query
}

// dial connects a gateway client and waits until its subscription is live.
func (h *harness) dial(owner string) *websocket.Conn {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("?token="+h.token(owner)), nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })

	require.NoError(h.t, conn.WriteJSON(schemas.ClientMessage{Type: schemas.MessagePing}))
	var pong schemas.ClientMessage
	require.NoError(h.t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(h.t, conn.ReadJSON(&pong))
	require.Equal(h.t, schemas.MessagePong, pong.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) notify.Event {
	t.Helper()
	var event notify.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	return event
}
