package storyctl

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oudwins/storyd/internals/auth"
	"github.com/Oudwins/storyd/internals/conf"
	"github.com/Oudwins/storyd/internals/env"
	"github.com/Oudwins/storyd/internals/notify"
	"github.com/Oudwins/storyd/internals/schemas"
	"github.com/Oudwins/storyd/internals/testutil"
	"github.com/Oudwins/storyd/storyd/core"
	"github.com/Oudwins/storyd/storyd/server"
	"github.com/Oudwins/storyd/tui"
)

type fixture struct {
	t       *testing.T
	baseURL string
	base    *core.BaseServer
	dataDir string
}

func startTestServer(t *testing.T) *fixture {
	t.Helper()
	config, err := conf.Parse(map[string]any{
		"server": map[string]any{"data_dir": t.TempDir()},
		"store":  map[string]any{"backend": "memory"},
		"queue":  map[string]any{"backend": "memory"},
	})
	require.NoError(t, err)

	base, err := core.Open(context.Background(), core.Options{
		Config: config,
		Env:    &env.EnvStruct{JWT_SECRET: "0123456789abcdef0123456789abcdef"},
		Logger: testutil.DiscardLogger(),
	})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.New(base).Run(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = base.Close()
	})

	return &fixture{
		t:       t,
		baseURL: "http://" + listener.Addr().String(),
		base:    base,
		dataDir: t.TempDir(),
	}
}

func (f *fixture) login(owner string) {
	f.t.Helper()
	token, _, err := f.base.Tokens.Issue(owner)
	require.NoError(f.t, err)
	_, err = f.run("login", "--token", token, "--server", f.baseURL)
	require.NoError(f.t, err)
}

func (f *fixture) run(args ...string) (string, error) {
	f.t.Helper()
	var stdout bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--data-dir", f.dataDir, "--no-start"}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCommandsRequireLogin(t *testing.T) {
	f := startTestServer(t)
	_, err := f.run("tasks", "--server", f.baseURL)
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestLoginStoresCredentials(t *testing.T) {
	f := startTestServer(t)
	f.login("alice")

	creds, ok, err := auth.ReadCredentials(f.dataDir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.baseURL, creds.ServerURL)

	_, err = f.run("logout")
	require.NoError(t, err)
	_, ok, err = auth.ReadCredentials(f.dataDir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRejectedTokenExplainsLogin(t *testing.T) {
	f := startTestServer(t)
	_, err := f.run("tasks", "--server", f.baseURL, "--token", "not-a-token")
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestUnreachableServer(t *testing.T) {
	f := startTestServer(t)
	_, err := f.run("tasks", "--server", "http://127.0.0.1:1", "--token", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestTaskLifecycle(t *testing.T) {
	f := startTestServer(t)
	f.login("alice")

	out, err := f.run("workflows")
	require.NoError(t, err)
	assert.Contains(t, out, "story:")
	assert.Contains(t, out, "video:")

	out, err = f.run("new", "--topic", "a fox learns to fly", "--role", "fox")
	require.NoError(t, err)
	taskID := strings.TrimSpace(out)
	require.NotEmpty(t, taskID)

	out, err = f.run("tasks")
	require.NoError(t, err)
	assert.Equal(t, taskID, strings.TrimSpace(out))

	out, err = f.run("exec", taskID, "1", "--wait", "--wait-timeout", "10s")
	require.NoError(t, err)
	assert.Contains(t, out, "Execution queued")
	assert.Contains(t, out, "segment_finished")
	assert.Contains(t, out, taskID+"/script_data.json")

	out, err = f.run("progress", taskID)
	require.NoError(t, err)
	assert.Contains(t, out, "segment: 1/5")
	assert.Contains(t, out, "[x] 1 ")

	out, err = f.run("resources", taskID, "1")
	require.NoError(t, err)
	resource := strings.TrimSpace(out)
	assert.Equal(t, taskID+"/script_data.json", resource)

	out, err = f.run("download", resource, "-o", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "a fox learns to fly")

	dest := filepath.Join(t.TempDir(), "script.json")
	out, err = f.run("download", resource, "-o", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "saved")
	assert.FileExists(t, dest)

	_, err = f.run("exec", taskID, "3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out_of_order")

	out, err = f.run("delete", taskID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+taskID)

	_, err = f.run("progress", taskID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestNewRequiresTopicWithoutTerminal(t *testing.T) {
	f := startTestServer(t)
	f.login("alice")
	_, err := f.run("new")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--topic")
}

func TestDownloadFailureRemovesPartialFile(t *testing.T) {
	f := startTestServer(t)
	f.login("alice")
	dest := filepath.Join(t.TempDir(), "missing.png")
	_, err := f.run("download", "nope/image/p1.png", "-o", dest)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWatchPlainStopsWhenSettled(t *testing.T) {
	events := make(chan schemas.Event, 3)
	events <- schemas.Event{Type: notify.EventSegmentFinished, TaskID: "other", SegmentID: 1, Status: "pending"}
	events <- schemas.Event{Type: notify.EventSegmentFinished, TaskID: "t1", SegmentID: 4, Status: "pending"}
	events <- schemas.Event{Type: notify.EventSegmentFinished, TaskID: "t1", SegmentID: 5, Status: "completed"}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := watchPlain(ctx, &out, events, tui.WatchOptions{TaskID: "t1", UntilDone: true}, func() error { return nil })
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "status=completed")
}

func TestIsLocal(t *testing.T) {
	assert.True(t, isLocal("http://localhost:57880"))
	assert.True(t, isLocal("http://127.0.0.1:9"))
	assert.False(t, isLocal("https://stories.example.com"))
	assert.False(t, isLocal("::not a url"))
}
