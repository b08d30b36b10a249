package redisbroker

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oudwins/storyd/internals/notify"
	"github.com/Oudwins/storyd/internals/testutil"
)

func TestDecode(t *testing.T) {
	event, err := Decode(`{"type":"segment_failed","task_id":"t1","segment_id":2,"status":"failed","error":"boom"}`)
	require.NoError(t, err)
	assert.Equal(t, notify.Event{Type: notify.EventSegmentFailed, TaskID: "t1", SegmentID: 2, Status: "failed", Error: "boom"}, event)

	_, err = Decode(`{"segment_id":2}`)
	assert.Error(t, err)
	_, err = Decode(`not json`)
	assert.Error(t, err)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{URL: "://bad"})
	assert.Error(t, err)
}

// lockedBuffer collects log output written from the forwarding goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestBroker(t *testing.T, cfg Config) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	cfg.URL = "redis://" + server.Addr()
	if cfg.Logger == nil {
		cfg.Logger = testutil.DiscardLogger()
	}
	broker, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	return broker, server
}

func TestNewFailsWhenServerIsDown(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, err := New(context.Background(), Config{URL: "redis://" + addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx := context.Background()
	broker, _ := newTestBroker(t, Config{})
	assert.Equal(t, "owner:owner-1", broker.Channel("owner-1"))

	sub, err := broker.Subscribe(ctx, "owner-1")
	require.NoError(t, err)
	other, err := broker.Subscribe(ctx, "owner-2")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	event := notify.Event{Type: notify.EventSegmentFinished, TaskID: "t1", SegmentID: 1, Status: "pending", Resources: []string{"t1/script_data.json"}}
	require.NoError(t, broker.Publish(ctx, "owner-1", event))

	select {
	case got := <-sub.Events():
		assert.Equal(t, event, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case got := <-other.Events():
		t.Fatalf("other owner received %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestChannelPrefix(t *testing.T) {
	ctx := context.Background()
	broker, server := newTestBroker(t, Config{ChannelPrefix: "storyd:"})
	sub, err := broker.Subscribe(ctx, "owner-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	assert.Equal(t, []string{"storyd:owner-1"}, server.PubSubChannels(""))
}

func TestMalformedEventIsSkipped(t *testing.T) {
	ctx := context.Background()
	broker, server := newTestBroker(t, Config{})
	sub, err := broker.Subscribe(ctx, "owner-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	server.Publish(broker.Channel("owner-1"), "not json")
	event := notify.Event{Type: notify.EventSegmentFailed, TaskID: "t1", SegmentID: 2, Status: "failed", Error: "boom"}
	require.NoError(t, broker.Publish(ctx, "owner-1", event))

	select {
	case got := <-sub.Events():
		assert.Equal(t, event, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	ctx := context.Background()
	logs := &lockedBuffer{}
	broker, _ := newTestBroker(t, Config{
		Buffer: 1,
		Logger: slog.New(slog.NewJSONHandler(logs, nil)),
	})
	sub, err := broker.Subscribe(ctx, "owner-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	for segment := 1; segment <= 3; segment++ {
		require.NoError(t, broker.Publish(ctx, "owner-1", notify.Event{Type: notify.EventSegmentFinished, TaskID: "t1", SegmentID: segment, Status: "pending"}))
	}
	require.Eventually(t, func() bool {
		return strings.Count(logs.String(), "Dropped event for slow subscriber") == 2
	}, 2*time.Second, 10*time.Millisecond)

	got := <-sub.Events()
	assert.Equal(t, 1, got.SegmentID)
	select {
	case extra := <-sub.Events():
		t.Fatalf("expected dropped events, received %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseEndsSubscriptionAndClient(t *testing.T) {
	ctx := context.Background()
	broker, _ := newTestBroker(t, Config{})
	sub, err := broker.Subscribe(ctx, "owner-1")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed")
	}

	require.NoError(t, broker.Close())
	assert.Error(t, broker.Publish(ctx, "owner-1", notify.Event{Type: notify.EventSegmentFinished, TaskID: "t1", SegmentID: 1}))
	_, err = broker.Subscribe(ctx, "owner-1")
	assert.Error(t, err)
}

func TestSharedClientIsNotClosed(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	broker, err := New(context.Background(), Config{Client: client, Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	require.NoError(t, broker.Close())
	assert.NoError(t, client.Ping(context.Background()).Err())
}
