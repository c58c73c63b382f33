package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-voice/backend/internal/platform"
)

type collector struct {
	mu     sync.Mutex
	events []platform.PresenceEvent
}

func (c *collector) handle(_ context.Context, ev platform.PresenceEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []platform.PresenceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.PresenceEvent(nil), c.events...)
}

func envelope(t *testing.T, ev platform.PresenceEvent) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	raw, err := json.Marshal(Message{Event: EventPresence, Data: data})
	require.NoError(t, err)
	return raw
}

func TestDecode(t *testing.T) {
	ev, ok := decode(envelope(t, platform.PresenceEvent{UserID: "u1", Before: "S"}))
	require.True(t, ok)
	assert.Equal(t, platform.EventLeave, ev.Kind)

	_, ok = decode([]byte(`{"event":"typing","data":{"user_id":"u1"}}`))
	assert.False(t, ok)
	_, ok = decode([]byte(`{"event":"presence","data":{}}`))
	assert.False(t, ok)
	_, ok = decode([]byte(`garbage`))
	assert.False(t, ok)
}

func TestDispatcherKeepsPerUserOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]string)
	d := NewDispatcher(func(_ context.Context, ev platform.PresenceEvent) error {
		mu.Lock()
		seen[ev.UserID] = append(seen[ev.UserID], ev.After)
		mu.Unlock()
		return nil
	}, 4, 8, nil)
	d.Start(context.Background())

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		for _, u := range []string{"a", "b", "c"} {
			require.NoError(t, d.Submit(ctx, platform.PresenceEvent{UserID: u, After: fmt.Sprint(i)}))
		}
	}
	d.Stop()

	for _, u := range []string{"a", "b", "c"} {
		require.Len(t, seen[u], 50)
		for i, after := range seen[u] {
			assert.Equal(t, fmt.Sprint(i), after)
		}
	}
	assert.ErrorIs(t, d.Submit(ctx, platform.PresenceEvent{UserID: "a"}), ErrStopped)
}

func TestDispatcherSurvivesHandlerErrors(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(func(context.Context, platform.PresenceEvent) error {
		calls.Add(1)
		return errors.New("platform down")
	}, 1, 1, nil)
	d.Start(context.Background())
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit(context.Background(), platform.PresenceEvent{UserID: "u"}))
	}
	d.Stop()
	assert.Equal(t, int32(3), calls.Load())
}

func TestRedisSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := NewRedisSource(client, "", nil)
	col := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, col.handle) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Publish(ctx, DefaultChannel, "not json").Err())
	require.NoError(t, src.Publish(ctx, platform.PresenceEvent{UserID: "u1", After: "S", Muted: true}))
	require.NoError(t, src.Publish(ctx, platform.PresenceEvent{UserID: "u1", Before: "S"}))

	require.Eventually(t, func() bool { return len(col.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	events := col.snapshot()
	assert.Equal(t, platform.EventEnter, events[0].Kind)
	assert.True(t, events[0].Muted)
	assert.Equal(t, platform.EventLeave, events[1].Kind)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWSSourceReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		ev := platform.PresenceEvent{UserID: fmt.Sprintf("u%d", n), After: "S"}
		data, _ := json.Marshal(ev)
		raw, _ := json.Marshal(Message{Event: EventPresence, Data: data})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"heartbeat_ack"}`))
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		// Drop the connection to force a reconnect.
		_ = conn.Close()
	}))
	defer srv.Close()

	src := NewWSSource("ws"+strings.TrimPrefix(srv.URL, "http"), "bot-token", nil)
	src.MinBackoff = 10 * time.Millisecond
	src.MaxBackoff = 20 * time.Millisecond

	col := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, col.handle) }()

	require.Eventually(t, func() bool { return len(col.snapshot()) >= 2 }, 3*time.Second, 10*time.Millisecond)
	events := col.snapshot()
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, "u2", events[1].UserID)
	assert.Equal(t, "Bot bot-token", auth.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
