package hub

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickpending/argus/internal/auth"
	"github.com/nickpending/argus/internal/domain"
	"github.com/nickpending/argus/internal/protocol"
)

const testKey = "test-key-1"

func newTestHub(queueSize int) *Hub {
	return NewHub(Options{
		Keys:      auth.NewKeys([]string{testKey}),
		QueueSize: queueSize,
	})
}

func connect(t *testing.T, h *Hub) *Connection {
	t.Helper()
	conn := h.NewConnection(nil)
	h.Register(conn)
	if err := h.Authenticate(conn, testKey); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	return conn
}

func drain(conn *Connection) []map[string]any {
	var out []map[string]any
	for {
		select {
		case data, ok := <-conn.Send:
			if !ok {
				return out
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func TestHubLevelFilterDelivery(t *testing.T) {
	h := newTestHub(16)
	conn := connect(t, h)

	active, err := h.Subscribe(conn, domain.Filter{Levels: domain.StringList{"error"}})
	require.NoError(t, err)
	assert.Equal(t, domain.StringList{"error"}, active.Levels)
	assert.Equal(t, StateSubscribed, conn.State())

	assert.Equal(t, 0, h.PublishEvent(&domain.Event{ID: 1, Source: "app", EventType: "tool", Level: domain.LevelInfo}))
	assert.Empty(t, drain(conn))

	assert.Equal(t, 1, h.PublishEvent(&domain.Event{ID: 2, Source: "app", EventType: "tool", Level: domain.LevelError}))
	msgs := drain(conn)
	require.Len(t, msgs, 1)
	assert.Equal(t, "event", msgs[0]["type"])
	event := msgs[0]["event"].(map[string]any)
	assert.Equal(t, float64(2), event["id"])
}

func TestHubUnauthenticatedReceivesNothing(t *testing.T) {
	h := newTestHub(16)
	conn := h.NewConnection(nil)
	h.Register(conn)

	assert.Equal(t, 0, h.PublishEvent(&domain.Event{ID: 1, Source: "app", EventType: "tool"}))
	h.PublishLifecycle([]domain.Change{{Kind: domain.LifecycleSessionStarted, Session: &domain.Session{ID: "s"}}})
	assert.Empty(t, drain(conn))

	_, err := h.Subscribe(conn, domain.Filter{})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, StateUnauthenticated, conn.State())
}

func TestHubAuthenticateRejectsBadKey(t *testing.T) {
	h := newTestHub(16)
	conn := h.NewConnection(nil)
	h.Register(conn)

	err := h.Authenticate(conn, "wrong-key-999")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, StateUnauthenticated, conn.State())
}

func TestHubInvalidFilterKeepsPrevious(t *testing.T) {
	h := newTestHub(16)
	conn := connect(t, h)

	_, err := h.Subscribe(conn, domain.Filter{Source: "app-a"})
	require.NoError(t, err)

	active, err := h.Subscribe(conn, domain.Filter{Levels: domain.StringList{"fatal"}})
	var ferr *domain.FilterError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "app-a", active.Source)
	assert.Equal(t, "app-a", conn.Filter().Source)

	assert.Equal(t, 1, h.PublishEvent(&domain.Event{ID: 1, Source: "app-a", EventType: "tool"}))
	assert.Equal(t, 0, h.PublishEvent(&domain.Event{ID: 2, Source: "app-b", EventType: "tool"}))
}

func TestHubLifecycleScopedBySession(t *testing.T) {
	h := newTestHub(16)
	scoped := connect(t, h)
	all := connect(t, h)

	_, err := h.Subscribe(scoped, domain.Filter{SessionID: "s1", Levels: domain.StringList{"error"}})
	require.NoError(t, err)

	h.PublishLifecycle([]domain.Change{
		{Kind: domain.LifecycleSessionStarted, EventID: 1, Session: &domain.Session{ID: "s1"}},
		{Kind: domain.LifecycleAgentStarted, EventID: 2, Agent: &domain.Agent{ID: "a1", SessionID: "s2"}},
	})

	scopedMsgs := drain(scoped)
	require.Len(t, scopedMsgs, 1)
	assert.Equal(t, string(domain.LifecycleSessionStarted), scopedMsgs[0]["type"])
	payload := scopedMsgs[0]["payload"].(map[string]any)
	assert.Equal(t, float64(1), payload["event_id"])

	assert.Len(t, drain(all), 2)
}

func TestHubSlowConsumerDropped(t *testing.T) {
	h := newTestHub(2)
	slow := connect(t, h)
	fast := connect(t, h)

	for i := int64(1); i <= 5; i++ {
		start := time.Now()
		h.PublishEvent(&domain.Event{ID: i, Source: "app", EventType: "tool"})
		assert.Less(t, time.Since(start), 100*time.Millisecond, "publish must not block")

		msgs := drain(fast)
		require.Len(t, msgs, 1, "fast consumer gets every event")
	}

	assert.Eventually(t, func() bool {
		return h.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)

	// The slow connection's queue is closed after being dropped.
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-slow.Send:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.Send(slow, []byte(`{}`)), ErrClosed)
}

func TestHubUnregisterIdempotent(t *testing.T) {
	h := newTestHub(16)
	conn := connect(t, h)

	h.Unregister(conn)
	h.Unregister(conn)

	assert.Equal(t, 0, h.ConnectionCount())
	assert.Equal(t, 0, h.PublishEvent(&domain.Event{ID: 1, Source: "app", EventType: "tool"}))
	assert.ErrorIs(t, h.SendJSON(conn, protocol.NewError("x")), ErrClosed)
}

func TestHubCloseDropsAll(t *testing.T) {
	h := NewHub(Options{})
	a := h.NewConnection(nil)
	b := h.NewConnection(nil)
	h.Register(a)
	h.Register(b)

	h.Close()

	if n := h.ConnectionCount(); n != 0 {
		t.Fatalf("Expected 0 connections after close, got %d", n)
	}
	if _, ok := <-a.Send; ok {
		t.Fatalf("Expected send queue to be closed")
	}
}

func TestWriteMessageWithoutSocket(t *testing.T) {
	h := NewHub(Options{})
	conn := h.NewConnection(nil)

	if err := conn.WriteMessage(1, []byte("x"), time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}
