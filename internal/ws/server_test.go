package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickpending/argus/internal/auth"
	"github.com/nickpending/argus/internal/config"
	"github.com/nickpending/argus/internal/domain"
	"github.com/nickpending/argus/internal/hub"
)

const testKey = "test-key-1"

func testConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		PingInterval:      time.Second,
		WriteTimeout:      time.Second,
		ReadTimeout:       5 * time.Second,
		MaxMessageSize:    65536,
		QueueSize:         16,
		MessagesPerSecond: 100,
		MessageBurst:      100,
	}
}

func startServer(t *testing.T, cfg config.WebSocketConfig) (*hub.Hub, string) {
	t.Helper()
	h := hub.NewHub(hub.Options{Keys: auth.NewKeys([]string{testKey}), QueueSize: cfg.QueueSize})
	s := NewServer(cfg, h, nil, nil)

	e := echo.New()
	e.GET("/ws", s.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := c.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func authenticate(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.WriteJSON(map[string]any{"type": "auth", "api_key": testKey}))
	msg := readJSON(t, c)
	require.Equal(t, "auth_result", msg["type"])
	require.Equal(t, "success", msg["status"])
}

func TestLevelSubscriptionReceivesOnlyMatches(t *testing.T) {
	h, url := startServer(t, testConfig())
	c := dial(t, url)
	authenticate(t, c)

	require.NoError(t, c.WriteJSON(map[string]any{
		"type":    "subscribe",
		"filters": map[string]any{"levels": []string{"error"}},
	}))
	res := readJSON(t, c)
	assert.Equal(t, "subscribe_result", res["type"])
	assert.Equal(t, "success", res["status"])
	active := res["active_filters"].(map[string]any)
	assert.Equal(t, []any{"error"}, active["levels"])

	h.PublishEvent(&domain.Event{ID: 1, Source: "app", EventType: "tool", Level: domain.LevelInfo, Message: "info"})
	h.PublishEvent(&domain.Event{ID: 2, Source: "app", EventType: "tool", Level: domain.LevelError, Message: "boom"})

	msg := readJSON(t, c)
	assert.Equal(t, "event", msg["type"])
	event := msg["event"].(map[string]any)
	assert.Equal(t, float64(2), event["id"])

	// Nothing else is pending.
	c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)
}

func TestAuthFailureClosesWithPolicyViolation(t *testing.T) {
	h, url := startServer(t, testConfig())
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(map[string]any{"type": "auth", "api_key": "wrong-key-999"}))
	msg := readJSON(t, c)
	assert.Equal(t, "auth_result", msg["type"])
	assert.Equal(t, "error", msg["status"])
	assert.Equal(t, "invalid api key", msg["message"])

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	assert.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestAuthFailureWhilePinging(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = time.Millisecond
	_, url := startServer(t, cfg)

	for i := 0; i < 10; i++ {
		c := dial(t, url)
		time.Sleep(5 * time.Millisecond)

		require.NoError(t, c.WriteJSON(map[string]any{"type": "auth", "api_key": "wrong-key-999"}))
		msg := readJSON(t, c)
		assert.Equal(t, "auth_result", msg["type"])
		assert.Equal(t, "error", msg["status"])

		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	}
}

func TestMissingAPIKeyRejected(t *testing.T) {
	_, url := startServer(t, testConfig())
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(map[string]any{"type": "auth"}))
	msg := readJSON(t, c)
	assert.Equal(t, "error", msg["status"])
	assert.Contains(t, strings.ToLower(msg["message"].(string)), "api key required")
}

func TestSubscribeBeforeAuth(t *testing.T) {
	h, url := startServer(t, testConfig())
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(map[string]any{"type": "subscribe", "filters": map[string]any{}}))
	msg := readJSON(t, c)
	assert.Equal(t, "error", msg["type"])

	h.PublishEvent(&domain.Event{ID: 1, Source: "app", EventType: "tool"})
	c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := c.ReadMessage()
	assert.Error(t, err, "unauthenticated connections receive no events")
}

func TestInvalidFilterKeepsPrevious(t *testing.T) {
	_, url := startServer(t, testConfig())
	c := dial(t, url)
	authenticate(t, c)

	require.NoError(t, c.WriteJSON(map[string]any{"type": "subscribe", "filters": map[string]any{"source": "app-a"}}))
	readJSON(t, c)

	require.NoError(t, c.WriteJSON(map[string]any{
		"type":    "subscribe",
		"filters": map[string]any{"time_since": "2024-01-02T00:00:00Z", "time_until": "2024-01-01T00:00:00Z"},
	}))
	res := readJSON(t, c)
	assert.Equal(t, "subscribe_result", res["type"])
	assert.Equal(t, "error", res["status"])
	assert.NotEmpty(t, res["message"])
	active := res["active_filters"].(map[string]any)
	assert.Equal(t, "app-a", active["source"])
}

func TestPingPongAndUnknownType(t *testing.T) {
	_, url := startServer(t, testConfig())
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, c)["type"])

	require.NoError(t, c.WriteJSON(map[string]any{"type": "shout"}))
	msg := readJSON(t, c)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "unknown message type")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "error", readJSON(t, c)["type"])
}

func TestInboundRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.MessageBurst = 1
	_, url := startServer(t, cfg)
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, c)["type"])

	require.NoError(t, c.WriteJSON(map[string]any{"type": "ping"}))
	msg := readJSON(t, c)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "rate limit exceeded", msg["message"])
}
