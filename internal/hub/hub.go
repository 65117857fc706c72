// Package hub provides connection management and event fan-out for
// WebSocket subscribers.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nickpending/argus/internal/auth"
	"github.com/nickpending/argus/internal/domain"
	"github.com/nickpending/argus/internal/metrics"
	"github.com/nickpending/argus/internal/protocol"
)

// DefaultQueueSize bounds each connection's outbound queue.
const DefaultQueueSize = 256

var (
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrClosed is returned when sending to an unregistered connection.
	ErrClosed = errors.New("connection closed")
	// ErrNotAuthenticated is returned for operations that need auth first.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// State is a connection's position in the auth/subscribe state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unauthenticated"
	}
}

// Connection represents a single WebSocket connection.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	// mu guards state and matcher. Fan-out only takes the read side.
	mu      sync.RWMutex
	state   State
	matcher *domain.Matcher

	// closed is set under the hub write lock when Send is closed.
	closed   bool
	dropping atomic.Bool
	writeMu  sync.Mutex
}

// State returns the connection state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Filter returns the active filter.
func (c *Connection) Filter() domain.Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.matcher == nil {
		return domain.Filter{}
	}
	return c.matcher.Filter()
}

func (c *Connection) matchEvent(e *domain.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != StateUnauthenticated && c.matcher.Match(e)
}

func (c *Connection) matchChange(ch *domain.Change) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != StateUnauthenticated && c.matcher.MatchChange(ch)
}

// WriteMessage writes a message to the connection with proper locking.
// The write deadline is set under the same lock, timeout from now; zero
// leaves it unchanged.
func (c *Connection) WriteMessage(messageType int, data []byte, timeout time.Duration) error {
	if c.Conn == nil {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return c.Conn.WriteMessage(messageType, data)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// Options configures a Hub.
type Options struct {
	Keys      auth.Keys
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Hub manages all WebSocket connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection
	mu          sync.RWMutex

	keys      auth.Keys
	queueSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		keys:        opts.Keys,
		queueSize:   opts.QueueSize,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// NewConnection creates a new unauthenticated connection. It receives
// nothing until registered and authenticated.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:      uuid.New().String(),
		Conn:    ws,
		Send:    make(chan []byte, h.queueSize),
		matcher: domain.MatchAll,
	}
}

// Register adds a connection to fan-out.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	n := len(h.connections)
	h.mu.Unlock()

	h.metrics.SetConnections(n)
	h.logger.Debug("connection registered", "conn_id", conn.ID)
}

// Unregister removes a connection and closes its queue. It is safe to call
// more than once. Once it returns no publish will target the connection.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	_, ok := h.connections[conn.ID]
	if ok {
		delete(h.connections, conn.ID)
	}
	if !conn.closed {
		conn.closed = true
		close(conn.Send)
	}
	n := len(h.connections)
	h.mu.Unlock()

	if ok {
		h.metrics.SetConnections(n)
		h.logger.Debug("connection unregistered", "conn_id", conn.ID)
	}
}

// Authenticate checks apiKey and moves the connection to the authenticated
// state with an empty filter.
func (h *Hub) Authenticate(conn *Connection, apiKey string) error {
	if !h.keys.Valid(apiKey) {
		return domain.ErrUnauthorized
	}
	conn.mu.Lock()
	conn.state = StateAuthenticated
	conn.matcher = domain.MatchAll
	conn.mu.Unlock()
	return nil
}

// Subscribe replaces the connection's filter. On error the previous filter
// stays active and is returned alongside the error.
func (h *Hub) Subscribe(conn *Connection, f domain.Filter) (domain.Filter, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.state == StateUnauthenticated {
		return domain.Filter{}, ErrNotAuthenticated
	}
	m, err := f.Compile()
	if err != nil {
		return conn.matcher.Filter(), err
	}
	conn.matcher = m
	conn.state = StateSubscribed
	return f, nil
}

// Send enqueues data for a single connection without blocking.
func (h *Hub) Send(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn.closed {
		return ErrClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSON marshals v and enqueues it for a single connection.
func (h *Hub) SendJSON(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.Send(conn, data)
}

// PublishEvent pushes e to every authenticated connection whose filter
// matches and returns the number of connections it was queued for.
func (h *Hub) PublishEvent(e *domain.Event) int {
	data, err := json.Marshal(protocol.NewEvent(e))
	if err != nil {
		h.logger.Error("failed to encode event", "event_id", e.ID, "error", err)
		return 0
	}

	delivered := 0
	h.mu.RLock()
	for _, conn := range h.connections {
		if !conn.matchEvent(e) {
			continue
		}
		if h.enqueue(conn, data) {
			delivered++
		}
	}
	h.mu.RUnlock()

	h.metrics.AddDeliveries(delivered)
	return delivered
}

// PublishLifecycle pushes each change to authenticated connections whose
// session and agent scope covers it.
func (h *Hub) PublishLifecycle(changes []domain.Change) {
	for i := range changes {
		c := &changes[i]
		data, err := json.Marshal(protocol.NewLifecycle(c))
		if err != nil {
			h.logger.Error("failed to encode lifecycle change", "kind", c.Kind, "error", err)
			continue
		}

		delivered := 0
		h.mu.RLock()
		for _, conn := range h.connections {
			if !conn.matchChange(c) {
				continue
			}
			if h.enqueue(conn, data) {
				delivered++
			}
		}
		h.mu.RUnlock()

		h.metrics.AddLifecycle(string(c.Kind), delivered)
	}
}

// enqueue must be called with h.mu held for reading.
func (h *Hub) enqueue(conn *Connection, data []byte) bool {
	select {
	case conn.Send <- data:
		return true
	default:
		// Buffer full, drop the connection. The client reconnects and
		// fetches what it missed from history.
		if conn.dropping.CompareAndSwap(false, true) {
			h.logger.Warn("connection buffer full, closing", "conn_id", conn.ID)
			h.metrics.IncDropped(metrics.DropQueueFull)
			go h.Drop(conn)
		}
		return false
	}
}

// Drop unregisters a connection and closes its socket.
func (h *Hub) Drop(conn *Connection) {
	h.Unregister(conn)
	conn.Close()
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close drops every registered connection. Used on shutdown, since the
// HTTP server does not track hijacked sockets.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.Drop(conn)
	}
}
