// Package ws provides the WebSocket endpoint subscribers connect to.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/nickpending/argus/internal/config"
	"github.com/nickpending/argus/internal/domain"
	"github.com/nickpending/argus/internal/hub"
	"github.com/nickpending/argus/internal/metrics"
	"github.com/nickpending/argus/internal/protocol"
)

// errClose tells the read loop to end the connection.
var errClose = errors.New("close connection")

type handlerFunc func(conn *hub.Connection, data []byte) error

// Server handles WebSocket connections.
type Server struct {
	cfg      config.WebSocketConfig
	hub      *hub.Hub
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	handlers map[protocol.MessageType]handlerFunc
}

// NewServer creates a new WebSocket server.
func NewServer(cfg config.WebSocketConfig, h *hub.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		hub:     h,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Every connection must still authenticate with an API key.
				return true
			},
		},
	}
	s.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeAuth:      s.handleAuth,
		protocol.TypeSubscribe: s.handleSubscribe,
		protocol.TypePing:      s.handlePing,
	}
	return s
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return nil
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer s.hub.Drop(conn)

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.MessageBurst, 1))
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Info("websocket read failed", "conn_id", conn.ID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		if limiter != nil && !limiter.Allow() {
			s.sendError(conn, "rate limit exceeded")
			continue
		}

		if err := s.handleMessage(conn, message); err != nil {
			return
		}
	}
}

// writePump writes queued messages and keepalive pings to the connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{}, s.cfg.WriteTimeout)
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message, s.cfg.WriteTimeout); err != nil {
				s.logger.Info("websocket write failed", "conn_id", conn.ID, "error", err)
				s.metrics.IncDropped(metrics.DropWriteFail)
				return
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil, s.cfg.WriteTimeout); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches an incoming message through the handler table.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) error {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, "invalid JSON message")
		return nil
	}

	handle, ok := s.handlers[base.Type]
	if !ok {
		s.sendError(conn, "unknown message type: "+string(base.Type))
		return nil
	}
	return handle(conn, data)
}

func (s *Server) handleAuth(conn *hub.Connection, data []byte) error {
	var msg protocol.AuthMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "invalid auth message")
		return nil
	}

	if err := s.hub.Authenticate(conn, msg.APIKey); err != nil {
		reason := domain.ErrUnauthorized.Error()
		if msg.APIKey == "" {
			reason = "api key required"
		}
		s.logger.Warn("websocket auth failed", "conn_id", conn.ID)
		s.rejectAndClose(conn, reason)
		return errClose
	}

	s.send(conn, protocol.AuthResultMessage{Type: protocol.TypeAuthResult, Status: protocol.StatusSuccess})
	return nil
}

func (s *Server) handleSubscribe(conn *hub.Connection, data []byte) error {
	if conn.State() == hub.StateUnauthenticated {
		s.sendError(conn, "authenticate before subscribing")
		return nil
	}

	var msg protocol.SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(conn, protocol.SubscribeResultMessage{
			Type:          protocol.TypeSubscribeResult,
			Status:        protocol.StatusError,
			Message:       "invalid filters: " + err.Error(),
			ActiveFilters: conn.Filter(),
		})
		return nil
	}

	var filter domain.Filter
	if msg.Filters != nil {
		filter = *msg.Filters
	}

	active, err := s.hub.Subscribe(conn, filter)
	if err != nil {
		s.send(conn, protocol.SubscribeResultMessage{
			Type:          protocol.TypeSubscribeResult,
			Status:        protocol.StatusError,
			Message:       err.Error(),
			ActiveFilters: active,
		})
		return nil
	}

	s.send(conn, protocol.SubscribeResultMessage{
		Type:          protocol.TypeSubscribeResult,
		Status:        protocol.StatusSuccess,
		ActiveFilters: active,
	})
	return nil
}

func (s *Server) handlePing(conn *hub.Connection, _ []byte) error {
	s.send(conn, protocol.PongMessage{Type: protocol.TypePong})
	return nil
}

// rejectAndClose writes the failed auth_result and a policy-violation close
// frame directly, bypassing the queue so they arrive before the socket
// closes.
func (s *Server) rejectAndClose(conn *hub.Connection, reason string) {
	data, err := json.Marshal(protocol.AuthResultMessage{
		Type:    protocol.TypeAuthResult,
		Status:  protocol.StatusError,
		Message: reason,
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data, s.cfg.WriteTimeout); err != nil {
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteMessage(websocket.CloseMessage, closeMsg, s.cfg.WriteTimeout)
}

func (s *Server) send(conn *hub.Connection, v any) {
	if err := s.hub.SendJSON(conn, v); err != nil {
		s.logger.Debug("failed to queue reply", "conn_id", conn.ID, "error", err)
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, message string) {
	s.send(conn, protocol.NewError(message))
}
