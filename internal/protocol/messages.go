// Package protocol defines the WebSocket message protocol between
// subscribers and argus.
package protocol

import "github.com/nickpending/argus/internal/domain"

// MessageType is the value of the "type" field every message carries.
type MessageType string

// Message types from client to server
const (
	TypeAuth      MessageType = "auth"
	TypeSubscribe MessageType = "subscribe"
	TypePing      MessageType = "ping"
)

// Message types from server to client
const (
	TypeAuthResult      MessageType = "auth_result"
	TypeSubscribeResult MessageType = "subscribe_result"
	TypeEvent           MessageType = "event"
	TypeError           MessageType = "error"
	TypePong            MessageType = "pong"
)

// Result statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// BaseMessage is used for parsing incoming messages before type dispatch.
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// AuthMessage is sent by a client to present its credential.
type AuthMessage struct {
	BaseMessage
	APIKey string `json:"api_key,omitempty"`
}

// SubscribeMessage replaces the connection's filter.
type SubscribeMessage struct {
	BaseMessage
	Filters *domain.Filter `json:"filters,omitempty"`
}

// AuthResultMessage answers an auth message.
type AuthResultMessage struct {
	Type    MessageType `json:"type"`
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
}

// SubscribeResultMessage answers a subscribe message. ActiveFilters is the
// filter in effect after the call, which is the previous one on error.
type SubscribeResultMessage struct {
	Type          MessageType   `json:"type"`
	Status        string        `json:"status"`
	Message       string        `json:"message,omitempty"`
	ActiveFilters domain.Filter `json:"active_filters"`
}

// EventMessage pushes a committed event.
type EventMessage struct {
	Type  MessageType   `json:"type"`
	Event *domain.Event `json:"event"`
}

// LifecycleMessage pushes a session or agent transition. Type is the
// lifecycle kind.
type LifecycleMessage struct {
	Type    MessageType      `json:"type"`
	Payload LifecyclePayload `json:"payload"`
}

// LifecyclePayload describes the entity after the transition.
type LifecyclePayload struct {
	EventID    int64           `json:"event_id"`
	Session    *domain.Session `json:"session,omitempty"`
	Agent      *domain.Agent   `json:"agent,omitempty"`
	PreviousID string          `json:"previous_id,omitempty"`
}

// ErrorMessage reports a protocol error on the connection.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// PongMessage answers a client ping.
type PongMessage struct {
	Type MessageType `json:"type"`
}

// NewEvent builds the push message for e.
func NewEvent(e *domain.Event) EventMessage {
	return EventMessage{Type: TypeEvent, Event: e}
}

// NewLifecycle builds the push message for a tracker change.
func NewLifecycle(c *domain.Change) LifecycleMessage {
	return LifecycleMessage{
		Type: MessageType(c.Kind),
		Payload: LifecyclePayload{
			EventID:    c.EventID,
			Session:    c.Session,
			Agent:      c.Agent,
			PreviousID: c.PreviousID,
		},
	}
}

// NewError builds an error message.
func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: msg}
}
