package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the fixed-width UTC layout events are stored with, so
// that string order equals time order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Event is a committed observability event. It is immutable once stored.
type Event struct {
	ID           int64           `json:"id"`
	Source       string          `json:"source"`
	EventType    string          `json:"event_type"`
	Timestamp    string          `json:"timestamp"`
	Message      string          `json:"message,omitempty"`
	Level        Level           `json:"level,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Hook         string          `json:"hook,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	IsBackground *bool           `json:"is_background,omitempty"`
}

// EventInput is the body of POST /events: an Event without its id.
type EventInput struct {
	Source       string          `json:"source"`
	EventType    string          `json:"event_type"`
	Timestamp    string          `json:"timestamp,omitempty"`
	Message      string          `json:"message,omitempty"`
	Level        string          `json:"level,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Hook         string          `json:"hook,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	IsBackground *bool           `json:"is_background,omitempty"`
}

// Time returns the parsed event timestamp. Stored timestamps are always
// normalized, so the zero time only comes back for hand-built events.
func (e *Event) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DataString returns a top-level string attribute of the data object.
func (e *Event) DataString(key string) string {
	if len(e.Data) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return ""
	}
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// FormatTimestamp renders t in the stored layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NormalizeTimestamp parses an RFC 3339 timestamp (a missing zone is read
// as UTC) and renders it in the stored layout.
func NormalizeTimestamp(s string) (string, error) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return "", err
	}
	return FormatTimestamp(t), nil
}

// ParseTimestamp parses an RFC 3339 timestamp, accepting values without a
// zone offset as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid ISO8601 timestamp %q", s)
}
