package domain

import (
	"encoding/json"
	"strings"
)

// StringList is a JSON value that may be written either as a single string
// or as an array of strings.
type StringList []string

// UnmarshalJSON accepts "x", ["x","y"] and null.
func (l *StringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = StringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// Filter is the subscription filter sent by WebSocket clients. Every field
// is optional and set fields are ANDed together.
type Filter struct {
	Source    string     `json:"source,omitempty"`
	EventType StringList `json:"event_type,omitempty"`
	Levels    StringList `json:"levels,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	Search    string     `json:"search,omitempty"`
	TimeSince string     `json:"time_since,omitempty"`
	TimeUntil string     `json:"time_until,omitempty"`
}

// Matcher is a compiled Filter. It is immutable and safe for concurrent use.
type Matcher struct {
	filter     Filter
	eventTypes map[string]struct{}
	levels     map[Level]struct{}
	search     string
	since      string
	until      string
}

// MatchAll is the compiled empty filter.
var MatchAll = &Matcher{}

// Compile validates f and prepares it for per-event evaluation.
func (f Filter) Compile() (*Matcher, error) {
	m := &Matcher{filter: f}

	if len(f.EventType) > 0 {
		m.eventTypes = make(map[string]struct{}, len(f.EventType))
		for _, t := range f.EventType {
			m.eventTypes[t] = struct{}{}
		}
	}

	if len(f.Levels) > 0 {
		m.levels = make(map[Level]struct{}, len(f.Levels))
		for _, raw := range f.Levels {
			lvl := Level(strings.ToLower(strings.TrimSpace(raw)))
			if !lvl.Valid() {
				return nil, &FilterError{Field: "levels", Message: "unknown level " + raw}
			}
			m.levels[lvl] = struct{}{}
		}
	}

	m.search = strings.ToLower(f.Search)

	if f.TimeSince != "" {
		ts, err := NormalizeTimestamp(f.TimeSince)
		if err != nil {
			return nil, &FilterError{Field: "time_since", Message: err.Error()}
		}
		m.since = ts
	}
	if f.TimeUntil != "" {
		ts, err := NormalizeTimestamp(f.TimeUntil)
		if err != nil {
			return nil, &FilterError{Field: "time_until", Message: err.Error()}
		}
		m.until = ts
	}
	if m.since != "" && m.until != "" && m.since > m.until {
		return nil, &FilterError{Field: "time_since", Message: "time_since is after time_until"}
	}

	return m, nil
}

// Filter returns the filter the matcher was compiled from.
func (m *Matcher) Filter() Filter {
	return m.filter
}

// Match reports whether e satisfies every set field of the filter.
func (m *Matcher) Match(e *Event) bool {
	f := &m.filter
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if m.eventTypes != nil {
		if _, ok := m.eventTypes[e.EventType]; !ok {
			return false
		}
	}
	if m.levels != nil {
		if _, ok := m.levels[e.Level.OrDefault()]; !ok {
			return false
		}
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if m.search != "" && !strings.Contains(strings.ToLower(e.Message), m.search) {
		return false
	}
	if m.since != "" && e.Timestamp < m.since {
		return false
	}
	if m.until != "" && e.Timestamp > m.until {
		return false
	}
	return true
}

// MatchChange reports whether a lifecycle change concerns the session and
// agent the filter is scoped to. Other filter fields do not apply.
func (m *Matcher) MatchChange(c *Change) bool {
	f := &m.filter
	if f.SessionID != "" && c.SessionID() != f.SessionID {
		return false
	}
	if f.AgentID != "" && c.AgentID() != f.AgentID && c.PreviousID != f.AgentID {
		return false
	}
	return true
}
