package domain

import "time"

// Agent is the derived aggregate of an agent instance within a session.
type Agent struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id,omitempty"`
	ParentAgentID string      `json:"parent_agent_id,omitempty"`
	Name          string      `json:"name,omitempty"`
	Type          string      `json:"type,omitempty"`
	Status        AgentStatus `json:"status"`
	EventCount    int64       `json:"event_count"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Change is a lifecycle transition derived from a committed event. Exactly
// one of Session or Agent is set.
type Change struct {
	Kind       LifecycleKind `json:"kind"`
	EventID    int64         `json:"event_id"`
	Session    *Session      `json:"session,omitempty"`
	Agent      *Agent        `json:"agent,omitempty"`
	PreviousID string        `json:"previous_id,omitempty"` // provisional id on activation
}

// SessionID returns the session the change belongs to.
func (c *Change) SessionID() string {
	if c.Session != nil {
		return c.Session.ID
	}
	if c.Agent != nil {
		return c.Agent.SessionID
	}
	return ""
}

// AgentID returns the agent the change belongs to, if any.
func (c *Change) AgentID() string {
	if c.Agent != nil {
		return c.Agent.ID
	}
	return ""
}
