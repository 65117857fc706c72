// Package domain defines the core domain models for argus.
package domain

// Level is the severity attached to an event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Valid reports whether l is one of the recognized levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// OrDefault returns l, or LevelDebug when l is empty.
func (l Level) OrDefault() Level {
	if l == "" {
		return LevelDebug
	}
	return l
}

// Recognized event types. Other values are accepted and stored as-is.
const (
	EventTypeTool     = "tool"
	EventTypeAgent    = "agent"
	EventTypeSession  = "session"
	EventTypeResponse = "response"
	EventTypePrompt   = "prompt"
)

// LifecycleKind names an explicit session or agent transition.
type LifecycleKind string

const (
	LifecycleSessionStarted LifecycleKind = "session_started"
	LifecycleSessionEnded   LifecycleKind = "session_ended"
	LifecycleAgentStarted   LifecycleKind = "agent_started"
	LifecycleAgentActivated LifecycleKind = "agent_activated"
	LifecycleAgentCompleted LifecycleKind = "agent_completed"
	LifecycleAgentAbandoned LifecycleKind = "agent_abandoned"
)

// Hooks emitted by Claude Code that imply a lifecycle transition.
const (
	HookSessionStart  = "SessionStart"
	HookSessionEnd    = "SessionEnd"
	HookSubagentStart = "SubagentStart"
	HookSubagentStop  = "SubagentStop"
)

// LifecycleKindOf returns the explicit lifecycle kind carried by an event,
// either through its event_type or its hook. ok is false for ordinary events.
func LifecycleKindOf(e *Event) (LifecycleKind, bool) {
	switch k := LifecycleKind(e.EventType); k {
	case LifecycleSessionStarted, LifecycleSessionEnded, LifecycleAgentStarted,
		LifecycleAgentActivated, LifecycleAgentCompleted, LifecycleAgentAbandoned:
		return k, true
	}
	switch e.Hook {
	case HookSessionStart:
		return LifecycleSessionStarted, true
	case HookSessionEnd:
		return LifecycleSessionEnded, true
	case HookSubagentStart:
		return LifecycleAgentStarted, true
	case HookSubagentStop:
		return LifecycleAgentCompleted, true
	}
	return "", false
}

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// AgentStatus represents the status of an agent.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusAbandoned AgentStatus = "abandoned"
)

// Terminal reports whether s is a final status.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusFailed, AgentStatusAbandoned:
		return true
	}
	return false
}
