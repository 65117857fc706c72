package domain

import "time"

// Session is the derived aggregate of all events sharing a session_id.
type Session struct {
	ID            string        `json:"id"`
	Project       string        `json:"project,omitempty"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	LastEventTime time.Time     `json:"last_event_time"`
	IsIdle        bool          `json:"is_idle"`
}

// IdleAt reports whether the session counts as idle at now for the given
// threshold. Ended sessions are never idle.
func (s *Session) IdleAt(now time.Time, threshold time.Duration) bool {
	if s.Status != SessionStatusActive {
		return false
	}
	return now.Sub(s.LastEventTime) > threshold
}
