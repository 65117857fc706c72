// Package lifecycle derives session and agent state from the committed
// event stream.
//
// The Tracker holds the only in-memory view of session and agent aggregates.
// Every field it keeps can be rebuilt by replaying the event log through
// Apply in id order, which is what the service does at startup.
//
// Transition rules:
//
//   - An event naming an unknown session_id creates the session as active.
//   - session_started is authoritative for created_at and project;
//     session_ended ends the session for good.
//   - Every event with a session_id moves last_event_time forward and
//     clears is_idle. Sweep marks active sessions idle once the threshold
//     has passed without events.
//   - An event naming an unknown agent_id creates the agent as pending;
//     agent_started makes it running.
//   - agent_activated renames data.provisional_id to agent_id, keeping the
//     event count and parent link. Later events that still carry the
//     provisional id are folded into the renamed agent.
//   - agent_completed and agent_abandoned set a terminal status once.
//   - Every event with an agent_id increments that agent's event_count.
package lifecycle

import (
	"sort"
	"sync"
	"time"

	"github.com/nickpending/argus/internal/domain"
)

// DefaultIdleThreshold is used when no threshold is configured.
const DefaultIdleThreshold = 5 * time.Minute

// Tracker maintains session and agent aggregates.
type Tracker struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.Session
	agents    map[string]*domain.Agent
	renamed   map[string]string // provisional id -> activated id
	idleAfter time.Duration
	now       func() time.Time

	// Id of the last event applied.
	lastEventID int64

	// Rows changed since the last DrainDirty call.
	dirtySessions map[string]struct{}
	dirtyAgents   map[string]struct{}
	removedAgents map[string]struct{}
	aliasesDirty  bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock used for idle evaluation.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a Tracker that considers an active session idle after
// idleThreshold without events.
func New(idleThreshold time.Duration, opts ...Option) *Tracker {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	t := &Tracker{
		sessions:      make(map[string]*domain.Session),
		agents:        make(map[string]*domain.Agent),
		renamed:       make(map[string]string),
		idleAfter:     idleThreshold,
		now:           time.Now,
		dirtySessions: make(map[string]struct{}),
		dirtyAgents:   make(map[string]struct{}),
		removedAgents: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IdleThreshold returns the configured idle threshold.
func (t *Tracker) IdleThreshold() time.Duration {
	return t.idleAfter
}

// Seed replaces the aggregates with a persisted snapshot taken after the
// event with id watermark. Events after the watermark are then applied as
// usual.
func (t *Tracker) Seed(sessions []domain.Session, agents []domain.Agent, aliases map[string]string, watermark int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions = make(map[string]*domain.Session, len(sessions))
	for i := range sessions {
		s := sessions[i]
		t.sessions[s.ID] = &s
	}
	t.agents = make(map[string]*domain.Agent, len(agents))
	for i := range agents {
		a := agents[i]
		t.agents[a.ID] = &a
	}
	t.renamed = make(map[string]string, len(aliases))
	for alias, id := range aliases {
		t.renamed[alias] = id
	}
	t.lastEventID = watermark

	t.dirtySessions = make(map[string]struct{})
	t.dirtyAgents = make(map[string]struct{})
	t.removedAgents = make(map[string]struct{})
	t.aliasesDirty = false
}

// Apply folds a committed event into the aggregates and returns the
// lifecycle transitions it caused, in the order they happened.
func (t *Tracker) Apply(e *domain.Event) []domain.Change {
	ts := e.Time()
	if ts.IsZero() {
		ts = t.now().UTC()
	}
	kind, _ := domain.LifecycleKindOf(e)

	t.mu.Lock()
	defer t.mu.Unlock()

	if e.ID > t.lastEventID {
		t.lastEventID = e.ID
	}

	var changes []domain.Change
	if e.SessionID != "" {
		changes = append(changes, t.applySession(e, kind, ts)...)
	}
	if e.AgentID != "" {
		if c, ok := t.applyAgent(e, kind, ts); ok {
			changes = append(changes, c)
		}
	}
	return changes
}

func (t *Tracker) applySession(e *domain.Event, kind domain.LifecycleKind, ts time.Time) []domain.Change {
	var changes []domain.Change

	s, ok := t.sessions[e.SessionID]
	if !ok {
		s = &domain.Session{
			ID:            e.SessionID,
			Status:        domain.SessionStatusActive,
			CreatedAt:     ts,
			LastEventTime: ts,
		}
		t.sessions[s.ID] = s
		if kind != domain.LifecycleSessionStarted {
			changes = append(changes, sessionChange(domain.LifecycleSessionStarted, e.ID, s))
		}
	}

	if ts.After(s.LastEventTime) {
		s.LastEventTime = ts
	}
	s.IsIdle = false
	t.dirtySessions[s.ID] = struct{}{}

	switch kind {
	case domain.LifecycleSessionStarted:
		if s.Status == domain.SessionStatusEnded {
			return changes
		}
		s.CreatedAt = ts
		if project := e.DataString("project"); project != "" {
			s.Project = project
		}
		changes = append(changes, sessionChange(kind, e.ID, s))
	case domain.LifecycleSessionEnded:
		if s.Status == domain.SessionStatusEnded {
			return changes
		}
		s.Status = domain.SessionStatusEnded
		completed := ts
		s.CompletedAt = &completed
		changes = append(changes, sessionChange(kind, e.ID, s))
	}
	return changes
}

func (t *Tracker) applyAgent(e *domain.Event, kind domain.LifecycleKind, ts time.Time) (domain.Change, bool) {
	if kind == domain.LifecycleAgentActivated {
		return t.activate(e, ts), true
	}

	id := t.resolve(e.AgentID)
	a, ok := t.agents[id]
	if !ok {
		a = &domain.Agent{
			ID:        id,
			SessionID: e.SessionID,
			Status:    domain.AgentStatusPending,
			CreatedAt: ts,
		}
		t.agents[a.ID] = a
	}
	if a.SessionID == "" {
		a.SessionID = e.SessionID
	}
	a.EventCount++
	t.dirtyAgents[a.ID] = struct{}{}

	switch kind {
	case domain.LifecycleAgentStarted:
		if a.Status.Terminal() {
			return domain.Change{}, false
		}
		a.Status = domain.AgentStatusRunning
		applyAgentAttributes(a, e)
		return agentChange(kind, e.ID, a, ""), true
	case domain.LifecycleAgentCompleted, domain.LifecycleAgentAbandoned:
		if a.Status.Terminal() {
			return domain.Change{}, false
		}
		a.Status = terminalStatus(kind, e)
		completed := ts
		a.CompletedAt = &completed
		return agentChange(kind, e.ID, a, ""), true
	}
	return domain.Change{}, false
}

// activate renames the provisional agent to e.AgentID.
func (t *Tracker) activate(e *domain.Event, ts time.Time) domain.Change {
	newID := e.AgentID
	oldID := e.DataString("provisional_id")

	// newID is a real agent from here on.
	if _, ok := t.renamed[newID]; ok {
		delete(t.renamed, newID)
		t.aliasesDirty = true
	}

	target := t.agents[newID]
	if source := t.resolve(oldID); source != "" && source != newID {
		t.alias(source, newID)
		if prev, ok := t.agents[source]; ok {
			delete(t.agents, source)
			delete(t.dirtyAgents, source)
			t.removedAgents[source] = struct{}{}
			if target == nil {
				target = prev
				target.ID = newID
			} else {
				target.EventCount += prev.EventCount
				if target.ParentAgentID == "" {
					target.ParentAgentID = prev.ParentAgentID
				}
				if prev.CreatedAt.Before(target.CreatedAt) {
					target.CreatedAt = prev.CreatedAt
				}
			}
		}
	}
	if target == nil {
		target = &domain.Agent{
			ID:        newID,
			Status:    domain.AgentStatusRunning,
			CreatedAt: ts,
		}
	}
	t.agents[newID] = target
	delete(t.removedAgents, newID)

	if target.SessionID == "" {
		target.SessionID = e.SessionID
	}
	if target.Status == domain.AgentStatusPending {
		target.Status = domain.AgentStatusRunning
	}
	applyAgentAttributes(target, e)
	target.EventCount++
	t.dirtyAgents[newID] = struct{}{}

	return agentChange(domain.LifecycleAgentActivated, e.ID, target, oldID)
}

// resolve maps a renamed provisional id to the agent it became.
func (t *Tracker) resolve(id string) string {
	if to, ok := t.renamed[id]; ok {
		return to
	}
	return id
}

// alias records from as another name for to. Aliases are kept flat so a
// single lookup resolves any earlier id.
func (t *Tracker) alias(from, to string) {
	for k, v := range t.renamed {
		if v == from {
			t.renamed[k] = to
		}
	}
	t.renamed[from] = to
	t.aliasesDirty = true
}

func applyAgentAttributes(a *domain.Agent, e *domain.Event) {
	if v := e.DataString("parent_agent_id"); v != "" {
		a.ParentAgentID = v
	}
	if v := e.DataString("name"); v != "" {
		a.Name = v
	}
	if v := e.DataString("type"); v != "" {
		a.Type = v
	} else if v := e.DataString("agent_type"); v != "" {
		a.Type = v
	}
}

// terminalStatus picks the final status for a completion event: an explicit
// data.status wins, then the event outcome, then completed.
func terminalStatus(kind domain.LifecycleKind, e *domain.Event) domain.AgentStatus {
	if kind == domain.LifecycleAgentAbandoned {
		return domain.AgentStatusAbandoned
	}
	switch s := domain.AgentStatus(e.DataString("status")); s {
	case domain.AgentStatusCompleted, domain.AgentStatusFailed, domain.AgentStatusAbandoned:
		return s
	}
	if e.Status == "failure" {
		return domain.AgentStatusFailed
	}
	return domain.AgentStatusCompleted
}

// Sweep marks active sessions idle when no event arrived within the
// threshold and returns the sessions that just became idle.
func (t *Tracker) Sweep() []domain.Session {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var idle []domain.Session
	for _, s := range t.sessions {
		if s.IsIdle || !s.IdleAt(now, t.idleAfter) {
			continue
		}
		s.IsIdle = true
		t.dirtySessions[s.ID] = struct{}{}
		idle = append(idle, *s)
	}
	return idle
}

// Session returns a snapshot of the session with is_idle evaluated now.
func (t *Tracker) Session(id string) (domain.Session, bool) {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return t.snapshotSession(s, now), true
}

// Sessions returns every session, most recently active first.
func (t *Tracker) Sessions() []domain.Session {
	now := t.now()

	t.mu.RLock()
	out := make([]domain.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, t.snapshotSession(s, now))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastEventTime.Equal(out[j].LastEventTime) {
			return out[i].LastEventTime.After(out[j].LastEventTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Agent returns a snapshot of the agent. Provisional ids that were renamed
// by activation no longer resolve.
func (t *Tracker) Agent(id string) (domain.Agent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.agents[id]
	if !ok {
		return domain.Agent{}, false
	}
	return *a, true
}

// Agents returns the agents of a session, or all agents when sessionID is
// empty, oldest first.
func (t *Tracker) Agents(sessionID string) []domain.Agent {
	t.mu.RLock()
	out := make([]domain.Agent, 0)
	for _, a := range t.agents {
		if sessionID != "" && a.SessionID != sessionID {
			continue
		}
		out = append(out, *a)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Dirty holds aggregates changed since the last drain. Aliases is the full
// alias table when it changed and nil otherwise. Watermark is the id of the
// last event reflected in the aggregates.
type Dirty struct {
	Sessions      []domain.Session
	Agents        []domain.Agent
	RemovedAgents []string
	Aliases       map[string]string
	Watermark     int64
}

// Empty reports whether nothing changed.
func (d Dirty) Empty() bool {
	return len(d.Sessions) == 0 && len(d.Agents) == 0 && len(d.RemovedAgents) == 0 && d.Aliases == nil
}

// DrainDirty returns the aggregates changed since the previous call and
// resets the change sets.
func (t *Tracker) DrainDirty() Dirty {
	t.mu.Lock()
	defer t.mu.Unlock()

	var d Dirty
	for id := range t.dirtySessions {
		if s, ok := t.sessions[id]; ok {
			d.Sessions = append(d.Sessions, *s)
		}
	}
	for id := range t.dirtyAgents {
		if a, ok := t.agents[id]; ok {
			d.Agents = append(d.Agents, *a)
		}
	}
	for id := range t.removedAgents {
		d.RemovedAgents = append(d.RemovedAgents, id)
	}
	if t.aliasesDirty {
		d.Aliases = make(map[string]string, len(t.renamed))
		for alias, id := range t.renamed {
			d.Aliases[alias] = id
		}
	}
	d.Watermark = t.lastEventID

	t.dirtySessions = make(map[string]struct{})
	t.dirtyAgents = make(map[string]struct{})
	t.removedAgents = make(map[string]struct{})
	t.aliasesDirty = false
	return d
}

// Requeue marks the aggregates in d dirty again after a failed write. The
// next drain picks up their current values.
func (t *Tracker) Requeue(d Dirty) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range d.Sessions {
		t.dirtySessions[s.ID] = struct{}{}
	}
	for _, a := range d.Agents {
		t.dirtyAgents[a.ID] = struct{}{}
	}
	for _, id := range d.RemovedAgents {
		if _, back := t.agents[id]; !back {
			t.removedAgents[id] = struct{}{}
		}
	}
	if d.Aliases != nil {
		t.aliasesDirty = true
	}
}

func (t *Tracker) snapshotSession(s *domain.Session, now time.Time) domain.Session {
	out := *s
	out.IsIdle = s.IsIdle || s.IdleAt(now, t.idleAfter)
	return out
}

func sessionChange(kind domain.LifecycleKind, eventID int64, s *domain.Session) domain.Change {
	snap := *s
	return domain.Change{Kind: kind, EventID: eventID, Session: &snap}
}

func agentChange(kind domain.LifecycleKind, eventID int64, a *domain.Agent, previousID string) domain.Change {
	snap := *a
	return domain.Change{Kind: kind, EventID: eventID, Agent: &snap, PreviousID: previousID}
}
