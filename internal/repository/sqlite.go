package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nickpending/argus/internal/domain"
)

const eventColumns = `id, source, event_type, timestamp, message, level, session_id, agent_id, data, hook, tool_name, tool_use_id, status, is_background`

// SQLiteStore implements Store using SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB

	// writeMu serializes writers; WAL lets readers proceed without it.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at path. path may
// be ":memory:" for tests. journalMode defaults to WAL.
func NewSQLiteStore(path, journalMode string) (*SQLiteStore, error) {
	if journalMode == "" {
		journalMode = "WAL"
	}

	memory := path == ":memory:"
	var dsn string
	if memory {
		dsn = "file::memory:?_busy_timeout=5000"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=%s&_synchronous=FULL&_busy_timeout=5000", path, journalMode)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			message TEXT,
			level TEXT,
			data TEXT,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_source ON events(source)`,
		`CREATE INDEX IF NOT EXISTS idx_event_type ON events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_level ON events(level)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			project TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			completed_at TEXT,
			last_event_time TEXT NOT NULL,
			is_idle INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			session_id TEXT,
			parent_agent_id TEXT,
			name TEXT,
			type TEXT,
			status TEXT NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id)`,
		`CREATE TABLE IF NOT EXISTS agent_aliases (
			alias_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projection_state (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Databases created before agent observability lack these columns.
	columns := []struct{ name, ddl string }{
		{"session_id", "ALTER TABLE events ADD COLUMN session_id TEXT"},
		{"agent_id", "ALTER TABLE events ADD COLUMN agent_id TEXT"},
		{"hook", "ALTER TABLE events ADD COLUMN hook TEXT"},
		{"tool_name", "ALTER TABLE events ADD COLUMN tool_name TEXT"},
		{"tool_use_id", "ALTER TABLE events ADD COLUMN tool_use_id TEXT"},
		{"status", "ALTER TABLE events ADD COLUMN status TEXT"},
		{"is_background", "ALTER TABLE events ADD COLUMN is_background INTEGER"},
	}
	for _, c := range columns {
		if err := s.ensureColumn("events", c.name, c.ddl); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_id ON events(session_id)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_agent_id ON events(agent_id)`); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// JournalMode returns the active journal mode, lower-cased.
func (s *SQLiteStore) JournalMode(ctx context.Context) (string, error) {
	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", err
	}
	return strings.ToLower(mode), nil
}

// Append commits event and returns it with its assigned id. The event is
// durable and visible to every later read once Append returns.
func (s *SQLiteStore) Append(ctx context.Context, event *domain.Event) (*domain.Event, error) {
	committed := *event
	if committed.Timestamp == "" {
		committed.Timestamp = domain.FormatTimestamp(time.Now())
	}

	var background sql.NullInt64
	if committed.IsBackground != nil {
		background.Valid = true
		if *committed.IsBackground {
			background.Int64 = 1
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (source, event_type, timestamp, message, level, session_id, agent_id, data, hook, tool_name, tool_use_id, status, is_background)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		committed.Source, committed.EventType, committed.Timestamp, nullString(committed.Message),
		nullString(string(committed.Level)), nullString(committed.SessionID), nullString(committed.AgentID),
		nullStringBytes(committed.Data), nullString(committed.Hook), nullString(committed.ToolName),
		nullString(committed.ToolUseID), nullString(committed.Status), background)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("read event id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	committed.ID = id
	return &committed, nil
}

// GetEvent retrieves an event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// QueryEvents returns events matching q, newest first.
func (s *SQLiteStore) QueryEvents(ctx context.Context, q EventQuery) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var where []string
	var args []interface{}

	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.Level != "" {
		// Events without a level count as debug.
		if q.Level == domain.LevelDebug {
			where = append(where, "(level = ? OR level IS NULL)")
		} else {
			where = append(where, "level = ?")
		}
		args = append(args, string(q.Level))
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.Since != "" {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since)
	}
	if q.Until != "" {
		where = append(where, "timestamp <= ?")
		args = append(args, q.Until)
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// ReplayEvents calls fn for every stored event with an id above afterID,
// in commit order.
func (s *SQLiteStore) ReplayEvents(ctx context.Context, afterID int64, fn func(*domain.Event) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC`, afterID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DistinctSources returns every source seen, sorted.
func (s *SQLiteStore) DistinctSources(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "source")
}

// DistinctEventTypes returns every event type seen, sorted.
func (s *SQLiteStore) DistinctEventTypes(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "event_type")
}

func (s *SQLiteStore) distinct(ctx context.Context, column string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT %[1]s FROM events ORDER BY %[1]s", column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// PurgeOlderThan deletes events with a timestamp before cutoff and, when
// vacuum is set, reclaims the freed pages.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time, vacuum bool) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, domain.FormatTimestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if vacuum && deleted > 0 {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return deleted, fmt.Errorf("vacuum: %w", err)
		}
	}
	return deleted, nil
}

// Vacuum reclaims free pages.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// SaveProjection writes derived session and agent rows in one transaction.
func (s *SQLiteStore) SaveProjection(ctx context.Context, p Projection) error {
	if p.Empty() {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if p.Replace {
		for _, table := range []string{"sessions", "agents", "agent_aliases", "projection_state"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
	}

	for _, sess := range p.Sessions {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO sessions (session_id, project, status, created_at, completed_at, last_event_time, is_idle)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, nullString(sess.Project), sess.Status, domain.FormatTimestamp(sess.CreatedAt),
			nullTime(sess.CompletedAt), domain.FormatTimestamp(sess.LastEventTime), sess.IsIdle)
		if err != nil {
			return fmt.Errorf("save session %s: %w", sess.ID, err)
		}
	}
	for _, id := range p.RemovedAgents {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("remove agent %s: %w", id, err)
		}
	}
	for _, a := range p.Agents {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO agents (agent_id, session_id, parent_agent_id, name, type, status, event_count, created_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, nullString(a.SessionID), nullString(a.ParentAgentID), nullString(a.Name), nullString(a.Type),
			a.Status, a.EventCount, domain.FormatTimestamp(a.CreatedAt), nullTime(a.CompletedAt))
		if err != nil {
			return fmt.Errorf("save agent %s: %w", a.ID, err)
		}
	}
	if p.Aliases != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_aliases`); err != nil {
			return err
		}
		for alias, id := range p.Aliases {
			if _, err := tx.ExecContext(ctx, `INSERT INTO agent_aliases (alias_id, agent_id) VALUES (?, ?)`, alias, id); err != nil {
				return fmt.Errorf("save alias %s: %w", alias, err)
			}
		}
	}
	if p.Watermark > 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO projection_state (key, value) VALUES ('watermark', ?)`, p.Watermark)
		if err != nil {
			return fmt.Errorf("save watermark: %w", err)
		}
	}

	return tx.Commit()
}

// LoadProjection reads the persisted sessions, agents, aliases and the
// watermark they were written at.
func (s *SQLiteStore) LoadProjection(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	err := s.db.QueryRowContext(ctx, `SELECT value FROM projection_state WHERE key = 'watermark'`).Scan(&snap.Watermark)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if snap.Sessions, err = s.loadSessions(ctx); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if snap.Agents, err = s.loadAgents(ctx); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	if snap.Aliases, err = s.loadAliases(ctx); err != nil {
		return nil, fmt.Errorf("load aliases: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) loadSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, project, status, created_at, completed_at, last_event_time, is_idle FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) loadAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, session_id, parent_agent_id, name, type, status, event_count, created_at, completed_at FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) loadAliases(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias_id, agent_id FROM agent_aliases`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aliases := make(map[string]string)
	for rows.Next() {
		var alias, id string
		if err := rows.Scan(&alias, &id); err != nil {
			return nil, err
		}
		aliases[alias] = id
	}
	return aliases, rows.Err()
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var project, completedAt sql.NullString
	var createdAt, lastEvent string
	if err := row.Scan(&sess.ID, &project, &sess.Status, &createdAt, &completedAt, &lastEvent, &sess.IsIdle); err != nil {
		return nil, err
	}
	sess.Project = project.String
	sess.CreatedAt, _ = domain.ParseTimestamp(createdAt)
	sess.LastEventTime, _ = domain.ParseTimestamp(lastEvent)
	sess.CompletedAt = parseNullTime(completedAt)
	return &sess, nil
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var sessionID, parent, name, typ, completedAt sql.NullString
	var createdAt string
	if err := row.Scan(&a.ID, &sessionID, &parent, &name, &typ, &a.Status, &a.EventCount, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	a.SessionID = sessionID.String
	a.ParentAgentID = parent.String
	a.Name = name.String
	a.Type = typ.String
	a.CreatedAt, _ = domain.ParseTimestamp(createdAt)
	a.CompletedAt = parseNullTime(completedAt)
	return &a, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var e domain.Event
	var message, level, sessionID, agentID, data, hook, toolName, toolUseID, status sql.NullString
	var background sql.NullInt64
	if err := row.Scan(&e.ID, &e.Source, &e.EventType, &e.Timestamp, &message, &level, &sessionID, &agentID,
		&data, &hook, &toolName, &toolUseID, &status, &background); err != nil {
		return nil, err
	}
	e.Message = message.String
	e.Level = domain.Level(level.String)
	e.SessionID = sessionID.String
	e.AgentID = agentID.String
	if data.Valid {
		e.Data = json.RawMessage(data.String)
	}
	e.Hook = hook.String
	e.ToolName = toolName.String
	e.ToolUseID = toolUseID.String
	e.Status = status.String
	if background.Valid {
		b := background.Int64 != 0
		e.IsBackground = &b
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: domain.FormatTimestamp(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := domain.ParseTimestamp(s.String)
	if err != nil {
		return nil
	}
	return &t
}
