// Package eventstore is the durable, ordered per-session event log and
// session registry: an embedded SQLite database with a per-session listener
// fan-out for live tailing.
package eventstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a referenced session does not exist.
var ErrNotFound = errors.New("eventstore: not found")

// Event is an append-only record; see the Event kind table in kinds.go.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Summary is the listing representation of a session.
type Summary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastEventAt *time.Time `json:"lastEventAt,omitempty"`
	EventCount  int        `json:"eventCount"`
}

// Listener receives every event appended to a session it is subscribed to,
// in append order.
type Listener func(Event)

// Store is the embedded SQLite-backed session/event store.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]map[int]*subscription
	nextH int
}

// NewStore opens (creating if absent) the database at dbPath, migrates its
// schema, and returns a ready Store.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eventstore: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("eventstore: open database: %w", err)
	}

	s := &Store{
		db:   db,
		subs: make(map[string]map[int]*subscription),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		name TEXT
	);
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.ensureNameColumn()
}

// ensureNameColumn detects a legacy sessions table missing the name column
// (added after the store first shipped) and adds it idempotently.
func (s *Store) ensureNameColumn() error {
	rows, err := s.db.Query(`PRAGMA table_info(sessions)`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	hasName := false
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == "name" {
			hasName = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if hasName {
		return nil
	}
	_, err = s.db.Exec(`ALTER TABLE sessions ADD COLUMN name TEXT`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row with a fresh short id and the
// current time, returning the id.
func (s *Store) CreateSession() (string, error) {
	id := "sess_" + uuid.New().String()[:12]
	_, err := s.db.Exec(`INSERT INTO sessions (id, created_at) VALUES (?, ?)`, id, time.Now())
	if err != nil {
		return "", fmt.Errorf("eventstore: create session: %w", err)
	}
	return id, nil
}

// AppendEvent inserts a new event row, assigning it an id and timestamp, and
// notifies subscribers for sessionId after the write is durable. Append is
// the sole mutation path for the event log.
func (s *Store) AppendEvent(sessionID, kind string, payload map[string]any) (Event, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventstore: marshal payload: %w", err)
	}

	ev := Event{
		ID:        "evt_" + uuid.New().String()[:12],
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	_, err = s.db.Exec(
		`INSERT INTO events (id, session_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Kind, string(data), ev.CreatedAt,
	)
	if err != nil {
		return Event{}, fmt.Errorf("eventstore: insert event: %w", err)
	}

	s.notify(ev)
	return ev, nil
}

// ListEvents returns every event for sessionID ordered by (createdAt, id).
// A row whose payload fails to decode surfaces as {"raw": <text>} rather
// than aborting the listing.
func (s *Store) ListEvents(sessionID string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, kind, payload, created_at FROM events
		 WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var ev Event
		var raw string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			payload = map[string]any{"raw": raw}
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SubscribeWithSnapshot atomically reads every existing event for sessionID
// and registers fn for subsequent ones: it holds writeMu across both steps so
// no AppendEvent can land in the gap, which would otherwise be missed by the
// snapshot and also missed by the subscription (or, the other failure mode,
// double-delivered once in the snapshot and once as the first update).
func (s *Store) SubscribeWithSnapshot(sessionID string, fn Listener) (int, []Event, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	events, err := s.ListEvents(sessionID)
	if err != nil {
		return 0, nil, err
	}
	handle := s.Subscribe(sessionID, fn)
	return handle, events, nil
}

// ListSessions returns up to limit session summaries, clamped to [1,500],
// ordered by COALESCE(lastEventAt, createdAt) DESC.
func (s *Store) ListSessions(limit int) ([]Summary, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	// The latest event's created_at is selected as a plain column (via the
	// lev join) rather than as MAX(...), so the driver decodes it as a time.
	rows, err := s.db.Query(`
		SELECT sess.id, sess.name, sess.created_at,
		       lev.created_at AS last_event_at,
		       COUNT(ev.id) AS event_count
		FROM sessions sess
		LEFT JOIN events ev ON ev.session_id = sess.id
		LEFT JOIN events lev ON lev.id = (
			SELECT id FROM events WHERE session_id = sess.id
			ORDER BY created_at DESC, id DESC LIMIT 1)
		GROUP BY sess.id
		ORDER BY COALESCE(lev.created_at, sess.created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var name sql.NullString
		var lastEventAt sql.NullTime
		if err := rows.Scan(&sum.ID, &name, &sum.CreatedAt, &lastEventAt, &sum.EventCount); err != nil {
			return nil, fmt.Errorf("eventstore: scan session: %w", err)
		}
		if name.Valid {
			sum.Name = name.String
		}
		if lastEventAt.Valid {
			t := lastEventAt.Time
			sum.LastEventAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetSession returns the summary for id, or ErrNotFound.
func (s *Store) GetSession(id string) (Summary, error) {
	var sum Summary
	var name sql.NullString
	var lastEventAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT sess.id, sess.name, sess.created_at, lev.created_at, COUNT(ev.id)
		FROM sessions sess
		LEFT JOIN events ev ON ev.session_id = sess.id
		LEFT JOIN events lev ON lev.id = (
			SELECT id FROM events WHERE session_id = sess.id
			ORDER BY created_at DESC, id DESC LIMIT 1)
		WHERE sess.id = ?
		GROUP BY sess.id`, id,
	).Scan(&sum.ID, &name, &sum.CreatedAt, &lastEventAt, &sum.EventCount)
	if err == sql.ErrNoRows {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("eventstore: get session: %w", err)
	}
	if name.Valid {
		sum.Name = name.String
	}
	if lastEventAt.Valid {
		t := lastEventAt.Time
		sum.LastEventAt = &t
	}
	return sum, nil
}

// UpdateSessionName trims name and sets it; a blank result is a no-op.
func (s *Store) UpdateSessionName(id, name string) error {
	trimmed := trimSpace(name)
	if trimmed == "" {
		return nil
	}
	result, err := s.db.Exec(`UPDATE sessions SET name = ? WHERE id = ?`, trimmed, id)
	if err != nil {
		return fmt.Errorf("eventstore: update session name: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLastSessionID returns the id of the most recently active session (the
// first entry in ListSessions' COALESCE(lastEventAt, createdAt) DESC order),
// or ErrNotFound if the store has no sessions.
func (s *Store) GetLastSessionID() (string, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT sess.id FROM sessions sess
		LEFT JOIN events ev ON ev.session_id = sess.id
		GROUP BY sess.id
		ORDER BY COALESCE(MAX(ev.created_at), sess.created_at) DESC
		LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("eventstore: get last session: %w", err)
	}
	return id, nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
