/**
 * CONTEXT:   SQLite-backed accounting store for shepherdd
 * INPUT:     A data directory containing (or to contain) the store database file
 * OUTPUT:    A Store implementation with WAL durability and a single-writer discipline
 * BUSINESS:  Usage/cooldown/audit/snapshot must survive a crash with no partial records
 * CHANGE:    Initial implementation
 * RISK:      Medium - accounting correctness depends on this layer being atomic and durable
 */

package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLite is the production Store implementation. SQLite's own
// write-ahead log already rolls back an incomplete transaction on open,
// so a crash mid-write leaves no partial audit record visible — no
// separate append-log recovery step is needed (see DESIGN.md Open
// Question 4).
type SQLite struct {
	db *sql.DB
	mu sync.Mutex // serializes writers; readers go through database/sql's own pool
}

// ConnectionConfig mirrors the teacher's SQLite connection tuning:
// bounded pool, WAL journal mode, full synchronous mode.
type ConnectionConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConnectionConfig returns production-sane pool settings for the
// database file at path.
func DefaultConnectionConfig(path string) ConnectionConfig {
	return ConnectionConfig{
		Path:            path,
		MaxOpenConns:    8,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// Open opens (creating if necessary) the SQLite store at cfg.Path and
// applies the schema.
func Open(cfg ConnectionConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	dsn := cfg.Path +
		"?_foreign_keys=on" +
		"&_journal_mode=WAL" +
		"&_synchronous=FULL" +
		"&_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &SQLite{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initialize() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("store: read embedded schema: %w", err)
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) IsHealthy() bool {
	return s.db.Ping() == nil
}

func (s *SQLite) GetUsage(entry ids.EntryId, day Day) (time.Duration, error) {
	var ns int64
	err := s.db.QueryRow(
		`SELECT duration_ns FROM usage WHERE entry_id = ? AND local_day = ?`,
		string(entry), string(day),
	).Scan(&ns)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get usage: %w", err)
	}
	return time.Duration(ns), nil
}

// AddUsage is the one genuinely concurrent write path: concurrent session
// ends for distinct entries/days must not clobber each other, hence the
// upsert rather than read-modify-write from Go.
func (s *SQLite) AddUsage(entry ids.EntryId, day Day, dur time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO usage (entry_id, local_day, duration_ns) VALUES (?, ?, ?)
		ON CONFLICT(entry_id, local_day) DO UPDATE SET duration_ns = duration_ns + excluded.duration_ns
	`, string(entry), string(day), int64(dur))
	if err != nil {
		return fmt.Errorf("store: add usage: %w", err)
	}
	return nil
}

func (s *SQLite) GetCooldownUntil(entry ids.EntryId) (time.Time, error) {
	var unix int64
	err := s.db.QueryRow(`SELECT until_unix FROM cooldown WHERE entry_id = ?`, string(entry)).Scan(&unix)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: get cooldown: %w", err)
	}
	return time.Unix(unix, 0), nil
}

func (s *SQLite) SetCooldownUntil(entry ids.EntryId, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cooldown (entry_id, until_unix) VALUES (?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET until_unix = excluded.until_unix
	`, string(entry), until.Unix())
	if err != nil {
		return fmt.Errorf("store: set cooldown: %w", err)
	}
	return nil
}

func (s *SQLite) ClearCooldown(entry ids.EntryId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM cooldown WHERE entry_id = ?`, string(entry)); err != nil {
		return fmt.Errorf("store: clear cooldown: %w", err)
	}
	return nil
}

// AppendAudit assigns the next sequence number under the writer lock so
// the audit sequence is strictly increasing and gap-free per process run
// (spec.md invariant 6), and commits the insert before returning.
func (s *SQLite) AppendAudit(event events.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("store: marshal audit payload: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin audit tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM audit`).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("store: read max audit seq: %w", err)
	}
	next := int64(1)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}

	if _, err := tx.Exec(
		`INSERT INTO audit (seq, timestamp, event_type, payload) VALUES (?, ?, ?, ?)`,
		next, event.Timestamp.Format(time.RFC3339Nano), string(event.Type), string(payload),
	); err != nil {
		return 0, fmt.Errorf("store: insert audit record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit audit tx: %w", err)
	}
	return next, nil
}

func (s *SQLite) LoadSnapshot() (Snapshot, error) {
	var (
		ts        string
		sessionID sql.NullString
		entryID   sql.NullString
		startedAt sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT timestamp, session_id, entry_id, session_started_at FROM snapshot WHERE id = 0`,
	).Scan(&ts, &sessionID, &entryID, &startedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: load snapshot: %w", err)
	}

	snap := Snapshot{}
	snap.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	if sessionID.Valid && entryID.Valid && startedAt.Valid {
		started, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		snap.ActiveSession = &ActiveSession{
			SessionID: ids.SessionId(sessionID.String),
			EntryID:   ids.EntryId(entryID.String),
			StartedAt: started,
		}
	}
	return snap, nil
}

func (s *SQLite) SaveSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessionID, entryID, startedAt sql.NullString
	if snap.ActiveSession != nil {
		sessionID = sql.NullString{String: string(snap.ActiveSession.SessionID), Valid: true}
		entryID = sql.NullString{String: string(snap.ActiveSession.EntryID), Valid: true}
		startedAt = sql.NullString{String: snap.ActiveSession.StartedAt.Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO snapshot (id, timestamp, session_id, entry_id, session_started_at)
		VALUES (0, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			timestamp = excluded.timestamp,
			session_id = excluded.session_id,
			entry_id = excluded.entry_id,
			session_started_at = excluded.session_started_at
	`, snap.Timestamp.Format(time.RFC3339Nano), sessionID, entryID, startedAt)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}
