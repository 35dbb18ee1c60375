package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const currentVersion = 3

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite-backed persistence for pomodoro session records and
// the study records derived from them.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory() (*Store, error) {
	return New(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := s.migrateV2(); err != nil {
			return err
		}
	}
	if version < 3 {
		if err := s.migrateV3(); err != nil {
			return err
		}
	}

	_, err = s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

func (s *Store) migrateV1() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS pomodoro_sessions (
		id                      TEXT PRIMARY KEY,
		user_id                 TEXT NOT NULL,
		task_id                 TEXT,
		duration_minutes        INTEGER NOT NULL,
		is_count_up             INTEGER NOT NULL DEFAULT 0,
		status                  TEXT NOT NULL DEFAULT 'running',
		count_up_elapsed        INTEGER,
		started_at              TEXT NOT NULL,
		paused_at               TEXT,
		resumed_at              TEXT,
		completed_at            TEXT,
		actual_duration_minutes INTEGER,
		updated_at              TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE INDEX IF NOT EXISTS idx_pomodoro_user_status ON pomodoro_sessions(user_id, status);

	CREATE TABLE IF NOT EXISTS study_records (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL UNIQUE,
		user_id          TEXT NOT NULL,
		task_id          TEXT,
		duration_minutes INTEGER NOT NULL,
		source           TEXT NOT NULL DEFAULT 'pomodoro',
		started_at       TEXT NOT NULL,
		completed_at     TEXT NOT NULL,
		created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE INDEX IF NOT EXISTS idx_study_user_completed ON study_records(user_id, completed_at);
	`
	_, err := s.db.Exec(ddl)
	return err
}

// migrateV2 adds the live countdown value and its capture time, which make
// recovery exact across pause/resume cycles.
func (s *Store) migrateV2() error {
	stmts := []string{
		`ALTER TABLE pomodoro_sessions ADD COLUMN remaining_seconds INTEGER`,
		`ALTER TABLE pomodoro_sessions ADD COLUMN synced_at TEXT`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate v2: %w", err)
		}
	}
	return nil
}

// migrateV3 adds the session revision. Writes carrying an older revision
// than the stored one are dropped.
func (s *Store) migrateV3() error {
	_, err := s.db.Exec(`ALTER TABLE pomodoro_sessions ADD COLUMN revision INTEGER NOT NULL DEFAULT 0`)
	if err != nil {
		return fmt.Errorf("migrate v3: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullStringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func intArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
