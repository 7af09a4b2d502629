// Package usage tracks per-instruction usage: every read of an entry
// records an event, and the aggregate (count, last-used) decorates the
// optional usage fields on list/get results.
//
// Backed by SQLite via modernc.org/sqlite — pure Go, no cgo.
package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeNow is a package-level var for testability.
var timeNow = time.Now

// Stats is the aggregate usage view for one instruction.
type Stats struct {
	UseCount   int    `json:"useCount"`
	LastUsedAt string `json:"lastUsedAt"`
}

// Store is the SQLite-backed usage tracker.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the usage database at dbPath and runs
// migrations.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("usage: create data dir: %w", err)
	}

	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("usage: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("usage: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS usage_events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			instruction_id TEXT NOT NULL,
			used_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_instruction ON usage_events(instruction_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordUse logs one usage event for the instruction.
func (s *Store) RecordUse(instructionID string) error {
	ts := timeNow().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(
		"INSERT INTO usage_events (instruction_id, used_at) VALUES (?, ?)",
		instructionID, ts,
	); err != nil {
		return fmt.Errorf("usage: record use of %q: %w", instructionID, err)
	}
	return nil
}

// Get returns the aggregate usage for one instruction. A never-used id
// yields zero stats, not an error.
func (s *Store) Get(instructionID string) (Stats, error) {
	row := s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(MAX(used_at), '') FROM usage_events WHERE instruction_id = ?",
		instructionID,
	)
	var st Stats
	if err := row.Scan(&st.UseCount, &st.LastUsedAt); err != nil {
		return Stats{}, fmt.Errorf("usage: stats for %q: %w", instructionID, err)
	}
	return st, nil
}

// All returns aggregate usage for every instruction with at least one
// event.
func (s *Store) All() (map[string]Stats, error) {
	rows, err := s.db.Query(
		"SELECT instruction_id, COUNT(*), MAX(used_at) FROM usage_events GROUP BY instruction_id",
	)
	if err != nil {
		return nil, fmt.Errorf("usage: aggregate query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Stats)
	for rows.Next() {
		var id string
		var st Stats
		if err := rows.Scan(&id, &st.UseCount, &st.LastUsedAt); err != nil {
			return nil, fmt.Errorf("usage: scanning row: %w", err)
		}
		out[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: iterating rows: %w", err)
	}
	return out, nil
}

// Forget drops all events for the given instructions. Called when
// entries are removed so usage doesn't accrete for dead ids.
func (s *Store) Forget(instructionIDs []string) error {
	for _, id := range instructionIDs {
		if _, err := s.db.Exec("DELETE FROM usage_events WHERE instruction_id = ?", id); err != nil {
			return fmt.Errorf("usage: forgetting %q: %w", id, err)
		}
	}
	return nil
}
