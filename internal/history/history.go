// Package history records every resolved request in a local sqlite
// database, for debugging and for the CLI's inspection commands.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"metricsmith/internal/logging"
)

// Outcome labels how a request was resolved.
type Outcome string

const (
	OutcomeCacheHit    Outcome = "cache_hit"
	OutcomeExecuted    Outcome = "executed"
	OutcomeSynthesized Outcome = "synthesized"
	OutcomeFallback    Outcome = "fallback"
	OutcomeError       Outcome = "error"
)

// Invocation is one resolved request.
type Invocation struct {
	ID        int64         `json:"id"`
	Hash      string        `json:"hash"`
	Request   string        `json:"request"`
	Kind      string        `json:"kind"`
	RoutineID string        `json:"routine_id,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store is the sqlite-backed invocation log.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hash TEXT NOT NULL,
		request TEXT NOT NULL,
		kind TEXT NOT NULL,
		routine_id TEXT,
		outcome TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_hash ON invocations(hash);
	CREATE INDEX IF NOT EXISTS idx_invocations_outcome ON invocations(outcome);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// Record appends one invocation.
func (s *Store) Record(inv *Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO invocations (hash, request, kind, routine_id, outcome, duration_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		inv.Hash, inv.Request, inv.Kind, inv.RoutineID, string(inv.Outcome), inv.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	inv.ID, _ = res.LastInsertId()

	logging.Resolve("Recorded %s invocation for %s", inv.Outcome, inv.Hash)
	return nil
}

// Recent returns the latest n invocations, newest first.
func (s *Store) Recent(n int) ([]*Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, hash, request, kind, routine_id, outcome, duration_ms, created_at
		 FROM invocations ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	return scanInvocations(rows)
}

// ByHash returns every invocation for one descriptor hash, newest first.
func (s *Store) ByHash(hash string) ([]*Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, hash, request, kind, routine_id, outcome, duration_ms, created_at
		 FROM invocations WHERE hash = ? ORDER BY id DESC`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations by hash: %w", err)
	}
	defer rows.Close()

	return scanInvocations(rows)
}

// CountByOutcome returns invocation totals per outcome.
func (s *Store) CountByOutcome() (map[Outcome]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM invocations GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count invocations: %w", err)
	}
	defer rows.Close()

	counts := make(map[Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan invocation count: %w", err)
		}
		counts[Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanInvocations(rows *sql.Rows) ([]*Invocation, error) {
	var out []*Invocation
	for rows.Next() {
		var inv Invocation
		var routineID sql.NullString
		var durationMS int64
		if err := rows.Scan(&inv.ID, &inv.Hash, &inv.Request, &inv.Kind, &routineID, &inv.Outcome, &durationMS, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		inv.RoutineID = routineID.String
		inv.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &inv)
	}
	return out, rows.Err()
}
