/*
Package sqlite provides a SQLite-backed PersistenceAdapter.

PURPOSE:
  Stores the billing snapshot locally. This is the authoritative copy: the
  engine saves here synchronously after every mutation and loads from here
  on startup.

LAYOUT:
  The logical document (firmConfigs, jobs, dailyTallies, firmBillingPeriods,
  lastSaved) is split into one table per entity map. Each row is one
  association-list entry: its key, its position in the list and the entity
  encoded as JSON. A few columns are lifted out of the JSON so the data can
  be inspected with plain SQL.

KEY TABLES:
  firm_configs:    firm name -> FirmConfig
  jobs:            job id -> Job (firm_name, status lifted)
  daily_tallies:   YYYY-MM-DD -> DailyTally (is_finalized lifted)
  billing_periods: period id -> BillingPeriod (firm_name, start_date lifted)
  snapshot_meta:   last_saved

SAVE SEMANTICS:
  Save replaces every table inside one transaction, so a crash never leaves
  half a snapshot behind.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so readers don't block
  the single writer.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine, err := billing.NewEngine(ctx, store)

SEE ALSO:
  - billing/snapshot.go: Snapshot and PersistenceAdapter
  - store/memory:        In-memory implementation for testing
  - store/mirror:        Remote copy on top of this store
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/claims-billing/billing"
	"github.com/warp/claims-billing/generic"
)

// Store implements billing.PersistenceAdapter using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS firm_configs (
		key TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		key TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		firm_name TEXT NOT NULL,
		status TEXT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_firm ON jobs(firm_name);

	CREATE TABLE IF NOT EXISTS daily_tallies (
		key TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		is_finalized INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS billing_periods (
		key TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		firm_name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_billing_periods_firm ON billing_periods(firm_name, start_date);

	CREATE TABLE IF NOT EXISTS snapshot_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_saved TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOAD
// =============================================================================

// Load returns the stored snapshot, or nil when nothing was saved yet.
func (s *Store) Load(ctx context.Context) (*billing.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastSaved string
	err := s.db.QueryRowContext(ctx, `SELECT last_saved FROM snapshot_meta WHERE id = 1`).Scan(&lastSaved)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot meta: %w", err)
	}

	snap := &billing.Snapshot{}
	if snap.LastSaved, err = time.Parse(time.RFC3339Nano, lastSaved); err != nil {
		return nil, fmt.Errorf("failed to parse last_saved: %w", err)
	}
	if snap.FirmConfigs, err = loadEntries[billing.FirmConfig](ctx, s.db, "firm_configs"); err != nil {
		return nil, err
	}
	if snap.Jobs, err = loadEntries[billing.Job](ctx, s.db, "jobs"); err != nil {
		return nil, err
	}
	if snap.DailyTallies, err = loadEntries[billing.DailyTally](ctx, s.db, "daily_tallies"); err != nil {
		return nil, err
	}
	if snap.FirmBillingPeriods, err = loadEntries[billing.BillingPeriod](ctx, s.db, "billing_periods"); err != nil {
		return nil, err
	}
	return snap, nil
}

// loadEntries reads one association list in stored order. table is always
// one of the package's own table names.
func loadEntries[V any](ctx context.Context, db *sql.DB, table string) ([]generic.Entry[V], error) {
	rows, err := db.QueryContext(ctx, `SELECT key, body FROM `+table+` ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var entries []generic.Entry[V]
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		var v V
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s %q: %w", table, key, err)
		}
		entries = append(entries, generic.Entry[V]{Key: key, Value: v})
	}
	return entries, rows.Err()
}

// =============================================================================
// SAVE
// =============================================================================

// Save replaces the stored snapshot atomically.
func (s *Store) Save(ctx context.Context, snap billing.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"firm_configs", "jobs", "daily_tallies", "billing_periods"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, e := range snap.FirmConfigs {
		if err := insert(ctx, tx, `INSERT INTO firm_configs (key, position, body) VALUES (?, ?, ?)`, e.Value, e.Key, i); err != nil {
			return err
		}
	}
	for i, e := range snap.Jobs {
		if err := insert(ctx, tx, `INSERT INTO jobs (key, position, firm_name, status, body) VALUES (?, ?, ?, ?, ?)`,
			e.Value, e.Key, i, e.Value.FirmName, string(e.Value.Status)); err != nil {
			return err
		}
	}
	for i, e := range snap.DailyTallies {
		if err := insert(ctx, tx, `INSERT INTO daily_tallies (key, position, is_finalized, body) VALUES (?, ?, ?, ?)`,
			e.Value, e.Key, i, e.Value.IsFinalized); err != nil {
			return err
		}
	}
	for i, e := range snap.FirmBillingPeriods {
		if err := insert(ctx, tx, `INSERT INTO billing_periods (key, position, firm_name, start_date, body) VALUES (?, ?, ?, ?, ?)`,
			e.Value, e.Key, i, e.Value.FirmName, e.Value.StartDate.String()); err != nil {
			return err
		}
	}

	lastSaved := snap.LastSaved
	if lastSaved.IsZero() {
		lastSaved = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_meta (id, last_saved) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_saved = excluded.last_saved
	`, lastSaved.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write snapshot meta: %w", err)
	}

	return tx.Commit()
}

// insert encodes body as JSON and appends it as the last bind argument.
func insert(ctx context.Context, tx *sql.Tx, query string, body any, args ...any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, append(args, string(b))...); err != nil {
		return fmt.Errorf("failed to insert row: %w", err)
	}
	return nil
}

// =============================================================================
// INSPECTION
// =============================================================================

// LastSaved returns when the snapshot was last written, zero if never.
func (s *Store) LastSaved(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v string
	err := s.db.QueryRowContext(ctx, `SELECT last_saved FROM snapshot_meta WHERE id = 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

// CountJobsByFirm returns the number of stored jobs per firm.
func (s *Store) CountJobsByFirm(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT firm_name, COUNT(*) FROM jobs GROUP BY firm_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var firm string
		var n int
		if err := rows.Scan(&firm, &n); err != nil {
			return nil, err
		}
		counts[firm] = n
	}
	return counts, rows.Err()
}

// Reset clears all data. Used for testing.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"firm_configs", "jobs", "daily_tallies", "billing_periods", "snapshot_meta"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
