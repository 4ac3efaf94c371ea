/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (Workbook/TabularStore,
  KeyValueStore, CacheStore) using SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences
  (see store/postgres).

INTERFACES IMPLEMENTED:
  grouprow.Workbook:      Named tables of 1-based rows
  grouprow.KeyValueStore: Durable properties (sequence counters, report headers)
  grouprow.CacheStore:    Shared cache entries with per-entry TTL

ROW MODEL:
  Each table row is stored as one sheet_rows record holding the full
  cell list as a JSON array. The engine reads and writes whole-row
  rectangles, so a row-granular layout avoids a cell-per-record
  explosion while keeping partial-column writes cheap (read-modify-
  write of a single JSON array inside a transaction).

ROW DELETION:
  DeleteRowRange must renumber the surviving rows below the deleted
  window. The shift is done in two updates through negative row
  numbers so the primary key (sheet, row_num) never transiently
  collides mid-statement.

KEY TABLES:
  sheet_rows:    (sheet, row_num) -> JSON cell array
  properties:    durable key/value strings
  cache_entries: cache values with expiry timestamps

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := estimating.NewService(store, seq, cache, lock, logger)

SEE ALSO:
  - grouprow/store.go: Interface definitions
  - grouprow/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL variant
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

	"github.com/warp/ledger-engine/grouprow"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

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
	-- Table rows: one record per (table, row), cells as a JSON array
	CREATE TABLE IF NOT EXISTS sheet_rows (
		sheet TEXT NOT NULL,
		row_num INTEGER NOT NULL,
		cells TEXT NOT NULL,
		PRIMARY KEY (sheet, row_num)
	);

	CREATE INDEX IF NOT EXISTS idx_sheet_rows_sheet
		ON sheet_rows(sheet, row_num);

	-- Durable properties (sequence counters, report headers)
	CREATE TABLE IF NOT EXISTS properties (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Cache entries with absolute expiry
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_expires
		ON cache_entries(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// WORKBOOK (grouprow.Workbook interface)
// =============================================================================

// Table returns the named table. Tables need no creation step in this
// layout; an unknown name is simply an empty row set.
func (s *Store) Table(ctx context.Context, name string) (grouprow.TabularStore, error) {
	return &table{store: s, name: name}, nil
}

// EnsureTable returns the named table, writing the header row when the
// table is empty.
func (s *Store) EnsureTable(ctx context.Context, name string, header []string) (grouprow.TabularStore, error) {
	t := &table{store: s, name: name}
	last, err := t.LastRow(ctx)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		if err := t.WriteRange(ctx, 1, 1, [][]string{header}); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// table adapts one sheet_rows partition to grouprow.TabularStore.
type table struct {
	store *Store
	name  string
}

// ReadRange returns the rectangle starting at (startRow, startCol).
// Missing rows and cells beyond a row's width read as "".
func (t *table) ReadRange(ctx context.Context, startRow, startCol, numRows, numCols int) ([][]string, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	rows, err := t.store.db.QueryContext(ctx,
		`SELECT row_num, cells FROM sheet_rows
		 WHERE sheet = ? AND row_num >= ? AND row_num < ?
		 ORDER BY row_num`,
		t.name, startRow, startRow+numRows,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	defer rows.Close()

	grid := make([][]string, numRows)
	for i := range grid {
		grid[i] = make([]string, numCols)
	}
	for rows.Next() {
		var rowNum int
		var cellsJSON string
		if err := rows.Scan(&rowNum, &cellsJSON); err != nil {
			return nil, err
		}
		var cells []string
		if err := json.Unmarshal([]byte(cellsJSON), &cells); err != nil {
			return nil, fmt.Errorf("corrupt row %s/%d: %w", t.name, rowNum, err)
		}
		out := grid[rowNum-startRow]
		for c := 0; c < numCols; c++ {
			if idx := startCol - 1 + c; idx < len(cells) {
				out[c] = cells[idx]
			}
		}
	}
	return grid, rows.Err()
}

// ReadDisplayRange returns stored values; this backend keeps no
// separate display formatting.
func (t *table) ReadDisplayRange(ctx context.Context, startRow, startCol, numRows, numCols int) ([][]string, error) {
	return t.ReadRange(ctx, startRow, startCol, numRows, numCols)
}

// WriteRange overwrites the rectangle starting at (startRow, startCol).
// Partial-column writes patch the stored row inside one transaction.
func (t *table) WriteRange(ctx context.Context, startRow, startCol int, values [][]string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, rowValues := range values {
		if err := t.patchRowTx(ctx, tx, startRow+i, startCol, rowValues); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (t *table) patchRowTx(ctx context.Context, tx *sql.Tx, rowNum, startCol int, rowValues []string) error {
	var cells []string
	var cellsJSON string
	err := tx.QueryRowContext(ctx,
		"SELECT cells FROM sheet_rows WHERE sheet = ? AND row_num = ?",
		t.name, rowNum,
	).Scan(&cellsJSON)
	switch {
	case err == sql.ErrNoRows:
		// new row
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(cellsJSON), &cells); err != nil {
			return fmt.Errorf("corrupt row %s/%d: %w", t.name, rowNum, err)
		}
	}

	end := startCol - 1 + len(rowValues)
	for len(cells) < end {
		cells = append(cells, "")
	}
	copy(cells[startCol-1:end], rowValues)

	raw, err := json.Marshal(cells)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sheet_rows (sheet, row_num, cells) VALUES (?, ?, ?)
		 ON CONFLICT(sheet, row_num) DO UPDATE SET cells = excluded.cells`,
		t.name, rowNum, string(raw),
	)
	return err
}

// AppendRow writes one row immediately after the last occupied row.
func (t *table) AppendRow(ctx context.Context, values []string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(row_num), 0) FROM sheet_rows WHERE sheet = ?",
		t.name,
	).Scan(&last); err != nil {
		return err
	}
	if err := t.patchRowTx(ctx, tx, last+1, 1, values); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRowRange removes numRows rows starting at startRow and shifts
// the rows below up. The renumber goes through negative row numbers so
// the (sheet, row_num) key never collides mid-update.
func (t *table) DeleteRowRange(ctx context.Context, startRow, numRows int) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	end := startRow + numRows
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sheet_rows WHERE sheet = ? AND row_num >= ? AND row_num < ?",
		t.name, startRow, end,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sheet_rows SET row_num = -(row_num - ?) WHERE sheet = ? AND row_num >= ?",
		numRows, t.name, end,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sheet_rows SET row_num = -row_num WHERE sheet = ? AND row_num < 0",
		t.name,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// LastRow returns the last occupied row number, 0 for an empty table.
func (t *table) LastRow(ctx context.Context) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var last int
	err := t.store.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(row_num), 0) FROM sheet_rows WHERE sheet = ?",
		t.name,
	).Scan(&last)
	return last, err
}

// =============================================================================
// KEY/VALUE PROPERTIES (grouprow.KeyValueStore interface)
// =============================================================================

// Get returns the stored property value, or "" when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM properties WHERE key = ?", key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Set stores the property durably.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO properties (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// =============================================================================
// CACHE (grouprow.CacheStore interface)
// =============================================================================

// Cache exposes the cache face of the store. Get/Set above already
// claim the KeyValueStore method names on *Store, so the cache is a
// separate view over the same connection.
func (s *Store) Cache() grouprow.CacheStore {
	return (*cacheStore)(s)
}

type cacheStore Store

func (c *cacheStore) Get(ctx context.Context, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var value, expiresAt string
	err := c.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache_entries WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err != nil {
		return "", false
	}
	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || !time.Now().Before(exp) {
		return "", false
	}
	return value, true
}

func (c *cacheStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at`,
		key, value, time.Now().Add(ttl).UTC().Format(time.RFC3339),
	)
	return err
}

func (c *cacheStore) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
	return err
}

// PruneCache drops expired cache entries. Callers run it periodically;
// reads already treat expired entries as misses.
func (s *Store) PruneCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires_at < ?",
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"sheet_rows", "properties", "cache_entries"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
