/*
Package postgres provides a PostgreSQL-backed implementation of the
storage interfaces, mirroring store/sqlite with dialect differences
only (placeholders, types, upsert syntax).

INTERFACES IMPLEMENTED:
  grouprow.Workbook:      Named tables of 1-based rows
  grouprow.KeyValueStore: Durable properties
  grouprow.CacheStore:    Shared cache entries with per-entry TTL

CONCURRENCY:
  No process-level mutex: PostgreSQL's own concurrency control covers
  the row operations, and the engine's global Locker already serializes
  multi-statement mutations.

DRIVER:
  Uses pgx through the database/sql compatibility layer so the store
  code stays identical in shape to the SQLite one.

SEE ALSO:
  - grouprow/store.go: Interface definitions
  - store/sqlite: SQLite variant with schema commentary
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/ledger-engine/grouprow"
)

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL store with the given DSN and migrates the
// schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sheet_rows (
		sheet TEXT NOT NULL,
		row_num BIGINT NOT NULL,
		cells JSONB NOT NULL,
		PRIMARY KEY (sheet, row_num)
	);

	CREATE TABLE IF NOT EXISTS properties (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
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

func (s *Store) Table(ctx context.Context, name string) (grouprow.TabularStore, error) {
	return &table{store: s, name: name}, nil
}

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

type table struct {
	store *Store
	name  string
}

func (t *table) ReadRange(ctx context.Context, startRow, startCol, numRows, numCols int) ([][]string, error) {
	rows, err := t.store.db.QueryContext(ctx,
		`SELECT row_num, cells FROM sheet_rows
		 WHERE sheet = $1 AND row_num >= $2 AND row_num < $3
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
		var cellsJSON []byte
		if err := rows.Scan(&rowNum, &cellsJSON); err != nil {
			return nil, err
		}
		var cells []string
		if err := json.Unmarshal(cellsJSON, &cells); err != nil {
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

func (t *table) ReadDisplayRange(ctx context.Context, startRow, startCol, numRows, numCols int) ([][]string, error) {
	return t.ReadRange(ctx, startRow, startCol, numRows, numCols)
}

func (t *table) WriteRange(ctx context.Context, startRow, startCol int, values [][]string) error {
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
	var cellsJSON []byte
	err := tx.QueryRowContext(ctx,
		"SELECT cells FROM sheet_rows WHERE sheet = $1 AND row_num = $2",
		t.name, rowNum,
	).Scan(&cellsJSON)
	switch {
	case err == sql.ErrNoRows:
		// new row
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(cellsJSON, &cells); err != nil {
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
		`INSERT INTO sheet_rows (sheet, row_num, cells) VALUES ($1, $2, $3)
		 ON CONFLICT (sheet, row_num) DO UPDATE SET cells = excluded.cells`,
		t.name, rowNum, raw,
	)
	return err
}

func (t *table) AppendRow(ctx context.Context, values []string) error {
	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(row_num), 0) FROM sheet_rows WHERE sheet = $1",
		t.name,
	).Scan(&last); err != nil {
		return err
	}
	if err := t.patchRowTx(ctx, tx, last+1, 1, values); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRowRange renumbers through negative row numbers, same as the
// SQLite store, so the primary key never transiently collides.
func (t *table) DeleteRowRange(ctx context.Context, startRow, numRows int) error {
	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	end := startRow + numRows
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sheet_rows WHERE sheet = $1 AND row_num >= $2 AND row_num < $3",
		t.name, startRow, end,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sheet_rows SET row_num = -(row_num - $1) WHERE sheet = $2 AND row_num >= $3",
		numRows, t.name, end,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sheet_rows SET row_num = -row_num WHERE sheet = $1 AND row_num < 0",
		t.name,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *table) LastRow(ctx context.Context) (int, error) {
	var last int
	err := t.store.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(row_num), 0) FROM sheet_rows WHERE sheet = $1",
		t.name,
	).Scan(&last)
	return last, err
}

// =============================================================================
// KEY/VALUE PROPERTIES (grouprow.KeyValueStore interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM properties WHERE key = $1", key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO properties (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value,
	)
	return err
}

// =============================================================================
// CACHE (grouprow.CacheStore interface)
// =============================================================================

// Cache exposes the cache face of the store.
func (s *Store) Cache() grouprow.CacheStore {
	return (*cacheStore)(s)
}

type cacheStore Store

func (c *cacheStore) Get(ctx context.Context, key string) (string, bool) {
	var value string
	var expiresAt time.Time
	err := c.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache_entries WHERE key = $1", key,
	).Scan(&value, &expiresAt)
	if err != nil || !time.Now().Before(expiresAt) {
		return "", false
	}
	return value, true
}

func (c *cacheStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at`,
		key, value, time.Now().Add(ttl).UTC(),
	)
	return err
}

func (c *cacheStore) Remove(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = $1", key)
	return err
}

// PruneCache drops expired cache entries.
func (s *Store) PruneCache(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at < NOW()")
	return err
}
