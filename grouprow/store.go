/*
store.go - Storage contracts consumed by the grouped-row engine

PURPOSE:
  Defines the interfaces between the engine and its backing services:
  the flat 2D table store, the durable key/value property store, the
  shared cache store, and the mutual-exclusion lock. Different
  implementations can use memory, SQLite, or PostgreSQL.

KEY INTERFACES:
  TabularStore:  One flat table of cells (1-based rows/cols, row 1 = header)
  Workbook:      Named-table registry (one table per record type)
  KeyValueStore: Durable string properties (sequence counters, report headers)
  CacheStore:    Shared cache with per-entry TTL
  Locker:        Bounded-wait mutual exclusion for all mutations

COORDINATE CONVENTION:
  Rows and columns are 1-based throughout, matching the display grid the
  data originates from. Row 1 is always the column-header row; data rows
  start at row 2.

RAW vs DISPLAY READS:
  ReadRange returns stored cell values. ReadDisplayRange returns values as
  an operator would see them (implementations may apply number formatting);
  callers that aggregate display reads must parse with ParseCurrency.

IMPLEMENTATIONS:
  - grouprow/store/memory.go: in-memory, for tests and dev
  - store/sqlite:             SQLite-backed tables, properties, cache
  - store/postgres:           PostgreSQL-backed tables (pgx driver)

SEE ALSO:
  - grouped.go: GroupedRowStore built on TabularStore
  - sequence.go: SequenceAllocator built on KeyValueStore + Locker
  - cache.go: Cache built on CacheStore
*/
package grouprow

import (
	"context"
	"time"
)

// =============================================================================
// TABULAR STORE - One flat table of string cells
// =============================================================================

// TabularStore is the minimal contract over a single 2D cell grid.
// The engine never alters column layout dynamically; each record type
// occupies one table whose header names live in row 1.
type TabularStore interface {
	// ReadRange returns stored values for the rectangle starting at
	// (startRow, startCol). Cells beyond the written area read as "".
	ReadRange(ctx context.Context, startRow, startCol, numRows, numCols int) ([][]string, error)

	// ReadDisplayRange returns display-formatted values for the same
	// rectangle. Implementations without formatting return stored values.
	ReadDisplayRange(ctx context.Context, startRow, startCol, numRows, numCols int) ([][]string, error)

	// WriteRange overwrites the rectangle starting at (startRow, startCol)
	// with the given values.
	WriteRange(ctx context.Context, startRow, startCol int, values [][]string) error

	// AppendRow writes one row immediately after the last occupied row.
	AppendRow(ctx context.Context, values []string) error

	// DeleteRowRange removes numRows physical rows starting at startRow.
	// Rows below shift up; relative order of survivors is preserved.
	DeleteRowRange(ctx context.Context, startRow, numRows int) error

	// LastRow returns the last occupied row number, 0 for an empty table.
	LastRow(ctx context.Context) (int, error)
}

// Workbook is a registry of named tables.
type Workbook interface {
	// Table returns the named table, creating it empty if absent.
	Table(ctx context.Context, name string) (TabularStore, error)

	// EnsureTable returns the named table, creating it with the given
	// header row when it does not exist or is empty.
	EnsureTable(ctx context.Context, name string, header []string) (TabularStore, error)
}

// =============================================================================
// KEY/VALUE PROPERTY STORE - Durable counters and report headers
// =============================================================================

// KeyValueStore persists small string properties durably. Backs the
// sequence counters and the per-order progress report headers.
// Lifecycle: initialized lazily by the owning process, no teardown.
type KeyValueStore interface {
	// Get returns the stored value, or "" when the key is absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores the value durably before returning.
	Set(ctx context.Context, key, value string) error
}

// =============================================================================
// CACHE STORE - Shared cache with per-entry TTL
// =============================================================================

// CacheStore is the raw cache the engine's Cache layer wraps. A present,
// non-expired entry is authoritative; expired entries read as misses.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, bool)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// =============================================================================
// LOCKER - Global mutual exclusion for mutations
// =============================================================================

// Locker serializes mutations. One instance is shared by the sequence
// allocator and every mutating record operation in-process; there is no
// row-level or record-level locking.
type Locker interface {
	// TryAcquire blocks up to timeout for the lock. Returns false when the
	// lock could not be acquired in time.
	TryAcquire(timeout time.Duration) bool

	// Release releases the lock. Must only be called after a successful
	// TryAcquire.
	Release()
}
