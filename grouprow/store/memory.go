// Package store provides in-memory implementations of the grouprow
// storage contracts, used in tests and for dev servers.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/ledger-engine/grouprow"
)

// =============================================================================
// MEMORY WORKBOOK - named tables of string cells
// =============================================================================

type MemoryWorkbook struct {
	mu     sync.Mutex
	tables map[string]*MemoryTable
}

func NewMemoryWorkbook() *MemoryWorkbook {
	return &MemoryWorkbook{tables: make(map[string]*MemoryTable)}
}

func (w *MemoryWorkbook) Table(_ context.Context, name string) (grouprow.TabularStore, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	if !ok {
		t = &MemoryTable{}
		w.tables[name] = t
	}
	return t, nil
}

func (w *MemoryWorkbook) EnsureTable(ctx context.Context, name string, header []string) (grouprow.TabularStore, error) {
	raw, err := w.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	t := raw.(*MemoryTable)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rows) == 0 {
		t.rows = append(t.rows, append([]string(nil), header...))
	}
	return t, nil
}

// MemoryTable is one flat table. Rows and columns are 1-based; reads
// beyond the written area return blank cells.
type MemoryTable struct {
	mu   sync.RWMutex
	rows [][]string
}

func (t *MemoryTable) ReadRange(_ context.Context, startRow, startCol, numRows, numCols int) ([][]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]string, numRows)
	for i := 0; i < numRows; i++ {
		row := make([]string, numCols)
		r := startRow - 1 + i
		if r >= 0 && r < len(t.rows) {
			for j := 0; j < numCols; j++ {
				c := startCol - 1 + j
				if c >= 0 && c < len(t.rows[r]) {
					row[j] = t.rows[r][c]
				}
			}
		}
		out[i] = row
	}
	return out, nil
}

// ReadDisplayRange returns stored values; the memory table applies no
// number formatting.
func (t *MemoryTable) ReadDisplayRange(ctx context.Context, startRow, startCol, numRows, numCols int) ([][]string, error) {
	return t.ReadRange(ctx, startRow, startCol, numRows, numCols)
}

func (t *MemoryTable) WriteRange(_ context.Context, startRow, startCol int, values [][]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, vals := range values {
		r := startRow - 1 + i
		for len(t.rows) <= r {
			t.rows = append(t.rows, nil)
		}
		for j, v := range vals {
			c := startCol - 1 + j
			for len(t.rows[r]) <= c {
				t.rows[r] = append(t.rows[r], "")
			}
			t.rows[r][c] = v
		}
	}
	return nil
}

func (t *MemoryTable) AppendRow(_ context.Context, values []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, append([]string(nil), values...))
	return nil
}

func (t *MemoryTable) DeleteRowRange(_ context.Context, startRow, numRows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	lo := startRow - 1
	hi := lo + numRows
	if lo < 0 || hi > len(t.rows) {
		return nil
	}
	t.rows = append(t.rows[:lo], t.rows[hi:]...)
	return nil
}

func (t *MemoryTable) LastRow(_ context.Context) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows), nil
}

// =============================================================================
// MEMORY KEY/VALUE STORE
// =============================================================================

type MemoryKV struct {
	mu    sync.RWMutex
	props map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{props: make(map[string]string)}
}

func (kv *MemoryKV) Get(_ context.Context, key string) (string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.props[key], nil
}

func (kv *MemoryKV) Set(_ context.Context, key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.props[key] = value
	return nil
}

// =============================================================================
// MEMORY CACHE STORE
// =============================================================================

type cacheEntry struct {
	value   string
	expires time.Time
}

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	// Now is injectable for expiry tests; defaults to time.Now.
	Now func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry)}
}

func (c *MemoryCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *MemoryCache) Put(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// =============================================================================
// MEMORY LOCK - channel semaphore with bounded wait
// =============================================================================

// MemoryLock is the in-process global mutation lock. The holder token is
// diagnostic only; it shows up in busy logs when waits time out.
type MemoryLock struct {
	sem    chan struct{}
	mu     sync.Mutex
	holder string
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{sem: make(chan struct{}, 1)}
}

func (l *MemoryLock) TryAcquire(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
		l.mu.Lock()
		l.holder = uuid.NewString()
		l.mu.Unlock()
		return true
	case <-timer.C:
		return false
	}
}

func (l *MemoryLock) Release() {
	l.mu.Lock()
	l.holder = ""
	l.mu.Unlock()
	<-l.sem
}

// Holder returns the current holder token, or "" when the lock is free.
func (l *MemoryLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
