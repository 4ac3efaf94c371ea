/*
cache.go - Read-through cache with enumerated invalidation fan-out

PURPOSE:
  Caches serialized dataset snapshots keyed by logical dataset name, with
  independent TTL classes per dataset kind. Mutations never update cache
  entries in place; every write path removes the fixed set of keys it
  could have affected and the next read repopulates.

TTL CLASSES:
  TTLMaster - master/reference data that rarely changes (~25 min)
  TTLList   - frequently mutated lists (~2 min)
  TTLOrders - order-like lists with high edit frequency (~1 min)

BEST-EFFORT CONTRACT:
  Put and Invalidate swallow store errors (logged, never surfaced);
  a short staleness window bounded by the entry TTL is preferred over a
  failing write path. Callers must not assume invalidation is
  transactional with the write that triggered it.

FAN-OUT:
  Every dataset a write can affect is enumerated here, including the
  year-bucketed analysis keys and the month-bucketed progress keys, so
  the coupling stays visible in one place.
*/
package grouprow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/ledger-engine/metrics"
)

// TTL classes. Staleness bound of any dataset = its class TTL.
const (
	TTLMaster = 25 * time.Minute
	TTLList   = 2 * time.Minute
	TTLOrders = time.Minute
)

// Cache is the engine's read-through cache layer over a CacheStore.
type Cache struct {
	Store CacheStore
	Log   *slog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cache) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Get returns the cached snapshot for key, if present and unexpired.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c.Store == nil {
		return "", false
	}
	v, ok := c.Store.Get(ctx, key)
	if ok {
		metrics.CacheHits.WithLabelValues(datasetOf(key)).Inc()
	} else {
		metrics.CacheMisses.WithLabelValues(datasetOf(key)).Inc()
	}
	return v, ok
}

// Put stores a snapshot best-effort. Failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, key, value string, ttl time.Duration) {
	if c.Store == nil {
		return
	}
	if err := c.Store.Put(ctx, key, value, ttl); err != nil {
		c.log().Warn("cache put failed", "key", key, "err", err)
	}
}

// Invalidate removes the given keys best-effort.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c.Store == nil {
		return
	}
	for _, k := range keys {
		if err := c.Store.Remove(ctx, k); err != nil {
			c.log().Warn("cache invalidate failed", "key", k, "err", err)
		}
	}
}

// InvalidateRecordData removes every dataset a record write (estimate,
// order, invoice, deposit, payment) can affect, including the analysis
// buckets for the current year -2..+1.
func (c *Cache) InvalidateRecordData(ctx context.Context) {
	keys := []string{
		"projects_data",
		"orders_data",
		"active_projects_data",
		"deposits_data",
		"payments_data",
		"masters_data",
		"products_data",
		"material_prices",
		"progress_data_all",
		"progress_report_list",
		"progress_report_list_all",
	}
	y := c.now().Year()
	for i := y - 2; i <= y+1; i++ {
		keys = append(keys, fmt.Sprintf("analysis_%d", i))
	}
	c.Invalidate(ctx, keys...)
}

// InvalidateProgress removes the progress datasets, the per-order keys
// when orderID is given, and the month-bucketed variants for the current
// month +-2.
func (c *Cache) InvalidateProgress(ctx context.Context, orderID string) {
	keys := []string{
		"progress_data_all",
		"progress_report_list",
		"progress_report_list_all",
	}
	if orderID != "" {
		keys = append(keys, "progress_data_"+orderID, "progress_data_"+orderID+"_")
	}
	now := c.now()
	for delta := -2; delta <= 2; delta++ {
		// Anchor on the first of the month so end-of-month dates cannot
		// skip a bucket during normalization.
		ym := time.Date(now.Year(), now.Month()+time.Month(delta), 1, 0, 0, 0, 0, now.Location()).Format("2006-01")
		keys = append(keys, "progress_report_list_"+ym)
		if orderID != "" {
			keys = append(keys, "progress_data_"+orderID+"_"+ym)
		}
	}
	c.Invalidate(ctx, keys...)
}

// datasetOf truncates a cache key to its dataset class for metric labels,
// keeping cardinality bounded (no record IDs, no year/month buckets).
func datasetOf(key string) string {
	for _, prefix := range []string{"progress_report_list", "progress_data", "analysis", "invoice_files"} {
		if strings.HasPrefix(key, prefix) {
			return prefix
		}
	}
	return key
}
