/*
scheduler.go - Periodic cache maintenance

PURPOSE:
  Runs a background goroutine that prunes expired cache entries from
  the durable cache table. Reads already treat expired entries as
  misses, so pruning only reclaims storage; the interval is loose.

USAGE:
  pruner := NewCachePruner(store, logger)
  pruner.Start()
  // ... later
  pruner.Stop()

SEE ALSO:
  - store/sqlite: PruneCache implementation
  - grouprow/cache.go: TTL classes
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PrunableCache is the maintenance face of the SQL-backed stores.
type PrunableCache interface {
	PruneCache(ctx context.Context) error
}

// CachePruner periodically removes expired cache entries.
type CachePruner struct {
	Cache    PrunableCache
	Log      *slog.Logger
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCachePruner creates a pruner with a one-hour interval.
func NewCachePruner(cache PrunableCache, log *slog.Logger) *CachePruner {
	return &CachePruner{
		Cache:    cache,
		Log:      log,
		Interval: 1 * time.Hour,
		stop:     make(chan struct{}),
	}
}

// Start begins the prune loop.
func (p *CachePruner) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ticker = time.NewTicker(p.Interval)
	p.wg.Add(1)
	go p.run()
	p.Log.Info("cache pruner started", "interval", p.Interval)
}

// Stop stops the prune loop and waits for it to exit.
func (p *CachePruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ticker != nil {
		p.ticker.Stop()
		close(p.stop)
		p.wg.Wait()
	}
}

func (p *CachePruner) run() {
	defer p.wg.Done()

	p.prune()
	for {
		select {
		case <-p.ticker.C:
			p.prune()
		case <-p.stop:
			return
		}
	}
}

func (p *CachePruner) prune() {
	if err := p.Cache.PruneCache(context.Background()); err != nil {
		p.Log.Warn("cache prune failed", "error", err)
	}
}
