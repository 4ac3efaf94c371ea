/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the grouped-row ledger engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse flags
  2. Initialize the selected storage driver
  3. Wire the domain services (sequencing, cache, estimating, progress)
  4. Configure HTTP router
  5. Start server with graceful shutdown

CONFIGURATION:
  Flags override environment variables; .env files feed the latter.
  -port / PORT          HTTP server port (default: 8080)
  -driver / DB_DRIVER   memory | sqlite | postgres (default: sqlite)
  -db / DB_PATH         SQLite database path (default: ledger.db)
  -dsn / DATABASE_URL   PostgreSQL DSN (postgres driver)
  -creator / CREATOR    Name stamped into generated orders

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run fully in memory
  ./server -driver=memory

  # Run against PostgreSQL
  ./server -driver=postgres -dsn="postgres://app@localhost/ledger"

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/estimating"
	"github.com/warp/ledger-engine/grouprow"
	memstore "github.com/warp/ledger-engine/grouprow/store"
	"github.com/warp/ledger-engine/progress"
	"github.com/warp/ledger-engine/store/postgres"
	"github.com/warp/ledger-engine/store/sqlite"
)

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	driver := flag.String("driver", envStr("DB_DRIVER", "sqlite"), "storage driver: memory | sqlite | postgres")
	dbPath := flag.String("db", envStr("DB_PATH", "ledger.db"), "SQLite database path")
	dsn := flag.String("dsn", envStr("DATABASE_URL", ""), "PostgreSQL DSN")
	creator := flag.String("creator", envStr("CREATOR", ""), "name stamped into generated orders")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	book, props, cacheStore, pruner, closeStore, err := openStore(*driver, *dbPath, *dsn)
	if err != nil {
		logger.Error("failed to initialize storage", "driver", *driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	lock := memstore.NewMemoryLock()
	cache := &grouprow.Cache{Store: cacheStore, Log: logger}
	// The allocator gets its own lock: record saves allocate IDs while
	// already holding the mutation lock, which is not reentrant.
	seq := &grouprow.SequenceAllocator{Props: props, Lock: memstore.NewMemoryLock()}

	estimates := estimating.NewService(book, seq, cache, lock, logger)
	estimates.Creator = *creator
	ledger := &progress.Ledger{
		Book:      book,
		Props:     props,
		Cache:     cache,
		Lock:      lock,
		Log:       logger,
		Estimates: estimates,
	}

	handler := api.NewHandler(estimates, ledger)
	router := api.NewRouter(handler)

	if pruner != nil {
		cachePruner := api.NewCachePruner(pruner, logger)
		cachePruner.Start()
		defer cachePruner.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", fmt.Sprintf("http://localhost:%d", *port), "driver", *driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// openStore wires the selected driver into the storage interfaces.
// The pruner is nil for the memory driver, which expires entries on read.
func openStore(driver, dbPath, dsn string) (
	book grouprow.Workbook,
	props grouprow.KeyValueStore,
	cache grouprow.CacheStore,
	pruner api.PrunableCache,
	closeFn func(),
	err error,
) {
	switch driver {
	case "memory":
		return memstore.NewMemoryWorkbook(), memstore.NewMemoryKV(), memstore.NewMemoryCache(), nil, func() {}, nil
	case "sqlite":
		s, err := sqlite.New(dbPath)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		return s, s, s.Cache(), s, func() { s.Close() }, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, nil, nil, nil, fmt.Errorf("postgres driver requires -dsn or DATABASE_URL")
		}
		s, err := postgres.New(dsn)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		return s, s, s.Cache(), s, func() { s.Close() }, nil
	default:
		return nil, nil, nil, nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
