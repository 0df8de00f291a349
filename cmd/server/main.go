/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral commission engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present), parse flags, apply REFERRAL_* env overrides
  2. Open the store (SQLite file or PostgreSQL, migrated on start)
  3. Load the commission table file
  4. Build the engine and requeue every unfinished batch
  5. Start the worker, the recovery scheduler and the HTTP server

COMMAND-LINE FLAGS:
  --port                HTTP server port (default: 8080)
  --backend             sqlite or postgres (default: sqlite)
  --db                  SQLite database path (default: referral.db)
                        Use ":memory:" for in-memory database
  --postgres-url        PostgreSQL connection string
  --table               Commission table JSON file
  --mode                iterative or recursive (alias: optimized)
  --recovery-interval   Periodic recovery interval (0 disables)
  --verbose             Debug logging

ENVIRONMENT:
  Every flag can be set through REFERRAL_<FLAG> with dashes as underscores,
  e.g. REFERRAL_POSTGRES_URL. Environment values override flags.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Reject new accruals
  2. Stop accepting new connections, wait for active requests (30s timeout)
  3. Stop the recovery scheduler and the worker
  4. Close the database
  Batches still buffered stay queued in the ledger and are picked up by
  the startup recovery of the next process.

EXAMPLES:
  ./server --db=./data/referral.db --table=./commission_table.json
  ./server --backend=postgres --postgres-url=postgres://localhost/referral
  ./server --db=":memory:" --mode=optimized --verbose

SEE ALSO:
  - api/server.go: Router configuration
  - distribution/engine.go: Engine configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/warp/referral-engine/api"
	"github.com/warp/referral-engine/distribution"
	"github.com/warp/referral-engine/factory"
	"github.com/warp/referral-engine/logger"
	"github.com/warp/referral-engine/store/postgres"
	"github.com/warp/referral-engine/store/sqlite"
)

const envPrefix = "REFERRAL_"

// backend is the storage the server runs on.
type backend interface {
	distribution.TxStore
	api.Pinger
	close()
}

type sqliteBackend struct{ *sqlite.Store }

func (b sqliteBackend) close() { _ = b.Store.Close() }

type postgresBackend struct{ *postgres.Store }

func (b postgresBackend) close() { b.Store.Close() }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	port := flag.Int("port", 8080, "HTTP server port")
	backendFlag := flag.String("backend", "sqlite", "storage backend: sqlite or postgres")
	dbPath := flag.String("db", "referral.db", "SQLite database path")
	postgresURL := flag.String("postgres-url", "", "PostgreSQL connection string")
	tablePath := flag.String("table", "commission_table.json", "commission table JSON file")
	mode := flag.String("mode", string(distribution.ModeIterative), "chain resolution mode: iterative or recursive (alias optimized)")
	maxLevels := flag.Int("max-levels", distribution.DefaultMaxLevels, "maximum inviter chain depth")
	concurrency := flag.Int("concurrency", distribution.DefaultConcurrency, "settlements running at once")
	groupSize := flag.Int("group-size", distribution.DefaultGroupSize, "batches taken per drain cycle")
	maxAttempts := flag.Int("max-attempts", distribution.DefaultMaxAttempts, "in-process attempts per dispatch")
	attemptBudget := flag.Int("attempt-budget", distribution.DefaultAttemptBudget, "total attempts before recovery gives up on a batch")
	staleAfter := flag.Duration("stale-after", distribution.DefaultStaleAfter, "age at which an unfinished batch is requeued")
	recoveryInterval := flag.Duration("recovery-interval", api.DefaultRecoveryInterval, "periodic recovery interval (0 disables)")
	origins := flag.StringSlice("allowed-origins", nil, "CORS allowed origins")
	requestLogging := flag.Bool("request-logging", false, "log every HTTP request")
	verbose := flag.Bool("verbose", false, "enable verbose (debug) logging")
	flag.Parse()

	if err := applyEnv(flag.CommandLine); err != nil {
		return err
	}

	log := logger.New(*verbose)

	resolverMode, err := distribution.ParseResolverMode(*mode)
	if err != nil {
		return err
	}

	schedule, err := factory.NewTableFactory(*maxLevels).LoadFile(*tablePath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openBackend(ctx, *backendFlag, *dbPath, *postgresURL)
	if err != nil {
		return err
	}
	defer store.close()

	engine, err := distribution.NewEngine(store, distribution.Config{
		MaxLevels:     *maxLevels,
		GroupSize:     *groupSize,
		Concurrency:   *concurrency,
		MaxAttempts:   *maxAttempts,
		AttemptBudget: *attemptBudget,
		StaleAfter:    *staleAfter,
		Mode:          resolverMode,
		Table:         schedule.Table,
		MinReward:     schedule.MinReward,
		Clock:         clockwork.NewRealClock(),
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to configure engine: %w", err)
	}

	requeued, err := engine.RecoverAll(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	log.Info("server: startup recovery done", "requeued", requeued)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil {
			log.Error("server: worker exited", "error", err)
		}
	}()

	scheduler := api.NewRecoveryScheduler(engine, nil, log)
	scheduler.Interval = *recoveryInterval
	scheduler.Enabled = *recoveryInterval > 0
	scheduler.Start()

	handler := api.NewHandler(engine, store, log)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: *origins,
		RequestLogging: *requestLogging,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server: listening", "addr", server.Addr, "backend", *backendFlag,
			"mode", engine.Mode(), "levels", len(schedule.Table.Levels()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("server: shutting down", "signal", sig.String())
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server: forced shutdown", "error", err)
	}

	scheduler.Stop()
	cancel()
	wg.Wait()

	log.Info("server: stopped", "pending", engine.Pending())
	return runErr
}

func openBackend(ctx context.Context, kind, dbPath, postgresURL string) (backend, error) {
	switch kind {
	case "sqlite":
		s, err := sqlite.New(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return sqliteBackend{s}, nil
	case "postgres":
		if postgresURL == "" {
			return nil, fmt.Errorf("--postgres-url (or %sPOSTGRES_URL) is required for the postgres backend", envPrefix)
		}
		if err := postgres.Migrate(ctx, postgresURL); err != nil {
			return nil, err
		}
		s, err := postgres.Open(ctx, postgresURL)
		if err != nil {
			return nil, err
		}
		return postgresBackend{s}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want sqlite or postgres)", kind)
	}
}

// applyEnv overrides flags with REFERRAL_* environment variables.
func applyEnv(fs *flag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}
