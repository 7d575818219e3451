/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration (viper)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Connect optional Redis (loan mutex, posting dedup) and Postgres (journals)
  5. Wire gate, coordinator and COB runner
  6. Configure HTTP router and start the catch-up scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a config file (default: search ./, ./config, /etc/loan-engine)
  -port    HTTP server port, overrides app.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database

ENVIRONMENT:
  Every config key can be set as LOAN_<SECTION>_<KEY>, for example
  LOAN_REDIS_ENABLED=true or LOAN_ACCOUNTING_POSTGRES_DSN=postgres://...

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a catch-up in progress)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Postgres, Redis and SQLite connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/loans.db"

  # Demo mode with a settable business date
  LOAN_BUSINESS_DATE=2024-06-01 ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/loan-engine/accounting"
	"github.com/warp/loan-engine/api"
	"github.com/warp/loan-engine/cob"
	"github.com/warp/loan-engine/config"
	"github.com/warp/loan-engine/logging"
	"github.com/warp/loan-engine/replay"
	"github.com/warp/loan-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.App.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New(logging.Config(cfg.Log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Per-loan mutex: Redis when shared across instances, in-process otherwise
	var mutex cob.Mutex = cob.NewLocalMutex()
	var poster accounting.Poster = accounting.NewMemoryPoster()

	if cfg.Accounting.PostgresDSN != "" {
		pg, err := accounting.NewPgPoster(ctx, cfg.Accounting.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate journal database: %w", err)
		}
		poster = pg
		logger.Info("posting journals to postgres")
	}

	if cfg.Redis.Enabled {
		rm, err := cob.NewRedisMutex(cob.RedisConfig{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, cfg.Lock.MutexTTL)
		if err != nil {
			return err
		}
		defer rm.Client().Close()
		mutex = rm
		poster = accounting.NewDedupPoster(poster,
			accounting.NewRedisDeduper(rm.Client(), "loan:posting:", cfg.Accounting.DedupTTL))
		logger.Info("redis mutex enabled", zap.String("addr", cfg.Redis.Addr()))
	}

	clock := cfg.Clock()

	gate := cob.NewGate(store, mutex, logger)
	gate.Timeout = cfg.Lock.Timeout
	coordinator := replay.NewCoordinator(store, gate, poster, clock, logger)
	runner := cob.NewRunner(gate, store, coordinator, clock, logger)

	// Initialize handler
	handler := api.NewHandler(store, coordinator, runner, clock, logger)
	handler.InlineCOB = cfg.COB.InlineOnStale

	products, err := store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	if len(products) == 0 {
		if err := handler.SeedProducts(ctx); err != nil {
			return fmt.Errorf("seed products: %w", err)
		}
		logger.Info("seeded preset products")
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.HTTP.CORSAllowOrigins})

	// Start catch-up scheduler
	scheduler := api.NewCOBScheduler(handler, logger)
	scheduler.CheckInterval = cfg.COB.Interval
	scheduler.Enabled = cfg.COB.Enabled
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.App.Port),
			zap.String("env", cfg.App.Env),
			zap.String("business_date", clock.BusinessDate().String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		scheduler.Stop()
		return err
	case <-quit:
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
