/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize SQLite store
  3. Pick the contract lock: Redis when REDIS_ADDR is set, in-process otherwise
  4. Create API handler, engines and verification scheduler
  5. Start scheduler and HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080, env PORT)
  -db      SQLite database path (default: settlement.db, env DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the verification scheduler after its current run
  4. Close Redis and database connections
  5. Exit

EXAMPLES:
  ./server -db="./data/settlement.db"
  REDIS_ADDR=localhost:6379 ./server -port=3000
  VERIFY_SCHEDULE="@every 5m" LOG_FORMAT=json ./server

SEE ALSO:
  - config/config.go: all configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/redislock"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "settlement: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := cfg.NewLogger(os.Stdout)

	app, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	app.handler.Scheduler.Start()
	defer app.handler.Scheduler.Stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", app.server.Addr, "db", cfg.DBPath, "verify_schedule", cfg.VerifySchedule)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// app is the wired process, minus the listener and signal handling.
type app struct {
	handler *api.Handler
	server  *http.Server
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	var locker settlement.Locker = settlement.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		client, err := redislock.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		locker = redislock.New(client, cfg.LockTTL, logger)
		logger.Info("using redis contract lock", "addr", cfg.RedisAddr, "ttl", cfg.LockTTL)
	}

	required := cfg.RequiredPayments
	handler, err := api.NewHandler(store, api.Options{
		Locker:           locker,
		VerifySchedule:   cfg.VerifySchedule,
		MaxRetries:       cfg.VerifyMaxRetries,
		RetryBackoff:     cfg.VerifyRetryBackoff,
		BatchSize:        cfg.VerifyBatchSize,
		Workers:          cfg.VerifyWorkers,
		RequiredPayments: &required,
		CommissionPeriod: settlement.ParsePeriodType(cfg.CommissionPeriod),
		Logger:           logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.handler = handler

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}
