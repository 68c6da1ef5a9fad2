/*
main.go - Application entry point

PURPOSE:
  Starts the CNAM rental billing engine: bond issuance, period allocation,
  reconciliation and the daily notification sweep over HTTP.

STARTUP SEQUENCE:
  1. Load configuration (flags, config.yaml, .env, BILLING_* env)
  2. Build the zap logger
  3. Open storage (SQLite file or PostgreSQL with migrations)
  4. Optionally put the Redis notification guard in front of storage
  5. Seed the CNAM nomenclature
  6. Wire services, handler and router
  7. Optionally start the in-process sweep scheduler
  8. Serve until SIGINT/SIGTERM, then shut down gracefully

COMMAND-LINE FLAGS:
  -config  Path of a YAML config file (default: config.yaml in . or ./configs)
  -port    Override server.port
  -db      Override database.path (SQLite); ":memory:" for a throwaway database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler and wait for a running sweep
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close Redis and the database

EXAMPLES:
  ./server -db=./data/billing.db
  BILLING_DATABASE_DRIVER=postgres BILLING_DATABASE_DSN=postgres://... ./server
  BILLING_SCHEDULER_ENABLED=true ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
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

	"go.uber.org/zap"

	"github.com/medrent/billing-engine/api"
	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/config"
	"github.com/medrent/billing-engine/factory"
	"github.com/medrent/billing-engine/logging"
	"github.com/medrent/billing-engine/notify"
	"github.com/medrent/billing-engine/store/postgres"
	"github.com/medrent/billing-engine/store/redisnotify"
	"github.com/medrent/billing-engine/store/sqlite"
	"github.com/medrent/billing-engine/store/sqlstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "billing-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path of a YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()

	// Storage
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("storage ready", zap.String("driver", cfg.Database.Driver))

	var notifications notify.NotificationStore = store
	if cfg.Redis.Enabled {
		client, err := redisnotify.Connect(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		notifications = redisnotify.NewGuard(store, client, cfg.Redis.TTL, logger)
		logger.Info("redis notification guard enabled", zap.String("address", cfg.Redis.Address))
	}

	// Nomenclature
	catalog := cnam.NewCatalog(store)
	tariffs, err := factory.LoadNomenclature(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	seeded, err := factory.Seed(ctx, catalog, tariffs)
	if err != nil {
		return err
	}
	logger.Info("nomenclature seeded", zap.Int("tariffs", seeded))

	// Services
	svc := billing.NewService(store, billing.NewAllocator(cfg.SplitMode()), logger.Named("billing"))
	numbering := cnam.NewNumbering(store, catalog, logger.Named("numbering"))
	numbering.MaxAttempts = cfg.Numbering.MaxAttempts
	sweeper := notify.NewSweeper(notifications, store, logger.Named("sweep"))
	sweeper.WindowDays = cfg.Notifier.WindowDays
	job := api.NewSweepJob(svc, sweeper, logger.Named("sweep"))

	handler := api.NewHandler(svc, numbering, job, logger.Named("http"))
	handler.Health = store.Ping
	if cfg.CronSecret == "" {
		logger.Warn("cron_secret is empty; /api/cron calls will be rejected")
	}
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CronSecret:     cfg.CronSecret,
	})

	var scheduler *api.SweepScheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = api.NewSweepScheduler(job, cfg.Scheduler.SweepSpec, logger.Named("scheduler"))
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("sweep still running at shutdown")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, db config.DatabaseConfig) (*sqlstore.Store, error) {
	switch db.Driver {
	case "postgres":
		return postgres.Open(ctx, db.DSN)
	default:
		return sqlite.New(db.Path)
	}
}
