package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"satei-lead-relay/internal/config"
	"satei-lead-relay/internal/db"
	"satei-lead-relay/internal/handler"
	"satei-lead-relay/internal/kv"
	"satei-lead-relay/internal/metrics"
	"satei-lead-relay/internal/poller"
	"satei-lead-relay/internal/provider"
	"satei-lead-relay/internal/repository"
	"satei-lead-relay/internal/router"
	"satei-lead-relay/internal/service"
	"satei-lead-relay/internal/trigger"
)

const shutdownTimeout = 30 * time.Second

// App holds the wired components shared by every command
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Repo     *repository.Repository
	Store    kv.Store
	Provider provider.Provider
	Metrics  *metrics.Metrics
	Runner   *trigger.Runner
	Push     *trigger.PushHandler
}

// SetupLogging configures the global logrus logger
func SetupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// Load reads and validates configuration and sets up logging
func Load(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	SetupLogging(cfg.LogLevel)
	return cfg, nil
}

// New connects the database, key-value store and mailbox provider and wires
// the ingestion pipeline. Metrics are registered on reg.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := kv.New(cfg.Redis)

	p, err := provider.New(ctx, &cfg.Gmail)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create mailbox provider: %w", err)
	}

	return wire(cfg, dbConn, store, p, metrics.NewMetrics(reg)), nil
}

func wire(cfg *config.Config, dbConn *gorm.DB, store kv.Store, p provider.Provider, m *metrics.Metrics) *App {
	repo := repository.New(dbConn)
	ingester := service.NewIngester(p, repo.Messages, repo.Leads, cfg.Ingest, m)
	runner := trigger.NewRunner(ingester, repo.Runs, store, trigger.LockKey(cfg.Push.KeyPrefix), cfg.Push.LockTTL, m)

	return &App{
		Config:   cfg,
		DB:       dbConn,
		Repo:     repo,
		Store:    store,
		Provider: p,
		Metrics:  m,
		Runner:   runner,
		Push:     trigger.NewPushHandler(store, runner, cfg.Push, cfg.Ingest, m),
	}
}

// DefaultWindow is the ingestion window used by polls and manual fetches
// when no day count is given.
func (a *App) DefaultWindow() time.Duration {
	return time.Duration(a.Config.Ingest.DefaultDays) * 24 * time.Hour
}

// Close releases provider, key-value store and database connections
func (a *App) Close() {
	if err := a.Provider.Close(); err != nil {
		logrus.Errorf("Failed to close provider: %v", err)
	}
	if err := a.Store.Close(); err != nil {
		logrus.Errorf("Failed to close key-value store: %v", err)
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logrus.Errorf("Failed to close database: %v", err)
		}
	}
}

// Handler builds the HTTP handler for the API, webhook, health and metrics routes
func (a *App) Handler(gatherer prometheus.Gatherer) http.Handler {
	h := handler.NewHandlers(a.DB, a.Repo, a.Push, a.Store, a.Metrics, gatherer, a.Config.Query)
	return router.SetupRouter(h)
}

// Serve runs the HTTP server until SIGINT or SIGTERM
func (a *App) Serve(gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:         ":" + a.Config.Server.Port,
		Handler:      a.Handler(gatherer),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-waitForSignal():
	}

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

// Poll runs scheduled ingestion until SIGINT or SIGTERM. The first run
// starts immediately.
func (a *App) Poll() error {
	p := poller.New(a.Config.Poller.Schedule, a.DefaultWindow(), a.Config.Ingest.DefaultMax, a.Runner)
	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if _, err := p.RunOnce(ctx); err != nil {
			logrus.Errorf("Initial ingestion failed: %v", err)
		}
	}()

	<-waitForSignal()

	logrus.Info("Stopping poller...")
	cancel()
	if err := p.Stop(); err != nil {
		logrus.Errorf("Failed to stop poller: %v", err)
	}
	p.Wait()
	return nil
}

func waitForSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return quit
}
