package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"coalesce/config"
	"coalesce/core"
	"coalesce/correlate"
	"coalesce/storage"
	"coalesce/util/goroutine"
)

// App represents the coalesce daemon with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Store     *storage.SQLite
	Pool      *core.WorkerPool
	Processor correlate.AlertProcessor

	metricsServer *http.Server
	scanCancel    context.CancelFunc
	scanDone      chan struct{}
}

// NewApp creates the application and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	bootLogger, bootSugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	bootSugar.Info("coalesce starting...")

	cfg, err := InitConfig(bootSugar)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := BuildLogger(cfg)
	if err != nil {
		return nil, err
	}
	_ = bootLogger.Sync()

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Sugar:    sugar,
		scanDone: make(chan struct{}),
	}

	store, err := InitSQLite(cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Store = store

	if err := SeedRules(ctx, cfg, store, sugar); err != nil {
		return nil, err
	}

	app.Pool = core.NewWorkerPool(ctx, cfg.Engine.WorkerCount, cfg.Engine.QueueSize, "scan", sugar)

	processor, err := correlate.NewAlertProcessor(store, app.Pool, sugar, app.assignHook())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize alert processor: %w", err)
	}
	app.Processor = processor

	return app, nil
}

// assignHook builds the auto-assignment hook from configuration. An empty
// auto_assign_user disables assignment.
func (a *App) assignHook() correlate.AssignFunc {
	user := a.Config.Engine.AutoAssignUser
	if user == "" {
		return nil
	}
	return func(alert *core.Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Store.AssignAlert(ctx, alert.AlertID, user); err != nil {
			a.Sugar.Warnw("Auto-assignment failed",
				"alert_id", alert.AlertID, "assignee", user, "error", err)
			return
		}
		a.Sugar.Infow("Alert auto-assigned", "alert_id", alert.AlertID, "assignee", user)
	}
}

// Start starts the worker pool, the metrics endpoint, and the scan loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.Pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if a.Config.Metrics.Enabled {
		a.startMetricsServer()
	}

	scanCtx, cancel := context.WithCancel(ctx)
	a.scanCancel = cancel
	go a.scanLoop(scanCtx)

	a.Sugar.Infow("Engine started",
		"scan_interval", a.Config.Engine.ScanInterval,
		"workers", a.Config.Engine.WorkerCount)
	return nil
}

// scanLoop drives periodic scans. asOf is the tick truncated to the minute so
// fixed-window due checks see clean boundaries regardless of ticker drift.
func (a *App) scanLoop(ctx context.Context) {
	defer close(a.scanDone)
	defer goroutine.Recover("scan-loop", a.Sugar)

	ticker := time.NewTicker(a.Config.Engine.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			a.runScan(ctx, tick.UTC().Truncate(time.Minute))
		}
	}
}

func (a *App) runScan(ctx context.Context, asOf time.Time) {
	created, updated, err := a.Processor.Process(ctx, asOf)
	if err != nil {
		if errors.Is(err, storage.ErrNoActiveRules) {
			a.Sugar.Warnw("No active correlation rules, scan skipped", "as_of", asOf)
			return
		}
		a.Sugar.Errorw("Scan failed", "as_of", asOf, "error", err)
		return
	}
	if len(created)+len(updated) > 0 {
		a.Sugar.Infow("Alerts coalesced",
			"as_of", asOf, "created", len(created), "updated", len(updated))
	}
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:              a.Config.MetricsAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer goroutine.Recover("metrics-server", a.Sugar)
		a.Sugar.Infow("Metrics endpoint listening", "addr", a.metricsServer.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Sugar.Errorw("Metrics server failed", "error", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops the scan loop, drains the worker pool, and closes the store.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.scanCancel != nil {
		a.scanCancel()
		select {
		case <-a.scanDone:
		case <-time.After(30 * time.Second):
			a.Sugar.Error("Scan loop did not stop in time")
		}
	}

	if a.Pool != nil {
		a.Pool.Stop()
	}

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.Sugar.Warnw("Metrics server shutdown failed", "error", err)
		}
		cancel()
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Sugar.Warnw("Failed to close store", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
