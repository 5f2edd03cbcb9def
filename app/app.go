package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/searchktools/httpkit/config"
	"github.com/searchktools/httpkit/core"
	"github.com/searchktools/httpkit/core/middleware"
	"github.com/searchktools/httpkit/core/observability"
	"github.com/searchktools/httpkit/core/pools"
)

const name = "github.com/searchktools/httpkit"

// App wires configuration, logging, metrics and a worker pool around one
// reactor server.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observability.Metrics
	monitor *observability.Monitor
	workers *pools.WorkerPool
	server  *core.Server
}

// New creates an application serving h. Handlers run on the worker pool,
// off the reactor goroutine, timed per route and logged at debug level.
func New(cfg *config.Config, h core.Handler) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := NewLogger(cfg)
	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		return nil, err
	}
	monitor, err := observability.NewMonitor(nil)
	if err != nil {
		return nil, err
	}
	workers := pools.NewWorkerPool(cfg.Workers, 0)

	h = middleware.Chain(h, middleware.Logger(logger), middleware.Monitor(monitor, nil))
	server := core.NewServer(core.Offload(workers, h), core.Options{
		Addr:          cfg.Addr(),
		MaxLine:       cfg.MaxLine,
		MaxBody:       cfg.MaxBody,
		MaxMessage:    cfg.MaxMessage,
		SelectTimeout: cfg.SelectTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		Logger:        logger,
		Metrics:       metrics,
	})

	return &App{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		monitor: monitor,
		workers: workers,
		server:  server,
	}, nil
}

// NewLogger builds the logger cfg asks for. With OTel enabled records go
// to the global OpenTelemetry logger provider.
func NewLogger(cfg *config.Config) *slog.Logger {
	if cfg.OTel {
		return otelslog.NewLogger(name)
	}

	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func (a *App) Server() *core.Server { return a.server }

func (a *App) Logger() *slog.Logger { return a.log }

func (a *App) Metrics() *observability.Metrics { return a.metrics }

func (a *App) Monitor() *observability.Monitor { return a.monitor }

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the
// event loop exits, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.server.Start(); err != nil {
		a.workers.Close()
		return err
	}
	a.log.Info("httpkit started",
		"addr", a.server.Addr().String(),
		"env", a.cfg.Env,
		"workers", a.cfg.Workers)

	select {
	case <-ctx.Done():
		a.log.Info("shutting down", "cause", context.Cause(ctx))
	case <-a.server.Done():
		a.log.Error("event loop exited")
	}
	return a.Shutdown()
}

// Shutdown stops the server, firing close handlers with the server-close
// reason, then waits for queued handler work.
func (a *App) Shutdown() error {
	err := a.server.Stop()
	a.workers.Close()

	s := a.metrics.Snapshot()
	a.log.Info("httpkit stopped",
		"accepted", s.Accepted,
		"requests", s.Requests,
		"decode_errors", s.DecodeErrors)
	a.log.Debug("pool stats", "workers", a.workers.Stats(), "buffers", a.server.BufferStats())
	for _, b := range a.monitor.Bottlenecks() {
		a.log.Warn("bottleneck", "type", b.Type, "route", b.Route, "details", b.Details)
	}

	if errors.Is(err, core.ErrServerClosed) {
		return nil
	}
	return err
}
