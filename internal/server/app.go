// Package server assembles the webhook intake, capture pipeline and browser
// pool into a runnable application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/api"
	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/capture"
	"github.com/JakeFAU/chartsnap/internal/config"
	"github.com/JakeFAU/chartsnap/internal/dispatcher"
	"github.com/JakeFAU/chartsnap/internal/gate"
	memorynotify "github.com/JakeFAU/chartsnap/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/chartsnap/internal/notify/pubsub"
	"github.com/JakeFAU/chartsnap/internal/progress"
)

const defaultShutdownTimeout = 30 * time.Second

type namedCloser struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server

	tenants  capture.TenantStore
	alerts   capture.AlertStore
	queue    capture.Queue
	rateGate *gate.Gate
	pool     *browser.Pool
	dispatch *dispatcher.Dispatcher
	recent   *memorynotify.Notifier

	progressHub *progress.Hub
	events      progress.Emitter

	redis          *goredis.Client
	redisRequired  bool // readiness tracks redis only when the queue lives there
	pgPool         *pgxpool.Pool
	pubsubClient   *pubsub.Client
	pubsubNotifier *pubsubnotify.Notifier
	closers        []namedCloser

	closeOnce sync.Once
}

// NewApp creates an App shell; Build fills in the components.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("pipeline", cfg.Pipeline.Mode),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("gate_backend", cfg.Gate.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.DB.DSN != ""),
		zap.Bool("ops_api", cfg.Auth.APIKey != ""),
	)
	return &App{cfg: cfg, logger: logger}
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the pool, workers and HTTP server and blocks until ctx is
// canceled or SIGINT/SIGTERM arrives. Shutdown stops intake first, then
// lets in-flight captures settle before the browsers go away.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.pool != nil {
		if err := a.pool.Init(ctx); err != nil {
			return fmt.Errorf("browser pool init: %w", err)
		}
	}

	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDispatch()
	dispatchDone := make(chan struct{})
	if a.dispatch != nil {
		go func() {
			defer close(dispatchDone)
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Pipeline.Workers))
			a.dispatch.Run(dispatchCtx)
		}()
	} else {
		close(dispatchDone)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	cancelDispatch()
	select {
	case <-dispatchDone:
		a.logger.Info("workers drained")
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before the shutdown deadline")
	}

	if err := a.Close(shutdownCtx); err != nil {
		return err
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases the browser pool and every backend client. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.pool != nil {
			if perr := a.pool.Shutdown(ctx); perr != nil {
				a.logger.Warn("browser pool shutdown failed", zap.Error(perr))
				err = perr
			}
		}
		a.closeInfrastructure(ctx)
		a.closeObservability()
		a.logger.Info("shutdown complete")
	})
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if closer, ok := a.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.pubsubNotifier != nil {
		a.pubsubNotifier.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	for _, c := range a.closers {
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability() {
	// Sync returns EINVAL on stderr-backed loggers; nothing to act on.
	_ = a.logger.Sync()
}
