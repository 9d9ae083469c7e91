// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — Postgres and Redis connections
//  2. initServices — caches, metrics, ledger, notifier
//  3. initGateway  — admission controller, strategy engine, proxy routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/apiguardian/gateway/internal/config"
	"github.com/apiguardian/gateway/internal/configcache"
	"github.com/apiguardian/gateway/internal/metrics"
	"github.com/apiguardian/gateway/internal/notify"
	"github.com/apiguardian/gateway/internal/proxy"
	"github.com/apiguardian/gateway/internal/respcache"
	"github.com/apiguardian/gateway/internal/spend"
	"github.com/apiguardian/gateway/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	db  *store.PostgresStore
	rdb *redis.Client

	configCache *configcache.Loader
	respCache   respcache.Cache
	memCache    *respcache.MemoryCache
	spendCache  *spend.Cache
	ledger      *spend.Ledger
	notifier    *notify.Notifier
	prom        *metrics.Registry

	gw   *proxy.Gateway
	mgmt *proxy.ManagementRoutes
}

// New initialises all subsystems and returns a ready-to-run App.
// Resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.log.Error("notifier close error", slog.String("error", err.Error()))
		}
		a.notifier = nil
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.Error("ledger close error", slog.String("error", err.Error()))
		}
		a.ledger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("postgres close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL strips credentials from a connection URL for logging.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "(unparseable url)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
