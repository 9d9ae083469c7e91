package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apiguardian/gateway/internal/adapter"
	"github.com/apiguardian/gateway/internal/admission"
	"github.com/apiguardian/gateway/internal/configcache"
	"github.com/apiguardian/gateway/internal/metrics"
	"github.com/apiguardian/gateway/internal/notify"
	"github.com/apiguardian/gateway/internal/proxy"
	"github.com/apiguardian/gateway/internal/respcache"
	"github.com/apiguardian/gateway/internal/spend"
	"github.com/apiguardian/gateway/internal/store"
)

// initInfra establishes the Postgres and Redis connections. Both are
// required: Postgres holds the configuration and the durable ledger, Redis
// the spend cache and refill locks.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.DatabaseURL)))
	db, err := store.NewPostgresStore(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.db = db
	a.log.Info("postgres connected")

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initServices creates the caches, the metrics registry, the notifier, and
// the spend ledger.
func (a *App) initServices(ctx context.Context) error {
	a.configCache = configcache.New(a.db, a.cfg.ConfigCacheTTL)

	switch a.cfg.Cache.Mode {
	case "redis":
		a.respCache = respcache.NewRedisCache(a.rdb)
		a.log.Info("response cache backend: redis")
	case "memory":
		a.memCache = respcache.NewMemoryCache(ctx)
		a.respCache = a.memCache
		a.log.Info("response cache backend: memory (in-process)")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.notifier = notify.New(a.baseCtx, a.db, a.log, notify.Options{
		Thresholds:     a.cfg.AlertThresholds,
		WebhookTimeout: a.cfg.WebhookTimeout,
		Metrics:        a.prom,
	})

	a.spendCache = spend.NewCache(a.rdb)
	a.ledger = spend.NewLedger(a.baseCtx, a.db, a.spendCache, a.log, spend.LedgerOptions{
		Notifier:      a.notifier,
		Metrics:       a.prom,
		CacheTTL:      a.cfg.Spend.TTL,
		RefillLockTTL: a.cfg.Spend.RefillLockTTL,
	})

	return nil
}

// initGateway wires the admission controller, the strategy engine, and the
// proxy routes.
func (a *App) initGateway(_ context.Context) error {
	adm := admission.New(a.db, a.configCache, a.ledger, a.notifier,
		a.cfg.EncryptionKey, a.prom, a.log)
	engine := adapter.NewEngine(a.configCache)

	gw := proxy.NewGateway(a.baseCtx, adm, a.configCache, engine, a.respCache, a.ledger,
		proxy.GatewayOptions{
			Logger:          a.log,
			UpstreamTimeout: a.cfg.UpstreamTimeout,
			CacheTTL:        a.cfg.Cache.DefaultTTL,
			LogCacheHits:    a.cfg.LogCacheHits,
			Metrics:         a.prom,
			DBReady:         a.db.Ping,
			CacheReady: func(ctx context.Context) error {
				return a.rdb.Ping(ctx).Err()
			},
		})
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.gw = gw
	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}

	return nil
}
