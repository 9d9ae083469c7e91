// Package proxy is the gateway request pipeline.
//
// A request travels: admission (auth, quota, budget, credential decrypt) →
// response cache lookup → strategy resolution → upstream forward → async
// ledger record. The synchronous stages determine the response; everything
// after the response is fire-and-forget with its own error handling.
//
// Key design constraints:
//   - Admission and strategy resolution never do network I/O beyond the
//     stores they are defined over.
//   - Cache and ledger failures degrade, they never fail the request.
//   - A slow log write or webhook never adds to client-observed latency.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/apiguardian/gateway/internal/adapter"
	"github.com/apiguardian/gateway/internal/admission"
	"github.com/apiguardian/gateway/internal/configcache"
	"github.com/apiguardian/gateway/internal/metrics"
	"github.com/apiguardian/gateway/internal/pricing"
	"github.com/apiguardian/gateway/internal/respcache"
	"github.com/apiguardian/gateway/internal/spend"
	"github.com/apiguardian/gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	maxUpstreamBody = 32 << 20 // 32 MiB response cap
)

// GatewayOptions holds optional tuning parameters for a Gateway.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// UpstreamTimeout bounds the forwarded provider call. Default: 30s.
	UpstreamTimeout time.Duration

	// CacheTTL is the response cache TTL for projects that enable caching
	// without a TTL of their own. Default: 1h.
	CacheTTL time.Duration

	// LogCacheHits appends a zero-cost log entry for responses served from
	// the cache. Default: false.
	LogCacheHits bool

	// Metrics enables Prometheus metrics collection. Nil disables them.
	Metrics *metrics.Registry

	// DBReady and CacheReady are readiness probes for GET /readiness.
	DBReady    func(ctx context.Context) error
	CacheReady func(ctx context.Context) error
}

// Gateway sequences the pipeline stages per inbound request. All
// dependencies are injected so tests can swap in doubles.
type Gateway struct {
	admission *admission.Controller
	config    *configcache.Loader
	engine    *adapter.Engine
	respCache respcache.Cache
	ledger    *spend.Ledger

	upstream        *http.Client
	upstreamTimeout time.Duration
	cacheTTL        time.Duration
	logCacheHits    bool

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	dbReady    func(ctx context.Context) error
	cacheReady func(ctx context.Context) error

	corsOrigins []string
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a fully wired Gateway.
func NewGateway(
	baseCtx context.Context,
	adm *admission.Controller,
	config *configcache.Loader,
	engine *adapter.Engine,
	respCache respcache.Cache,
	ledger *spend.Ledger,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = 30 * time.Second
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &Gateway{
		admission:       adm,
		config:          config,
		engine:          engine,
		respCache:       respCache,
		ledger:          ledger,
		upstream:        &http.Client{Timeout: upstreamTimeout},
		upstreamTimeout: upstreamTimeout,
		cacheTTL:        cacheTTL,
		logCacheHits:    opts.LogCacheHits,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		dbReady:         opts.DBReady,
		cacheReady:      opts.CacheReady,
	}
}

// dispatch handles POST /proxy/{provider}/{path}.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "proxy"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	providerName, _ := ctx.UserValue("provider").(string)
	pathSuffix, _ := ctx.UserValue("path").(string)

	endUserID := string(ctx.Request.Header.Peek("X-End-User-Id"))
	endUserTier := string(ctx.Request.Header.Peek("X-End-User-Tier"))

	// 1. Admission: auth, per-user quota, global budget, credential decrypt.
	decision, aerr := g.admission.Admit(ctx,
		string(ctx.Request.Header.Peek("Authorization")), endUserID, endUserTier)
	if aerr != nil {
		apierr.Write(ctx, aerr)
		return
	}
	project := decision.Project

	// 2. Provider configuration. The path segment must name the provider the
	// project is bound to; anything else is a client error.
	provider, err := g.config.Provider(ctx, project.ProviderID)
	if err != nil {
		g.log.Error("provider_lookup_failed",
			slog.String("request_id", reqID),
			slog.String("provider_id", project.ProviderID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, apierr.Misconfigured(fasthttp.StatusInternalServerError,
			"project's provider configuration is unavailable"))
		return
	}
	if !strings.EqualFold(provider.Name, providerName) {
		apierr.Write(ctx, apierr.InvalidProvider(fmt.Sprintf(
			"project is bound to provider %q, not %q", provider.Name, providerName)))
		return
	}

	body := ctx.PostBody()

	// 3. Response cache lookup, keyed on the body as sent by the client so a
	// virtual-model request hits the same entry every time.
	cacheKey := ""
	if project.CacheEnabled {
		cacheKey = respcache.Key(project.ID, body)
		if cached, ok := g.respCache.Get(ctx, cacheKey); ok {
			g.serveCached(ctx, project.ID, cached, start)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// 4. Strategy resolution rewrites a virtual model to a concrete one.
	resolution, aerr := g.engine.ResolveModel(ctx, project.ProviderID, body)
	if aerr != nil {
		apierr.Write(ctx, aerr)
		return
	}
	if resolution.Alias != "" {
		if g.metrics != nil {
			g.metrics.RecordStrategyResolution(resolution.Alias, resolution.Model)
		}
		g.log.Debug("model_resolved",
			slog.String("request_id", reqID),
			slog.String("alias", resolution.Alias),
			slog.String("model", resolution.Model),
		)
	}

	// 5. Upstream forward.
	ad := adapter.New(provider)
	outbound := ad.Transform(decision.Credential, resolution.Body, pathSuffix)

	upstreamStart := time.Now()
	status, respBody, err := g.forward(outbound)
	upstreamDur := time.Since(upstreamStart)

	if err != nil {
		outcome := "error"
		aerr := apierr.UpstreamUnavailable(fasthttp.StatusBadGateway,
			fmt.Sprintf("provider %s is unavailable", provider.Name))
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			outcome = "timeout"
			aerr = apierr.UpstreamUnavailable(fasthttp.StatusGatewayTimeout,
				fmt.Sprintf("provider %s timed out", provider.Name))
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstream(provider.Name, outcome, upstreamDur)
		}
		g.log.Error("upstream_call_failed",
			slog.String("request_id", reqID),
			slog.String("provider", provider.Name),
			slog.String("error", err.Error()),
		)

		apierr.Write(ctx, aerr)

		// Zero-usage entry for observability, not billing.
		g.ledger.Record(spend.Usage{
			ProjectID:  project.ID,
			EndUserID:  endUserID,
			Model:      resolution.Model,
			StatusCode: aerr.Status,
			LatencyMs:  int(time.Since(start).Milliseconds()),
		})
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstream(provider.Name, "ok", upstreamDur)
	}

	// 6. Respond with the upstream body verbatim.
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetBody(respBody)

	// 7. Cache successful responses, best effort.
	if cacheKey != "" && status >= 200 && status < 300 {
		ttl := project.CacheTTL
		if ttl <= 0 {
			ttl = g.cacheTTL
		}
		if err := g.respCache.Set(ctx, cacheKey, respBody, ttl); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	// 8. Account. Missing or foreign-format usage degrades to zero cost.
	usage := ad.ParseUsage(respBody)
	model := resolution.Model
	if usage.Model != "" {
		model = usage.Model
	}

	cost := 0.0
	if usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
		priced, err := g.config.Model(ctx, project.ProviderID, model)
		if err != nil {
			g.log.Warn("model_pricing_missing",
				slog.String("request_id", reqID),
				slog.String("model", model),
			)
		} else {
			cost = pricing.Cost(priced, usage.PromptTokens, usage.CompletionTokens)
		}
	}

	g.ledger.Record(spend.Usage{
		ProjectID:        project.ID,
		EndUserID:        endUserID,
		Model:            model,
		StatusCode:       status,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          cost,
		LatencyMs:        int(time.Since(start).Milliseconds()),
	})

	g.log.Info("request_completed",
		slog.String("request_id", reqID),
		slog.String("project_id", project.ID),
		slog.String("model", model),
		slog.Int("status", status),
		slog.Float64("cost_usd", cost),
		slog.Duration("latency", time.Since(start)),
	)
}

// serveCached returns a stored response. A hit was billed on the original
// miss, so no cost is recorded; the optional log entry is observability only.
func (g *Gateway) serveCached(ctx *fasthttp.RequestCtx, projectID string, cached []byte, start time.Time) {
	if g.metrics != nil {
		g.metrics.CacheGetHit()
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("X-Cache", xCacheHIT)
	ctx.SetBody(cached)

	if g.logCacheHits {
		g.ledger.Record(spend.Usage{
			ProjectID:  projectID,
			EndUserID:  string(ctx.Request.Header.Peek("X-End-User-Id")),
			StatusCode: fasthttp.StatusOK,
			LatencyMs:  int(time.Since(start).Milliseconds()),
			Cached:     true,
		})
	}
}

// forward performs the upstream call. It deliberately uses the gateway's base
// context, not the request context: a client disconnect must not cancel an
// upstream call whose cost we are already committed to accounting.
func (g *Gateway) forward(out *adapter.Request) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(g.baseCtx, g.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, out.URL, bytes.NewReader(out.Body))
	if err != nil {
		return 0, nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range out.Headers {
		req.Header.Set(k, v)
	}

	resp, err := g.upstream.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
