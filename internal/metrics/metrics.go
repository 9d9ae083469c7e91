// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_admission_blocks_total{reason}
	admissionBlocks *prometheus.CounterVec

	// gateway_response_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_duration_seconds{provider}
	upstreamDuration *prometheus.HistogramVec

	// gateway_strategy_resolutions_total{strategy,model}
	strategyResolutions *prometheus.CounterVec

	// gateway_spend_refills_total{outcome}
	spendRefills *prometheus.CounterVec

	// gateway_ledger_records_total{outcome}
	ledgerRecords *prometheus.CounterVec

	// gateway_ledger_dropped_total
	ledgerDropped prometheus.Counter

	// gateway_webhook_sends_total{threshold,outcome}
	webhookSends *prometheus.CounterVec

	// gateway_tokens_total{direction}
	tokens *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec
}

// New creates a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Requests currently being processed.",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "End-to-end request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		admissionBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_blocks_total",
			Help: "Requests rejected before the upstream call, by reason.",
		}, []string{"reason"}),

		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_response_cache_operations_total",
			Help: "Response cache operations by op and result.",
		}, []string{"op", "result"}),

		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream provider calls by outcome.",
		}, []string{"provider", "outcome"}),

		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Upstream provider call duration.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),

		strategyResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_strategy_resolutions_total",
			Help: "Virtual model resolutions by strategy and chosen model.",
		}, []string{"strategy", "model"}),

		spendRefills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_spend_refills_total",
			Help: "Spend cache refill jobs by outcome.",
		}, []string{"outcome"}),

		ledgerRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ledger_records_total",
			Help: "Ledger write attempts by outcome.",
		}, []string{"outcome"}),

		ledgerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ledger_dropped_total",
			Help: "Usage records dropped because the ledger queue was full.",
		}),

		webhookSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_webhook_sends_total",
			Help: "Budget alert webhook deliveries by threshold and outcome.",
		}, []string{"threshold", "outcome"}),

		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens accounted, by direction (prompt/completion).",
		}, []string{"direction"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build information. Value is always 1.",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.admissionBlocks,
		r.cacheOps,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.strategyResolutions,
		r.spendRefills,
		r.ledgerRecords,
		r.ledgerDropped,
		r.webhookSends,
		r.tokens,
		r.buildInfo,
	)

	return r
}

// Handler returns a fasthttp handler serving the registry in the Prometheus
// exposition format.
func (r *Registry) Handler() fasthttp.RequestHandler {
	h := promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// SetBuildInfo records the build version label.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one finished HTTP request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordAdmissionBlock counts a pre-forward rejection.
func (r *Registry) RecordAdmissionBlock(reason string) {
	r.admissionBlocks.WithLabelValues(reason).Inc()
}

func (r *Registry) CacheGetHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

// ObserveUpstream records one upstream call attempt.
func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// RecordStrategyResolution counts one virtual-model resolution.
func (r *Registry) RecordStrategyResolution(strategy, model string) {
	r.strategyResolutions.WithLabelValues(strategy, model).Inc()
}

func (r *Registry) RecordRefill(outcome string) {
	r.spendRefills.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordLedgerWrite(outcome string) {
	r.ledgerRecords.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordLedgerDrop() { r.ledgerDropped.Inc() }

// RecordWebhook counts a webhook delivery attempt.
func (r *Registry) RecordWebhook(threshold int, outcome string) {
	r.webhookSends.WithLabelValues(strconv.Itoa(threshold), outcome).Inc()
}

// AddTokens accumulates accounted token usage.
func (r *Registry) AddTokens(promptTokens, completionTokens int) {
	r.tokens.WithLabelValues("prompt").Add(float64(promptTokens))
	r.tokens.WithLabelValues("completion").Add(float64(completionTokens))
}
