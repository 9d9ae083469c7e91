package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

const probeTimeout = 2 * time.Second

// ManagementRoutes holds optional management handlers registered alongside
// the proxy route.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the routed and middleware-wrapped request handler.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/proxy/{provider}/{path:*}", g.dispatch)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	// Reads against the proxy path get an explicit JSON 405, not the bare
	// router default.
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":{"message":"method not allowed","type":"invalid_request_error","code":"method_not_allowed"}}`)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleReadiness reports whether the gateway can admit traffic: both the
// relational store and the cache backend must answer a ping.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if g.dbReady != nil {
		if err := g.dbReady(probeCtx); err != nil {
			checks["database"] = "unavailable"
			ready = false
		} else {
			checks["database"] = "ok"
		}
	}
	if g.cacheReady != nil {
		if err := g.cacheReady(probeCtx); err != nil {
			checks["cache"] = "unavailable"
			ready = false
		} else {
			checks["cache"] = "ok"
		}
	}

	if !ready {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	checks["status"] = "ok"
	if !ready {
		checks["status"] = "unavailable"
	}
	writeJSON(ctx, checks)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
