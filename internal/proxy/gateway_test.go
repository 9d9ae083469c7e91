package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/apiguardian/gateway/internal/adapter"
	"github.com/apiguardian/gateway/internal/admission"
	"github.com/apiguardian/gateway/internal/configcache"
	"github.com/apiguardian/gateway/internal/notify"
	"github.com/apiguardian/gateway/internal/respcache"
	"github.com/apiguardian/gateway/internal/secret"
	"github.com/apiguardian/gateway/internal/spend"
	"github.com/apiguardian/gateway/internal/store"
)

const masterKey = "test-master-key"

// --- pipeline fake store -----------------------------------------------------

// pipelineStore is an in-memory store.Store covering the whole pipeline.
type pipelineStore struct {
	mu sync.Mutex

	projects   map[string]*store.Project // gateway key -> project
	providers  map[string]*store.Provider
	models     map[string]*store.Model // providerID/name
	strategies map[string]*store.RoutingStrategy
	rules      map[string][]store.PerUserRule

	logs      []store.LogEntry
	userSpend map[string]float64
	alerts    map[string]bool
	target    map[string]*store.AlertTarget
}

func newPipelineStore() *pipelineStore {
	return &pipelineStore{
		projects:   make(map[string]*store.Project),
		providers:  make(map[string]*store.Provider),
		models:     make(map[string]*store.Model),
		strategies: make(map[string]*store.RoutingStrategy),
		rules:      make(map[string][]store.PerUserRule),
		userSpend:  make(map[string]float64),
		alerts:     make(map[string]bool),
		target:     make(map[string]*store.AlertTarget),
	}
}

func (s *pipelineStore) ProjectByGatewayKey(ctx context.Context, key string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[key]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (s *pipelineStore) ProviderByID(ctx context.Context, id string) (*store.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (s *pipelineStore) ModelByName(ctx context.Context, providerID, name string) (*store.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[providerID+"/"+name]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (s *pipelineStore) StrategyByAlias(ctx context.Context, providerID, alias string) (*store.RoutingStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.strategies[providerID+"/"+alias]; ok {
		return st, nil
	}
	return nil, store.ErrNotFound
}

func (s *pipelineStore) RulesByProject(ctx context.Context, projectID string) ([]store.PerUserRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[projectID], nil
}

func (s *pipelineStore) InsertLog(ctx context.Context, entry *store.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *pipelineStore) SumProjectSpend(ctx context.Context, projectID string, monthStart time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0.0
	for _, l := range s.logs {
		if l.ProjectID == projectID && !l.CreatedAt.Before(monthStart) {
			sum += l.CostUSD
		}
	}
	return sum, nil
}

func (s *pipelineStore) UserMonthSpend(ctx context.Context, projectID, endUserID, month string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userSpend[projectID+"/"+endUserID+"/"+month], nil
}

func (s *pipelineStore) AddUserMonthSpend(ctx context.Context, projectID, endUserID, month string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userSpend[projectID+"/"+endUserID+"/"+month] += delta
	return nil
}

func (s *pipelineStore) AlertTarget(ctx context.Context, projectID string) (*store.AlertTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.target[projectID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *t
	month := store.MonthKey(time.Now())
	out.SentThresholds = nil
	for _, pct := range []int{80, 100} {
		if s.alerts[alertKey(projectID, pct, month)] {
			out.SentThresholds = append(out.SentThresholds, pct)
		}
	}
	return &out, nil
}

func (s *pipelineStore) InsertAlert(ctx context.Context, projectID string, thresholdPercent int, month string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alertKey(projectID, thresholdPercent, month)
	if s.alerts[key] {
		return false, nil
	}
	s.alerts[key] = true
	return true, nil
}

func alertKey(projectID string, pct int, month string) string {
	return projectID + "/" + month + "/" + map[int]string{80: "80", 100: "100"}[pct]
}

func (s *pipelineStore) logCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

// --- fixture -----------------------------------------------------------------

type fixture struct {
	t       *testing.T
	store   *pipelineStore
	cache   *spend.Cache
	ledger  *spend.Ledger
	gateway *Gateway

	upstream *httptest.Server
	// usage returned by the fake upstream in the next responses.
	upstreamMu       sync.Mutex
	promptTokens     int
	completionTokens int
	upstreamHits     int

	webhookMu sync.Mutex
	webhooks  []map[string]any

	client  *http.Client
	cleanup []func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fx := &fixture{t: t, store: newPipelineStore(), promptTokens: 100, completionTokens: 50}

	fx.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fx.upstreamMu.Lock()
		fx.upstreamHits++
		pt, ct := fx.promptTokens, fx.completionTokens
		fx.upstreamMu.Unlock()

		var req struct {
			Model string `json:"model"`
		}
		_ = json.Unmarshal(body, &req)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-test",
			"model": req.Model,
			"usage": map[string]int{"prompt_tokens": pt, "completion_tokens": ct},
		})
	}))
	t.Cleanup(fx.upstream.Close)

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		fx.webhookMu.Lock()
		fx.webhooks = append(fx.webhooks, p)
		fx.webhookMu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fx.cache = spend.NewCache(rdb)

	notifier := notify.New(context.Background(), fx.store, nil, notify.Options{WebhookTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = notifier.Close() })

	fx.ledger = spend.NewLedger(context.Background(), fx.store, fx.cache, nil, spend.LedgerOptions{Notifier: notifier})
	t.Cleanup(func() { _ = fx.ledger.Close() })

	loader := configcache.New(fx.store, time.Minute)
	engine := adapter.NewEngine(loader)
	adm := admission.New(fx.store, loader, fx.ledger, notifier, masterKey, nil, nil)

	respCache := respcache.NewMemoryCache(context.Background())
	t.Cleanup(respCache.Close)

	fx.gateway = NewGateway(context.Background(), adm, loader, engine, respCache, fx.ledger, GatewayOptions{
		UpstreamTimeout: 2 * time.Second,
	})

	// Seed one provider, model, project.
	enc, err := secret.Encrypt("upstream-secret", masterKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	fx.store.providers["prov-1"] = &store.Provider{
		ID:            "prov-1",
		Name:          "openai",
		BaseURL:       fx.upstream.URL,
		AuthHeader:    "Authorization",
		AuthScheme:    "Bearer",
		MessageFormat: "openai",
	}
	fx.store.models["prov-1/gpt-4o-mini"] = &store.Model{
		ID: "model-1", ProviderID: "prov-1", Name: "gpt-4o-mini",
		InputPricePerMillion: 2, OutputPricePerMillion: 4, QualityTier: "low",
	}
	fx.store.projects["ag-key"] = &store.Project{
		ID:                  "proj-1",
		Name:                "Acme",
		EncryptedCredential: enc,
		ProviderID:          "prov-1",
		MonthlyBudget:       0,
		WebhookURL:          webhook.URL,
	}
	fx.store.target["proj-1"] = &store.AlertTarget{
		ProjectName: "Acme", Budget: 0, WebhookURL: webhook.URL,
	}

	fx.serve()
	return fx
}

func (fx *fixture) serve() {
	ln := fasthttputil.NewInmemoryListener()
	handler := fx.gateway.Handler(nil)

	go func() { _ = fasthttp.Serve(ln, handler) }()
	fx.t.Cleanup(func() { _ = ln.Close() })

	fx.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func (fx *fixture) setBudget(budget float64) {
	fx.store.mu.Lock()
	fx.store.projects["ag-key"].MonthlyBudget = budget
	fx.store.target["proj-1"].Budget = budget
	fx.store.mu.Unlock()
}

func (fx *fixture) setUsage(prompt, completion int) {
	fx.upstreamMu.Lock()
	fx.promptTokens, fx.completionTokens = prompt, completion
	fx.upstreamMu.Unlock()
}

func (fx *fixture) hits() int {
	fx.upstreamMu.Lock()
	defer fx.upstreamMu.Unlock()
	return fx.upstreamHits
}

func (fx *fixture) cacheSpend(value float64) {
	month := store.MonthKey(time.Now())
	if err := fx.cache.Put(context.Background(), "proj-1", month, value, time.Minute); err != nil {
		fx.t.Fatalf("Put: %v", err)
	}
}

func (fx *fixture) spendValue() (float64, bool) {
	month := store.MonthKey(time.Now())
	return fx.cache.Get(context.Background(), "proj-1", month)
}

// waitSpend polls until the cached spend reaches at least want.
func (fx *fixture) waitSpend(want float64) float64 {
	fx.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if val, ok := fx.spendValue(); ok && val >= want-1e-9 {
			return val
		}
		if time.Now().After(deadline) {
			val, _ := fx.spendValue()
			fx.t.Fatalf("spend cache stuck at %v, want >= %v", val, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (fx *fixture) webhookCount() int {
	fx.webhookMu.Lock()
	defer fx.webhookMu.Unlock()
	return len(fx.webhooks)
}

func (fx *fixture) post(path string, body []byte, headers map[string]string) *http.Response {
	fx.t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, bytes.NewReader(body))
	if err != nil {
		fx.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer ag-key")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := fx.client.Do(req)
	if err != nil {
		fx.t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

var chatBody = []byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)

// --- tests -------------------------------------------------------------------

func TestProxyHappyPath(t *testing.T) {
	fx := newFixture(t)

	resp := fx.post("/proxy/openai/v1/chat/completions", chatBody, nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Fatalf("X-Cache = %q, want MISS", got)
	}

	var parsed struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if parsed.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", parsed.Model)
	}

	// 100 prompt * $2/M + 50 completion * $4/M = $0.0004.
	want := 0.0004
	got := fx.waitSpend(want)
	if got > want+1e-9 {
		t.Fatalf("spend = %v, want %v", got, want)
	}
	if fx.store.logCount() != 1 {
		t.Fatalf("log entries = %d, want 1", fx.store.logCount())
	}
}

func TestProxyUnknownProviderPath(t *testing.T) {
	fx := newFixture(t)

	resp := fx.post("/proxy/anthropic/v1/messages", chatBody, nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if fx.hits() != 0 {
		t.Fatal("provider mismatch must not reach upstream")
	}
}

func TestProxyGetMethodNotAllowed(t *testing.T) {
	fx := newFixture(t)

	req, _ := http.NewRequest(http.MethodGet, "http://gateway/proxy/openai/v1/models", nil)
	req.Header.Set("Authorization", "Bearer ag-key")
	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestProxyUnauthenticated(t *testing.T) {
	fx := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, "http://gateway/proxy/openai/v1/chat/completions", bytes.NewReader(chatBody))
	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if envelope.Error.Code != "unauthenticated" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestProxyCacheRoundTrip(t *testing.T) {
	fx := newFixture(t)
	fx.store.mu.Lock()
	fx.store.projects["ag-key"].CacheEnabled = true
	fx.store.mu.Unlock()

	resp := fx.post("/proxy/openai/v1/chat/completions", chatBody, nil)
	first := readBody(t, resp)
	if resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("first X-Cache = %q", resp.Header.Get("X-Cache"))
	}

	// Same canonical body, different whitespace and field order.
	reordered := []byte(`{"messages":[{"content":"hi","role":"user"}], "model":"gpt-4o-mini"}`)
	resp = fx.post("/proxy/openai/v1/chat/completions", reordered, nil)
	second := readBody(t, resp)

	if resp.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("second X-Cache = %q, want HIT", resp.Header.Get("X-Cache"))
	}
	if !bytes.Equal(first, second) {
		t.Fatal("cached body differs from the original response")
	}
	if fx.hits() != 1 {
		t.Fatalf("upstream hits = %d, want 1", fx.hits())
	}
}

func TestProxyCachingDisabledAlwaysForwards(t *testing.T) {
	fx := newFixture(t)

	readBody(t, fx.post("/proxy/openai/v1/chat/completions", chatBody, nil))
	readBody(t, fx.post("/proxy/openai/v1/chat/completions", chatBody, nil))

	if fx.hits() != 2 {
		t.Fatalf("upstream hits = %d, want 2 with caching disabled", fx.hits())
	}
}

// TestProxyBudgetLifecycle runs the full budget walk: under budget, crossing
// 100% with exactly one webhook, then blocked with no further webhooks.
func TestProxyBudgetLifecycle(t *testing.T) {
	fx := newFixture(t)
	fx.setBudget(10)
	fx.cacheSpend(9.5)

	// $0.40: 100k prompt tokens at $2/M + 50k completion at $4/M.
	fx.setUsage(100_000, 50_000)
	resp := fx.post("/proxy/openai/v1/chat/completions", chatBody, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	fx.waitSpend(9.9)
	if got := fx.webhookCount(); got != 1 {
		// 9.9/10 = 99% crosses the 80% threshold once.
		t.Fatalf("webhooks after first request = %d, want 1 (80%%)", got)
	}

	// $0.20 pushes the total to $10.10, over budget, firing the 100% alert.
	fx.setUsage(50_000, 25_000)
	resp = fx.post("/proxy/openai/v1/chat/completions", chatBody, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second request status = %d", resp.StatusCode)
	}
	fx.waitSpend(10.1)

	deadline := time.Now().Add(2 * time.Second)
	for fx.webhookCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("webhooks = %d, want 2 after crossing 100%%", fx.webhookCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Third request is blocked and fires nothing new.
	resp = fx.post("/proxy/openai/v1/chat/completions", chatBody, nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, body %s", resp.StatusCode, body)
	}
	if fx.hits() != 2 {
		t.Fatalf("upstream hits = %d, want 2 (third request blocked)", fx.hits())
	}

	time.Sleep(50 * time.Millisecond)
	if got := fx.webhookCount(); got != 2 {
		t.Fatalf("webhooks = %d, want exactly 2 per month", got)
	}
}

func TestProxyVirtualModelResolution(t *testing.T) {
	fx := newFixture(t)
	fx.store.mu.Lock()
	fx.store.models["prov-1/gpt-4o"] = &store.Model{
		ID: "model-2", ProviderID: "prov-1", Name: "gpt-4o",
		InputPricePerMillion: 2.5, OutputPricePerMillion: 10, QualityTier: "high",
	}
	fx.store.strategies["prov-1/@auto"] = &store.RoutingStrategy{
		ID: "st-1", ProviderID: "prov-1", VirtualModel: "@auto",
		Kind: store.StrategyQualityThreshold, TokenThreshold: 1000,
		Candidates: []store.Model{
			*fx.store.models["prov-1/gpt-4o"],
			*fx.store.models["prov-1/gpt-4o-mini"],
		},
	}
	fx.store.mu.Unlock()

	body := []byte(`{"model":"@auto","messages":[{"role":"user","content":"short prompt"}]}`)
	resp := fx.post("/proxy/openai/v1/chat/completions", body, nil)
	respBody := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, respBody)
	}
	// The fake upstream echoes the model it was asked for.
	var parsed struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Model != "gpt-4o-mini" {
		t.Fatalf("upstream saw model %q, want the low-tier candidate", parsed.Model)
	}
}

func TestProxyStrategyNotFound(t *testing.T) {
	fx := newFixture(t)

	body := []byte(`{"model":"@missing","messages":[]}`)
	resp := fx.post("/proxy/openai/v1/chat/completions", body, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if fx.hits() != 0 {
		t.Fatal("unresolved alias must not reach upstream")
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	fx := newFixture(t)
	fx.upstream.Close()

	resp := fx.post("/proxy/openai/v1/chat/completions", chatBody, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	// The failed call still produces a zero-cost log entry.
	deadline := time.Now().Add(2 * time.Second)
	for fx.store.logCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no log entry for the failed upstream call")
		}
		time.Sleep(5 * time.Millisecond)
	}
	fx.store.mu.Lock()
	entry := fx.store.logs[0]
	fx.store.mu.Unlock()
	if entry.CostUSD != 0 {
		t.Fatalf("failed call cost = %v, want 0", entry.CostUSD)
	}
}

func TestProxyPerUserQuota(t *testing.T) {
	fx := newFixture(t)
	month := store.MonthKey(time.Now())
	fx.store.mu.Lock()
	fx.store.rules["proj-1"] = []store.PerUserRule{
		{ProjectID: "proj-1", Tier: store.DefaultTier, BudgetUSD: 0.001},
	}
	fx.store.userSpend["proj-1/user-1/"+month] = 0.002
	fx.store.mu.Unlock()

	resp := fx.post("/proxy/openai/v1/chat/completions", chatBody,
		map[string]string{"X-End-User-Id": "user-1"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}

	// A different user under the same project is unaffected.
	resp = fx.post("/proxy/openai/v1/chat/completions", chatBody,
		map[string]string{"X-End-User-Id": "user-2"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status for fresh user = %d, want 200", resp.StatusCode)
	}
}

func TestProxyHealthAndReadiness(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.client.Get("http://gateway/health")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp, err = fx.client.Get("http://gateway/readiness")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readiness status = %d", resp.StatusCode)
	}
}
