package adapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/apiguardian/gateway/internal/configcache"
	"github.com/apiguardian/gateway/internal/store"
	"github.com/apiguardian/gateway/pkg/apierr"
)

// strategyStore serves a single canned strategy. Embedding keeps the stub
// small; anything unimplemented panics.
type strategyStore struct {
	store.Store
	strategy *store.RoutingStrategy
}

func (s *strategyStore) StrategyByAlias(ctx context.Context, providerID, alias string) (*store.RoutingStrategy, error) {
	if s.strategy == nil || s.strategy.VirtualModel != alias {
		return nil, store.ErrNotFound
	}
	return s.strategy, nil
}

func newTestEngine(strategy *store.RoutingStrategy) *Engine {
	loader := configcache.New(&strategyStore{strategy: strategy}, time.Minute)
	return NewEngine(loader)
}

func qualityStrategy(threshold int) *store.RoutingStrategy {
	return &store.RoutingStrategy{
		ID:             "st-1",
		ProviderID:     "prov-1",
		VirtualModel:   "@auto",
		Kind:           store.StrategyQualityThreshold,
		TokenThreshold: threshold,
		Candidates: []store.Model{
			{Name: "gpt-4o", QualityTier: "high", InputPricePerMillion: 2.5, OutputPricePerMillion: 10},
			{Name: "gpt-4o-mini", QualityTier: "low", InputPricePerMillion: 0.15, OutputPricePerMillion: 0.6},
		},
	}
}

func promptBody(chars int) []byte {
	content := strings.Repeat("a", chars)
	return []byte(`{"model":"@auto","messages":[{"role":"user","content":"` + content + `"}]}`)
}

func TestResolveConcreteModelPassthrough(t *testing.T) {
	e := newTestEngine(nil)

	body := []byte(`{"model":"gpt-4o","messages":[]}`)
	res, aerr := e.ResolveModel(context.Background(), "prov-1", body)
	if aerr != nil {
		t.Fatalf("ResolveModel: %v", aerr)
	}
	if res.Model != "gpt-4o" || res.Alias != "" {
		t.Fatalf("res = %+v, want passthrough", res)
	}
	if string(res.Body) != string(body) {
		t.Fatal("passthrough must not rewrite the body")
	}
}

func TestResolveQualityThresholdBoundary(t *testing.T) {
	// Threshold 100 tokens = 400 chars with the /4 estimate.
	tests := []struct {
		name  string
		chars int
		want  string
	}{
		{"below", 396, "gpt-4o-mini"},
		{"exactly at threshold", 400, "gpt-4o-mini"},
		{"above", 404, "gpt-4o"},
	}

	e := newTestEngine(qualityStrategy(100))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, aerr := e.ResolveModel(context.Background(), "prov-1", promptBody(tt.chars))
			if aerr != nil {
				t.Fatalf("ResolveModel: %v", aerr)
			}
			if res.Model != tt.want {
				t.Fatalf("resolved %q, want %q", res.Model, tt.want)
			}
			if got := gjson.GetBytes(res.Body, "model").String(); got != tt.want {
				t.Fatalf("body model = %q, want %q", got, tt.want)
			}
			if res.Alias != "@auto" {
				t.Fatalf("alias = %q", res.Alias)
			}
		})
	}
}

func TestResolveMultipartContentCounts(t *testing.T) {
	e := newTestEngine(qualityStrategy(10))

	body := []byte(`{"model":"@auto","messages":[{"role":"user","content":[{"type":"text","text":"` +
		strings.Repeat("b", 80) + `"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]}]}`)

	res, aerr := e.ResolveModel(context.Background(), "prov-1", body)
	if aerr != nil {
		t.Fatalf("ResolveModel: %v", aerr)
	}
	// 80 chars / 4 = 20 estimated tokens > threshold 10.
	if res.Model != "gpt-4o" {
		t.Fatalf("resolved %q, want high tier", res.Model)
	}
}

func TestResolveStrategyNotFound(t *testing.T) {
	e := newTestEngine(nil)

	_, aerr := e.ResolveModel(context.Background(), "prov-1", []byte(`{"model":"@missing"}`))
	if aerr == nil || aerr.Code != apierr.CodeStrategyNotFound {
		t.Fatalf("err = %v, want strategy_not_found", aerr)
	}
}

func TestResolveMissingTierCandidate(t *testing.T) {
	st := qualityStrategy(0)
	st.Candidates = st.Candidates[:1] // high only

	e := newTestEngine(st)
	_, aerr := e.ResolveModel(context.Background(), "prov-1", []byte(`{"model":"@auto","messages":[]}`))
	if aerr == nil || aerr.Code != apierr.CodeStrategyMisconfigured {
		t.Fatalf("err = %v, want strategy_misconfigured", aerr)
	}
}

func TestResolveLowestCost(t *testing.T) {
	e := newTestEngine(&store.RoutingStrategy{
		VirtualModel: "@cheap",
		Kind:         store.StrategyLowestCost,
		Candidates: []store.Model{
			{Name: "gpt-4o", InputPricePerMillion: 2.5, OutputPricePerMillion: 10},
			{Name: "gpt-4o-mini", InputPricePerMillion: 0.15, OutputPricePerMillion: 0.6},
			{Name: "gpt-4.1", InputPricePerMillion: 2, OutputPricePerMillion: 8},
		},
	})

	res, aerr := e.ResolveModel(context.Background(), "prov-1", []byte(`{"model":"@cheap","messages":[]}`))
	if aerr != nil {
		t.Fatalf("ResolveModel: %v", aerr)
	}
	if res.Model != "gpt-4o-mini" {
		t.Fatalf("resolved %q, want gpt-4o-mini", res.Model)
	}
}

func TestResolveUnknownStrategyKind(t *testing.T) {
	e := newTestEngine(&store.RoutingStrategy{
		VirtualModel: "@auto",
		Kind:         "round_robin",
	})

	_, aerr := e.ResolveModel(context.Background(), "prov-1", []byte(`{"model":"@auto"}`))
	if aerr == nil || aerr.Code != apierr.CodeStrategyMisconfigured {
		t.Fatalf("err = %v, want strategy_misconfigured", aerr)
	}
}
