package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/apiguardian/gateway/internal/configcache"
	"github.com/apiguardian/gateway/internal/store"
	"github.com/apiguardian/gateway/pkg/apierr"
)

// VirtualModelPrefix marks a client-facing model alias that must be resolved
// to a concrete model by a routing strategy before forwarding.
const VirtualModelPrefix = "@"

const (
	tierHigh = "high"
	tierLow  = "low"

	// charsPerToken is the cheap prompt-size proxy: total message character
	// length divided by 4. Intentionally approximate, never a real tokenizer.
	charsPerToken = 4
)

// Resolution is the outcome of one strategy dispatch.
type Resolution struct {
	// Alias is the virtual model as sent by the client, empty when the
	// request named a concrete model directly.
	Alias string

	// Model is the concrete model name that goes upstream.
	Model string

	// Body is the request body with the model field rewritten. When no
	// resolution was needed it aliases the input body.
	Body []byte
}

// Engine resolves virtual model aliases against the configured routing
// strategies. Resolution is a config-cache read plus arithmetic; it never
// goes to the network.
type Engine struct {
	config *configcache.Loader
}

// NewEngine creates a strategy Engine backed by the configuration cache.
func NewEngine(config *configcache.Loader) *Engine {
	return &Engine{config: config}
}

// ResolveModel inspects the request body's model field and, when it is a
// virtual alias, rewrites it to the concrete model the strategy selects.
// Concrete model names pass through untouched.
func (e *Engine) ResolveModel(ctx context.Context, providerID string, body []byte) (*Resolution, *apierr.Error) {
	model := gjson.GetBytes(body, "model").String()
	if !strings.HasPrefix(model, VirtualModelPrefix) {
		return &Resolution{Model: model, Body: body}, nil
	}

	strategy, err := e.config.Strategy(ctx, providerID, model)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.StrategyNotFound(fmt.Sprintf("no routing strategy configured for model %q", model))
		}
		return nil, apierr.Internal("failed to load routing strategy")
	}

	selected, aerr := selectCandidate(strategy, body)
	if aerr != nil {
		return nil, aerr
	}

	rewritten, serr := sjson.SetBytes(body, "model", selected.Name)
	if serr != nil {
		return nil, apierr.Internal("failed to rewrite model field")
	}

	return &Resolution{Alias: model, Model: selected.Name, Body: rewritten}, nil
}

func selectCandidate(strategy *store.RoutingStrategy, body []byte) (*store.Model, *apierr.Error) {
	switch strategy.Kind {
	case store.StrategyQualityThreshold:
		return selectByQualityThreshold(strategy, body)
	case store.StrategyLowestCost:
		return selectLowestCost(strategy)
	default:
		return nil, apierr.StrategyMisconfigured(
			fmt.Sprintf("unknown strategy kind %q for %s", strategy.Kind, strategy.VirtualModel))
	}
}

// selectByQualityThreshold picks the high-tier candidate when the estimated
// prompt size exceeds the threshold, the low-tier one otherwise. The boundary
// rule is strict: estimated > threshold picks high, estimated == threshold
// picks low.
func selectByQualityThreshold(strategy *store.RoutingStrategy, body []byte) (*store.Model, *apierr.Error) {
	estimated := estimatePromptTokens(body)

	tier := tierLow
	if estimated > strategy.TokenThreshold {
		tier = tierHigh
	}

	for i := range strategy.Candidates {
		if strategy.Candidates[i].QualityTier == tier {
			return &strategy.Candidates[i], nil
		}
	}
	return nil, apierr.StrategyMisconfigured(
		fmt.Sprintf("strategy %s has no %q tier candidate", strategy.VirtualModel, tier))
}

// selectLowestCost picks the candidate with the minimum combined per-million
// price. Pure selection over the candidate list.
func selectLowestCost(strategy *store.RoutingStrategy) (*store.Model, *apierr.Error) {
	if len(strategy.Candidates) == 0 {
		return nil, apierr.StrategyMisconfigured(
			fmt.Sprintf("strategy %s has no candidates", strategy.VirtualModel))
	}

	best := &strategy.Candidates[0]
	bestPrice := best.InputPricePerMillion + best.OutputPricePerMillion
	for i := 1; i < len(strategy.Candidates); i++ {
		c := &strategy.Candidates[i]
		if price := c.InputPricePerMillion + c.OutputPricePerMillion; price < bestPrice {
			best, bestPrice = c, price
		}
	}
	return best, nil
}

// estimatePromptTokens sums the character length of every message content
// string and divides by charsPerToken. String content only; structured
// multimodal parts contribute their text fields.
func estimatePromptTokens(body []byte) int {
	chars := 0
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			chars += len(content.String())
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				chars += len(part.Get("text").String())
				return true
			})
		}
		return true
	})
	return chars / charsPerToken
}
