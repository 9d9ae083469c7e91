// Package configcache is a read-through TTL cache over the relational
// configuration records (providers, models, strategies, per-user rules).
//
// The pipeline reads configuration on every request; this layer keeps those
// reads off Postgres. There is no invalidation path: admin changes take
// effect when the entry expires, which bounds staleness to the configured TTL.
package configcache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/apiguardian/gateway/internal/store"
)

// Loader caches configuration lookups in front of a Store.
type Loader struct {
	store store.Store
	cache *gocache.Cache
}

// New creates a Loader with the given entry TTL.
func New(s store.Store, ttl time.Duration) *Loader {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Loader{
		store: s,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Provider returns the provider configuration by id.
func (l *Loader) Provider(ctx context.Context, id string) (*store.Provider, error) {
	key := "provider:" + id
	if v, ok := l.cache.Get(key); ok {
		return v.(*store.Provider), nil
	}

	p, err := l.store.ProviderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	l.cache.SetDefault(key, p)
	return p, nil
}

// Model returns the model configuration by (provider, name).
func (l *Loader) Model(ctx context.Context, providerID, name string) (*store.Model, error) {
	key := fmt.Sprintf("model:%s:%s", providerID, name)
	if v, ok := l.cache.Get(key); ok {
		return v.(*store.Model), nil
	}

	m, err := l.store.ModelByName(ctx, providerID, name)
	if err != nil {
		return nil, err
	}
	l.cache.SetDefault(key, m)
	return m, nil
}

// Strategy returns the routing strategy for (provider, alias), candidates
// included.
func (l *Loader) Strategy(ctx context.Context, providerID, alias string) (*store.RoutingStrategy, error) {
	key := fmt.Sprintf("strategy:%s:%s", providerID, alias)
	if v, ok := l.cache.Get(key); ok {
		return v.(*store.RoutingStrategy), nil
	}

	st, err := l.store.StrategyByAlias(ctx, providerID, alias)
	if err != nil {
		return nil, err
	}
	l.cache.SetDefault(key, st)
	return st, nil
}

// Rules returns the per-user rules of a project. A project without rules
// caches the empty slice so rule-less tenants don't hit Postgres every
// request either.
func (l *Loader) Rules(ctx context.Context, projectID string) ([]store.PerUserRule, error) {
	key := "rules:" + projectID
	if v, ok := l.cache.Get(key); ok {
		return v.([]store.PerUserRule), nil
	}

	rules, err := l.store.RulesByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	l.cache.SetDefault(key, rules)
	return rules, nil
}
