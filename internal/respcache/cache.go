// Package respcache is the content-addressed response cache.
//
// Keys are derived from a canonical hash of the inbound JSON body, scoped per
// project so identical prompts from different tenants never share entries.
// Entries are pure derived artifacts: losing one costs a cache miss, never
// correctness — so every backend degrades gracefully instead of failing the
// user-facing request.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Cache is the response cache interface.
//
// Two backends are available:
//   - RedisCache  — shared across replicas, recommended for production.
//   - MemoryCache — in-process TTL cache, single-instance/dev deployments.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key returns the cache key for a project and request body.
//
// The body is canonicalised by a JSON round-trip before hashing (Go sorts map
// keys on marshal), so semantically identical bodies with different field
// order or whitespace map to the same entry. A body that fails to parse is
// hashed verbatim.
func Key(projectID string, body []byte) string {
	canonical := body
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		if data, err := json.Marshal(v); err == nil {
			canonical = data
		}
	}

	h := sha256.Sum256(canonical)
	return "resp:" + projectID + ":" + hex.EncodeToString(h[:])
}
