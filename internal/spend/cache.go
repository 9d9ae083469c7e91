// Package spend tracks project spend: an append-only durable ledger in
// Postgres and a fast per-project-per-month running total in Redis.
//
// The two representations stay reconcilable through write-through increments
// on every completed call and a refill-on-miss job that recomputes the
// authoritative sum. The cache value is allowed to lag the ledger by at most
// one cache TTL (bounded staleness); it is never the source of truth.
package spend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// addScript atomically increments a spend key and refreshes its TTL in a
// single round-trip, so a concurrent expiry can never land between the two
// commands.
// KEYS[1] = spend key
// ARGV[1] = cost delta (float as string)
// ARGV[2] = TTL in milliseconds
// Returns the new value.
var addScript = redis.NewScript(`
		local v = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return v
`)

// Cache is the Redis-backed fast spend cache.
type Cache struct {
	client *redis.Client
}

// NewCache wraps an existing Redis client. The caller owns its lifecycle.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func spendKey(projectID, month string) string {
	return fmt.Sprintf("spend:%s:%s", projectID, month)
}

func lockKey(projectID string) string {
	return "spend:refill-lock:" + projectID
}

// Get returns the cached month-to-date spend for a project.
// Returns (0, false) on a miss or any Redis error — the caller treats both
// as "unknown, refill needed" and never blocks on it.
func (c *Cache) Get(ctx context.Context, projectID, month string) (float64, bool) {
	val, err := c.client.Get(ctx, spendKey(projectID, month)).Float64()
	if err != nil {
		return 0, false
	}
	return val, true
}

// Add atomically increments the cached spend by cost and refreshes the TTL,
// returning the new total. The TTL refresh is what keeps a busy project's
// entry alive indefinitely: only idle projects age out and take the refill
// path.
func (c *Cache) Add(ctx context.Context, projectID, month string, cost float64, ttl time.Duration) (float64, error) {
	val, err := addScript.Run(ctx, c.client,
		[]string{spendKey(projectID, month)},
		strconv.FormatFloat(cost, 'f', -1, 64), ttl.Milliseconds(),
	).Float64()
	if err != nil {
		return 0, fmt.Errorf("spend: add: %w", err)
	}
	return val, nil
}

// Put overwrites the cached spend with an authoritative value (refill path).
// Last-writer-wins is acceptable: every writer computed its value from the
// durable ledger.
func (c *Cache) Put(ctx context.Context, projectID, month string, value float64, ttl time.Duration) error {
	if err := c.client.Set(ctx, spendKey(projectID, month), value, ttl).Err(); err != nil {
		return fmt.Errorf("spend: put: %w", err)
	}
	return nil
}

// AcquireRefillLock takes the short-lived per-project lock that collapses a
// stampede of concurrent cache misses into a single Postgres sum. The lock is
// released by TTL, not explicitly — a crashed holder just delays the next
// refill by lockTTL.
func (c *Cache) AcquireRefillLock(ctx context.Context, projectID string, lockTTL time.Duration) bool {
	ok, err := c.client.SetNX(ctx, lockKey(projectID), "1", lockTTL).Result()
	if err != nil {
		// Redis down: no lock, but also no cache to refill. Let the caller
		// proceed; the Put will fail in the same way and be logged there.
		return !errors.Is(err, context.Canceled)
	}
	return ok
}
