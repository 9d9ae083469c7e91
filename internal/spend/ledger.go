package spend

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/apiguardian/gateway/internal/metrics"
	"github.com/apiguardian/gateway/internal/store"
)

const (
	channelBuffer = 10_000
	refillTimeout = 5 * time.Second
	writeTimeout  = 10 * time.Second
)

// Notifier receives a trigger after every successful spend update.
// Implementations must not block.
type Notifier interface {
	Trigger(projectID string, currentSpend float64)
}

// Usage is one completed request as seen by the ledger.
type Usage struct {
	ProjectID        string
	EndUserID        string
	Model            string
	StatusCode       int
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LatencyMs        int
	Cached           bool
	At               time.Time
}

// Ledger owns all spend accounting: the durable request log, the fast cache
// increments, the per-user aggregates, and the notifier trigger.
//
// Record never blocks the request hot path — entries go through a buffered
// channel to a background worker, and are dropped (and counted) when the
// buffer is full. A failed log insert skips the cache increment and the
// notifier for that request: the cost becomes invisible everywhere rather
// than visible in one place and not the other.
type Ledger struct {
	store    store.Store
	cache    *Cache
	notifier Notifier
	metrics  *metrics.Registry

	cacheTTL      time.Duration
	refillLockTTL time.Duration

	ch        chan Usage
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// LedgerOptions holds the optional Ledger dependencies.
type LedgerOptions struct {
	// Notifier is invoked after each successful spend update. Nil disables
	// alerting.
	Notifier Notifier

	// Metrics enables Prometheus counters. Nil disables them.
	Metrics *metrics.Registry

	// CacheTTL bounds the staleness of refilled spend values. Default: 60s.
	CacheTTL time.Duration

	// RefillLockTTL bounds the per-project refill lock. Default: 10s.
	RefillLockTTL time.Duration
}

// NewLedger creates a Ledger and starts its background worker. baseCtx
// outlives individual requests — background writes keep running after a
// client disconnects.
func NewLedger(baseCtx context.Context, s store.Store, c *Cache, log *slog.Logger, opts LedgerOptions) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	refillLockTTL := opts.RefillLockTTL
	if refillLockTTL <= 0 {
		refillLockTTL = 10 * time.Second
	}

	l := &Ledger{
		store:         s,
		cache:         c,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		cacheTTL:      cacheTTL,
		refillLockTTL: refillLockTTL,
		ch:            make(chan Usage, channelBuffer),
		done:          make(chan struct{}),
		baseCtx:       baseCtx,
		log:           log,
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Record enqueues a usage record. Never blocks; full buffer drops the record.
func (l *Ledger) Record(u Usage) {
	select {
	case l.ch <- u:
	default:
		atomic.AddInt64(&l.dropped, 1)
		if l.metrics != nil {
			l.metrics.RecordLedgerDrop()
		}
	}
}

// Dropped returns the number of records dropped so far.
func (l *Ledger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// CurrentSpend returns the best-known month-to-date spend for a project.
// A cache miss returns (0, false) and triggers an asynchronous refill so the
// next request sees real data — the caller must never block waiting for it.
func (l *Ledger) CurrentSpend(ctx context.Context, projectID string) (float64, bool) {
	month := store.MonthKey(time.Now())
	if val, ok := l.cache.Get(ctx, projectID, month); ok {
		return val, true
	}

	go l.refill(projectID)
	return 0, false
}

// UserSpend reads the durable per-user monthly aggregate. This check trades
// latency for correctness, so it goes to Postgres, not the fast cache.
func (l *Ledger) UserSpend(ctx context.Context, projectID, endUserID string) (float64, error) {
	return l.store.UserMonthSpend(ctx, projectID, endUserID, store.MonthKey(time.Now()))
}

// Close stops the worker after draining pending records.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Ledger) run() {
	defer l.wg.Done()

	for {
		select {
		case u := <-l.ch:
			l.process(u)
		case <-l.done:
			for {
				select {
				case u := <-l.ch:
					l.process(u)
				default:
					return
				}
			}
		}
	}
}

// process applies one usage record: durable log first, then the cache
// increment, the per-user aggregate, and the notifier trigger.
func (l *Ledger) process(u Usage) {
	ctx, cancel := context.WithTimeout(l.baseCtx, writeTimeout)
	defer cancel()

	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	entry := &store.LogEntry{
		ID:               uuid.New(),
		ProjectID:        u.ProjectID,
		EndUserID:        u.EndUserID,
		Model:            u.Model,
		StatusCode:       u.StatusCode,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CostUSD:          u.CostUSD,
		LatencyMs:        u.LatencyMs,
		Cached:           u.Cached,
		CreatedAt:        at,
	}

	if err := l.store.InsertLog(ctx, entry); err != nil {
		// The request already got its response; all we can do is make the
		// miss visible. Skipping the increments keeps the ledger and the
		// cache consistent with each other.
		l.log.Error("ledger_insert_failed",
			slog.String("project_id", u.ProjectID),
			slog.String("error", err.Error()),
		)
		if l.metrics != nil {
			l.metrics.RecordLedgerWrite("error")
		}
		return
	}
	if l.metrics != nil {
		l.metrics.RecordLedgerWrite("ok")
		l.metrics.AddTokens(u.PromptTokens, u.CompletionTokens)
	}

	if u.Cached {
		// Hits were billed on the original miss; nothing to account.
		return
	}

	month := store.MonthKey(at)

	newSpend, err := l.cache.Add(ctx, u.ProjectID, month, u.CostUSD, l.cacheTTL)
	if err != nil {
		l.log.Warn("spend_cache_increment_failed",
			slog.String("project_id", u.ProjectID),
			slog.String("error", err.Error()),
		)
		// Without a trustworthy running total the notifier has nothing to
		// compare against the budget; the next refill repairs the cache.
		return
	}

	if u.EndUserID != "" && u.CostUSD != 0 {
		if err := l.store.AddUserMonthSpend(ctx, u.ProjectID, u.EndUserID, month, u.CostUSD); err != nil {
			l.log.Warn("user_spend_increment_failed",
				slog.String("project_id", u.ProjectID),
				slog.String("end_user_id", u.EndUserID),
				slog.String("error", err.Error()),
			)
		}
	}

	if l.notifier != nil {
		l.notifier.Trigger(u.ProjectID, newSpend)
	}
}

// refill recomputes the authoritative month sum from the durable log and
// repopulates the cache. Safe to run concurrently with itself: the SETNX lock
// collapses stampedes and the Put is last-writer-wins over values that all
// came from the same source of truth.
func (l *Ledger) refill(projectID string) {
	ctx, cancel := context.WithTimeout(l.baseCtx, refillTimeout)
	defer cancel()

	if !l.cache.AcquireRefillLock(ctx, projectID, l.refillLockTTL) {
		if l.metrics != nil {
			l.metrics.RecordRefill("skipped")
		}
		return
	}

	now := time.Now()
	sum, err := l.store.SumProjectSpend(ctx, projectID, store.MonthStart(now))
	if err != nil {
		l.log.Error("spend_refill_failed",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
		if l.metrics != nil {
			l.metrics.RecordRefill("error")
		}
		return
	}

	if err := l.cache.Put(ctx, projectID, store.MonthKey(now), sum, l.cacheTTL); err != nil {
		l.log.Warn("spend_refill_put_failed",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
		if l.metrics != nil {
			l.metrics.RecordRefill("error")
		}
		return
	}

	l.log.Debug("spend_cache_refilled",
		slog.String("project_id", projectID),
		slog.Float64("spend", sum),
	)
	if l.metrics != nil {
		l.metrics.RecordRefill("ok")
	}
}
