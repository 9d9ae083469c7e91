// Package notify dispatches budget-alert webhooks when a project's monthly
// spend crosses a configured threshold.
//
// Triggers arrive from the ledger (after each billed request) and from the
// admission controller (on a budget block). Dispatch runs on a single
// background worker so the caller never waits on a webhook, and the
// per-month (project, threshold) alert row makes repeat crossings no-ops.
// The row is written after the webhook goes out, so a crash in between can
// replay a webhook: consumers must tolerate at-least-once delivery.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/apiguardian/gateway/internal/metrics"
	"github.com/apiguardian/gateway/internal/store"
)

const (
	triggerBuffer  = 1024
	processTimeout = 30 * time.Second
)

// DefaultThresholds are the usage percentages that fire alerts.
var DefaultThresholds = []int{80, 100}

// payload is the webhook body.
type payload struct {
	Type             string  `json:"type"`
	ProjectName      string  `json:"projectName"`
	ThresholdPercent int     `json:"thresholdPercent"`
	CurrentSpend     float64 `json:"currentSpend"`
	Budget           float64 `json:"budget"`
	Message          string  `json:"message"`
}

type trigger struct {
	projectID string
	spend     float64
}

// Notifier owns the alert worker.
type Notifier struct {
	store      store.Store
	client     *http.Client
	thresholds []int
	metrics    *metrics.Registry

	ch        chan trigger
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	baseCtx context.Context
	log     *slog.Logger
}

// Options configures a Notifier.
type Options struct {
	// Thresholds are usage percentages, evaluated in ascending order.
	// Defaults to DefaultThresholds.
	Thresholds []int

	// WebhookTimeout bounds a single delivery attempt. Default: 10s.
	WebhookTimeout time.Duration

	Metrics *metrics.Registry
}

// New creates a Notifier and starts its worker.
func New(baseCtx context.Context, s store.Store, log *slog.Logger, opts Options) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	thresholds := opts.Thresholds
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	thresholds = append([]int(nil), thresholds...)
	sort.Ints(thresholds)

	timeout := opts.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	n := &Notifier{
		store:      s,
		client:     &http.Client{Timeout: timeout},
		thresholds: thresholds,
		metrics:    opts.Metrics,
		ch:         make(chan trigger, triggerBuffer),
		done:       make(chan struct{}),
		baseCtx:    baseCtx,
		log:        log,
	}

	n.wg.Add(1)
	go n.run()

	return n
}

// Trigger enqueues an alert check. Never blocks; a full buffer drops the
// trigger, which only delays the alert until the next spend update.
func (n *Notifier) Trigger(projectID string, currentSpend float64) {
	select {
	case n.ch <- trigger{projectID: projectID, spend: currentSpend}:
	default:
	}
}

// Close stops the worker after draining pending triggers.
func (n *Notifier) Close() error {
	n.closeOnce.Do(func() {
		close(n.done)
	})
	n.wg.Wait()
	return nil
}

func (n *Notifier) run() {
	defer n.wg.Done()

	for {
		select {
		case tr := <-n.ch:
			n.process(tr)
		case <-n.done:
			for {
				select {
				case tr := <-n.ch:
					n.process(tr)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) process(tr trigger) {
	ctx, cancel := context.WithTimeout(n.baseCtx, processTimeout)
	defer cancel()

	target, err := n.store.AlertTarget(ctx, tr.projectID)
	if err != nil {
		n.log.Error("alert_target_lookup_failed",
			slog.String("project_id", tr.projectID),
			slog.String("error", err.Error()),
		)
		return
	}
	if target.Budget <= 0 || target.WebhookURL == "" {
		return
	}

	sent := make(map[int]bool, len(target.SentThresholds))
	for _, pct := range target.SentThresholds {
		sent[pct] = true
	}

	usagePercent := tr.spend / target.Budget * 100
	month := store.MonthKey(time.Now())

	for _, threshold := range n.thresholds {
		if usagePercent < float64(threshold) || sent[threshold] {
			continue
		}

		if err := n.send(ctx, target, threshold, tr.spend); err != nil {
			n.log.Error("webhook_send_failed",
				slog.String("project_id", tr.projectID),
				slog.Int("threshold", threshold),
				slog.String("error", err.Error()),
			)
			if n.metrics != nil {
				n.metrics.RecordWebhook(threshold, "error")
			}
			// Leave the alert unrecorded so the next trigger retries it.
			continue
		}
		if n.metrics != nil {
			n.metrics.RecordWebhook(threshold, "ok")
		}

		if _, err := n.store.InsertAlert(ctx, tr.projectID, threshold, month); err != nil {
			n.log.Error("alert_persist_failed",
				slog.String("project_id", tr.projectID),
				slog.Int("threshold", threshold),
				slog.String("error", err.Error()),
			)
		}

		n.log.Info("budget_alert_sent",
			slog.String("project_id", tr.projectID),
			slog.Int("threshold", threshold),
			slog.Float64("spend", tr.spend),
		)
	}
}

func (n *Notifier) send(ctx context.Context, target *store.AlertTarget, threshold int, spend float64) error {
	p := payload{
		Type:             "BUDGET_ALERT",
		ProjectName:      target.ProjectName,
		ThresholdPercent: threshold,
		CurrentSpend:     spend,
		Budget:           target.Budget,
		Message: fmt.Sprintf("Project %q has used %d%% of its $%.2f monthly budget (current spend $%.2f).",
			target.ProjectName, threshold, target.Budget, spend),
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
