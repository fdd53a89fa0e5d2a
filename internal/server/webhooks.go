package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"paysync/internal/config"
	"paysync/internal/domain"
	"paysync/internal/engine"
	"paysync/internal/logger"
	"paysync/internal/metrics"
	"paysync/internal/repo"
)

const (
	defaultWebhookInterval   = 2 * time.Second
	defaultWebhookTimeout    = 5 * time.Second
	defaultWebhookBatch      = 100
	defaultWebhookWorkers    = 4
	defaultWebhookMaxElapsed = 30 * time.Second
)

// WebhookOptions tunes the dispatcher. Zero values fall back to defaults.
type WebhookOptions struct {
	// LedgerID restricts deliveries to one ledger. Empty follows every ledger.
	LedgerID   string
	Interval   time.Duration
	Workers    int
	MaxElapsed time.Duration
	Logger     *zap.Logger
}

// WebhookDispatcher tails the event log and posts new events to the
// configured webhooks. Each hook keeps its own cursor; events are delivered
// to a hook in log order, hooks are served concurrently.
type WebhookDispatcher struct {
	repo       repo.Repo
	ledgerID   string
	webhooks   []config.WebhookConfig
	client     *http.Client
	pool       pond.Pool
	interval   time.Duration
	maxElapsed time.Duration
	log        *zap.Logger
	mu         sync.Mutex
	cursors    map[int]int64
}

// NewWebhookDispatcher returns nil when no webhook is configured.
func NewWebhookDispatcher(e engine.Engine, opts WebhookOptions) *WebhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultWebhookInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWebhookWorkers
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = defaultWebhookMaxElapsed
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &WebhookDispatcher{
		repo:       e.Repo,
		ledgerID:   strings.TrimSpace(opts.LedgerID),
		webhooks:   e.Config.Webhooks,
		client:     &http.Client{Timeout: defaultWebhookTimeout},
		pool:       pond.NewPool(opts.Workers),
		interval:   opts.Interval,
		maxElapsed: opts.MaxElapsed,
		log:        opts.Logger.With(zap.String("component", "webhooks")),
		cursors:    make(map[int]int64),
	}
}

// StartWebhookDispatcher runs a dispatcher in the background until ctx is done.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, opts WebhookOptions) *WebhookDispatcher {
	d := NewWebhookDispatcher(e, opts)
	if d == nil {
		return nil
	}
	go d.Run(ctx)
	return d
}

// Run polls until ctx is canceled, then drains the worker pool.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	defer d.pool.StopAndWait()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending events to every enabled hook and waits for
// the deliveries to finish. The first call only positions the cursors at the
// end of the log.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	group := d.pool.NewGroup()
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		idx, hook := i, hook
		group.Submit(func() {
			d.dispatchWebhook(ctx, idx, hook)
		})
	}
	if err := group.Wait(); err != nil {
		d.log.Error("webhook group failed", zap.Error(err))
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, fresh := d.cursorFor(ctx, idx)
	if fresh {
		return
	}
	events, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.ledgerID)
	if err != nil {
		d.log.Error("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.deliver(ctx, hook, evt); err != nil {
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			d.log.Error("webhook delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.String("event_type", evt.Type),
				zap.Error(err))
			return
		}
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor returns the hook cursor. On first use it is set to the latest
// event so history is not replayed, and fresh is true.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, false
	}
	cur, err := d.repo.LatestEventID(ctx, d.ledgerID)
	if err != nil {
		d.log.Error("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	LedgerID   string          `json:"ledger_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		LedgerID:   evt.LedgerID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}

	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Paysync-Event", evt.Type)
		req.Header.Set("X-Paysync-Delivery", strconv.FormatInt(evt.ID, 10))
		if evt.LedgerID != "" {
			req.Header.Set("X-Paysync-Ledger", evt.LedgerID)
		}
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set("X-Paysync-Secret", hook.Secret)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		statusErr := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = d.maxElapsed
	notify := func(err error, next time.Duration) {
		metrics.WebhookDeliveries.WithLabelValues("retried").Inc()
		d.log.Warn("webhook delivery retrying",
			zap.String("url", hook.URL),
			zap.Int("attempt", attempt),
			zap.Duration("next_retry_in", next),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
