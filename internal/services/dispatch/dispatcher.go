package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ParcelFlow/internal/integrations/webhook"
	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type DeliveryStore interface {
	EndpointsWithPendingWork(ctx context.Context) ([]uint64, error)
	// ClaimEndpoint takes or renews the endpoint lease. It returns false
	// while another owner holds an unexpired lease.
	ClaimEndpoint(ctx context.Context, endpointID uint64, owner string, lease time.Duration) (bool, error)
	ReleaseEndpoint(ctx context.Context, endpointID uint64, owner string) error
	GetEndpoint(ctx context.Context, id uint64) (*models.WebhookEndpoint, error)
	// NextDelivery returns the endpoint's pending delivery with the lowest
	// event sequence, or nil.
	NextDelivery(ctx context.Context, endpointID uint64) (*models.WebhookDelivery, error)
	SaveAttempt(ctx context.Context, d *models.WebhookDelivery) error
}

type Sender interface {
	Send(ctx context.Context, ep *models.WebhookEndpoint, d *models.WebhookDelivery) webhook.Result
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Dispatcher runs one worker per endpoint with pending deliveries. A worker
// holds the endpoint lease, sends deliveries strictly in event order and
// sleeps until the head delivery is due.
type Dispatcher struct {
	store   DeliveryStore
	sender  Sender
	rl      RateLimiter
	planner *Planner
	owner   string
	log     *slog.Logger

	scanInterval time.Duration
	lease        time.Duration
	now          func() time.Time

	triggerCh chan struct{}

	mu      sync.Mutex
	workers map[uint64]struct{}
	wg      sync.WaitGroup

	totalAttempts  atomic.Int64
	totalDelivered atomic.Int64
	totalRetried   atomic.Int64
	totalFailed    atomic.Int64
}

func NewDispatcher(store DeliveryStore, sender Sender, rl RateLimiter, owner string) *Dispatcher {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Dispatcher{
		store:        store,
		sender:       sender,
		rl:           rl,
		planner:      NewPlanner(models.RetryPolicy{}),
		owner:        owner,
		log:          slog.Default().With("component", "webhook-dispatcher"),
		scanInterval: 2 * time.Second,
		lease:        30 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		triggerCh:    make(chan struct{}, 1),
		workers:      make(map[uint64]struct{}),
	}
}

func (d *Dispatcher) WithSettings(scanInterval, lease time.Duration, def models.RetryPolicy) *Dispatcher {
	if scanInterval > 0 {
		d.scanInterval = scanInterval
	}
	if lease > 0 {
		d.lease = lease
	}
	d.planner = NewPlanner(def)
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

func (d *Dispatcher) Planner() *Planner {
	return d.planner
}

// Trigger asks for an immediate scan for endpoints with work.
func (d *Dispatcher) Trigger() {
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

type DispatcherStats struct {
	ActiveEndpoints int   `json:"activeEndpoints"`
	TotalAttempts   int64 `json:"totalAttempts"`
	TotalDelivered  int64 `json:"totalDelivered"`
	TotalRetried    int64 `json:"totalRetried"`
	TotalFailed     int64 `json:"totalFailed"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	active := len(d.workers)
	d.mu.Unlock()
	return DispatcherStats{
		ActiveEndpoints: active,
		TotalAttempts:   d.totalAttempts.Load(),
		TotalDelivered:  d.totalDelivered.Load(),
		TotalRetried:    d.totalRetried.Load(),
		TotalFailed:     d.totalFailed.Load(),
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.scanInterval)
	defer t.Stop()

	d.log.Info("webhook dispatcher started", "owner", d.owner)
	d.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-t.C:
			d.scan(ctx)
		case <-d.triggerCh:
			d.scan(ctx)
		}
	}
}

func (d *Dispatcher) scan(ctx context.Context) {
	ids, err := d.store.EndpointsWithPendingWork(ctx)
	if err != nil {
		d.log.Error("list endpoints with pending work", "error", err.Error())
		return
	}
	for _, id := range ids {
		d.mu.Lock()
		_, running := d.workers[id]
		if !running {
			d.workers[id] = struct{}{}
		}
		d.mu.Unlock()
		if running {
			continue
		}

		d.wg.Add(1)
		go func(id uint64) {
			defer func() {
				d.mu.Lock()
				delete(d.workers, id)
				d.mu.Unlock()
				d.wg.Done()
			}()
			d.serve(ctx, id)
		}(id)
	}
}

func (d *Dispatcher) serve(ctx context.Context, endpointID uint64) {
	defer func() {
		// release on a fresh context: ctx may already be cancelled
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.ReleaseEndpoint(relCtx, endpointID, d.owner); err != nil {
			d.log.Error("release endpoint", "endpoint_id", endpointID, "error", err.Error())
		}
	}()

	for {
		wait, done, err := d.Step(ctx, endpointID)
		if err != nil {
			d.log.Error("webhook step", "endpoint_id", endpointID, "error", err.Error())
			wait = time.Second
		}
		if done {
			return
		}
		if wait <= 0 {
			continue
		}
		// wake up before the lease runs out to renew it
		if renew := d.lease / 3; wait > renew {
			wait = renew
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Step performs at most one delivery attempt for the endpoint. It returns
// how long to wait before the next step, or done when the worker should
// stop (no work, lease lost, endpoint inactive).
func (d *Dispatcher) Step(ctx context.Context, endpointID uint64) (time.Duration, bool, error) {
	if ctx.Err() != nil {
		return 0, true, nil
	}
	ok, err := d.store.ClaimEndpoint(ctx, endpointID, d.owner, d.lease)
	if err != nil {
		return 0, false, errors.Wrap(err, "claim endpoint")
	}
	if !ok {
		return 0, true, nil
	}

	ep, err := d.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return 0, false, err
	}
	if !ep.Active {
		return 0, true, nil
	}

	del, err := d.store.NextDelivery(ctx, endpointID)
	if err != nil {
		return 0, false, errors.Wrap(err, "next delivery")
	}
	if del == nil {
		return 0, true, nil
	}

	now := d.now()
	if del.NextRetryAt != nil && del.NextRetryAt.After(now) {
		return del.NextRetryAt.Sub(now), false, nil
	}

	if d.rl != nil && ep.RateLimitPerMinute > 0 {
		key := fmt.Sprintf("webhook:%d:%s", ep.ID, now.Format("200601021504"))
		allowed, n, err := d.rl.Allow(ctx, key, int64(ep.RateLimitPerMinute), 70*time.Second)
		if err != nil {
			return 0, false, err
		}
		if !allowed {
			next := now.Truncate(time.Minute).Add(time.Minute)
			d.log.Warn("webhook rate limit exceeded", "endpoint_id", ep.ID, "count", n)
			return next.Sub(now), false, nil
		}
	}

	return 0, false, d.attempt(ctx, ep, del)
}

func (d *Dispatcher) attempt(ctx context.Context, ep *models.WebhookEndpoint, del *models.WebhookDelivery) error {
	policy := d.planner.Policy(ep.Retry)
	ep.Retry = policy

	res := d.sender.Send(ctx, ep, del)
	now := d.now()

	d.totalAttempts.Add(1)
	metrics.WebhookAttemptDuration.Observe(res.Duration.Seconds())

	del.Attempts++
	if res.StatusCode > 0 {
		code := res.StatusCode
		del.LastHTTPStatus = &code
	}

	outcome := res.Outcome()
	switch outcome {
	case webhook.OutcomeSuccess:
		del.Status = status.DeliveryDelivered
		del.DeliveredAt = &now
		del.NextRetryAt = nil
		del.LastError = nil
		d.totalDelivered.Add(1)
	case webhook.OutcomeRetry:
		msg := res.Error()
		del.LastError = &msg
		if del.Attempts >= policy.MaxAttempts {
			d.exhaust(ep, del, now, msg)
			break
		}
		next := now.Add(d.planner.BackoffDelay(policy, del.Attempts))
		del.NextRetryAt = &next
		d.totalRetried.Add(1)
		d.log.Warn("webhook attempt failed, will retry",
			"endpoint_id", ep.ID, "delivery_id", del.ID, "attempt", del.Attempts, "status", res.StatusCode,
			"error", msg, "next_retry_at", next)
	default:
		msg := res.Error()
		del.LastError = &msg
		d.exhaust(ep, del, now, msg)
	}
	metrics.WebhookAttempts.WithLabelValues(string(outcome)).Inc()

	if err := d.store.SaveAttempt(ctx, del); err != nil {
		return errors.Wrap(err, "save attempt")
	}
	return nil
}

func (d *Dispatcher) exhaust(ep *models.WebhookEndpoint, del *models.WebhookDelivery, now time.Time, msg string) {
	del.Status = status.DeliveryFailed
	del.FailedAt = &now
	del.NextRetryAt = nil
	d.totalFailed.Add(1)

	err := errors.Wrapf(models.ErrDeliveryExhausted, "delivery %s to endpoint %d after %d attempts: %s", del.ID, ep.ID, del.Attempts, msg)
	d.log.Error("webhook delivery failed", "endpoint_id", ep.ID, "delivery_id", del.ID, "event_type", del.EventType, "error", err.Error())
}
