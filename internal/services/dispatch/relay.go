package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ParcelFlow/internal/broker/messages"
	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type OutboxStore interface {
	Enqueue(ctx context.Context, events ...*models.OutboxEvent) error
	// ClaimOutbox leases up to limit unpublished events in sequence order,
	// skipping rows leased by others.
	ClaimOutbox(ctx context.Context, owner string, limit int, lease time.Duration) ([]*models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkPublishFailed(ctx context.Context, id uuid.UUID, msg string) error
	ReleaseOutbox(ctx context.Context, owner string) error
	ListActiveEndpoints(ctx context.Context) ([]*models.WebhookEndpoint, error)
	// CreateDeliveries skips deliveries that already exist for the same
	// endpoint and event, returning how many were created.
	CreateDeliveries(ctx context.Context, ds []*models.WebhookDelivery) (int, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Relay moves committed outbox rows to Kafka and fans them out into
// webhook deliveries.
type Relay struct {
	store    OutboxStore
	producer Producer
	topic    string
	owner    string
	log      *slog.Logger

	pollInterval time.Duration
	batchSize    int
	lease        time.Duration
	onFanOut     func()
	now          func() time.Time

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func NewRelay(store OutboxStore, producer Producer, topic, owner string) *Relay {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Relay{
		store:             store,
		producer:          producer,
		topic:             topic,
		owner:             owner,
		log:               slog.Default().With("component", "outbox-relay"),
		pollInterval:      time.Second,
		batchSize:         100,
		lease:             30 * time.Second,
		now:               func() time.Time { return time.Now().UTC() },
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (r *Relay) WithSettings(pollInterval time.Duration, batchSize int, lease time.Duration) *Relay {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if lease > 0 {
		r.lease = lease
	}
	return r
}

// OnFanOut registers a callback run after a cycle created webhook
// deliveries.
func (r *Relay) OnFanOut(fn func()) *Relay {
	r.onFanOut = fn
	return r
}

// Publish durably enqueues an event that is not part of a transition and
// wakes the relay.
func (r *Relay) Publish(ctx context.Context, ev *models.OutboxEvent) error {
	if ev.EventType == "" {
		return errors.Wrap(models.ErrValidation, "event type is required")
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.AggregateType == "" {
		ev.AggregateType = models.AggregateShipment
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("{}")
	}
	if err := r.store.Enqueue(ctx, ev); err != nil {
		return err
	}
	r.Trigger()
	return nil
}

// Trigger forces an immediate relay cycle (best-effort, non-blocking).
func (r *Relay) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Relay) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalProcessed: r.totalProcessed.Load(),
		TotalErrors:    r.totalErrors.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	r.log.Info("outbox relay started", "topic", r.topic, "owner", r.owner)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.RunOnce(ctx)
		case <-r.triggerCh:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce relays one claimed batch. Events are handled strictly in sequence
// order; the first failure ends the cycle and releases the remaining claims
// so that later events never overtake it.
func (r *Relay) RunOnce(ctx context.Context) int {
	r.lastCycleUnixNano.Store(r.now().UnixNano())

	items, err := r.store.ClaimOutbox(ctx, r.owner, r.batchSize, r.lease)
	if err != nil {
		r.fail(errors.Wrap(err, "claim outbox"))
		return 0
	}
	if len(items) == 0 {
		return 0
	}
	r.totalClaimed.Add(int64(len(items)))

	endpoints, err := r.store.ListActiveEndpoints(ctx)
	if err != nil {
		r.fail(errors.Wrap(err, "list endpoints"))
		r.release(ctx)
		return 0
	}

	done, fanned := 0, 0
	for _, ev := range items {
		n, err := r.processOne(ctx, ev, endpoints)
		if err != nil {
			r.fail(err)
			r.log.Error("relay outbox event", "event_id", ev.ID, "seq", ev.Seq, "type", ev.EventType, "error", err.Error())
			if err := r.store.MarkPublishFailed(ctx, ev.ID, err.Error()); err != nil {
				r.log.Error("mark publish failed", "event_id", ev.ID, "error", err.Error())
			}
			r.release(ctx)
			break
		}
		done++
		fanned += n
		r.totalProcessed.Add(1)
	}

	if fanned > 0 && r.onFanOut != nil {
		r.onFanOut()
	}
	return done
}

func (r *Relay) processOne(ctx context.Context, ev *models.OutboxEvent, endpoints []*models.WebhookEndpoint) (int, error) {
	b, err := json.Marshal(messages.FromOutbox(ev))
	if err != nil {
		return 0, errors.Wrap(err, "marshal kafka msg")
	}
	key := []byte(fmt.Sprintf("%d", ev.AggregateID))
	if err := r.producer.Publish(ctx, r.topic, key, b); err != nil {
		return 0, err
	}

	now := r.now()
	var ds []*models.WebhookDelivery
	for _, ep := range endpoints {
		if !ep.Active || !ep.Subscribed(ev.EventType) {
			continue
		}
		ds = append(ds, &models.WebhookDelivery{
			ID:          uuid.New(),
			EndpointID:  ep.ID,
			EventID:     ev.ID,
			EventSeq:    ev.Seq,
			EventType:   ev.EventType,
			AggregateID: ev.AggregateID,
			Payload:     ev.Payload,
			OccurredAt:  ev.OccurredAt,
			Status:      status.DeliveryPending,
			CreatedAt:   now,
		})
	}
	n := 0
	if len(ds) > 0 {
		if n, err = r.store.CreateDeliveries(ctx, ds); err != nil {
			return 0, errors.Wrap(err, "fan out deliveries")
		}
	}

	if err := r.store.MarkPublished(ctx, ev.ID, now); err != nil {
		return n, errors.Wrap(err, "mark published")
	}
	metrics.OutboxPublished.Inc()
	return n, nil
}

func (r *Relay) release(ctx context.Context) {
	if err := r.store.ReleaseOutbox(ctx, r.owner); err != nil {
		r.log.Error("release outbox claims", "error", err.Error())
	}
}

func (r *Relay) fail(err error) {
	r.totalErrors.Add(1)
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}
