package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/url"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type EndpointStore interface {
	CreateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, id uint64) (*models.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context) ([]*models.WebhookEndpoint, error)
	SetEndpointActive(ctx context.Context, id uint64, active bool) error
	ListDeliveries(ctx context.Context, f models.DeliveryFilter) ([]*models.WebhookDelivery, error)
	GetDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error)
	// RequeueDelivery moves a FAILED delivery back to PENDING with a fresh
	// attempt budget.
	RequeueDelivery(ctx context.Context, id uuid.UUID, at time.Time) error
}

type EndpointInput struct {
	URL                string             `json:"url"`
	Secret             string             `json:"secret"`
	EventTypes         []models.EventType `json:"event_types"`
	Retry              models.RetryPolicy `json:"retry"`
	RateLimitPerMinute int                `json:"rate_limit_per_minute"`
}

// Endpoints manages webhook subscribers and their delivery records.
type Endpoints struct {
	store   EndpointStore
	planner *Planner
	secret  string
	notify  func()
	now     func() time.Time
}

// NewEndpoints takes the secret used when an endpoint is registered without
// one. An empty default makes the service generate a random secret.
func NewEndpoints(store EndpointStore, planner *Planner, defaultSecret string) *Endpoints {
	if planner == nil {
		planner = NewPlanner(models.RetryPolicy{})
	}
	return &Endpoints{
		store:   store,
		planner: planner,
		secret:  defaultSecret,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnRequeue registers a callback run after a delivery went back to pending.
func (e *Endpoints) OnRequeue(fn func()) *Endpoints {
	e.notify = fn
	return e
}

func (e *Endpoints) Create(ctx context.Context, in EndpointInput) (*models.WebhookEndpoint, error) {
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Wrapf(models.ErrValidation, "invalid endpoint url %q", in.URL)
	}
	for _, t := range in.EventTypes {
		if !knownEventType(t) {
			return nil, errors.Wrapf(models.ErrValidation, "unknown event type %q", t)
		}
	}
	if in.RateLimitPerMinute < 0 {
		return nil, errors.Wrap(models.ErrValidation, "rate limit must not be negative")
	}
	if err := ValidateRetryPolicy(in.Retry); err != nil {
		return nil, err
	}

	secret := in.Secret
	if secret == "" {
		secret = e.secret
	}
	if secret == "" {
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			return nil, errors.Wrap(err, "generate secret")
		}
		secret = hex.EncodeToString(b)
	}

	ep := &models.WebhookEndpoint{
		URL:                u.String(),
		Secret:             secret,
		EventTypes:         in.EventTypes,
		Active:             true,
		Retry:              e.planner.Policy(in.Retry),
		RateLimitPerMinute: in.RateLimitPerMinute,
		CreatedAt:          e.now(),
	}
	if err := e.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	slog.Info("webhook endpoint registered", "endpoint_id", ep.ID, "url", ep.URL, "events", len(ep.EventTypes))
	return ep, nil
}

func (e *Endpoints) Get(ctx context.Context, id uint64) (*models.WebhookEndpoint, error) {
	return e.store.GetEndpoint(ctx, id)
}

func (e *Endpoints) List(ctx context.Context) ([]*models.WebhookEndpoint, error) {
	return e.store.ListEndpoints(ctx)
}

func (e *Endpoints) SetActive(ctx context.Context, id uint64, active bool) error {
	if err := e.store.SetEndpointActive(ctx, id, active); err != nil {
		return err
	}
	if active && e.notify != nil {
		e.notify()
	}
	return nil
}

func (e *Endpoints) Deliveries(ctx context.Context, f models.DeliveryFilter) ([]*models.WebhookDelivery, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, errors.Wrapf(models.ErrValidation, "unknown delivery status %q", f.Status)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return e.store.ListDeliveries(ctx, f)
}

// Requeue gives a failed delivery a new attempt budget.
func (e *Endpoints) Requeue(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	d, err := e.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if !status.DeliveryGraph.Allows(d.Status, status.DeliveryPending) {
		return nil, errors.Wrapf(models.ErrConflict, "delivery %s is %s", d.ID, d.Status)
	}
	if err := e.store.RequeueDelivery(ctx, id, e.now()); err != nil {
		return nil, err
	}
	slog.Info("webhook delivery requeued", "delivery_id", id, "endpoint_id", d.EndpointID)
	if e.notify != nil {
		e.notify()
	}
	return e.store.GetDelivery(ctx, id)
}

func knownEventType(t models.EventType) bool {
	switch t {
	case models.EventShipmentCreated, models.EventShipmentTransitioned, models.EventShipmentDelivered,
		models.EventShipmentException, models.EventShipmentReturned, models.EventShipmentCancelled:
		return true
	}
	return false
}
