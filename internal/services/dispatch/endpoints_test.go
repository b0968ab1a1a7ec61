package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/BearBump/ParcelFlow/internal/storage/memstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEndpoints_Create(t *testing.T) {
	ctx := context.Background()
	svc := NewEndpoints(memstore.New(), nil, "")

	ep, err := svc.Create(ctx, EndpointInput{
		URL:        "https://partner.example.com/hooks",
		EventTypes: []models.EventType{models.EventShipmentDelivered},
		Retry:      models.RetryPolicy{MaxAttempts: 3},
	})
	require.NoError(t, err)
	require.NotZero(t, ep.ID)
	require.True(t, ep.Active)
	require.Len(t, ep.Secret, 48)
	require.Equal(t, 3, ep.Retry.MaxAttempts)
	require.Equal(t, DefaultRetryPolicy().InitialBackoff, ep.Retry.InitialBackoff)

	other, err := svc.Create(ctx, EndpointInput{URL: "http://partner.example.com/other"})
	require.NoError(t, err)
	require.NotEqual(t, ep.Secret, other.Secret)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestEndpoints_CreateUsesDefaultSecret(t *testing.T) {
	svc := NewEndpoints(memstore.New(), nil, "shared")
	ep, err := svc.Create(context.Background(), EndpointInput{URL: "https://a.example.com"})
	require.NoError(t, err)
	require.Equal(t, "shared", ep.Secret)

	ep, err = svc.Create(context.Background(), EndpointInput{URL: "https://b.example.com", Secret: "own"})
	require.NoError(t, err)
	require.Equal(t, "own", ep.Secret)
}

func TestEndpoints_CreateValidation(t *testing.T) {
	svc := NewEndpoints(memstore.New(), nil, "")
	cases := map[string]EndpointInput{
		"no scheme":        {URL: "partner.example.com"},
		"ftp":              {URL: "ftp://partner.example.com"},
		"no host":          {URL: "https://"},
		"unknown event":    {URL: "https://a.example.com", EventTypes: []models.EventType{"ShipmentTeleported"}},
		"negative rate":    {URL: "https://a.example.com", RateLimitPerMinute: -1},
		"negative timeout": {URL: "https://a.example.com", Retry: models.RetryPolicy{Timeout: -time.Second}},
		"tiny backoff":     {URL: "https://a.example.com", Retry: models.RetryPolicy{InitialBackoff: time.Nanosecond}},
		"huge timeout":     {URL: "https://a.example.com", Retry: models.RetryPolicy{Timeout: time.Hour}},
		"many attempts":    {URL: "https://a.example.com", Retry: models.RetryPolicy{MaxAttempts: 1000}},
		"low multiplier":   {URL: "https://a.example.com", Retry: models.RetryPolicy{Multiplier: 0.5}},
		"inverted backoff": {URL: "https://a.example.com", Retry: models.RetryPolicy{InitialBackoff: time.Minute, MaxBackoff: time.Second}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), in)
			require.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestEndpoints_CreateKeepsRetryWithinBounds(t *testing.T) {
	svc := NewEndpoints(memstore.New(), nil, "")
	ep, err := svc.Create(context.Background(), EndpointInput{
		URL:   "https://a.example.com",
		Retry: models.RetryPolicy{MaxAttempts: 4, InitialBackoff: 30 * time.Second, Timeout: 10 * time.Second},
	})
	require.NoError(t, err)
	require.Equal(t, 4, ep.Retry.MaxAttempts)
	require.Equal(t, 30*time.Second, ep.Retry.InitialBackoff)
	require.Equal(t, 10*time.Second, ep.Retry.Timeout)
	require.Equal(t, DefaultRetryPolicy().MaxBackoff, ep.Retry.MaxBackoff)
}

func TestEndpoints_Requeue(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	notified := 0
	svc := NewEndpoints(store, nil, "").OnRequeue(func() { notified++ })

	ep, err := svc.Create(ctx, EndpointInput{URL: "https://a.example.com"})
	require.NoError(t, err)

	failedAt := time.Now().UTC()
	failed := &models.WebhookDelivery{ID: uuid.New(), EndpointID: ep.ID, EventID: uuid.New(), EventSeq: 1, Status: status.DeliveryFailed, Attempts: 8, FailedAt: &failedAt}
	pending := &models.WebhookDelivery{ID: uuid.New(), EndpointID: ep.ID, EventID: uuid.New(), EventSeq: 2, Status: status.DeliveryPending}
	_, err = store.CreateDeliveries(ctx, []*models.WebhookDelivery{failed, pending})
	require.NoError(t, err)

	got, err := svc.Requeue(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, status.DeliveryPending, got.Status)
	require.Zero(t, got.Attempts)
	require.Nil(t, got.FailedAt)
	require.Equal(t, 1, notified)

	_, err = svc.Requeue(ctx, pending.ID)
	require.ErrorIs(t, err, models.ErrConflict)

	_, err = svc.Requeue(ctx, uuid.New())
	require.ErrorIs(t, err, models.ErrNotFound)
	require.Equal(t, 1, notified)
}

func TestEndpoints_SetActiveNotifies(t *testing.T) {
	ctx := context.Background()
	notified := 0
	svc := NewEndpoints(memstore.New(), nil, "").OnRequeue(func() { notified++ })
	ep, err := svc.Create(ctx, EndpointInput{URL: "https://a.example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.SetActive(ctx, ep.ID, false))
	require.Zero(t, notified)
	require.NoError(t, svc.SetActive(ctx, ep.ID, true))
	require.Equal(t, 1, notified)

	require.ErrorIs(t, svc.SetActive(ctx, 99, true), models.ErrNotFound)
}

func TestEndpoints_DeliveriesFilter(t *testing.T) {
	svc := NewEndpoints(memstore.New(), nil, "")
	_, err := svc.Deliveries(context.Background(), models.DeliveryFilter{Status: "LOST"})
	require.ErrorIs(t, err, models.ErrValidation)

	out, err := svc.Deliveries(context.Background(), models.DeliveryFilter{Status: status.DeliveryFailed})
	require.NoError(t, err)
	require.Empty(t, out)
}
