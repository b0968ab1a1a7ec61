package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/internal/broker/messages"
	"github.com/BearBump/ParcelFlow/internal/cache/rediscache"
	billingfake "github.com/BearBump/ParcelFlow/internal/integrations/billing/fake"
	"github.com/BearBump/ParcelFlow/internal/integrations/webhook"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
	"github.com/BearBump/ParcelFlow/internal/services/routes"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/BearBump/ParcelFlow/internal/storage/memstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// A shipment delivered on a route produces one ShipmentDelivered, one
// webhook delivery and one invoice draft, however often the driver app and
// the broker repeat themselves.
func TestDeliveredShipmentFlow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memstore.New().WithClock(clock)
	orch := lifecycle.New(store, nil).WithClock(clock)
	tracker := movement.New(store, orch, nil, 0).WithClock(clock)
	orch.WithEvidence(tracker)
	sched := routes.New(store, orch, tracker).WithClock(clock)

	srv := newHookServer("flow-secret")
	defer srv.Close()
	endpoints := NewEndpoints(store, nil, "flow-secret")
	ep, err := endpoints.Create(ctx, EndpointInput{URL: srv.URL, EventTypes: []models.EventType{models.EventShipmentDelivered}})
	require.NoError(t, err)

	sh, err := orch.CreateShipment(ctx, models.ShipmentCreateInput{
		Reference:           "FLOW-1",
		OriginBranchID:      1,
		DestinationBranchID: 2,
		Recipient:           models.Contact{Name: "Ann", Phone: "+100"},
		Price:               decimal.NewFromInt(30),
		Currency:            "EUR",
		Parcels:             []string{"SSCC-FLOW-1"},
	})
	require.NoError(t, err)
	for _, to := range []status.Shipment{status.PickedUp, status.InTransit, status.AtDestHub} {
		_, err := orch.ApplyTransition(ctx, models.TransitionRequest{ShipmentID: sh.ID, To: to, Actor: "ops"})
		require.NoError(t, err)
	}

	r, err := sched.CreateRoute(ctx, models.RouteCreateInput{
		DriverID: "drv-1", BranchID: 2, ServiceDate: now,
		Stops: []models.StopInput{{ShipmentID: sh.ID}},
	})
	require.NoError(t, err)
	_, err = sched.StartRoute(ctx, r.ID, "drv-1")
	require.NoError(t, err)

	done := models.StopCompletion{StopID: r.Stops[0].ID, Outcome: models.StopSucceeded, PODReference: "sig-1", Actor: "drv-1", OccurredAt: now.Add(time.Hour)}
	for i := 0; i < 3; i++ {
		_, err := sched.CompleteStop(ctx, done)
		require.NoError(t, err)
	}

	prod := &recordingProducer{}
	relay := NewRelay(store, prod, messages.TopicShipments, "relay-1")
	require.Equal(t, 7, relay.RunOnce(ctx))

	delivered := 0
	for _, m := range prod.Messages() {
		if m.event.EventType == models.EventShipmentDelivered {
			delivered++
		}
	}
	require.Equal(t, 1, delivered)

	disp := NewDispatcher(store, webhook.New("test"), nil, "worker-1").WithClock(clock)
	for {
		_, done, err := disp.Step(ctx, ep.ID)
		require.NoError(t, err)
		if done {
			break
		}
	}
	require.Len(t, srv.Received(), 1)
	require.Zero(t, srv.badSigned)

	mr := miniredis.RunT(t)
	client := billingfake.New()
	billingConsumer := NewBillingConsumer(store, client, rediscache.NewDeduper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "billing:"))
	handle := billingConsumer.Handler(ctx)
	// the broker redelivers the whole partition
	for round := 0; round < 2; round++ {
		for _, m := range prod.Messages() {
			b, err := json.Marshal(m.event)
			require.NoError(t, err)
			require.NoError(t, handle([]byte(m.key), b))
		}
	}
	require.Len(t, client.Requests(), 1)
	draft, err := store.GetInvoiceDraft(ctx, sh.ID)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(30).Equal(draft.Amount))
}
