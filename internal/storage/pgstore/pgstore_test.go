package pgstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
	"github.com/BearBump/ParcelFlow/internal/services/routes"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PGStoreSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	st        *Storage
}

func TestPGStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container tests are skipped in -short mode")
	}
	suite.Run(t, new(PGStoreSuite))
}

func (s *PGStoreSuite) SetupSuite() {
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("parcelflow_test"),
		postgres.WithUsername("admin"),
		postgres.WithPassword("admin"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	st, err := New(ctx, dsn, Options{MaxConns: 8})
	s.Require().NoError(err)
	s.st = st
}

func (s *PGStoreSuite) TearDownSuite() {
	if s.st != nil {
		s.st.Close()
	}
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *PGStoreSuite) SetupTest() {
	_, err := s.st.db.Exec(context.Background(), `
TRUNCATE shipments, parcels, shipment_transitions, outbox_events, scan_events, custody_views,
  transport_legs, bags, bag_parcels, branch_handoffs, proofs_of_delivery, routes, stops,
  webhook_endpoints, webhook_deliveries, invoice_drafts
RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)
}

func (s *PGStoreSuite) services() (*lifecycle.Orchestrator, *movement.Tracker, *routes.Scheduler) {
	orch := lifecycle.New(s.st, nil)
	tracker := movement.New(s.st, orch, nil, 0)
	orch.WithEvidence(tracker)
	return orch, tracker, routes.New(s.st, orch, tracker)
}

func (s *PGStoreSuite) createShipment(orch *lifecycle.Orchestrator, ref string, parcels ...string) *models.Shipment {
	sh, err := orch.CreateShipment(context.Background(), models.ShipmentCreateInput{
		Reference:           ref,
		OriginBranchID:      1,
		DestinationBranchID: 2,
		Price:               decimal.RequireFromString("19.90"),
		Currency:            "EUR",
		Recipient:           models.Contact{Name: "Ann", Phone: "+100"},
		Parcels:             parcels,
	})
	s.Require().NoError(err)
	return sh
}

func (s *PGStoreSuite) TestShipmentLifecycleOnPostgres() {
	ctx := context.Background()
	orch, tracker, sched := s.services()

	sh := s.createShipment(orch, "PG-1", "SSCC-PG-1")
	s.Require().Equal(status.Created, sh.Status)

	got, err := s.st.GetShipment(ctx, sh.ID)
	s.Require().NoError(err)
	s.Require().Equal([]string{"SSCC-PG-1"}, got.Parcels)
	s.Require().True(decimal.RequireFromString("19.90").Equal(got.Price))
	s.Require().Equal("Ann", got.Recipient.Name)

	_, err = s.st.ShipmentIDBySSCC(ctx, "SSCC-PG-1")
	s.Require().NoError(err)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i, typ := range []models.ScanType{models.ScanPickup, models.ScanHubOut, models.ScanHubIn} {
		branch := uint64(1)
		if typ == models.ScanHubIn {
			branch = 2
		}
		res, err := tracker.IngestScan(ctx, models.ScanEvent{
			SSCC: "SSCC-PG-1", Type: typ, BranchID: branch, UserID: "u1",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		})
		s.Require().NoError(err)
		s.Require().Equal(models.ScanApplied, res.Outcome)
	}

	// redelivered scan
	again, err := tracker.IngestScan(ctx, models.ScanEvent{SSCC: "SSCC-PG-1", Type: models.ScanPickup, BranchID: 1, UserID: "u1", OccurredAt: base})
	s.Require().NoError(err)
	s.Require().Equal(models.ScanApplied, again.Outcome)
	scans, err := s.st.ListScans(ctx, "SSCC-PG-1", 10)
	s.Require().NoError(err)
	s.Require().Len(scans, 3)

	view, err := s.st.GetCustodyView(ctx, sh.ID)
	s.Require().NoError(err)
	s.Require().Equal(uint64(2), view.LastKnownBranch)
	s.Require().Equal(models.ScanHubIn, view.LastScan.Type)

	r, err := sched.CreateRoute(ctx, models.RouteCreateInput{
		DriverID: "drv-1", BranchID: 2, ServiceDate: base,
		Stops: []models.StopInput{{ShipmentID: sh.ID}},
	})
	s.Require().NoError(err)
	_, err = sched.StartRoute(ctx, r.ID, "drv-1")
	s.Require().NoError(err)

	_, err = sched.CompleteStop(ctx, models.StopCompletion{StopID: r.Stops[0].ID, Outcome: models.StopSucceeded, PODReference: "sig", Actor: "drv-1"})
	s.Require().NoError(err)

	hist, err := orch.History(ctx, sh.ID)
	s.Require().NoError(err)
	s.Require().Equal([]status.Shipment{
		status.Created, status.PickedUp, status.InTransit, status.AtDestHub, status.OutForDelivery, status.Delivered,
	}, models.Statuses(hist))
	for i, t := range hist {
		s.Require().Equal(i+1, t.Seq)
	}

	route, err := sched.GetRoute(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(status.RouteCompleted, route.Status)

	pending, err := s.st.OutboxPending(ctx)
	s.Require().NoError(err)
	s.Require().Equal(int64(7), pending)
}

func (s *PGStoreSuite) TestConcurrentTransitionsSerialize() {
	ctx := context.Background()
	orch, _, _ := s.services()
	sh := s.createShipment(orch, "PG-2")

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.ApplyTransition(ctx, models.TransitionRequest{ShipmentID: sh.ID, To: status.PickedUp, Actor: "ops"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				applied++
			} else {
				rejected++
			}
		}()
	}
	wg.Wait()
	s.Require().Equal(1, applied)
	s.Require().Equal(7, rejected)

	hist, err := s.st.ListTransitions(ctx, sh.ID)
	s.Require().NoError(err)
	s.Require().Len(hist, 2)
}

func (s *PGStoreSuite) TestDuplicateReferenceAndParcel() {
	orch, _, _ := s.services()
	s.createShipment(orch, "PG-3", "SSCC-3")

	_, err := orch.CreateShipment(context.Background(), models.ShipmentCreateInput{
		Reference: "PG-3", OriginBranchID: 1, DestinationBranchID: 2, Currency: "EUR",
	})
	s.Require().ErrorIs(err, models.ErrConflict)

	_, err = orch.CreateShipment(context.Background(), models.ShipmentCreateInput{
		Reference: "PG-4", OriginBranchID: 1, DestinationBranchID: 2, Currency: "EUR", Parcels: []string{"SSCC-3"},
	})
	s.Require().ErrorIs(err, models.ErrConflict)
}

func (s *PGStoreSuite) TestBagRules() {
	ctx := context.Background()
	a := &models.Bag{Code: "BAG-A", OriginBranchID: 1, DestinationBranchID: 2, Status: status.BagOpen}
	b := &models.Bag{Code: "BAG-B", OriginBranchID: 1, DestinationBranchID: 2, Status: status.BagOpen}
	s.Require().NoError(s.st.CreateBag(ctx, a))
	s.Require().NoError(s.st.CreateBag(ctx, b))
	s.Require().ErrorIs(s.st.CreateBag(ctx, &models.Bag{Code: "BAG-A", Status: status.BagOpen}), models.ErrConflict)

	now := time.Now().UTC()
	s.Require().ErrorIs(s.st.UpdateBagStatus(ctx, a.ID, status.BagOpen, status.BagClosed, now), models.ErrEmptyBag)

	s.Require().NoError(s.st.AddParcelToBag(ctx, a.ID, "P-1"))
	s.Require().NoError(s.st.AddParcelToBag(ctx, a.ID, "P-1"))
	s.Require().ErrorIs(s.st.AddParcelToBag(ctx, b.ID, "P-1"), models.ErrConflict)

	s.Require().NoError(s.st.UpdateBagStatus(ctx, a.ID, status.BagOpen, status.BagClosed, now))
	s.Require().ErrorIs(s.st.AddParcelToBag(ctx, a.ID, "P-2"), models.ErrConflict)
	s.Require().ErrorIs(s.st.UpdateBagStatus(ctx, a.ID, status.BagOpen, status.BagClosed, now), models.ErrConflict)

	got, err := s.st.GetBag(ctx, a.ID)
	s.Require().NoError(err)
	s.Require().Equal(status.BagClosed, got.Status)
	s.Require().Equal([]string{"P-1"}, got.Parcels)
	s.Require().NotNil(got.ClosedAt)

	// the parcel left its only open bag, so another one may take it
	s.Require().NoError(s.st.AddParcelToBag(ctx, b.ID, "P-1"))
}

func (s *PGStoreSuite) TestCustodyViewKeepsNewestScan() {
	ctx := context.Background()
	orch, _, _ := s.services()
	sh := s.createShipment(orch, "PG-5")
	t0 := time.Now().UTC().Truncate(time.Second)

	newer := &models.CustodyView{ShipmentID: sh.ID, LastKnownBranch: 2, LastScan: &models.ScanRef{ID: 2, Type: models.ScanHubIn, OccurredAt: t0}, UpdatedAt: t0}
	applied, err := s.st.SaveCustodyView(ctx, newer)
	s.Require().NoError(err)
	s.Require().True(applied)

	older := &models.CustodyView{ShipmentID: sh.ID, LastKnownBranch: 1, LastScan: &models.ScanRef{ID: 1, Type: models.ScanPickup, OccurredAt: t0.Add(-time.Minute)}, UpdatedAt: t0}
	applied, err = s.st.SaveCustodyView(ctx, older)
	s.Require().NoError(err)
	s.Require().False(applied)

	v, err := s.st.GetCustodyView(ctx, sh.ID)
	s.Require().NoError(err)
	s.Require().Equal(uint64(2), v.LastKnownBranch)

	// leg evidence newer than the last scan moves the bar for later writes
	legView := &models.CustodyView{ShipmentID: sh.ID, LastKnownBranch: 3, LastScan: newer.LastScan, EvidenceAt: t0.Add(time.Hour), UpdatedAt: t0}
	applied, err = s.st.SaveCustodyView(ctx, legView)
	s.Require().NoError(err)
	s.Require().True(applied)

	between := &models.CustodyView{ShipmentID: sh.ID, LastKnownBranch: 4, LastScan: &models.ScanRef{ID: 3, Type: models.ScanHubIn, OccurredAt: t0.Add(30 * time.Minute)}, UpdatedAt: t0}
	applied, err = s.st.SaveCustodyView(ctx, between)
	s.Require().NoError(err)
	s.Require().False(applied)

	v, err = s.st.GetCustodyView(ctx, sh.ID)
	s.Require().NoError(err)
	s.Require().Equal(uint64(3), v.LastKnownBranch)
	s.Require().True(t0.Add(time.Hour).Equal(v.EvidenceAt))

	none, err := s.st.GetCustodyView(ctx, 999)
	s.Require().NoError(err)
	s.Require().Nil(none)
}

func (s *PGStoreSuite) TestOutboxLeases() {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.st.Enqueue(ctx, &models.OutboxEvent{
			EventType: models.EventShipmentTransitioned, AggregateType: models.AggregateShipment,
			AggregateID: 1, Payload: json.RawMessage(`{}`), OccurredAt: time.Now().UTC(),
		}))
	}

	mine, err := s.st.ClaimOutbox(ctx, "relay-1", 2, time.Minute)
	s.Require().NoError(err)
	s.Require().Len(mine, 2)
	s.Require().Less(mine[0].Seq, mine[1].Seq)

	theirs, err := s.st.ClaimOutbox(ctx, "relay-2", 10, time.Minute)
	s.Require().NoError(err)
	s.Require().Len(theirs, 1)
	s.Require().Greater(theirs[0].Seq, mine[1].Seq)

	s.Require().NoError(s.st.MarkPublished(ctx, mine[0].ID, time.Now().UTC()))
	s.Require().NoError(s.st.MarkPublishFailed(ctx, mine[1].ID, "broker down"))
	s.Require().NoError(s.st.ReleaseOutbox(ctx, "relay-1"))

	again, err := s.st.ClaimOutbox(ctx, "relay-2", 10, time.Minute)
	s.Require().NoError(err)
	s.Require().Len(again, 2)
	s.Require().Equal(1, again[0].Attempts)
	s.Require().Equal("broker down", *again[0].LastError)

	pending, err := s.st.OutboxPending(ctx)
	s.Require().NoError(err)
	s.Require().Equal(int64(2), pending)

	s.st.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	defer func() { s.st.now = func() time.Time { return time.Now().UTC() } }()
	reaped, err := s.st.ReapExpiredLeases(ctx)
	s.Require().NoError(err)
	s.Require().Equal(int64(2), reaped)
}

func (s *PGStoreSuite) TestDeliveriesAndEndpointLease() {
	ctx := context.Background()
	ep := &models.WebhookEndpoint{
		URL: "https://hooks.example.com", Secret: "s", Active: true,
		EventTypes: []models.EventType{models.EventShipmentDelivered},
		Retry:      models.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second},
	}
	s.Require().NoError(s.st.CreateEndpoint(ctx, ep))

	got, err := s.st.GetEndpoint(ctx, ep.ID)
	s.Require().NoError(err)
	s.Require().Equal(ep.EventTypes, got.EventTypes)
	s.Require().Equal(3, got.Retry.MaxAttempts)

	mk := func(seq int64) *models.WebhookDelivery {
		return &models.WebhookDelivery{
			ID: uuid.New(), EndpointID: ep.ID, EventID: uuid.New(), EventSeq: seq,
			EventType: models.EventShipmentDelivered, AggregateID: 1, Payload: json.RawMessage(`{"a":1}`),
			OccurredAt: time.Now().UTC(), Status: status.DeliveryPending, CreatedAt: time.Now().UTC(),
		}
	}
	first, second := mk(2), mk(1)
	n, err := s.st.CreateDeliveries(ctx, []*models.WebhookDelivery{first, second})
	s.Require().NoError(err)
	s.Require().Equal(2, n)

	dup := mk(3)
	dup.EventID = first.EventID
	n, err = s.st.CreateDeliveries(ctx, []*models.WebhookDelivery{dup})
	s.Require().NoError(err)
	s.Require().Zero(n)

	ids, err := s.st.EndpointsWithPendingWork(ctx)
	s.Require().NoError(err)
	s.Require().Equal([]uint64{ep.ID}, ids)

	ok, err := s.st.ClaimEndpoint(ctx, ep.ID, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)
	ok, err = s.st.ClaimEndpoint(ctx, ep.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.Require().False(ok)
	s.Require().NoError(s.st.ReleaseEndpoint(ctx, ep.ID, "w1"))
	ok, err = s.st.ClaimEndpoint(ctx, ep.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)

	head, err := s.st.NextDelivery(ctx, ep.ID)
	s.Require().NoError(err)
	s.Require().Equal(second.ID, head.ID)

	now := time.Now().UTC()
	code := 500
	msg := "Internal Server Error"
	head.Status = status.DeliveryFailed
	head.Attempts = 3
	head.LastHTTPStatus = &code
	head.LastError = &msg
	head.FailedAt = &now
	s.Require().NoError(s.st.SaveAttempt(ctx, head))

	head, err = s.st.NextDelivery(ctx, ep.ID)
	s.Require().NoError(err)
	s.Require().Equal(first.ID, head.ID)

	s.Require().NoError(s.st.RequeueDelivery(ctx, second.ID, now))
	s.Require().ErrorIs(s.st.RequeueDelivery(ctx, second.ID, now), models.ErrConflict)
	s.Require().ErrorIs(s.st.RequeueDelivery(ctx, uuid.New(), now), models.ErrNotFound)

	requeued, err := s.st.GetDelivery(ctx, second.ID)
	s.Require().NoError(err)
	s.Require().Equal(status.DeliveryPending, requeued.Status)
	s.Require().Zero(requeued.Attempts)
	s.Require().Equal(500, *requeued.LastHTTPStatus)

	list, err := s.st.ListDeliveries(ctx, models.DeliveryFilter{EndpointID: ep.ID})
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Require().Equal(second.ID, list[0].ID)
}

func (s *PGStoreSuite) TestInvoiceDraftOncePerShipment() {
	ctx := context.Background()
	d := &models.InvoiceDraft{ShipmentID: 42, EventID: uuid.New(), Amount: decimal.RequireFromString("10.50"), Currency: "EUR", RequestedAt: time.Now().UTC()}
	created, err := s.st.CreateInvoiceDraft(ctx, d)
	s.Require().NoError(err)
	s.Require().True(created)
	s.Require().NoError(s.st.SetInvoiceExternalID(ctx, 42, "inv-42"))

	again := &models.InvoiceDraft{ShipmentID: 42, EventID: uuid.New(), Amount: decimal.NewFromInt(1), Currency: "EUR", RequestedAt: time.Now().UTC()}
	created, err = s.st.CreateInvoiceDraft(ctx, again)
	s.Require().NoError(err)
	s.Require().False(created)
	s.Require().Equal("inv-42", again.ExternalID)
	s.Require().True(decimal.RequireFromString("10.5").Equal(again.Amount))

	s.Require().ErrorIs(s.st.SetInvoiceExternalID(ctx, 43, "x"), models.ErrNotFound)
}
