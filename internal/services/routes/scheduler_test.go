package routes

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/BearBump/ParcelFlow/internal/storage/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

const branch = uint64(5)

type SchedulerSuite struct {
	suite.Suite

	store *memstore.Store
	orch  *lifecycle.Orchestrator
	sched *Scheduler
	now   time.Time
	n     int
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.now = time.Date(2025, 5, 10, 7, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }

	s.store = memstore.New().WithClock(clock)
	s.orch = lifecycle.New(s.store, nil).WithClock(clock)
	tracker := movement.New(s.store, s.orch, nil, 0).WithClock(clock)
	s.orch.WithEvidence(tracker)
	s.sched = New(s.store, s.orch, tracker).WithClock(clock)
}

// atDestHub creates a shipment and walks it to the destination hub.
func (s *SchedulerSuite) atDestHub() *models.Shipment {
	s.n++
	ctx := context.Background()
	sh, err := s.orch.CreateShipment(ctx, models.ShipmentCreateInput{
		Reference:           fmt.Sprintf("RT-%d", s.n),
		OriginBranchID:      1,
		DestinationBranchID: branch,
		Price:               decimal.NewFromInt(5),
		Currency:            "EUR",
		Parcels:             []string{fmt.Sprintf("SSCC-RT-%d", s.n)},
	})
	s.Require().NoError(err)
	for _, to := range []status.Shipment{status.PickedUp, status.InTransit, status.AtDestHub} {
		_, err := s.orch.ApplyTransition(ctx, models.TransitionRequest{ShipmentID: sh.ID, To: to, Actor: "ops"})
		s.Require().NoError(err)
	}
	return sh
}

func (s *SchedulerSuite) statusOf(id uint64) status.Shipment {
	sh, err := s.store.GetShipment(context.Background(), id)
	s.Require().NoError(err)
	return sh.Status
}

func (s *SchedulerSuite) route(ids ...uint64) *models.Route {
	in := models.RouteCreateInput{DriverID: "drv-1", BranchID: branch, ServiceDate: s.now}
	for _, id := range ids {
		in.Stops = append(in.Stops, models.StopInput{ShipmentID: id})
	}
	r, err := s.sched.CreateRoute(context.Background(), in)
	s.Require().NoError(err)
	return r
}

func (s *SchedulerSuite) TestRoute_FullDay() {
	ctx := context.Background()
	a, b := s.atDestHub(), s.atDestHub()
	r := s.route(a.ID, b.ID)
	s.Require().Len(r.Stops, 2)
	s.Require().Equal(1, r.Stops[0].Seq)
	s.Require().Equal(2, r.Stops[1].Seq)

	_, err := s.sched.ArriveStop(ctx, r.Stops[0].ID, "drv-1", time.Time{})
	s.Require().ErrorIs(err, models.ErrConflict)

	s.now = s.now.Add(time.Hour)
	res, err := s.sched.StartRoute(ctx, r.ID, "drv-1")
	s.Require().NoError(err)
	s.Require().Equal(status.RouteInProgress, res.Route.Status)
	s.Require().Len(res.Effects, 2)
	s.Require().Equal(status.OutForDelivery, s.statusOf(a.ID))
	s.Require().Equal(status.OutForDelivery, s.statusOf(b.ID))

	// starting again only replays
	res, err = s.sched.StartRoute(ctx, r.ID, "drv-1")
	s.Require().NoError(err)
	for _, eff := range res.Effects {
		s.Require().True(eff.Replayed)
	}

	s.now = s.now.Add(time.Hour)
	_, err = s.sched.ArriveStop(ctx, r.Stops[0].ID, "drv-1", time.Time{})
	s.Require().NoError(err)

	eff, err := s.sched.CompleteStop(ctx, models.StopCompletion{
		StopID:       r.Stops[0].ID,
		Outcome:      models.StopSucceeded,
		PODReference: "sig-001",
		Actor:        "drv-1",
	})
	s.Require().NoError(err)
	s.Require().Empty(eff.Error)
	s.Require().Equal(status.Delivered, eff.Transition.To)
	s.Require().Equal(status.Delivered, s.statusOf(a.ID))

	has, err := s.store.HasProofOfDelivery(ctx, a.ID)
	s.Require().NoError(err)
	s.Require().True(has)

	s.now = s.now.Add(time.Hour)
	eff, err = s.sched.CompleteStop(ctx, models.StopCompletion{
		StopID:  r.Stops[1].ID,
		Outcome: models.StopFailedOut,
		Reason:  "nobody home",
		Actor:   "drv-1",
	})
	s.Require().NoError(err)
	s.Require().Equal(status.Exception, eff.Transition.To)
	s.Require().Equal("nobody home", eff.Transition.Context["reason"])

	got, err := s.sched.GetRoute(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(status.RouteCompleted, got.Status)
	s.Require().NotNil(got.FinishedAt)
}

func (s *SchedulerSuite) TestCompleteStop_RepeatedAndContradicting() {
	ctx := context.Background()
	a := s.atDestHub()
	r := s.route(a.ID)
	_, err := s.sched.StartRoute(ctx, r.ID, "drv-1")
	s.Require().NoError(err)

	done := models.StopCompletion{StopID: r.Stops[0].ID, Outcome: models.StopSucceeded, Actor: "drv-1", OccurredAt: s.now.Add(time.Hour)}
	first, err := s.sched.CompleteStop(ctx, done)
	s.Require().NoError(err)
	s.Require().False(first.Replayed)

	again, err := s.sched.CompleteStop(ctx, done)
	s.Require().NoError(err)
	s.Require().True(again.Replayed)
	s.Require().Equal(first.Transition.ID, again.Transition.ID)

	_, err = s.sched.CompleteStop(ctx, models.StopCompletion{StopID: r.Stops[0].ID, Outcome: models.StopFailedOut})
	s.Require().ErrorIs(err, models.ErrConflict)

	_, err = s.sched.CompleteStop(ctx, models.StopCompletion{StopID: r.Stops[0].ID, Outcome: "maybe"})
	s.Require().ErrorIs(err, models.ErrValidation)

	hist, err := s.orch.History(ctx, a.ID)
	s.Require().NoError(err)
	delivered := 0
	for _, t := range hist {
		if t.To == status.Delivered {
			delivered++
		}
	}
	s.Require().Equal(1, delivered)
}

func (s *SchedulerSuite) TestCancelRoute_FailsOpenStops() {
	ctx := context.Background()
	a, b := s.atDestHub(), s.atDestHub()
	r := s.route(a.ID, b.ID)
	_, err := s.sched.StartRoute(ctx, r.ID, "drv-1")
	s.Require().NoError(err)

	_, err = s.sched.CompleteStop(ctx, models.StopCompletion{StopID: r.Stops[0].ID, Outcome: models.StopSucceeded, Actor: "drv-1"})
	s.Require().NoError(err)

	res, err := s.sched.CancelRoute(ctx, r.ID, "dispatcher", "vehicle breakdown")
	s.Require().NoError(err)
	s.Require().Len(res.Effects, 1)
	s.Require().Equal(b.ID, res.Effects[0].ShipmentID)
	s.Require().Equal(status.Exception, s.statusOf(b.ID))
	s.Require().Equal(status.Delivered, s.statusOf(a.ID))

	got, err := s.sched.GetRoute(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(status.RouteCancelled, got.Status)
	s.Require().Equal(reasonRouteCancelled, got.Stops[1].FailureReason)

	_, err = s.sched.CancelRoute(ctx, r.ID, "dispatcher", "again")
	s.Require().ErrorIs(err, models.ErrConflict)
}

func (s *SchedulerSuite) TestCreateRoute_Rules() {
	ctx := context.Background()
	a := s.atDestHub()
	s.route(a.ID)

	_, err := s.sched.CreateRoute(ctx, models.RouteCreateInput{
		DriverID: "drv-2", BranchID: branch, ServiceDate: s.now,
		Stops: []models.StopInput{{ShipmentID: a.ID}},
	})
	s.Require().ErrorIs(err, models.ErrConflict)

	b := s.atDestHub()
	_, err = s.sched.CreateRoute(ctx, models.RouteCreateInput{
		DriverID: "drv-2", BranchID: branch, ServiceDate: s.now,
		Stops: []models.StopInput{{ShipmentID: b.ID, Seq: 1}, {ShipmentID: b.ID, Seq: 2}},
	})
	s.Require().ErrorIs(err, models.ErrValidation)

	_, err = s.sched.CreateRoute(ctx, models.RouteCreateInput{BranchID: branch, ServiceDate: s.now})
	s.Require().ErrorIs(err, models.ErrValidation)
}

func (s *SchedulerSuite) TestAssignPending() {
	ctx := context.Background()
	a := s.atDestHub()
	r := s.route(a.ID)
	b, c := s.atDestHub(), s.atDestHub()

	got, err := s.sched.AssignPending(ctx, r.ID, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(got.Stops, 3)
	s.Require().Equal(b.ID, got.Stops[1].ShipmentID)
	s.Require().Equal(c.ID, got.Stops[2].ShipmentID)
	s.Require().Equal(3, got.Stops[2].Seq)

	// nothing left waiting
	got, err = s.sched.AssignPending(ctx, r.ID, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(got.Stops, 3)

	_, err = s.sched.StartRoute(ctx, r.ID, "drv-1")
	s.Require().NoError(err)
	d := s.atDestHub()
	_, err = s.sched.AssignPending(ctx, r.ID, 0, 10)
	s.Require().NoError(err)
	s.Require().Equal(status.OutForDelivery, s.statusOf(d.ID))
}

func (s *SchedulerSuite) TestAssignPending_ReassignedShipmentGoesOutAgain() {
	ctx := context.Background()
	a, b := s.atDestHub(), s.atDestHub()
	r := s.route(a.ID, b.ID)
	_, err := s.sched.StartRoute(ctx, r.ID, "drv-1")
	s.Require().NoError(err)
	s.Require().Equal(status.OutForDelivery, s.statusOf(a.ID))

	s.now = s.now.Add(time.Hour)
	_, err = s.sched.CompleteStop(ctx, models.StopCompletion{
		StopID: r.Stops[0].ID, Outcome: models.StopFailedOut, Reason: "nobody home", Actor: "drv-1", OccurredAt: s.now,
	})
	s.Require().NoError(err)
	s.Require().Equal(status.Exception, s.statusOf(a.ID))

	s.now = s.now.Add(time.Hour)
	_, err = s.orch.ApplyTransition(ctx, models.TransitionRequest{ShipmentID: a.ID, To: status.AtDestHub, Actor: "ops"})
	s.Require().NoError(err)

	// the same route, still in progress, takes the shipment on a new stop
	s.now = s.now.Add(time.Hour)
	got, err := s.sched.AssignPending(ctx, r.ID, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(got.Stops, 3)
	s.Require().Equal(a.ID, got.Stops[2].ShipmentID)
	s.Require().Equal(status.OutForDelivery, s.statusOf(a.ID))

	hist, err := s.orch.History(ctx, a.ID)
	s.Require().NoError(err)
	var sources []string
	for _, t := range hist {
		if t.To == status.OutForDelivery {
			sources = append(sources, t.Source.String())
		}
	}
	s.Require().Equal([]string{
		models.Source(models.SourceStop, r.Stops[0].ID).String(),
		models.Source(models.SourceStop, got.Stops[2].ID).String(),
	}, sources)
}
