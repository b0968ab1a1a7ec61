package routes

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/pkg/errors"
)

const reasonRouteCancelled = "route_cancelled"

type Store interface {
	GetShipment(ctx context.Context, id uint64) (*models.Shipment, error)
	// CreateRoute inserts the route with its stops. It fails with ErrConflict
	// when a shipment already has a non-terminal stop.
	CreateRoute(ctx context.Context, r *models.Route) error
	AppendStops(ctx context.Context, routeID uint64, stops []*models.Stop) error
	GetRoute(ctx context.Context, id uint64) (*models.Route, error)
	GetStop(ctx context.Context, id uint64) (*models.Stop, error)
	// UpdateStop and UpdateRoute write only if the stored status equals from.
	UpdateStop(ctx context.Context, s *models.Stop, from status.Stop) error
	UpdateRoute(ctx context.Context, r *models.Route, from status.Route) error
	// ListAwaitingDelivery returns AT_DEST_HUB shipments of the branch with
	// no open stop.
	ListAwaitingDelivery(ctx context.Context, branchID uint64, limit int) ([]*models.Shipment, error)
}

type Transitioner interface {
	ApplyTransition(ctx context.Context, req models.TransitionRequest) (lifecycle.Result, error)
}

type ProofRecorder interface {
	RecordProofOfDelivery(ctx context.Context, in movement.PODInput) (*models.ProofOfDelivery, error)
}

type Scheduler struct {
	store       Store
	transitions Transitioner
	proofs      ProofRecorder
	now         func() time.Time
}

func New(store Store, transitions Transitioner, proofs ProofRecorder) *Scheduler {
	return &Scheduler{
		store:       store,
		transitions: transitions,
		proofs:      proofs,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// StopEffect is the shipment side of a stop or route operation.
type StopEffect struct {
	StopID     uint64             `json:"stop_id"`
	ShipmentID uint64             `json:"shipment_id"`
	Transition *models.Transition `json:"transition,omitempty"`
	Replayed   bool               `json:"replayed,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type RouteResult struct {
	Route   *models.Route `json:"route"`
	Effects []StopEffect  `json:"effects,omitempty"`
}

func (s *Scheduler) CreateRoute(ctx context.Context, in models.RouteCreateInput) (*models.Route, error) {
	in.DriverID = strings.TrimSpace(in.DriverID)
	if in.DriverID == "" {
		return nil, errors.Wrap(models.ErrValidation, "driver is required")
	}
	if in.BranchID == 0 {
		return nil, errors.Wrap(models.ErrValidation, "branch is required")
	}
	if in.ServiceDate.IsZero() {
		return nil, errors.Wrap(models.ErrValidation, "service date is required")
	}

	stops, err := s.buildStops(ctx, in.Stops, 0)
	if err != nil {
		return nil, err
	}

	r := &models.Route{
		DriverID:    in.DriverID,
		BranchID:    in.BranchID,
		ServiceDate: in.ServiceDate.UTC().Truncate(24 * time.Hour),
		Status:      status.RoutePlanned,
		Stops:       stops,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateRoute(ctx, r); err != nil {
		return nil, err
	}
	slog.Info("route created", "route_id", r.ID, "driver", r.DriverID, "stops", len(r.Stops))
	return r, nil
}

// buildStops validates stop input. Sequence numbers are taken as given; a
// zero sequence continues after base.
func (s *Scheduler) buildStops(ctx context.Context, in []models.StopInput, base int) ([]*models.Stop, error) {
	seqs := make(map[int]struct{}, len(in))
	shipments := make(map[uint64]struct{}, len(in))
	out := make([]*models.Stop, 0, len(in))
	for i, si := range in {
		if si.Seq == 0 {
			si.Seq = base + i + 1
		}
		if _, ok := seqs[si.Seq]; ok {
			return nil, errors.Wrapf(models.ErrValidation, "duplicate stop sequence %d", si.Seq)
		}
		if _, ok := shipments[si.ShipmentID]; ok {
			return nil, errors.Wrapf(models.ErrValidation, "shipment %d appears twice", si.ShipmentID)
		}
		seqs[si.Seq] = struct{}{}
		shipments[si.ShipmentID] = struct{}{}

		sh, err := s.store.GetShipment(ctx, si.ShipmentID)
		if err != nil {
			return nil, err
		}
		if sh.Status.Terminal() {
			return nil, errors.Wrapf(models.ErrConflict, "shipment %d is %s", sh.ID, sh.Status)
		}
		out = append(out, &models.Stop{ShipmentID: sh.ID, Seq: si.Seq, Status: status.StopPending})
	}
	return out, nil
}

func (s *Scheduler) GetRoute(ctx context.Context, id uint64) (*models.Route, error) {
	return s.store.GetRoute(ctx, id)
}

// AssignPending appends stops for shipments waiting at the branch's
// destination hub.
func (s *Scheduler) AssignPending(ctx context.Context, routeID, branchID uint64, limit int) (*models.Route, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	r, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, errors.Wrapf(models.ErrConflict, "route %d is %s", r.ID, r.Status)
	}
	if branchID == 0 {
		branchID = r.BranchID
	}

	waiting, err := s.store.ListAwaitingDelivery(ctx, branchID, limit)
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		return r, nil
	}

	base := 0
	for _, st := range r.Stops {
		if st.Seq > base {
			base = st.Seq
		}
	}
	stops := make([]*models.Stop, 0, len(waiting))
	for i, sh := range waiting {
		stops = append(stops, &models.Stop{ShipmentID: sh.ID, Seq: base + i + 1, Status: status.StopPending})
	}
	if err := s.store.AppendStops(ctx, r.ID, stops); err != nil {
		return nil, err
	}
	slog.Info("pending shipments assigned", "route_id", r.ID, "branch_id", branchID, "count", len(stops))

	if r.Status == status.RouteInProgress {
		// the driver is already out; new stops go out for delivery now
		for _, st := range stops {
			s.transition(ctx, st, status.OutForDelivery, models.TriggerRouteStarted, models.Source(models.SourceStop, st.ID), "", nil, s.now())
		}
	}
	return s.store.GetRoute(ctx, r.ID)
}

// StartRoute puts the route in progress and every open stop's shipment out
// for delivery. Starting a started route re-drives the transitions, which
// dedup per stop: a shipment gets one OUT_FOR_DELIVERY per stop it rides.
func (s *Scheduler) StartRoute(ctx context.Context, routeID uint64, actor string) (RouteResult, error) {
	r, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return RouteResult{}, err
	}
	switch r.Status {
	case status.RoutePlanned:
		now := s.now()
		r.Status = status.RouteInProgress
		r.StartedAt = &now
		if err := s.store.UpdateRoute(ctx, r, status.RoutePlanned); err != nil {
			return RouteResult{}, err
		}
		slog.Info("route started", "route_id", r.ID, "driver", r.DriverID)
	case status.RouteInProgress:
	default:
		return RouteResult{}, errors.Wrapf(models.ErrConflict, "route %d is %s", r.ID, r.Status)
	}

	res := RouteResult{Route: r}
	at := *r.StartedAt
	for _, st := range r.Stops {
		if st.Status.Terminal() {
			continue
		}
		res.Effects = append(res.Effects,
			s.transition(ctx, st, status.OutForDelivery, models.TriggerRouteStarted, models.Source(models.SourceStop, st.ID), actor, nil, at))
	}
	return res, nil
}

func (s *Scheduler) ArriveStop(ctx context.Context, stopID uint64, actor string, at time.Time) (StopEffect, error) {
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	st, err := s.store.GetStop(ctx, stopID)
	if err != nil {
		return StopEffect{}, err
	}
	if err := s.requireInProgress(ctx, st.RouteID); err != nil {
		return StopEffect{}, err
	}

	switch st.Status {
	case status.StopPending:
		st.Status = status.StopArrived
		st.ArrivedAt = &at
		if err := s.store.UpdateStop(ctx, st, status.StopPending); err != nil {
			return StopEffect{}, err
		}
	case status.StopArrived:
	default:
		return StopEffect{}, errors.Wrapf(models.ErrConflict, "stop %d is %s", st.ID, st.Status)
	}

	return s.ensureOutForDelivery(ctx, st, models.TriggerStopArrived, actor, at), nil
}

// CompleteStop records the outcome of a stop and drives the shipment to
// DELIVERED or EXCEPTION. A completion repeated with the same outcome
// re-drives the transitions.
func (s *Scheduler) CompleteStop(ctx context.Context, c models.StopCompletion) (StopEffect, error) {
	if c.Outcome != models.StopSucceeded && c.Outcome != models.StopFailedOut {
		return StopEffect{}, errors.Wrapf(models.ErrValidation, "unknown stop outcome %q", c.Outcome)
	}
	if c.OccurredAt.IsZero() {
		c.OccurredAt = s.now()
	}
	c.OccurredAt = c.OccurredAt.UTC()

	st, err := s.store.GetStop(ctx, c.StopID)
	if err != nil {
		return StopEffect{}, err
	}

	want := status.StopCompleted
	if c.Outcome == models.StopFailedOut {
		want = status.StopFailed
	}

	if st.Status.Terminal() {
		if st.Status != want {
			return StopEffect{}, errors.Wrapf(models.ErrConflict, "stop %d already %s", st.ID, st.Status)
		}
	} else {
		if err := s.requireInProgress(ctx, st.RouteID); err != nil {
			return StopEffect{}, err
		}
		if want == status.StopCompleted && c.PODReference != "" {
			stopID := st.ID
			kind := c.PODKind
			if kind == "" {
				kind = models.PODSignature
			}
			_, err := s.proofs.RecordProofOfDelivery(ctx, movement.PODInput{
				ShipmentID: st.ShipmentID,
				StopID:     &stopID,
				Kind:       kind,
				Reference:  c.PODReference,
				CapturedBy: c.Actor,
				CapturedAt: c.OccurredAt,
			})
			if err != nil {
				return StopEffect{}, errors.Wrap(err, "record proof of delivery")
			}
		}

		from := st.Status
		st.Status = want
		st.FailureReason = c.Reason
		st.PODReference = c.PODReference
		st.FinishedAt = &c.OccurredAt
		if err := s.store.UpdateStop(ctx, st, from); err != nil {
			return StopEffect{}, err
		}
		slog.Info("stop finished", "stop_id", st.ID, "route_id", st.RouteID, "shipment_id", st.ShipmentID, "status", st.Status)
	}

	var eff StopEffect
	if want == status.StopCompleted {
		eff = s.ensureOutForDelivery(ctx, st, models.TriggerStopCompleted, c.Actor, c.OccurredAt)
		if eff.Error == "" {
			eff = s.transition(ctx, st, status.Delivered, models.TriggerStopCompleted, models.Source(models.SourceStop, st.ID), c.Actor, nil, c.OccurredAt)
		}
	} else {
		eff = s.transition(ctx, st, status.Exception, models.TriggerStopCompleted, models.Source(models.SourceStop, st.ID), c.Actor,
			map[string]any{"reason": c.Reason}, c.OccurredAt)
	}

	if err := s.finishRoute(ctx, st.RouteID); err != nil {
		return eff, err
	}
	return eff, nil
}

// CancelRoute fails every open stop and moves their shipments to EXCEPTION.
// Completed stops are left alone.
func (s *Scheduler) CancelRoute(ctx context.Context, routeID uint64, actor, reason string) (RouteResult, error) {
	r, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return RouteResult{}, err
	}
	if r.Status.Terminal() {
		return RouteResult{}, errors.Wrapf(models.ErrConflict, "route %d is %s", r.ID, r.Status)
	}

	now := s.now()
	res := RouteResult{Route: r}
	for _, st := range r.Stops {
		if st.Status.Terminal() {
			continue
		}
		from := st.Status
		st.Status = status.StopFailed
		st.FailureReason = reasonRouteCancelled
		st.FinishedAt = &now
		if err := s.store.UpdateStop(ctx, st, from); err != nil {
			return RouteResult{}, err
		}
		res.Effects = append(res.Effects, s.transition(ctx, st, status.Exception, models.TriggerRouteCancelled,
			models.Source(models.SourceRoute, r.ID), actor, map[string]any{"reason": reasonRouteCancelled, "note": reason}, now))
	}

	from := r.Status
	r.Status = status.RouteCancelled
	r.FinishedAt = &now
	if err := s.store.UpdateRoute(ctx, r, from); err != nil {
		return RouteResult{}, err
	}
	slog.Info("route cancelled", "route_id", r.ID, "reason", reason, "failed_stops", len(res.Effects))
	return res, nil
}

func (s *Scheduler) requireInProgress(ctx context.Context, routeID uint64) error {
	r, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return err
	}
	if r.Status != status.RouteInProgress {
		return errors.Wrapf(models.ErrConflict, "route %d is %s", r.ID, r.Status)
	}
	return nil
}

// finishRoute completes the route once every stop is terminal.
func (s *Scheduler) finishRoute(ctx context.Context, routeID uint64) error {
	r, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() || !r.AllStopsTerminal() {
		return nil
	}
	from := r.Status
	now := s.now()
	r.Status = status.RouteCompleted
	r.FinishedAt = &now
	if err := s.store.UpdateRoute(ctx, r, from); err != nil && !errors.Is(err, models.ErrConflict) {
		return err
	}
	slog.Info("route completed", "route_id", r.ID)
	return nil
}

func (s *Scheduler) ensureOutForDelivery(ctx context.Context, st *models.Stop, trigger models.Trigger, actor string, at time.Time) StopEffect {
	sh, err := s.store.GetShipment(ctx, st.ShipmentID)
	if err != nil {
		return StopEffect{StopID: st.ID, ShipmentID: st.ShipmentID, Error: err.Error()}
	}
	if sh.Status == status.OutForDelivery || sh.Status == status.Delivered {
		return StopEffect{StopID: st.ID, ShipmentID: st.ShipmentID}
	}
	return s.transition(ctx, st, status.OutForDelivery, trigger, models.Source(models.SourceStop, st.ID), actor, nil, at)
}

func (s *Scheduler) transition(ctx context.Context, st *models.Stop, to status.Shipment, trigger models.Trigger,
	src models.SourceRef, actor string, extra map[string]any, at time.Time) StopEffect {
	reqCtx := map[string]any{"stop_id": st.ID, "route_id": st.RouteID}
	for k, v := range extra {
		reqCtx[k] = v
	}

	eff := StopEffect{StopID: st.ID, ShipmentID: st.ShipmentID}
	r, err := s.transitions.ApplyTransition(ctx, models.TransitionRequest{
		ShipmentID: st.ShipmentID,
		To:         to,
		Trigger:    trigger,
		Source:     src,
		Actor:      actor,
		Context:    reqCtx,
		OccurredAt: at,
	})
	if err != nil {
		eff.Error = err.Error()
		return eff
	}
	eff.Transition = r.Transition
	eff.Replayed = r.Replayed
	return eff
}
