package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/BearBump/ParcelFlow/internal/storage"
	"github.com/pkg/errors"
)

type Store interface {
	// CreateShipment inserts sh (assigning its ID) and runs fn inside the same
	// transaction.
	CreateShipment(ctx context.Context, sh *models.Shipment, fn func(tx storage.ShipmentTx) error) error
	// WithShipment locks the shipment and runs fn in one transaction. It
	// returns ErrNotFound for unknown shipments.
	WithShipment(ctx context.Context, shipmentID uint64, fn func(tx storage.ShipmentTx) error) error
	GetShipment(ctx context.Context, id uint64) (*models.Shipment, error)
	ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error)
	ListTransitions(ctx context.Context, shipmentID uint64) ([]*models.Transition, error)
}

// Result of ApplyTransition. Replayed is set when the request matched an
// already recorded transition by dedup key.
type Result struct {
	Transition *models.Transition
	Replayed   bool
}

type Orchestrator struct {
	store     Store
	validator *Validator
	locks     *KeyedMutex
	now       func() time.Time
}

func New(store Store, evidence Evidence) *Orchestrator {
	return &Orchestrator{
		store:     store,
		validator: NewValidator(evidence),
		locks:     NewKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// WithEvidence replaces the precondition source. The movement tracker needs
// the orchestrator to exist first, so wiring sets it afterwards.
func (o *Orchestrator) WithEvidence(evidence Evidence) *Orchestrator {
	o.validator = NewValidator(evidence)
	return o
}

func (o *Orchestrator) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	if err := validateCreate(&in); err != nil {
		return nil, err
	}

	now := o.now()
	sh := &models.Shipment{
		Reference:           in.Reference,
		OriginBranchID:      in.OriginBranchID,
		DestinationBranchID: in.DestinationBranchID,
		ServiceLevel:        in.ServiceLevel,
		Mode:                in.Mode,
		Status:              status.Created,
		Price:               in.Price,
		Currency:            in.Currency,
		Recipient:           in.Recipient,
		Parcels:             in.Parcels,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err := o.store.CreateShipment(ctx, sh, func(tx storage.ShipmentTx) error {
		t := &models.Transition{
			ShipmentID: sh.ID,
			To:         status.Created,
			Trigger:    models.TriggerSystem,
			Source:     models.SourceRef{Type: models.SourceSystem},
			Actor:      in.Actor,
			OccurredAt: now,
		}
		if err := tx.AppendTransition(ctx, t); err != nil {
			return err
		}
		evs, err := transitionEvents(sh, t)
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, evs...)
	})
	if err != nil {
		return nil, err
	}

	metrics.TransitionsApplied.WithLabelValues(string(status.Created)).Inc()
	slog.Info("shipment created", "shipment_id", sh.ID, "reference", sh.Reference, "parcels", len(sh.Parcels))
	return sh, nil
}

// ApplyTransition validates and records one status change. Requests for the
// same shipment are applied one at a time in lock arrival order.
func (o *Orchestrator) ApplyTransition(ctx context.Context, req models.TransitionRequest) (Result, error) {
	if req.ShipmentID == 0 {
		return Result{}, errors.Wrap(models.ErrValidation, "shipment id is required")
	}
	if req.Trigger == "" {
		req.Trigger = models.TriggerManual
	}
	now := o.now()
	if req.OccurredAt.IsZero() {
		req.OccurredAt = now
	}

	unlock, err := o.locks.Lock(ctx, req.ShipmentID)
	if err != nil {
		return Result{}, errors.Wrap(err, "wait shipment lock")
	}
	defer unlock()

	var res Result
	err = o.store.WithShipment(ctx, req.ShipmentID, func(tx storage.ShipmentTx) error {
		key := req.DedupKey()
		if key.Usable() {
			prior, err := tx.TransitionByDedupKey(ctx, key)
			if err != nil {
				return err
			}
			if prior != nil {
				res = Result{Transition: prior, Replayed: true}
				return nil
			}
		}

		sh, err := tx.Shipment(ctx)
		if err != nil {
			return err
		}
		last, err := tx.LastTransition(ctx)
		if err != nil {
			return err
		}
		if last != nil && last.To != sh.Status {
			slog.Warn("status column drifted from transition log",
				"shipment_id", sh.ID, "column", sh.Status, "log", last.To)
		}

		if err := o.validator.Validate(ctx, sh, last, req); err != nil {
			return err
		}

		from := last.To
		t := &models.Transition{
			ShipmentID: sh.ID,
			From:       &from,
			To:         req.To,
			Trigger:    req.Trigger,
			Source:     req.Source,
			Actor:      req.Actor,
			Context:    req.Context,
			OccurredAt: req.OccurredAt,
		}
		if err := tx.AppendTransition(ctx, t); err != nil {
			return err
		}
		if err := tx.SetStatus(ctx, t.To, now); err != nil {
			return err
		}
		sh.Status = t.To

		evs, err := transitionEvents(sh, t)
		if err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, evs...); err != nil {
			return err
		}
		res = Result{Transition: t}
		return nil
	})
	if err != nil {
		o.logRejection(req, err)
		return Result{}, err
	}

	if res.Replayed {
		metrics.TransitionsReplayed.Inc()
		slog.Info("transition request replayed",
			"shipment_id", req.ShipmentID, "to", req.To, "source", req.Source.String(), "transition_id", res.Transition.ID)
		return res, nil
	}

	metrics.TransitionsApplied.WithLabelValues(string(req.To)).Inc()
	slog.Info("shipment transitioned",
		"shipment_id", req.ShipmentID,
		"from", *res.Transition.From,
		"to", res.Transition.To,
		"trigger", req.Trigger,
		"source", req.Source.String())
	return res, nil
}

func (o *Orchestrator) logRejection(req models.TransitionRequest, err error) {
	reason := RejectionReason(err)
	metrics.TransitionsRejected.WithLabelValues(reason).Inc()

	attrs := []any{
		"shipment_id", req.ShipmentID,
		"to", req.To,
		"trigger", req.Trigger,
		"source", req.Source.String(),
		"error", err.Error(),
	}
	switch reason {
	case "stale_evidence":
		slog.Info("stale evidence ignored", attrs...)
	case "internal":
		slog.Error("apply transition", attrs...)
	default:
		slog.Warn("transition rejected", attrs...)
	}
}

// RejectionReason classifies an ApplyTransition error for metrics and
// operator queues.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, models.ErrStaleEvidence):
		return "stale_evidence"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrPreconditionNotMet):
		return "precondition_not_met"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

func (o *Orchestrator) CancelShipment(ctx context.Context, shipmentID uint64, actor, reason string) (Result, error) {
	return o.ApplyTransition(ctx, models.TransitionRequest{
		ShipmentID: shipmentID,
		To:         status.Cancelled,
		Trigger:    models.TriggerManual,
		Source:     models.SourceRef{Type: models.SourceManual},
		Actor:      actor,
		Context:    map[string]any{"reason": reason},
	})
}

// DeleteShipment soft-deletes a shipment that is either untouched (CREATED)
// or finished.
func (o *Orchestrator) DeleteShipment(ctx context.Context, shipmentID uint64) error {
	unlock, err := o.locks.Lock(ctx, shipmentID)
	if err != nil {
		return errors.Wrap(err, "wait shipment lock")
	}
	defer unlock()

	return o.store.WithShipment(ctx, shipmentID, func(tx storage.ShipmentTx) error {
		sh, err := tx.Shipment(ctx)
		if err != nil {
			return err
		}
		if sh.Deleted() {
			return nil
		}
		if sh.Status != status.Created && !sh.Status.Terminal() {
			return errors.Wrapf(models.ErrConflict, "shipment in %s cannot be deleted", sh.Status)
		}
		return tx.SoftDelete(ctx, o.now())
	})
}

func (o *Orchestrator) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	if id == 0 {
		return nil, errors.Wrap(models.ErrValidation, "shipment id is required")
	}
	return o.store.GetShipment(ctx, id)
}

func (o *Orchestrator) ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return o.store.ListShipments(ctx, f)
}

func (o *Orchestrator) History(ctx context.Context, shipmentID uint64) ([]*models.Transition, error) {
	return o.store.ListTransitions(ctx, shipmentID)
}

type ReconcileReport struct {
	ShipmentID uint64          `json:"shipment_id"`
	Column     status.Shipment `json:"column"`
	Derived    status.Shipment `json:"derived"`
	ValidWalk  bool            `json:"valid_walk"`
	Repaired   bool            `json:"repaired"`
}

// Reconcile derives the status from the transition log and repairs the
// cached status column when it drifted.
func (o *Orchestrator) Reconcile(ctx context.Context, shipmentID uint64) (ReconcileReport, error) {
	unlock, err := o.locks.Lock(ctx, shipmentID)
	if err != nil {
		return ReconcileReport{}, errors.Wrap(err, "wait shipment lock")
	}
	defer unlock()

	history, err := o.store.ListTransitions(ctx, shipmentID)
	if err != nil {
		return ReconcileReport{}, err
	}
	rep := ReconcileReport{
		ShipmentID: shipmentID,
		ValidWalk:  status.ShipmentGraph.IsWalk(models.Statuses(history)),
	}

	err = o.store.WithShipment(ctx, shipmentID, func(tx storage.ShipmentTx) error {
		sh, err := tx.Shipment(ctx)
		if err != nil {
			return err
		}
		rep.Column = sh.Status
		last, err := tx.LastTransition(ctx)
		if err != nil {
			return err
		}
		if last == nil {
			return errors.Wrapf(models.ErrConflict, "shipment %d has no transition log", shipmentID)
		}
		rep.Derived = last.To
		if rep.Derived == rep.Column {
			return nil
		}
		rep.Repaired = true
		return tx.SetStatus(ctx, rep.Derived, o.now())
	})
	if err != nil {
		return ReconcileReport{}, err
	}
	if rep.Repaired {
		slog.Warn("status column repaired from log", "shipment_id", shipmentID, "column", rep.Column, "derived", rep.Derived)
	}
	return rep, nil
}

func validateCreate(in *models.ShipmentCreateInput) error {
	in.Reference = strings.TrimSpace(in.Reference)
	if in.Reference == "" {
		return errors.Wrap(models.ErrValidation, "reference is required")
	}
	if in.OriginBranchID == 0 || in.DestinationBranchID == 0 {
		return errors.Wrap(models.ErrValidation, "origin and destination branch are required")
	}
	if in.Mode == "" {
		in.Mode = models.ModeIndividual
	}
	if in.Mode != models.ModeIndividual && in.Mode != models.ModeBulk {
		return errors.Wrapf(models.ErrValidation, "unknown mode %q", in.Mode)
	}
	if in.Price.IsNegative() {
		return errors.Wrap(models.ErrValidation, "price must not be negative")
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(in.Currency) != 3 {
		return errors.Wrap(models.ErrValidation, "currency must be an ISO 4217 code")
	}
	if len(in.Parcels) == 0 {
		return errors.Wrap(models.ErrValidation, "at least one parcel is required")
	}
	if in.Mode == models.ModeIndividual && len(in.Parcels) > 1 {
		return errors.Wrap(models.ErrValidation, "individual shipments carry exactly one parcel")
	}
	seen := make(map[string]struct{}, len(in.Parcels))
	for i, p := range in.Parcels {
		p = strings.TrimSpace(p)
		if p == "" {
			return errors.Wrap(models.ErrValidation, "parcel sscc is required")
		}
		if _, ok := seen[p]; ok {
			return errors.Wrapf(models.ErrValidation, "duplicate parcel %s", p)
		}
		seen[p] = struct{}{}
		in.Parcels[i] = p
	}
	if in.Recipient.Channel == "" {
		in.Recipient.Channel = models.ChannelSMS
	}
	return nil
}
