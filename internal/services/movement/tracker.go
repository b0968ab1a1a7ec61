package movement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ParcelFlow/internal/cache"
	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/pkg/errors"
)

type Store interface {
	GetShipment(ctx context.Context, id uint64) (*models.Shipment, error)
	// ShipmentIDBySSCC returns ErrNotFound for parcels not linked yet.
	ShipmentIDBySSCC(ctx context.Context, sscc string) (uint64, error)

	// InsertScan stores s and assigns its ID. A scan identical to a stored
	// one (sscc, type, branch, occurred_at) is not stored again: s is filled
	// from the stored row and created is false.
	InsertScan(ctx context.Context, s *models.ScanEvent) (created bool, err error)
	SetScanOutcome(ctx context.Context, scanID uint64, outcome models.ScanOutcome, note string) error
	ListScans(ctx context.Context, sscc string, limit int) ([]*models.ScanEvent, error)

	// GetCustodyView returns nil when the shipment has no evidence yet.
	GetCustodyView(ctx context.Context, shipmentID uint64) (*models.CustodyView, error)
	// SaveCustodyView upserts v unless the stored view holds newer evidence.
	SaveCustodyView(ctx context.Context, v *models.CustodyView) (applied bool, err error)

	CreateLeg(ctx context.Context, l *models.TransportLeg) error
	GetLeg(ctx context.Context, id uint64) (*models.TransportLeg, error)
	ListLegs(ctx context.Context, shipmentID uint64) ([]*models.TransportLeg, error)
	// UpdateLeg writes l only if the stored status still equals from.
	UpdateLeg(ctx context.Context, l *models.TransportLeg, from status.Leg) error

	CreateBag(ctx context.Context, b *models.Bag) error
	GetBag(ctx context.Context, id uint64) (*models.Bag, error)
	// AddParcelToBag fails with ErrConflict when the bag is not open or the
	// parcel sits in another open bag.
	AddParcelToBag(ctx context.Context, bagID uint64, sscc string) error
	RemoveParcelFromBag(ctx context.Context, bagID uint64, sscc string) error
	// UpdateBagStatus moves the bag from -> to. Closing an empty bag fails
	// with ErrEmptyBag.
	UpdateBagStatus(ctx context.Context, bagID uint64, from, to status.Bag, at time.Time) error
	AssignBagToLeg(ctx context.Context, bagID, legID uint64) error
	ListBagsByLeg(ctx context.Context, legID uint64) ([]*models.Bag, error)

	// CreateHandoff fails with ErrConflict when the shipment already has a
	// pending handoff.
	CreateHandoff(ctx context.Context, h *models.BranchHandoff) error
	GetHandoff(ctx context.Context, id uint64) (*models.BranchHandoff, error)
	// DecideHandoff writes the decision only if the handoff is still pending.
	DecideHandoff(ctx context.Context, h *models.BranchHandoff) error
	PendingHandoff(ctx context.Context, shipmentID uint64) (*models.BranchHandoff, error)
	ListPendingHandoffsBefore(ctx context.Context, before time.Time, limit int) ([]*models.BranchHandoff, error)

	InsertProofOfDelivery(ctx context.Context, p *models.ProofOfDelivery) error
	HasProofOfDelivery(ctx context.Context, shipmentID uint64) (bool, error)
	HasCompletedStop(ctx context.Context, shipmentID uint64) (bool, error)
}

type Transitioner interface {
	ApplyTransition(ctx context.Context, req models.TransitionRequest) (lifecycle.Result, error)
}

// Tracker interprets physical evidence into a custody view per shipment and
// requests the status transitions the evidence implies.
type Tracker struct {
	store       Store
	transitions Transitioner
	cache       cache.BytesCache
	viewTTL     time.Duration
	locks       *lifecycle.KeyedMutex
	now         func() time.Time
}

func New(store Store, transitions Transitioner, c cache.BytesCache, viewTTL time.Duration) *Tracker {
	return &Tracker{
		store:       store,
		transitions: transitions,
		cache:       c,
		viewTTL:     viewTTL,
		locks:       lifecycle.NewKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	if now != nil {
		t.now = now
	}
	return t
}

// Effect is the outcome of evidence for one shipment.
type Effect struct {
	ShipmentID uint64             `json:"shipment_id"`
	Outcome    models.ScanOutcome `json:"outcome"`
	Transition *models.Transition `json:"transition,omitempty"`
	Replayed   bool               `json:"replayed,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

type ScanResult struct {
	Scan *models.ScanEvent `json:"scan"`
	Effect
}

func (t *Tracker) IngestScan(ctx context.Context, in models.ScanEvent) (ScanResult, error) {
	in.SSCC = strings.TrimSpace(in.SSCC)
	if in.SSCC == "" {
		return ScanResult{}, errors.Wrap(models.ErrValidation, "sscc is required")
	}
	if !in.Type.Valid() {
		return ScanResult{}, errors.Wrapf(models.ErrValidation, "unknown scan type %q", in.Type)
	}
	if in.BranchID == 0 {
		return ScanResult{}, errors.Wrap(models.ErrValidation, "branch is required")
	}
	if in.OccurredAt.IsZero() {
		return ScanResult{}, errors.Wrap(models.ErrValidation, "occurred_at is required")
	}
	in.OccurredAt = in.OccurredAt.UTC()
	in.CreatedAt = t.now()

	shipmentID, err := t.store.ShipmentIDBySSCC(ctx, in.SSCC)
	if errors.Is(err, models.ErrNotFound) {
		in.Outcome = models.ScanUnlinked
		if _, err := t.store.InsertScan(ctx, &in); err != nil {
			return ScanResult{}, err
		}
		metrics.ScansIngested.WithLabelValues(string(models.ScanUnlinked)).Inc()
		slog.Info("scan recorded for unlinked parcel", "sscc", in.SSCC, "type", in.Type)
		return ScanResult{Scan: &in, Effect: Effect{Outcome: models.ScanUnlinked}}, nil
	}
	if err != nil {
		return ScanResult{}, err
	}
	in.ShipmentID = &shipmentID

	unlock, err := t.locks.Lock(ctx, shipmentID)
	if err != nil {
		return ScanResult{}, errors.Wrap(err, "wait custody lock")
	}
	defer unlock()

	sh, err := t.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return ScanResult{}, err
	}
	view, err := t.loadView(ctx, sh)
	if err != nil {
		return ScanResult{}, err
	}

	in.Outcome = models.ScanRecorded
	created, err := t.store.InsertScan(ctx, &in)
	if err != nil {
		return ScanResult{}, err
	}

	res := ScanResult{Scan: &in, Effect: Effect{ShipmentID: shipmentID}}
	if !created && in.Outcome != models.ScanRecorded {
		// redelivered scan that was fully processed before
		res.Outcome = in.Outcome
		res.Reason = in.Note
		return res, nil
	}
	if created && !view.Supersedes(in.OccurredAt) {
		res.Outcome = models.ScanStale
		res.Reason = fmt.Sprintf("scan at %s is older than custody evidence at %s",
			in.OccurredAt.Format(time.RFC3339), view.EvidenceTime().Format(time.RFC3339))
		slog.Info("stale scan recorded", "shipment_id", shipmentID, "sscc", in.SSCC, "type", in.Type, "reason", res.Reason)
		return t.finishScan(ctx, res)
	}

	if created {
		applyScan(view, &in, t.now())
		if err := t.saveView(ctx, view); err != nil {
			return ScanResult{}, err
		}
	}

	target := scanTarget(in.Type, in.BranchID, sh)
	if target == "" || target == sh.Status {
		if !created {
			res.Outcome = in.Outcome
			res.Reason = in.Note
			return res, nil
		}
		res.Outcome = models.ScanRecorded
		return t.finishScan(ctx, res)
	}

	ctxPayload := map[string]any{
		"sscc":      in.SSCC,
		"scan_type": string(in.Type),
		"branch_id": in.BranchID,
	}
	if in.Geo != nil {
		ctxPayload["geo"] = in.Geo
	}
	eff, err := t.request(ctx, models.TransitionRequest{
		ShipmentID: shipmentID,
		To:         target,
		Trigger:    models.TriggerScan,
		Source:     models.Source(models.SourceScan, in.ID),
		Actor:      in.UserID,
		Context:    ctxPayload,
		OccurredAt: in.OccurredAt,
	})
	if err != nil {
		return ScanResult{}, err
	}
	res.Effect = eff
	return t.finishScan(ctx, res)
}

func (t *Tracker) finishScan(ctx context.Context, res ScanResult) (ScanResult, error) {
	if res.Scan.Outcome != res.Outcome || res.Reason != "" {
		if err := t.store.SetScanOutcome(ctx, res.Scan.ID, res.Outcome, res.Reason); err != nil {
			return ScanResult{}, err
		}
		res.Scan.Outcome = res.Outcome
		res.Scan.Note = res.Reason
	}
	metrics.ScansIngested.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// request applies a transition and folds domain rejections into the
// effect. Only infrastructure failures are returned as errors.
func (t *Tracker) request(ctx context.Context, req models.TransitionRequest) (Effect, error) {
	eff := Effect{ShipmentID: req.ShipmentID}
	r, err := t.transitions.ApplyTransition(ctx, req)
	switch {
	case err == nil:
		eff.Outcome = models.ScanApplied
		eff.Transition = r.Transition
		eff.Replayed = r.Replayed
	case errors.Is(err, models.ErrStaleEvidence):
		eff.Outcome = models.ScanStale
		eff.Reason = err.Error()
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrPreconditionNotMet):
		eff.Outcome = models.ScanRejected
		eff.Reason = err.Error()
	default:
		return Effect{}, err
	}
	return eff, nil
}

// scanTarget maps a scan to the shipment status it evidences. Empty means
// the scan only moves custody.
func scanTarget(st models.ScanType, branchID uint64, sh *models.Shipment) status.Shipment {
	switch st {
	case models.ScanPickup:
		return status.PickedUp
	case models.ScanHubIn:
		switch branchID {
		case sh.DestinationBranchID:
			return status.AtDestHub
		case sh.OriginBranchID:
			return status.AtOriginHub
		}
		return ""
	case models.ScanHubOut:
		return status.InTransit
	case models.ScanOutForDelivery:
		return status.OutForDelivery
	case models.ScanDelivered:
		return status.Delivered
	case models.ScanException:
		return status.Exception
	case models.ScanReturned:
		return status.Returned
	}
	return ""
}

func applyScan(v *models.CustodyView, s *models.ScanEvent, now time.Time) {
	v.LastKnownBranch = s.BranchID
	v.LastScan = &models.ScanRef{ID: s.ID, Type: s.Type, OccurredAt: s.OccurredAt}
	v.EvidenceAt = s.OccurredAt
	switch s.Type {
	case models.ScanUnload, models.ScanHubIn:
		v.ActiveLegID = nil
	case models.ScanOutForDelivery, models.ScanDelivered, models.ScanReturned:
		v.ActiveLegID = nil
		v.ActiveBagID = nil
	default:
		if s.LegID != nil {
			leg := *s.LegID
			v.ActiveLegID = &leg
		}
	}
	v.UpdatedAt = now
}

func (t *Tracker) loadView(ctx context.Context, sh *models.Shipment) (*models.CustodyView, error) {
	v, err := t.store.GetCustodyView(ctx, sh.ID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = &models.CustodyView{ShipmentID: sh.ID, LastKnownBranch: sh.OriginBranchID, UpdatedAt: sh.CreatedAt}
	}
	return v, nil
}

func (t *Tracker) saveView(ctx context.Context, v *models.CustodyView) error {
	applied, err := t.store.SaveCustodyView(ctx, v)
	if err != nil {
		return err
	}
	if !applied {
		// newer evidence won elsewhere; cache what the store holds
		stored, err := t.store.GetCustodyView(ctx, v.ShipmentID)
		if err != nil || stored == nil {
			return err
		}
		v = stored
	}
	t.cacheView(ctx, v)
	return nil
}

func (t *Tracker) cacheView(ctx context.Context, v *models.CustodyView) {
	if t.cache == nil || t.viewTTL <= 0 {
		return
	}
	b, _ := json.Marshal(v)
	_ = t.cache.Set(ctx, custodyKey(v.ShipmentID), b, t.viewTTL)
}

// fillView caches a view loaded on a read. It loses to any concurrent
// update that cached first.
func (t *Tracker) fillView(ctx context.Context, v *models.CustodyView) {
	if t.cache == nil || t.viewTTL <= 0 {
		return
	}
	b, _ := json.Marshal(v)
	_, _ = t.cache.Add(ctx, custodyKey(v.ShipmentID), b, t.viewTTL)
}

// updateView applies fn to the current view under the shipment's custody
// lock and persists the result. Evidence stamped at is dropped when the view
// already holds newer evidence; a zero at marks a change that carries no
// event time, such as bag membership, and is always applied.
func (t *Tracker) updateView(ctx context.Context, shipmentID uint64, at time.Time, fn func(v *models.CustodyView)) (bool, error) {
	unlock, err := t.locks.Lock(ctx, shipmentID)
	if err != nil {
		return false, errors.Wrap(err, "wait custody lock")
	}
	defer unlock()

	sh, err := t.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return false, err
	}
	v, err := t.loadView(ctx, sh)
	if err != nil {
		return false, err
	}
	if !at.IsZero() {
		if !v.Supersedes(at) {
			return false, nil
		}
		v.EvidenceAt = at.UTC()
	}
	fn(v)
	v.UpdatedAt = t.now()
	return true, t.saveView(ctx, v)
}

// CustodyView returns the derived custody of a shipment, cached in Redis
// when configured.
func (t *Tracker) CustodyView(ctx context.Context, shipmentID uint64) (*models.CustodyView, error) {
	if shipmentID == 0 {
		return nil, errors.Wrap(models.ErrValidation, "shipment id is required")
	}
	if t.cache != nil && t.viewTTL > 0 {
		b, ok, err := t.cache.Get(ctx, custodyKey(shipmentID))
		if err == nil && ok {
			var v models.CustodyView
			if json.Unmarshal(b, &v) == nil {
				return &v, nil
			}
		}
	}

	sh, err := t.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	v, err := t.loadView(ctx, sh)
	if err != nil {
		return nil, err
	}
	t.fillView(ctx, v)
	return v, nil
}

func (t *Tracker) ListScans(ctx context.Context, sscc string, limit int) ([]*models.ScanEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return t.store.ListScans(ctx, sscc, limit)
}

func (t *Tracker) HasProofOfDelivery(ctx context.Context, shipmentID uint64) (bool, error) {
	return t.store.HasProofOfDelivery(ctx, shipmentID)
}

func (t *Tracker) HasCompletedStop(ctx context.Context, shipmentID uint64) (bool, error) {
	return t.store.HasCompletedStop(ctx, shipmentID)
}

func (t *Tracker) HasPendingHandoff(ctx context.Context, shipmentID uint64) (bool, error) {
	h, err := t.store.PendingHandoff(ctx, shipmentID)
	if err != nil {
		return false, err
	}
	return h != nil, nil
}

func custodyKey(id uint64) string {
	return fmt.Sprintf("shipment:%d:custody", id)
}
