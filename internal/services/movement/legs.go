package movement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/pkg/errors"
)

type LegPlanInput struct {
	ShipmentID      uint64         `json:"shipment_id"`
	Mode            models.LegMode `json:"mode"`
	CarrierCode     string         `json:"carrier_code"`
	VehicleID       string         `json:"vehicle_id"`
	FromBranchID    uint64         `json:"from_branch_id"`
	ToBranchID      uint64         `json:"to_branch_id"`
	PlannedDepartAt time.Time      `json:"planned_depart_at"`
	PlannedArriveAt time.Time      `json:"planned_arrive_at"`
}

// PlanLeg adds a leg to the shipment's route. Planned windows of the
// shipment's active legs must not overlap.
func (t *Tracker) PlanLeg(ctx context.Context, in LegPlanInput) (*models.TransportLeg, error) {
	if in.Mode != models.LegModeAir && in.Mode != models.LegModeRoad {
		return nil, errors.Wrapf(models.ErrValidation, "unknown leg mode %q", in.Mode)
	}
	in.CarrierCode = strings.TrimSpace(in.CarrierCode)
	if in.CarrierCode == "" {
		return nil, errors.Wrap(models.ErrValidation, "carrier code is required")
	}
	if in.FromBranchID == 0 || in.ToBranchID == 0 || in.FromBranchID == in.ToBranchID {
		return nil, errors.Wrap(models.ErrValidation, "leg needs two distinct branches")
	}
	if !in.PlannedArriveAt.After(in.PlannedDepartAt) {
		return nil, errors.Wrap(models.ErrValidation, "planned arrival must be after departure")
	}

	sh, err := t.store.GetShipment(ctx, in.ShipmentID)
	if err != nil {
		return nil, err
	}
	if sh.Status.Terminal() {
		return nil, errors.Wrapf(models.ErrConflict, "shipment in %s takes no new legs", sh.Status)
	}

	leg := &models.TransportLeg{
		ShipmentID:      sh.ID,
		Mode:            in.Mode,
		CarrierCode:     in.CarrierCode,
		VehicleID:       in.VehicleID,
		FromBranchID:    in.FromBranchID,
		ToBranchID:      in.ToBranchID,
		PlannedDepartAt: in.PlannedDepartAt.UTC(),
		PlannedArriveAt: in.PlannedArriveAt.UTC(),
		Status:          status.LegPlanned,
		CreatedAt:       t.now(),
	}

	legs, err := t.store.ListLegs(ctx, sh.ID)
	if err != nil {
		return nil, err
	}
	for _, other := range legs {
		if other.Status == status.LegCancelled {
			continue
		}
		if leg.Overlaps(other) {
			return nil, errors.Wrapf(models.ErrConflict, "leg overlaps leg %d", other.ID)
		}
	}
	leg.Seq = len(legs) + 1

	if err := t.store.CreateLeg(ctx, leg); err != nil {
		return nil, err
	}
	slog.Info("leg planned", "shipment_id", sh.ID, "leg_id", leg.ID, "mode", leg.Mode, "from", leg.FromBranchID, "to", leg.ToBranchID)
	return leg, nil
}

func (t *Tracker) ListLegs(ctx context.Context, shipmentID uint64) ([]*models.TransportLeg, error) {
	if _, err := t.store.GetShipment(ctx, shipmentID); err != nil {
		return nil, err
	}
	return t.store.ListLegs(ctx, shipmentID)
}

type LegUpdate struct {
	LegID      uint64     `json:"leg_id"`
	Status     status.Leg `json:"status"`
	OccurredAt time.Time  `json:"occurred_at"`
	Actor      string     `json:"actor"`
}

type LegResult struct {
	Leg *models.TransportLeg `json:"leg"`
	// Stale is set when the update is older than the last one applied.
	Stale   bool     `json:"stale,omitempty"`
	Effects []Effect `json:"effects,omitempty"`
}

// ApplyLegUpdate records carrier progress on a leg and fans it out to the
// bags riding on it and every shipment they carry. Redelivered updates
// re-drive the same transitions, which replay by dedup key.
func (t *Tracker) ApplyLegUpdate(ctx context.Context, upd LegUpdate) (LegResult, error) {
	if !upd.Status.Valid() {
		return LegResult{}, errors.Wrapf(models.ErrValidation, "unknown leg status %q", upd.Status)
	}
	if upd.OccurredAt.IsZero() {
		upd.OccurredAt = t.now()
	}
	upd.OccurredAt = upd.OccurredAt.UTC()

	leg, err := t.store.GetLeg(ctx, upd.LegID)
	if err != nil {
		return LegResult{}, err
	}

	if leg.Status != upd.Status {
		if leg.LastUpdateAt != nil && upd.OccurredAt.Before(*leg.LastUpdateAt) {
			slog.Info("stale leg update ignored", "leg_id", leg.ID, "status", upd.Status, "last_update_at", *leg.LastUpdateAt)
			return LegResult{Leg: leg, Stale: true}, nil
		}
		if !status.LegGraph.Allows(leg.Status, upd.Status) {
			return LegResult{}, errors.Wrapf(models.ErrInvalidTransition, "leg %s -> %s", leg.Status, upd.Status)
		}

		from := leg.Status
		leg.Status = upd.Status
		at := upd.OccurredAt
		leg.LastUpdateAt = &at
		switch upd.Status {
		case status.LegDeparted:
			leg.ActualDepartAt = &at
		case status.LegArrived:
			leg.ActualArriveAt = &at
		}
		if err := t.store.UpdateLeg(ctx, leg, from); err != nil {
			return LegResult{}, err
		}
		slog.Info("leg updated", "leg_id", leg.ID, "from", from, "to", leg.Status)
	}

	shipments, err := t.moveBags(ctx, leg)
	if err != nil {
		return LegResult{}, err
	}

	res := LegResult{Leg: leg}
	for _, id := range shipments {
		eff, err := t.propagateLeg(ctx, leg, id, upd)
		if err != nil {
			// each shipment is independent; a failure here leaves the rest applied
			slog.Error("propagate leg update", "leg_id", leg.ID, "shipment_id", id, "error", err.Error())
			eff = Effect{ShipmentID: id, Reason: err.Error()}
		}
		res.Effects = append(res.Effects, eff)
	}
	return res, nil
}

// moveBags advances bags assigned to the leg and returns the shipments the
// leg carries, the leg's own shipment first.
func (t *Tracker) moveBags(ctx context.Context, leg *models.TransportLeg) ([]uint64, error) {
	shipments := []uint64{leg.ShipmentID}
	seen := map[uint64]struct{}{leg.ShipmentID: {}}

	bags, err := t.store.ListBagsByLeg(ctx, leg.ID)
	if err != nil {
		return nil, err
	}
	for _, b := range bags {
		var from, to status.Bag
		switch leg.Status {
		case status.LegDeparted:
			from, to = status.BagClosed, status.BagInTransit
		case status.LegArrived:
			from, to = status.BagInTransit, status.BagArrived
		}
		if to != "" && b.Status == from {
			if err := t.store.UpdateBagStatus(ctx, b.ID, from, to, t.now()); err != nil && !errors.Is(err, models.ErrConflict) {
				return nil, err
			}
		}

		for _, sscc := range b.Parcels {
			id, err := t.store.ShipmentIDBySSCC(ctx, sscc)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			shipments = append(shipments, id)
		}
	}
	return shipments, nil
}

func (t *Tracker) propagateLeg(ctx context.Context, leg *models.TransportLeg, shipmentID uint64, upd LegUpdate) (Effect, error) {
	applied, err := t.updateView(ctx, shipmentID, upd.OccurredAt, func(v *models.CustodyView) {
		switch leg.Status {
		case status.LegDeparted:
			id := leg.ID
			v.ActiveLegID = &id
		case status.LegArrived:
			v.LastKnownBranch = leg.ToBranchID
			v.ActiveLegID = nil
		case status.LegCancelled:
			if v.ActiveLegID != nil && *v.ActiveLegID == leg.ID {
				v.ActiveLegID = nil
			}
		}
	})
	if err != nil {
		return Effect{}, err
	}
	if !applied {
		reason := fmt.Sprintf("leg %d %s at %s is older than custody evidence",
			leg.ID, leg.Status, upd.OccurredAt.Format(time.RFC3339))
		slog.Info("stale leg update ignored", "shipment_id", shipmentID, "leg_id", leg.ID, "reason", reason)
		return Effect{ShipmentID: shipmentID, Outcome: models.ScanStale, Reason: reason}, nil
	}

	sh, err := t.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return Effect{}, err
	}

	var target status.Shipment
	switch leg.Status {
	case status.LegDeparted:
		target = status.InTransit
	case status.LegArrived:
		if leg.ToBranchID == sh.DestinationBranchID {
			target = status.AtDestHub
		}
	}
	if target == "" || target == sh.Status {
		return Effect{ShipmentID: shipmentID, Outcome: models.ScanRecorded}, nil
	}

	return t.request(ctx, models.TransitionRequest{
		ShipmentID: shipmentID,
		To:         target,
		Trigger:    models.TriggerLegUpdate,
		Source:     models.Source(models.SourceLeg, leg.ID),
		Actor:      upd.Actor,
		Context: map[string]any{
			"leg_id":     leg.ID,
			"leg_status": string(leg.Status),
			"carrier":    leg.CarrierCode,
		},
		OccurredAt: upd.OccurredAt,
	})
}
