package movement

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/pkg/errors"
)

type BagCreateInput struct {
	Code                string `json:"code"`
	OriginBranchID      uint64 `json:"origin_branch_id"`
	DestinationBranchID uint64 `json:"destination_branch_id"`
}

func (t *Tracker) CreateBag(ctx context.Context, in BagCreateInput) (*models.Bag, error) {
	in.Code = strings.TrimSpace(in.Code)
	if in.Code == "" {
		return nil, errors.Wrap(models.ErrValidation, "bag code is required")
	}
	if in.OriginBranchID == 0 || in.DestinationBranchID == 0 {
		return nil, errors.Wrap(models.ErrValidation, "origin and destination branch are required")
	}

	now := t.now()
	b := &models.Bag{
		Code:                in.Code,
		OriginBranchID:      in.OriginBranchID,
		DestinationBranchID: in.DestinationBranchID,
		Status:              status.BagOpen,
		Parcels:             []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := t.store.CreateBag(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (t *Tracker) GetBag(ctx context.Context, id uint64) (*models.BagView, error) {
	b, err := t.store.GetBag(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &models.BagView{Bag: b}
	if b.LegID != nil {
		leg, err := t.store.GetLeg(ctx, *b.LegID)
		if err != nil {
			return nil, err
		}
		view.LegStatus = &leg.Status
	}
	return view, nil
}

// AddParcel puts a parcel into an open bag. A parcel is in at most one open
// bag at a time.
func (t *Tracker) AddParcel(ctx context.Context, bagID uint64, sscc string) (*models.Bag, error) {
	sscc = strings.TrimSpace(sscc)
	if sscc == "" {
		return nil, errors.Wrap(models.ErrValidation, "sscc is required")
	}
	b, err := t.store.GetBag(ctx, bagID)
	if err != nil {
		return nil, err
	}
	if b.Status != status.BagOpen {
		return nil, errors.Wrapf(models.ErrConflict, "bag %d is %s", b.ID, b.Status)
	}
	if err := t.store.AddParcelToBag(ctx, bagID, sscc); err != nil {
		return nil, err
	}

	if id, err := t.store.ShipmentIDBySSCC(ctx, sscc); err == nil {
		_, err = t.updateView(ctx, id, time.Time{}, func(v *models.CustodyView) {
			bag := bagID
			v.ActiveBagID = &bag
		})
		if err != nil {
			return nil, err
		}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	return t.store.GetBag(ctx, bagID)
}

func (t *Tracker) RemoveParcel(ctx context.Context, bagID uint64, sscc string) (*models.Bag, error) {
	b, err := t.store.GetBag(ctx, bagID)
	if err != nil {
		return nil, err
	}
	if b.Status != status.BagOpen {
		return nil, errors.Wrapf(models.ErrConflict, "bag %d is %s", b.ID, b.Status)
	}
	if err := t.store.RemoveParcelFromBag(ctx, bagID, strings.TrimSpace(sscc)); err != nil {
		return nil, err
	}

	if id, err := t.store.ShipmentIDBySSCC(ctx, sscc); err == nil {
		_, err = t.updateView(ctx, id, time.Time{}, func(v *models.CustodyView) {
			if v.ActiveBagID != nil && *v.ActiveBagID == bagID {
				v.ActiveBagID = nil
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return t.store.GetBag(ctx, bagID)
}

// CloseBag seals an open bag. Empty bags cannot be closed.
func (t *Tracker) CloseBag(ctx context.Context, bagID uint64) (*models.Bag, error) {
	b, err := t.store.GetBag(ctx, bagID)
	if err != nil {
		return nil, err
	}
	if b.Status != status.BagOpen {
		return nil, errors.Wrapf(models.ErrConflict, "bag %d is %s", b.ID, b.Status)
	}
	if len(b.Parcels) == 0 {
		return nil, errors.Wrapf(models.ErrEmptyBag, "bag %d", b.ID)
	}
	if err := t.store.UpdateBagStatus(ctx, bagID, status.BagOpen, status.BagClosed, t.now()); err != nil {
		return nil, err
	}
	slog.Info("bag closed", "bag_id", bagID, "parcels", len(b.Parcels))
	return t.store.GetBag(ctx, bagID)
}

// AssignBagToLeg puts a closed bag on a leg. A bag rides one leg at a time;
// assigning to a leg already departed moves the bag in transit.
func (t *Tracker) AssignBagToLeg(ctx context.Context, bagID, legID uint64) (*models.Bag, error) {
	b, err := t.store.GetBag(ctx, bagID)
	if err != nil {
		return nil, err
	}
	if b.Status != status.BagClosed {
		return nil, errors.Wrapf(models.ErrConflict, "bag %d is %s", b.ID, b.Status)
	}
	leg, err := t.store.GetLeg(ctx, legID)
	if err != nil {
		return nil, err
	}
	if leg.Status != status.LegPlanned && leg.Status != status.LegDeparted {
		return nil, errors.Wrapf(models.ErrConflict, "leg %d is %s", leg.ID, leg.Status)
	}

	if err := t.store.AssignBagToLeg(ctx, bagID, legID); err != nil {
		return nil, err
	}
	if leg.Status == status.LegDeparted {
		if err := t.store.UpdateBagStatus(ctx, bagID, status.BagClosed, status.BagInTransit, t.now()); err != nil {
			return nil, err
		}
	}
	slog.Info("bag assigned to leg", "bag_id", bagID, "leg_id", legID)
	return t.store.GetBag(ctx, bagID)
}
