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

const expiredHandoffReason = "expired"

type HandoffRequest struct {
	ShipmentID   uint64 `json:"shipment_id"`
	FromBranchID uint64 `json:"from_branch_id"`
	ToBranchID   uint64 `json:"to_branch_id"`
	RequestedBy  string `json:"requested_by"`
}

// RequestHandoff opens a custody handoff between branches. While it is
// pending the shipment cannot go out for delivery.
func (t *Tracker) RequestHandoff(ctx context.Context, in HandoffRequest) (*models.BranchHandoff, error) {
	if in.FromBranchID == 0 || in.ToBranchID == 0 || in.FromBranchID == in.ToBranchID {
		return nil, errors.Wrap(models.ErrValidation, "handoff needs two distinct branches")
	}
	if strings.TrimSpace(in.RequestedBy) == "" {
		return nil, errors.Wrap(models.ErrValidation, "requested_by is required")
	}
	sh, err := t.store.GetShipment(ctx, in.ShipmentID)
	if err != nil {
		return nil, err
	}
	if sh.Status.Terminal() {
		return nil, errors.Wrapf(models.ErrConflict, "shipment in %s cannot change custody", sh.Status)
	}

	h := &models.BranchHandoff{
		ShipmentID:   sh.ID,
		FromBranchID: in.FromBranchID,
		ToBranchID:   in.ToBranchID,
		RequestedBy:  in.RequestedBy,
		Status:       status.HandoffPending,
		RequestedAt:  t.now(),
	}
	if err := t.store.CreateHandoff(ctx, h); err != nil {
		return nil, err
	}
	slog.Info("handoff requested", "handoff_id", h.ID, "shipment_id", sh.ID, "from", h.FromBranchID, "to", h.ToBranchID)
	return h, nil
}

type HandoffDecision struct {
	HandoffID  uint64    `json:"handoff_id"`
	Approved   bool      `json:"approved"`
	ApproverID string    `json:"approver_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DecideHandoff approves or rejects a pending handoff. Repeating the same
// decision is a no-op; contradicting a recorded one is a conflict.
func (t *Tracker) DecideHandoff(ctx context.Context, d HandoffDecision) (*models.BranchHandoff, error) {
	if strings.TrimSpace(d.ApproverID) == "" {
		return nil, errors.Wrap(models.ErrValidation, "approver is required")
	}
	h, err := t.store.GetHandoff(ctx, d.HandoffID)
	if err != nil {
		return nil, err
	}

	want := status.HandoffRejected
	if d.Approved {
		want = status.HandoffApproved
	}
	if h.Status != status.HandoffPending {
		if h.Status == want {
			return h, nil
		}
		return nil, errors.Wrapf(models.ErrConflict, "handoff %d already %s", h.ID, h.Status)
	}

	at := d.OccurredAt
	if at.IsZero() {
		at = t.now()
	}
	at = at.UTC()
	h.Status = want
	h.ApproverID = d.ApproverID
	h.Reason = d.Reason
	h.DecidedAt = &at
	if err := t.store.DecideHandoff(ctx, h); err != nil {
		return nil, err
	}

	if h.Status == status.HandoffApproved {
		applied, err := t.updateView(ctx, h.ShipmentID, at, func(v *models.CustodyView) {
			v.LastKnownBranch = h.ToBranchID
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			slog.Info("handoff approval older than custody evidence; view kept", "handoff_id", h.ID, "shipment_id", h.ShipmentID)
		}
	}
	slog.Info("handoff decided", "handoff_id", h.ID, "shipment_id", h.ShipmentID, "status", h.Status, "approver", h.ApproverID)
	return h, nil
}

// ExpireHandoffs rejects handoffs pending longer than ttl and returns how
// many were expired.
func (t *Tracker) ExpireHandoffs(ctx context.Context, ttl time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	pending, err := t.store.ListPendingHandoffsBefore(ctx, t.now().Add(-ttl), batch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, h := range pending {
		_, err := t.DecideHandoff(ctx, HandoffDecision{
			HandoffID:  h.ID,
			ApproverID: string(models.SourceSystem),
			Reason:     expiredHandoffReason,
		})
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		slog.Info("handoffs expired", "count", n)
	}
	return n, nil
}

type PODInput struct {
	ShipmentID uint64         `json:"shipment_id"`
	StopID     *uint64        `json:"stop_id,omitempty"`
	Kind       models.PODKind `json:"kind"`
	Reference  string         `json:"reference"`
	CapturedBy string         `json:"captured_by"`
	CapturedAt time.Time      `json:"captured_at"`
}

func (t *Tracker) RecordProofOfDelivery(ctx context.Context, in PODInput) (*models.ProofOfDelivery, error) {
	switch in.Kind {
	case models.PODSignature, models.PODPhoto, models.PODOTP:
	default:
		return nil, errors.Wrapf(models.ErrValidation, "unknown proof kind %q", in.Kind)
	}
	in.Reference = strings.TrimSpace(in.Reference)
	if in.Reference == "" {
		return nil, errors.Wrap(models.ErrValidation, "proof reference is required")
	}
	if _, err := t.store.GetShipment(ctx, in.ShipmentID); err != nil {
		return nil, err
	}
	if in.CapturedAt.IsZero() {
		in.CapturedAt = t.now()
	}

	p := &models.ProofOfDelivery{
		ShipmentID: in.ShipmentID,
		StopID:     in.StopID,
		Kind:       in.Kind,
		Reference:  in.Reference,
		CapturedBy: in.CapturedBy,
		CapturedAt: in.CapturedAt.UTC(),
	}
	if err := t.store.InsertProofOfDelivery(ctx, p); err != nil {
		return nil, err
	}
	slog.Info("proof of delivery recorded", "shipment_id", p.ShipmentID, "kind", p.Kind)
	return p, nil
}
