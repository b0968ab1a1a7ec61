package lifecycle

import (
	"context"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/pkg/errors"
)

// Evidence answers precondition questions about the physical side of a
// shipment. The movement tracker implements it.
type Evidence interface {
	HasProofOfDelivery(ctx context.Context, shipmentID uint64) (bool, error)
	HasCompletedStop(ctx context.Context, shipmentID uint64) (bool, error)
	HasPendingHandoff(ctx context.Context, shipmentID uint64) (bool, error)
}

type Validator struct {
	evidence Evidence
}

func NewValidator(evidence Evidence) *Validator {
	return &Validator{evidence: evidence}
}

// Validate accepts (nil) or rejects a request against the shipment's current
// state. last is the latest transition in the log and defines the current
// status. Rejections wrap ErrInvalidTransition, ErrStaleEvidence or
// ErrPreconditionNotMet.
func (v *Validator) Validate(ctx context.Context, sh *models.Shipment, last *models.Transition, req models.TransitionRequest) error {
	if sh.Deleted() {
		return errors.Wrapf(models.ErrInvalidTransition, "shipment %d is deleted", sh.ID)
	}
	if !req.To.Valid() {
		return errors.Wrapf(models.ErrInvalidTransition, "unknown status %q", req.To)
	}
	if last == nil {
		return errors.Wrapf(models.ErrInvalidTransition, "shipment %d has no transition log", sh.ID)
	}

	current := last.To
	if current.Terminal() {
		return errors.Wrapf(models.ErrInvalidTransition, "%s is terminal", current)
	}

	if req.Trigger.Evidence() {
		if current.Regresses(req.To) {
			return errors.Wrapf(models.ErrStaleEvidence, "%s evidence after %s", req.To, current)
		}
		if req.OccurredAt.Before(last.OccurredAt) {
			return errors.Wrapf(models.ErrStaleEvidence, "evidence at %s precedes last transition at %s",
				req.OccurredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
				last.OccurredAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
		}
	}

	if !current.CanTransitionTo(req.To) {
		return errors.Wrapf(models.ErrInvalidTransition, "%s -> %s", current, req.To)
	}

	return v.checkPreconditions(ctx, sh.ID, req.To)
}

func (v *Validator) checkPreconditions(ctx context.Context, shipmentID uint64, to status.Shipment) error {
	if v.evidence == nil {
		return nil
	}

	switch to {
	case status.Delivered:
		pod, err := v.evidence.HasProofOfDelivery(ctx, shipmentID)
		if err != nil {
			return errors.Wrap(err, "check proof of delivery")
		}
		if pod {
			return nil
		}
		stop, err := v.evidence.HasCompletedStop(ctx, shipmentID)
		if err != nil {
			return errors.Wrap(err, "check completed stop")
		}
		if !stop {
			return errors.Wrap(models.ErrPreconditionNotMet, "delivered requires proof of delivery or a completed stop")
		}
	case status.OutForDelivery:
		pending, err := v.evidence.HasPendingHandoff(ctx, shipmentID)
		if err != nil {
			return errors.Wrap(err, "check pending handoff")
		}
		if pending {
			return errors.Wrap(models.ErrPreconditionNotMet, "custody handoff is pending")
		}
	}
	return nil
}
