package lifecycle

import (
	"encoding/json"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var specializations = map[status.Shipment]models.EventType{
	status.Delivered: models.EventShipmentDelivered,
	status.Exception: models.EventShipmentException,
	status.Returned:  models.EventShipmentReturned,
	status.Cancelled: models.EventShipmentCancelled,
}

// transitionEvents builds ShipmentTransitioned and, for statuses with a
// dedicated event, its specialization. Both carry the same payload.
func transitionEvents(sh *models.Shipment, t *models.Transition) ([]*models.OutboxEvent, error) {
	payload := models.TransitionPayload{
		ShipmentID:   sh.ID,
		TransitionID: t.ID,
		Reference:    sh.Reference,
		From:         t.From,
		To:           t.To,
		Trigger:      t.Trigger,
		Source:       t.Source,
		Actor:        t.Actor,
		Context:      t.Context,
		Timestamp:    t.OccurredAt,
		Recipient:    &sh.Recipient,
	}
	if t.To == status.Delivered {
		price := sh.Price
		payload.Price = &price
		payload.Currency = sh.Currency
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal transition payload")
	}

	types := []models.EventType{models.EventShipmentTransitioned}
	if t.From == nil {
		types = []models.EventType{models.EventShipmentCreated}
	} else if et, ok := specializations[t.To]; ok {
		types = append(types, et)
	}

	out := make([]*models.OutboxEvent, 0, len(types))
	for _, et := range types {
		out = append(out, &models.OutboxEvent{
			ID:            uuid.New(),
			EventType:     et,
			AggregateType: models.AggregateShipment,
			AggregateID:   sh.ID,
			Payload:       b,
			OccurredAt:    t.OccurredAt,
		})
	}
	return out, nil
}
