package messages

import (
	"encoding/json"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/google/uuid"
)

// ShipmentEvent is the record published to TopicShipments for every outbox
// row, keyed by shipment id.
type ShipmentEvent struct {
	EventID       uuid.UUID        `json:"event_id"`
	Seq           int64            `json:"seq"`
	EventType     models.EventType `json:"event_type"`
	AggregateType string           `json:"aggregate_type"`
	AggregateID   uint64           `json:"aggregate_id"`
	Payload       json.RawMessage  `json:"payload"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

func FromOutbox(ev *models.OutboxEvent) ShipmentEvent {
	return ShipmentEvent{
		EventID:       ev.ID,
		Seq:           ev.Seq,
		EventType:     ev.EventType,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		Payload:       ev.Payload,
		OccurredAt:    ev.OccurredAt,
	}
}

func (e ShipmentEvent) Transition() (models.TransitionPayload, error) {
	var p models.TransitionPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
