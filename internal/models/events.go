package models

import (
	"encoding/json"
	"time"

	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const AggregateShipment = "shipment"

type EventType string

const (
	EventShipmentCreated      EventType = "ShipmentCreated"
	EventShipmentTransitioned EventType = "ShipmentTransitioned"
	EventShipmentDelivered    EventType = "ShipmentDelivered"
	EventShipmentException    EventType = "ShipmentException"
	EventShipmentReturned     EventType = "ShipmentReturned"
	EventShipmentCancelled    EventType = "ShipmentCancelled"
)

// OutboxEvent is a domain event persisted in the same transaction as the
// state change that produced it.
type OutboxEvent struct {
	ID            uuid.UUID       `json:"id"`
	Seq           int64           `json:"seq"`
	EventType     EventType       `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uint64          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
}

// TransitionPayload is the payload of ShipmentTransitioned and of every
// specialization derived from it.
type TransitionPayload struct {
	ShipmentID   uint64           `json:"shipment_id"`
	TransitionID uint64           `json:"transition_id"`
	Reference    string           `json:"reference"`
	From         *status.Shipment `json:"from,omitempty"`
	To           status.Shipment  `json:"to"`
	Trigger      Trigger          `json:"trigger"`
	Source       SourceRef        `json:"source"`
	Actor        string           `json:"actor,omitempty"`
	Context      map[string]any   `json:"context,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	Recipient    *Contact         `json:"recipient,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Currency     string           `json:"currency,omitempty"`
}

// InvoiceDraft is owned by billing and references the shipment; shipments do
// not carry an invoice id.
type InvoiceDraft struct {
	ID          uint64          `json:"id"`
	ShipmentID  uint64          `json:"shipment_id"`
	EventID     uuid.UUID       `json:"event_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ExternalID  string          `json:"external_id,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}
