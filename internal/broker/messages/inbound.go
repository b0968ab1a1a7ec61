package messages

import (
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
)

// Topics the API consumes.
const (
	TopicScans     = "parcel.scans"
	TopicLegs      = "parcel.legs"
	TopicStops     = "parcel.stops"
	TopicHandoffs  = "parcel.handoffs"
	TopicShipments = "shipment.events"
)

// DeadLetterTopic names the topic that holds messages parked off topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

type ScanEvent struct {
	SSCC       string           `json:"sscc"`
	Type       models.ScanType  `json:"type"`
	BranchID   uint64           `json:"branch_id"`
	LegID      *uint64          `json:"leg_id,omitempty"`
	UserID     string           `json:"user_id"`
	OccurredAt time.Time        `json:"occurred_at"`
	Geo        *models.GeoPoint `json:"geo,omitempty"`
}

func (m ScanEvent) Model() models.ScanEvent {
	return models.ScanEvent{
		SSCC:       m.SSCC,
		Type:       m.Type,
		BranchID:   m.BranchID,
		LegID:      m.LegID,
		UserID:     m.UserID,
		OccurredAt: m.OccurredAt,
		Geo:        m.Geo,
	}
}

type LegStatusUpdate struct {
	LegID      uint64     `json:"leg_id"`
	Status     status.Leg `json:"status"`
	OccurredAt time.Time  `json:"occurred_at"`
	Actor      string     `json:"actor,omitempty"`
}

type StopCompletion struct {
	StopID       uint64             `json:"stop_id"`
	Outcome      models.StopOutcome `json:"outcome"`
	Reason       string             `json:"reason,omitempty"`
	PODKind      models.PODKind     `json:"pod_kind,omitempty"`
	PODReference string             `json:"pod_reference,omitempty"`
	Actor        string             `json:"actor,omitempty"`
	OccurredAt   time.Time          `json:"occurred_at"`
}

func (m StopCompletion) Model() models.StopCompletion {
	return models.StopCompletion{
		StopID:       m.StopID,
		Outcome:      m.Outcome,
		Reason:       m.Reason,
		PODKind:      m.PODKind,
		PODReference: m.PODReference,
		Actor:        m.Actor,
		OccurredAt:   m.OccurredAt,
	}
}

type HandoffDecision struct {
	HandoffID  uint64    `json:"handoff_id"`
	Approved   bool      `json:"approved"`
	ApproverID string    `json:"approver_id"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
