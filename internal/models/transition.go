package models

import (
	"fmt"
	"time"

	"github.com/BearBump/ParcelFlow/internal/status"
)

type Trigger string

const (
	TriggerScan           Trigger = "scan"
	TriggerManual         Trigger = "manual"
	TriggerSystem         Trigger = "system"
	TriggerLegUpdate      Trigger = "leg_update"
	TriggerRouteStarted   Trigger = "route_started"
	TriggerStopArrived    Trigger = "stop_arrived"
	TriggerStopCompleted  Trigger = "stop_completed"
	TriggerRouteCancelled Trigger = "route_cancelled"
	TriggerHandoff        Trigger = "handoff"
)

// Evidence reports whether the trigger carries physical evidence with its own
// timestamp. Evidence triggers are subject to ordering checks.
func (t Trigger) Evidence() bool {
	switch t {
	case TriggerScan, TriggerLegUpdate, TriggerStopArrived, TriggerStopCompleted:
		return true
	default:
		return false
	}
}

type SourceType string

const (
	SourceScan    SourceType = "scan"
	SourceLeg     SourceType = "leg"
	SourceStop    SourceType = "stop"
	SourceRoute   SourceType = "route"
	SourceHandoff SourceType = "handoff"
	SourceManual  SourceType = "manual"
	SourceSystem  SourceType = "system"
)

// SourceRef names the entity that caused a transition.
type SourceRef struct {
	Type SourceType `json:"type"`
	ID   string     `json:"id"`
}

func Source(t SourceType, id uint64) SourceRef {
	return SourceRef{Type: t, ID: fmt.Sprintf("%d", id)}
}

func (r SourceRef) Empty() bool {
	return r.ID == ""
}

func (r SourceRef) String() string {
	if r.Empty() {
		return string(r.Type)
	}
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

type Transition struct {
	ID         uint64           `json:"id"`
	ShipmentID uint64           `json:"shipment_id"`
	Seq        int              `json:"seq"`
	From       *status.Shipment `json:"from,omitempty"`
	To         status.Shipment  `json:"to"`
	Trigger    Trigger          `json:"trigger"`
	Source     SourceRef        `json:"source"`
	Actor      string           `json:"actor,omitempty"`
	Context    map[string]any   `json:"context,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	CreatedAt  time.Time        `json:"created_at"`
}

// DedupKey identifies a transition request for replay detection. Requests
// without a source reference are never deduplicated.
type DedupKey struct {
	ShipmentID uint64
	Source     SourceRef
	To         status.Shipment
}

func (k DedupKey) Usable() bool {
	return !k.Source.Empty()
}

func (t *Transition) DedupKey() DedupKey {
	return DedupKey{ShipmentID: t.ShipmentID, Source: t.Source, To: t.To}
}

type TransitionRequest struct {
	ShipmentID uint64
	To         status.Shipment
	Trigger    Trigger
	Source     SourceRef
	Actor      string
	Context    map[string]any
	// OccurredAt is the evidence time; zero means now.
	OccurredAt time.Time
}

func (r TransitionRequest) DedupKey() DedupKey {
	return DedupKey{ShipmentID: r.ShipmentID, Source: r.Source, To: r.To}
}

// Statuses returns the to_status sequence of an ordered history.
func Statuses(history []*Transition) []status.Shipment {
	out := make([]status.Shipment, 0, len(history))
	for _, t := range history {
		out = append(out, t.To)
	}
	return out
}
