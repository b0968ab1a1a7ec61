package models

import (
	"time"

	"github.com/BearBump/ParcelFlow/internal/status"
)

type Route struct {
	ID          uint64       `json:"id"`
	DriverID    string       `json:"driver_id"`
	BranchID    uint64       `json:"branch_id"`
	ServiceDate time.Time    `json:"service_date"`
	Status      status.Route `json:"status"`
	Stops       []*Stop      `json:"stops"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// AllStopsTerminal reports whether every stop is COMPLETED or FAILED.
func (r *Route) AllStopsTerminal() bool {
	for _, s := range r.Stops {
		if !s.Status.Terminal() {
			return false
		}
	}
	return len(r.Stops) > 0
}

type Stop struct {
	ID            uint64      `json:"id"`
	RouteID       uint64      `json:"route_id"`
	ShipmentID    uint64      `json:"shipment_id"`
	Seq           int         `json:"seq"`
	Status        status.Stop `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	PODReference  string      `json:"pod_reference,omitempty"`
	ArrivedAt     *time.Time  `json:"arrived_at,omitempty"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}

type StopInput struct {
	ShipmentID uint64
	Seq        int
}

type RouteCreateInput struct {
	DriverID    string
	BranchID    uint64
	ServiceDate time.Time
	Stops       []StopInput
}

type StopOutcome string

const (
	StopSucceeded StopOutcome = "success"
	StopFailedOut StopOutcome = "failed"
)

// StopCompletion is the inbound report of a finished stop.
type StopCompletion struct {
	StopID       uint64
	Outcome      StopOutcome
	Reason       string
	PODKind      PODKind
	PODReference string
	Actor        string
	OccurredAt   time.Time
}
