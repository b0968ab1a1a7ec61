package models

import (
	"time"

	"github.com/BearBump/ParcelFlow/internal/status"
)

type LegMode string

const (
	LegModeAir  LegMode = "AIR"
	LegModeRoad LegMode = "ROAD"
)

type TransportLeg struct {
	ID              uint64     `json:"id"`
	ShipmentID      uint64     `json:"shipment_id"`
	Seq             int        `json:"seq"`
	Mode            LegMode    `json:"mode"`
	CarrierCode     string     `json:"carrier_code"`
	VehicleID       string     `json:"vehicle_id,omitempty"`
	FromBranchID    uint64     `json:"from_branch_id"`
	ToBranchID      uint64     `json:"to_branch_id"`
	PlannedDepartAt time.Time  `json:"planned_depart_at"`
	PlannedArriveAt time.Time  `json:"planned_arrive_at"`
	ActualDepartAt  *time.Time `json:"actual_depart_at,omitempty"`
	ActualArriveAt  *time.Time `json:"actual_arrive_at,omitempty"`
	Status          status.Leg `json:"status"`
	LastUpdateAt    *time.Time `json:"last_update_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Overlaps reports whether the planned windows of two legs intersect.
func (l *TransportLeg) Overlaps(o *TransportLeg) bool {
	return l.PlannedDepartAt.Before(o.PlannedArriveAt) && o.PlannedDepartAt.Before(l.PlannedArriveAt)
}

type Bag struct {
	ID                  uint64     `json:"id"`
	Code                string     `json:"code"`
	OriginBranchID      uint64     `json:"origin_branch_id"`
	DestinationBranchID uint64     `json:"destination_branch_id"`
	LegID               *uint64    `json:"leg_id,omitempty"`
	Status              status.Bag `json:"status"`
	Parcels             []string   `json:"parcels"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// BagView is a bag with the status of the leg it is assigned to.
type BagView struct {
	*Bag
	LegStatus *status.Leg `json:"leg_status,omitempty"`
}

type ScanType string

const (
	ScanPickup         ScanType = "pickup"
	ScanHubIn          ScanType = "hub_in"
	ScanHubOut         ScanType = "hub_out"
	ScanLoad           ScanType = "load"
	ScanUnload         ScanType = "unload"
	ScanOutForDelivery ScanType = "out_for_delivery"
	ScanDelivered      ScanType = "delivered"
	ScanException      ScanType = "exception"
	ScanReturned       ScanType = "returned"
)

func (t ScanType) Valid() bool {
	switch t {
	case ScanPickup, ScanHubIn, ScanHubOut, ScanLoad, ScanUnload,
		ScanOutForDelivery, ScanDelivered, ScanException, ScanReturned:
		return true
	}
	return false
}

type ScanOutcome string

const (
	ScanApplied  ScanOutcome = "applied"
	ScanRecorded ScanOutcome = "recorded"
	ScanStale    ScanOutcome = "stale"
	ScanUnlinked ScanOutcome = "unlinked"
	ScanRejected ScanOutcome = "rejected"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type ScanEvent struct {
	ID         uint64      `json:"id"`
	SSCC       string      `json:"sscc"`
	Type       ScanType    `json:"type"`
	BranchID   uint64      `json:"branch_id"`
	LegID      *uint64     `json:"leg_id,omitempty"`
	UserID     string      `json:"user_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Geo        *GeoPoint   `json:"geo,omitempty"`
	ShipmentID *uint64     `json:"shipment_id,omitempty"`
	Outcome    ScanOutcome `json:"outcome"`
	Note       string      `json:"note,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

type ScanRef struct {
	ID         uint64    `json:"id"`
	Type       ScanType  `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CustodyView is the derived physical location and custody of a shipment.
type CustodyView struct {
	ShipmentID      uint64    `json:"shipment_id"`
	LastKnownBranch uint64    `json:"last_known_branch"`
	LastScan        *ScanRef  `json:"last_scan,omitempty"`
	ActiveLegID     *uint64   `json:"active_leg_id,omitempty"`
	ActiveBagID     *uint64   `json:"active_bag_id,omitempty"`
	EvidenceAt      time.Time `json:"evidence_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EvidenceTime is the event time of the newest evidence folded into the
// view: a scan, a leg update or an approved handoff.
func (v *CustodyView) EvidenceTime() time.Time {
	at := v.EvidenceAt
	if v.LastScan != nil && v.LastScan.OccurredAt.After(at) {
		at = v.LastScan.OccurredAt
	}
	return at
}

// Supersedes reports whether evidence at t may replace the view.
// Last writer wins by event time; equal timestamps are accepted.
func (v *CustodyView) Supersedes(t time.Time) bool {
	return !t.Before(v.EvidenceTime())
}

type BranchHandoff struct {
	ID           uint64         `json:"id"`
	ShipmentID   uint64         `json:"shipment_id"`
	FromBranchID uint64         `json:"from_branch_id"`
	ToBranchID   uint64         `json:"to_branch_id"`
	RequestedBy  string         `json:"requested_by"`
	Status       status.Handoff `json:"status"`
	ApproverID   string         `json:"approver_id,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	RequestedAt  time.Time      `json:"requested_at"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
}

type PODKind string

const (
	PODSignature PODKind = "SIGNATURE"
	PODPhoto     PODKind = "PHOTO"
	PODOTP       PODKind = "OTP"
)

type ProofOfDelivery struct {
	ID         uint64    `json:"id"`
	ShipmentID uint64    `json:"shipment_id"`
	StopID     *uint64   `json:"stop_id,omitempty"`
	Kind       PODKind   `json:"kind"`
	Reference  string    `json:"reference"`
	CapturedBy string    `json:"captured_by"`
	CapturedAt time.Time `json:"captured_at"`
}
