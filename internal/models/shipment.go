package models

import (
	"time"

	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/shopspring/decimal"
)

type ShipmentMode string

const (
	ModeIndividual ShipmentMode = "INDIVIDUAL"
	ModeBulk       ShipmentMode = "BULK"
)

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

type Contact struct {
	Name    string  `json:"name"`
	Phone   string  `json:"phone,omitempty"`
	Email   string  `json:"email,omitempty"`
	Channel Channel `json:"channel,omitempty"`
}

type Shipment struct {
	ID                  uint64          `json:"id"`
	Reference           string          `json:"reference"`
	OriginBranchID      uint64          `json:"origin_branch_id"`
	DestinationBranchID uint64          `json:"destination_branch_id"`
	ServiceLevel        string          `json:"service_level"`
	Mode                ShipmentMode    `json:"mode"`
	Status              status.Shipment `json:"status"`
	Price               decimal.Decimal `json:"price"`
	Currency            string          `json:"currency"`
	Recipient           Contact         `json:"recipient"`
	Parcels             []string        `json:"parcels"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	DeletedAt           *time.Time      `json:"deleted_at,omitempty"`
}

func (s *Shipment) Deleted() bool {
	return s.DeletedAt != nil
}

type ShipmentCreateInput struct {
	Reference           string
	OriginBranchID      uint64
	DestinationBranchID uint64
	ServiceLevel        string
	Mode                ShipmentMode
	Price               decimal.Decimal
	Currency            string
	Recipient           Contact
	Parcels             []string
	Actor               string
}

type ShipmentFilter struct {
	Status   status.Shipment
	BranchID uint64
	Limit    int
	Offset   int
}
