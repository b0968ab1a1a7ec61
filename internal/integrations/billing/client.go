package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceDraftRequest struct {
	ShipmentID uint64          `json:"shipment_id"`
	Reference  string          `json:"reference"`
	EventID    uuid.UUID       `json:"event_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

type InvoiceDraft struct {
	ExternalID string `json:"external_id"`
}

type Client interface {
	RequestInvoiceDraft(ctx context.Context, req InvoiceDraftRequest) (InvoiceDraft, error)
}
