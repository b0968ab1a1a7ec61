package fake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BearBump/ParcelFlow/internal/integrations/billing"
)

// FakeClient логирует запросы вместо реального биллинга и запоминает их для тестов.
type FakeClient struct {
	mu       sync.Mutex
	requests []billing.InvoiceDraftRequest
}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) RequestInvoiceDraft(ctx context.Context, req billing.InvoiceDraftRequest) (billing.InvoiceDraft, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	slog.Info("invoice draft requested", "shipment_id", req.ShipmentID, "amount", req.Amount.String(), "currency", req.Currency)
	return billing.InvoiceDraft{ExternalID: fmt.Sprintf("fake-%d", req.ShipmentID)}, nil
}

func (f *FakeClient) Requests() []billing.InvoiceDraftRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billing.InvoiceDraftRequest(nil), f.requests...)
}
