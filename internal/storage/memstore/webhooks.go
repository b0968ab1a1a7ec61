package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func (s *Store) Enqueue(ctx context.Context, events ...*models.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.outboxSeq++
		ev.Seq = s.outboxSeq
		s.outbox = append(s.outbox, &outboxRow{ev: clone(ev)})
	}
	return nil
}

func (s *Store) ClaimOutbox(ctx context.Context, owner string, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*models.OutboxEvent
	for _, row := range s.outbox {
		if limit > 0 && len(out) >= limit {
			break
		}
		if row.ev.PublishedAt != nil {
			continue
		}
		if row.leaseOwner != "" && row.leaseOwner != owner && row.leaseUntil.After(now) {
			continue
		}
		row.leaseOwner = owner
		row.leaseUntil = now.Add(lease)
		out = append(out, clone(row.ev))
	}
	return out, nil
}

func (s *Store) findOutbox(id uuid.UUID) (*outboxRow, error) {
	for _, row := range s.outbox {
		if row.ev.ID == id {
			return row, nil
		}
	}
	return nil, errors.Wrapf(models.ErrNotFound, "outbox event %s", id)
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.findOutbox(id)
	if err != nil {
		return err
	}
	row.ev.PublishedAt = &at
	row.ev.Attempts++
	row.ev.LastError = nil
	row.leaseOwner = ""
	return nil
}

func (s *Store) MarkPublishFailed(ctx context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.findOutbox(id)
	if err != nil {
		return err
	}
	row.ev.Attempts++
	row.ev.LastError = &msg
	return nil
}

func (s *Store) ReleaseOutbox(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.outbox {
		if row.leaseOwner == owner {
			row.leaseOwner = ""
			row.leaseUntil = time.Time{}
		}
	}
	return nil
}

// OutboxPending counts unpublished events.
func (s *Store) OutboxPending(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.outbox {
		if row.ev.PublishedAt == nil {
			n++
		}
	}
	return n, nil
}

// ReapExpiredLeases clears outbox and endpoint leases that ran out.
func (s *Store) ReapExpiredLeases(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, row := range s.outbox {
		if row.leaseOwner != "" && !row.leaseUntil.After(now) {
			row.leaseOwner = ""
			n++
		}
	}
	for _, row := range s.endpoints {
		if row.leaseOwner != "" && !row.leaseUntil.After(now) {
			row.leaseOwner = ""
			n++
		}
	}
	return n, nil
}

// Outbox returns a copy of every outbox event in sequence order.
func (s *Store) Outbox() []*models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.OutboxEvent, 0, len(s.outbox))
	for _, row := range s.outbox {
		out = append(out, clone(row.ev))
	}
	return out
}

func cloneEndpoint(ep *models.WebhookEndpoint) *models.WebhookEndpoint {
	c := clone(ep)
	c.EventTypes = append([]models.EventType(nil), ep.EventTypes...)
	return c
}

func (s *Store) CreateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep.ID = s.nextID("endpoints")
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now()
	}
	s.endpoints[ep.ID] = &endpointRow{ep: cloneEndpoint(ep)}
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, id uint64) (*models.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.endpoints[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "endpoint %d", id)
	}
	return cloneEndpoint(row.ep), nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*models.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.WebhookEndpoint, 0, len(s.endpoints))
	for _, row := range s.endpoints {
		out = append(out, cloneEndpoint(row.ep))
	}
	sortByID(out, func(ep *models.WebhookEndpoint) uint64 { return ep.ID })
	return out, nil
}

func (s *Store) ListActiveEndpoints(ctx context.Context) ([]*models.WebhookEndpoint, error) {
	all, err := s.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, ep := range all {
		if ep.Active {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (s *Store) SetEndpointActive(ctx context.Context, id uint64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.endpoints[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "endpoint %d", id)
	}
	row.ep.Active = active
	return nil
}

func (s *Store) CreateDeliveries(ctx context.Context, ds []*models.WebhookDelivery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	for _, d := range ds {
		dup := false
		for _, o := range s.deliveries {
			if o.EndpointID == d.EndpointID && o.EventID == d.EventID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.deliveries[d.ID] = clone(d)
		created++
	}
	return created, nil
}

func (s *Store) EndpointsWithPendingWork(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uint64]bool)
	var out []uint64
	for _, d := range s.deliveries {
		if d.Status != status.DeliveryPending || seen[d.EndpointID] {
			continue
		}
		if row, ok := s.endpoints[d.EndpointID]; !ok || !row.ep.Active {
			continue
		}
		seen[d.EndpointID] = true
		out = append(out, d.EndpointID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) ClaimEndpoint(ctx context.Context, endpointID uint64, owner string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.endpoints[endpointID]
	if !ok {
		return false, errors.Wrapf(models.ErrNotFound, "endpoint %d", endpointID)
	}
	now := s.now()
	if row.leaseOwner != "" && row.leaseOwner != owner && row.leaseUntil.After(now) {
		return false, nil
	}
	row.leaseOwner = owner
	row.leaseUntil = now.Add(lease)
	return true, nil
}

func (s *Store) ReleaseEndpoint(ctx context.Context, endpointID uint64, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.endpoints[endpointID]; ok && row.leaseOwner == owner {
		row.leaseOwner = ""
		row.leaseUntil = time.Time{}
	}
	return nil
}

func (s *Store) NextDelivery(ctx context.Context, endpointID uint64) (*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var head *models.WebhookDelivery
	for _, d := range s.deliveries {
		if d.EndpointID != endpointID || d.Status != status.DeliveryPending {
			continue
		}
		if head == nil || d.EventSeq < head.EventSeq {
			head = d
		}
	}
	return clone(head), nil
}

func (s *Store) SaveAttempt(ctx context.Context, d *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return errors.Wrapf(models.ErrNotFound, "delivery %s", d.ID)
	}
	s.deliveries[d.ID] = clone(d)
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, f models.DeliveryFilter) ([]*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WebhookDelivery
	for _, d := range s.deliveries {
		if f.EndpointID != 0 && d.EndpointID != f.EndpointID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndpointID != out[j].EndpointID {
			return out[i].EndpointID < out[j].EndpointID
		}
		return out[i].EventSeq < out[j].EventSeq
	})
	return page(out, f.Limit, f.Offset), nil
}

// AllDeliveries returns every delivery ordered by endpoint and event.
func (s *Store) AllDeliveries() []*models.WebhookDelivery {
	out, _ := s.ListDeliveries(context.Background(), models.DeliveryFilter{})
	return out
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "delivery %s", id)
	}
	return clone(d), nil
}

func (s *Store) RequeueDelivery(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "delivery %s", id)
	}
	if d.Status != status.DeliveryFailed {
		return errors.Wrapf(models.ErrConflict, "delivery %s is %s", id, d.Status)
	}
	d.Status = status.DeliveryPending
	d.Attempts = 0
	d.FailedAt = nil
	d.NextRetryAt = &at
	return nil
}

func (s *Store) CreateInvoiceDraft(ctx context.Context, d *models.InvoiceDraft) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.invoices[d.ShipmentID]; ok {
		*d = *clone(cur)
		return false, nil
	}
	d.ID = s.nextID("invoices")
	s.invoices[d.ShipmentID] = clone(d)
	return true, nil
}

func (s *Store) SetInvoiceExternalID(ctx context.Context, shipmentID uint64, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.invoices[shipmentID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "invoice draft for shipment %d", shipmentID)
	}
	d.ExternalID = externalID
	return nil
}

func (s *Store) GetInvoiceDraft(ctx context.Context, shipmentID uint64) (*models.InvoiceDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.invoices[shipmentID]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "invoice draft for shipment %d", shipmentID)
	}
	return clone(d), nil
}
