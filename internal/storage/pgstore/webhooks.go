package pgstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const outboxColumns = `
  id, seq, event_type, aggregate_type, aggregate_id, payload, occurred_at,
  published_at, attempts, last_error`

func scanOutbox(row pgx.Row) (*models.OutboxEvent, error) {
	var ev models.OutboxEvent
	var payload []byte
	if err := row.Scan(
		&ev.ID, &ev.Seq, &ev.EventType, &ev.AggregateType, &ev.AggregateID, &payload, &ev.OccurredAt,
		&ev.PublishedAt, &ev.Attempts, &ev.LastError,
	); err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func insertOutbox(ctx context.Context, q querier, ev *models.OutboxEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	err := q.QueryRow(ctx, `
INSERT INTO outbox_events (id, event_type, aggregate_type, aggregate_id, payload, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING seq
`, ev.ID, ev.EventType, ev.AggregateType, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt.UTC()).Scan(&ev.Seq)
	return errors.Wrap(err, "insert outbox event")
}

func (s *Storage) Enqueue(ctx context.Context, events ...*models.OutboxEvent) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, ev := range events {
			if err := insertOutbox(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimOutbox leases unpublished rows with FOR UPDATE SKIP LOCKED so that
// concurrent relays never pick the same batch.
func (s *Storage) ClaimOutbox(ctx context.Context, owner string, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	now := s.now()
	rows, err := s.db.Query(ctx, `
WITH picked AS (
  SELECT seq
  FROM outbox_events
  WHERE published_at IS NULL
    AND (lease_owner IS NULL OR lease_owner = $1 OR lease_until <= $2)
  ORDER BY seq
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
UPDATE outbox_events o
SET lease_owner = $1, lease_until = $4
FROM picked
WHERE o.seq = picked.seq
RETURNING o.id, o.seq, o.event_type, o.aggregate_type, o.aggregate_id, o.payload, o.occurred_at,
  o.published_at, o.attempts, o.last_error
`, owner, now, limitOr(limit, 100, 1000), now.Add(lease))
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}
	defer rows.Close()

	var out []*models.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan outbox event")
		}
		out = append(out, ev)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Storage) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.execOne(ctx, "outbox event "+id.String(), `
UPDATE outbox_events
SET published_at = $2, attempts = attempts + 1, last_error = NULL, lease_owner = NULL, lease_until = NULL
WHERE id = $1
`, id, at.UTC())
}

func (s *Storage) MarkPublishFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return s.execOne(ctx, "outbox event "+id.String(), `
UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1
`, id, msg)
}

func (s *Storage) ReleaseOutbox(ctx context.Context, owner string) error {
	_, err := s.db.Exec(ctx, `
UPDATE outbox_events SET lease_owner = NULL, lease_until = NULL
WHERE lease_owner = $1 AND published_at IS NULL
`, owner)
	return errors.Wrap(err, "release outbox")
}

func (s *Storage) OutboxPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE published_at IS NULL`).Scan(&n)
	return n, errors.Wrap(err, "count outbox")
}

// ReapExpiredLeases clears outbox and endpoint leases that ran out.
func (s *Storage) ReapExpiredLeases(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE outbox_events SET lease_owner = NULL, lease_until = NULL
WHERE lease_owner IS NOT NULL AND lease_until <= $1
`, now)
		if err != nil {
			return errors.Wrap(err, "reap outbox leases")
		}
		total += tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
UPDATE webhook_endpoints SET lease_owner = NULL, lease_until = NULL
WHERE lease_owner IS NOT NULL AND lease_until <= $1
`, now)
		if err != nil {
			return errors.Wrap(err, "reap endpoint leases")
		}
		total += tag.RowsAffected()
		return nil
	})
	return total, err
}

const endpointColumns = `id, url, secret, event_types, active, retry, rate_limit_per_minute, created_at`

func scanEndpoint(row pgx.Row) (*models.WebhookEndpoint, error) {
	var ep models.WebhookEndpoint
	var types []string
	var retry []byte
	if err := row.Scan(&ep.ID, &ep.URL, &ep.Secret, &types, &ep.Active, &retry, &ep.RateLimitPerMinute, &ep.CreatedAt); err != nil {
		return nil, err
	}
	for _, t := range types {
		ep.EventTypes = append(ep.EventTypes, models.EventType(t))
	}
	if len(retry) > 0 {
		if err := json.Unmarshal(retry, &ep.Retry); err != nil {
			return nil, errors.Wrap(err, "decode retry policy")
		}
	}
	return &ep, nil
}

func (s *Storage) CreateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error {
	retry, err := json.Marshal(ep.Retry)
	if err != nil {
		return errors.Wrap(err, "encode retry policy")
	}
	types := make([]string, 0, len(ep.EventTypes))
	for _, t := range ep.EventTypes {
		types = append(types, string(t))
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now()
	}

	err = s.db.QueryRow(ctx, `
INSERT INTO webhook_endpoints (url, secret, event_types, active, retry, rate_limit_per_minute, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, ep.URL, ep.Secret, types, ep.Active, retry, ep.RateLimitPerMinute, ep.CreatedAt.UTC()).Scan(&ep.ID)
	return errors.Wrap(err, "insert endpoint")
}

func (s *Storage) GetEndpoint(ctx context.Context, id uint64) (*models.WebhookEndpoint, error) {
	ep, err := scanEndpoint(s.db.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "endpoint %d", id)
	}
	return ep, nil
}

func (s *Storage) ListEndpoints(ctx context.Context) ([]*models.WebhookEndpoint, error) {
	return s.listEndpoints(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints ORDER BY id`)
}

func (s *Storage) ListActiveEndpoints(ctx context.Context) ([]*models.WebhookEndpoint, error) {
	return s.listEndpoints(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE active ORDER BY id`)
}

func (s *Storage) listEndpoints(ctx context.Context, q string) ([]*models.WebhookEndpoint, error) {
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "select endpoints")
	}
	defer rows.Close()

	var out []*models.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan endpoint")
		}
		out = append(out, ep)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) SetEndpointActive(ctx context.Context, id uint64, active bool) error {
	return s.execOne(ctx, "endpoint", `UPDATE webhook_endpoints SET active = $2 WHERE id = $1`, id, active)
}

const deliveryColumns = `
  id, endpoint_id, event_id, event_seq, event_type, aggregate_id, payload, occurred_at,
  status, attempts, next_retry_at, last_http_status, last_error, delivered_at, failed_at, created_at`

func scanDelivery(row pgx.Row) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	var payload []byte
	if err := row.Scan(
		&d.ID, &d.EndpointID, &d.EventID, &d.EventSeq, &d.EventType, &d.AggregateID, &payload, &d.OccurredAt,
		&d.Status, &d.Attempts, &d.NextRetryAt, &d.LastHTTPStatus, &d.LastError, &d.DeliveredAt, &d.FailedAt, &d.CreatedAt,
	); err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	return &d, nil
}

func (s *Storage) CreateDeliveries(ctx context.Context, ds []*models.WebhookDelivery) (int, error) {
	created := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, d := range ds {
			tag, err := tx.Exec(ctx, `
INSERT INTO webhook_deliveries (
  id, endpoint_id, event_id, event_seq, event_type, aggregate_id, payload, occurred_at,
  status, attempts, next_retry_at, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (endpoint_id, event_id) DO NOTHING
`, d.ID, d.EndpointID, d.EventID, d.EventSeq, d.EventType, d.AggregateID, []byte(d.Payload), d.OccurredAt.UTC(),
				d.Status, d.Attempts, utc(d.NextRetryAt), d.CreatedAt.UTC())
			if err != nil {
				return errors.Wrap(err, "insert delivery")
			}
			created += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func (s *Storage) EndpointsWithPendingWork(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT d.endpoint_id
FROM webhook_deliveries d
JOIN webhook_endpoints e ON e.id = d.endpoint_id
WHERE d.status = $1 AND e.active
ORDER BY d.endpoint_id
`, status.DeliveryPending)
	if err != nil {
		return nil, errors.Wrap(err, "select endpoints with work")
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan endpoint id")
		}
		out = append(out, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ClaimEndpoint(ctx context.Context, endpointID uint64, owner string, lease time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx, `
UPDATE webhook_endpoints
SET lease_owner = $2, lease_until = $3
WHERE id = $1 AND (lease_owner IS NULL OR lease_owner = $2 OR lease_until <= $4)
`, endpointID, owner, now.Add(lease), now)
	if err != nil {
		return false, errors.Wrap(err, "claim endpoint")
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetEndpoint(ctx, endpointID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Storage) ReleaseEndpoint(ctx context.Context, endpointID uint64, owner string) error {
	_, err := s.db.Exec(ctx, `
UPDATE webhook_endpoints SET lease_owner = NULL, lease_until = NULL
WHERE id = $1 AND lease_owner = $2
`, endpointID, owner)
	return errors.Wrap(err, "release endpoint")
}

func (s *Storage) NextDelivery(ctx context.Context, endpointID uint64) (*models.WebhookDelivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx, `SELECT `+deliveryColumns+`
FROM webhook_deliveries
WHERE endpoint_id = $1 AND status = $2
ORDER BY event_seq
LIMIT 1
`, endpointID, status.DeliveryPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select next delivery")
	}
	return d, nil
}

func (s *Storage) SaveAttempt(ctx context.Context, d *models.WebhookDelivery) error {
	return s.execOne(ctx, "delivery "+d.ID.String(), `
UPDATE webhook_deliveries
SET status = $2, attempts = $3, next_retry_at = $4, last_http_status = $5, last_error = $6,
    delivered_at = $7, failed_at = $8
WHERE id = $1
`, d.ID, d.Status, d.Attempts, utc(d.NextRetryAt), d.LastHTTPStatus, d.LastError, utc(d.DeliveredAt), utc(d.FailedAt))
}

func (s *Storage) ListDeliveries(ctx context.Context, f models.DeliveryFilter) ([]*models.WebhookDelivery, error) {
	rows, err := s.db.Query(ctx, `SELECT `+deliveryColumns+`
FROM webhook_deliveries
WHERE ($1::bigint = 0 OR endpoint_id = $1)
  AND ($2::text = '' OR status = $2)
ORDER BY endpoint_id, event_seq
LIMIT $3 OFFSET $4
`, f.EndpointID, string(f.Status), limitOr(f.Limit, 100, 500), max(f.Offset, 0))
	if err != nil {
		return nil, errors.Wrap(err, "select deliveries")
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan delivery")
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "delivery %s", id)
	}
	return d, nil
}

func (s *Storage) RequeueDelivery(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE webhook_deliveries
SET status = $2, attempts = 0, failed_at = NULL, next_retry_at = $4
WHERE id = $1 AND status = $3
`, id, status.DeliveryPending, status.DeliveryFailed, at.UTC())
	if err != nil {
		return errors.Wrap(err, "requeue delivery")
	}
	if tag.RowsAffected() == 0 {
		d, err := s.GetDelivery(ctx, id)
		if err != nil {
			return err
		}
		return errors.Wrapf(models.ErrConflict, "delivery %s is %s", id, d.Status)
	}
	return nil
}

func (s *Storage) CreateInvoiceDraft(ctx context.Context, d *models.InvoiceDraft) (bool, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO invoice_drafts (shipment_id, event_id, amount, currency, requested_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (shipment_id) DO NOTHING
RETURNING id
`, d.ShipmentID, d.EventID, d.Amount, d.Currency, d.RequestedAt.UTC()).Scan(&d.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, errors.Wrap(err, "insert invoice draft")
	}
	cur, err := s.GetInvoiceDraft(ctx, d.ShipmentID)
	if err != nil {
		return false, err
	}
	*d = *cur
	return false, nil
}

func (s *Storage) SetInvoiceExternalID(ctx context.Context, shipmentID uint64, externalID string) error {
	return s.execOne(ctx, "invoice draft", `UPDATE invoice_drafts SET external_id = $2 WHERE shipment_id = $1`, shipmentID, externalID)
}

func (s *Storage) GetInvoiceDraft(ctx context.Context, shipmentID uint64) (*models.InvoiceDraft, error) {
	var d models.InvoiceDraft
	err := s.db.QueryRow(ctx, `
SELECT id, shipment_id, event_id, amount, currency, external_id, requested_at
FROM invoice_drafts
WHERE shipment_id = $1
`, shipmentID).Scan(&d.ID, &d.ShipmentID, &d.EventID, &d.Amount, &d.Currency, &d.ExternalID, &d.RequestedAt)
	if err != nil {
		return nil, notFound(err, "invoice draft for shipment %d", shipmentID)
	}
	return &d, nil
}

// execOne runs an update that must touch exactly one row.
func (s *Storage) execOne(ctx context.Context, what, q string, args ...any) error {
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return errors.Wrapf(err, "update %s", what)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(models.ErrNotFound, what)
	}
	return nil
}
