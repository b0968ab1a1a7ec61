package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/BearBump/ParcelFlow/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  s.id, s.reference, s.origin_branch_id, s.destination_branch_id,
  s.service_level, s.mode, s.status, s.price, s.currency, s.recipient,
  s.created_at, s.updated_at, s.deleted_at,
  COALESCE((SELECT array_agg(p.sscc ORDER BY p.sscc) FROM parcels p WHERE p.shipment_id = s.id), '{}')`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var recipient []byte
	if err := row.Scan(
		&sh.ID, &sh.Reference, &sh.OriginBranchID, &sh.DestinationBranchID,
		&sh.ServiceLevel, &sh.Mode, &sh.Status, &sh.Price, &sh.Currency, &recipient,
		&sh.CreatedAt, &sh.UpdatedAt, &sh.DeletedAt,
		&sh.Parcels,
	); err != nil {
		return nil, err
	}
	if len(recipient) > 0 {
		if err := json.Unmarshal(recipient, &sh.Recipient); err != nil {
			return nil, errors.Wrap(err, "decode recipient")
		}
	}
	return &sh, nil
}

func (s *Storage) CreateShipment(ctx context.Context, sh *models.Shipment, fn func(tx storage.ShipmentTx) error) error {
	recipient, err := json.Marshal(sh.Recipient)
	if err != nil {
		return errors.Wrap(err, "encode recipient")
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO shipments (
  reference, origin_branch_id, destination_branch_id, service_level, mode,
  status, price, currency, recipient, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
RETURNING id
`, sh.Reference, sh.OriginBranchID, sh.DestinationBranchID, sh.ServiceLevel, sh.Mode,
			sh.Status, sh.Price, sh.Currency, recipient, sh.CreatedAt.UTC()).Scan(&sh.ID)
		if isUniqueViolation(err) {
			return errors.Wrapf(models.ErrConflict, "reference %s already exists", sh.Reference)
		}
		if err != nil {
			return errors.Wrap(err, "insert shipment")
		}

		for _, p := range sh.Parcels {
			_, err := tx.Exec(ctx, `INSERT INTO parcels (sscc, shipment_id) VALUES ($1,$2)`, p, sh.ID)
			if isUniqueViolation(err) {
				return errors.Wrapf(models.ErrConflict, "parcel %s already linked", p)
			}
			if err != nil {
				return errors.Wrap(err, "insert parcel")
			}
		}

		return fn(&shipmentTx{tx: tx, sh: sh, now: s.now})
	})
}

// WithShipment locks the shipment row with SELECT ... FOR UPDATE for the
// duration of fn.
func (s *Storage) WithShipment(ctx context.Context, shipmentID uint64, fn func(tx storage.ShipmentTx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		sh, err := scanShipment(tx.QueryRow(ctx, `SELECT `+shipmentColumns+`
FROM shipments s
WHERE s.id = $1
FOR UPDATE OF s
`, shipmentID))
		if err != nil {
			return notFound(err, "shipment %d", shipmentID)
		}
		return fn(&shipmentTx{tx: tx, sh: sh, now: s.now})
	})
}

func (s *Storage) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments s WHERE s.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "shipment %d", id)
	}
	return sh, nil
}

func (s *Storage) ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+shipmentColumns+`
FROM shipments s
WHERE s.deleted_at IS NULL
  AND ($1::text = '' OR s.status = $1)
  AND ($2::bigint = 0 OR s.origin_branch_id = $2 OR s.destination_branch_id = $2)
ORDER BY s.id
LIMIT $3 OFFSET $4
`, string(f.Status), f.BranchID, limitOr(f.Limit, 100, 500), max(f.Offset, 0))
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	return collectShipments(rows)
}

func collectShipments(rows pgx.Rows) ([]*models.Shipment, error) {
	defer rows.Close()
	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListTransitions(ctx context.Context, shipmentID uint64) ([]*models.Transition, error) {
	if _, err := s.GetShipment(ctx, shipmentID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `SELECT `+transitionColumns+`
FROM shipment_transitions
WHERE shipment_id = $1
ORDER BY seq
`, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select transitions")
	}
	defer rows.Close()

	var out []*models.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan transition")
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ShipmentIDBySSCC(ctx context.Context, sscc string) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `SELECT shipment_id FROM parcels WHERE sscc = $1`, sscc).Scan(&id)
	if err != nil {
		return 0, notFound(err, "parcel %s", sscc)
	}
	return id, nil
}

const transitionColumns = `
  id, shipment_id, seq, from_status, to_status, trigger,
  source_type, source_id, actor, context, occurred_at, created_at`

func scanTransition(row pgx.Row) (*models.Transition, error) {
	var t models.Transition
	var from *string
	var ctxJSON []byte
	if err := row.Scan(
		&t.ID, &t.ShipmentID, &t.Seq, &from, &t.To, &t.Trigger,
		&t.Source.Type, &t.Source.ID, &t.Actor, &ctxJSON, &t.OccurredAt, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	if from != nil {
		f := status.Shipment(*from)
		t.From = &f
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &t.Context); err != nil {
			return nil, errors.Wrap(err, "decode transition context")
		}
	}
	return &t, nil
}

// shipmentTx writes through the enclosing pgx transaction; the shipment row
// is already locked.
type shipmentTx struct {
	tx  pgx.Tx
	sh  *models.Shipment
	now func() time.Time
}

func (t *shipmentTx) Shipment(ctx context.Context) (*models.Shipment, error) {
	c := *t.sh
	c.Parcels = append([]string(nil), t.sh.Parcels...)
	return &c, nil
}

func (t *shipmentTx) LastTransition(ctx context.Context) (*models.Transition, error) {
	tr, err := scanTransition(t.tx.QueryRow(ctx, `SELECT `+transitionColumns+`
FROM shipment_transitions
WHERE shipment_id = $1
ORDER BY seq DESC
LIMIT 1
`, t.sh.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select last transition")
	}
	return tr, nil
}

func (t *shipmentTx) TransitionByDedupKey(ctx context.Context, key models.DedupKey) (*models.Transition, error) {
	tr, err := scanTransition(t.tx.QueryRow(ctx, `SELECT `+transitionColumns+`
FROM shipment_transitions
WHERE shipment_id = $1 AND source_type = $2 AND source_id = $3 AND to_status = $4
LIMIT 1
`, key.ShipmentID, key.Source.Type, key.Source.ID, key.To))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select transition by dedup key")
	}
	return tr, nil
}

func (t *shipmentTx) AppendTransition(ctx context.Context, tr *models.Transition) error {
	var ctxJSON []byte
	if len(tr.Context) > 0 {
		b, err := json.Marshal(tr.Context)
		if err != nil {
			return errors.Wrap(err, "encode transition context")
		}
		ctxJSON = b
	}
	var from *string
	if tr.From != nil {
		f := string(*tr.From)
		from = &f
	}

	tr.ShipmentID = t.sh.ID
	err := t.tx.QueryRow(ctx, `
INSERT INTO shipment_transitions (
  shipment_id, seq, from_status, to_status, trigger,
  source_type, source_id, actor, context, occurred_at, created_at
)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::text, $3::text, $4::text, $5::text, $6::text, $7::text, $8::jsonb, $9::timestamptz, $10::timestamptz
FROM shipment_transitions
WHERE shipment_id = $1
RETURNING id, seq, created_at
`, t.sh.ID, from, tr.To, tr.Trigger, tr.Source.Type, tr.Source.ID, tr.Actor, ctxJSON,
		tr.OccurredAt.UTC(), t.now()).Scan(&tr.ID, &tr.Seq, &tr.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(models.ErrDuplicateTransition, "shipment %d %s -> %s", t.sh.ID, tr.Source, tr.To)
	}
	return errors.Wrap(err, "insert transition")
}

func (t *shipmentTx) SetStatus(ctx context.Context, st status.Shipment, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE shipments SET status = $2, updated_at = $3 WHERE id = $1`, t.sh.ID, st, at.UTC())
	if err != nil {
		return errors.Wrap(err, "update shipment status")
	}
	t.sh.Status = st
	t.sh.UpdatedAt = at
	return nil
}

func (t *shipmentTx) SoftDelete(ctx context.Context, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE shipments SET deleted_at = $2, updated_at = $2 WHERE id = $1`, t.sh.ID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "soft delete shipment")
	}
	t.sh.DeletedAt = &at
	t.sh.UpdatedAt = at
	return nil
}

func (t *shipmentTx) Enqueue(ctx context.Context, events ...*models.OutboxEvent) error {
	for _, ev := range events {
		if err := insertOutbox(ctx, t.tx, ev); err != nil {
			return err
		}
	}
	return nil
}
