package pgstore

import (
	"context"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const stopColumns = `
  id, route_id, shipment_id, seq, status, failure_reason, pod_reference, arrived_at, finished_at`

func scanStop(row pgx.Row) (*models.Stop, error) {
	var st models.Stop
	err := row.Scan(
		&st.ID, &st.RouteID, &st.ShipmentID, &st.Seq, &st.Status,
		&st.FailureReason, &st.PODReference, &st.ArrivedAt, &st.FinishedAt,
	)
	return &st, err
}

// insertStops relies on the partial unique index over open stops to reject
// a shipment that is already planned on another route.
func insertStops(ctx context.Context, tx pgx.Tx, routeID uint64, stops []*models.Stop) error {
	for _, st := range stops {
		st.RouteID = routeID
		err := tx.QueryRow(ctx, `
INSERT INTO stops (route_id, shipment_id, seq, status)
VALUES ($1,$2,$3,$4)
RETURNING id
`, routeID, st.ShipmentID, st.Seq, st.Status).Scan(&st.ID)
		if isUniqueViolation(err) {
			return errors.Wrapf(models.ErrConflict, "shipment %d already has an open stop", st.ShipmentID)
		}
		if err != nil {
			return errors.Wrap(err, "insert stop")
		}
	}
	return nil
}

func (s *Storage) CreateRoute(ctx context.Context, r *models.Route) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO routes (driver_id, branch_id, service_date, status, created_at)
VALUES ($1,$2,$3,$4,$5)
RETURNING id
`, r.DriverID, r.BranchID, r.ServiceDate.UTC(), r.Status, r.CreatedAt.UTC()).Scan(&r.ID)
		if err != nil {
			return errors.Wrap(err, "insert route")
		}
		return insertStops(ctx, tx, r.ID, r.Stops)
	})
}

func (s *Storage) AppendStops(ctx context.Context, routeID uint64, stops []*models.Stop) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var id uint64
		if err := tx.QueryRow(ctx, `SELECT id FROM routes WHERE id = $1 FOR UPDATE`, routeID).Scan(&id); err != nil {
			return notFound(err, "route %d", routeID)
		}
		return insertStops(ctx, tx, routeID, stops)
	})
}

func (s *Storage) GetRoute(ctx context.Context, id uint64) (*models.Route, error) {
	var r models.Route
	err := s.db.QueryRow(ctx, `
SELECT id, driver_id, branch_id, service_date, status, started_at, finished_at, created_at
FROM routes
WHERE id = $1
`, id).Scan(&r.ID, &r.DriverID, &r.BranchID, &r.ServiceDate, &r.Status, &r.StartedAt, &r.FinishedAt, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err, "route %d", id)
	}

	rows, err := s.db.Query(ctx, `SELECT `+stopColumns+` FROM stops WHERE route_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, errors.Wrap(err, "select stops")
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanStop(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan stop")
		}
		r.Stops = append(r.Stops, st)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return &r, nil
}

func (s *Storage) GetStop(ctx context.Context, id uint64) (*models.Stop, error) {
	st, err := scanStop(s.db.QueryRow(ctx, `SELECT `+stopColumns+` FROM stops WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "stop %d", id)
	}
	return st, nil
}

func (s *Storage) UpdateStop(ctx context.Context, st *models.Stop, from status.Stop) error {
	tag, err := s.db.Exec(ctx, `
UPDATE stops
SET status = $3, failure_reason = $4, pod_reference = $5, arrived_at = $6, finished_at = $7
WHERE id = $1 AND status = $2
`, st.ID, from, st.Status, st.FailureReason, st.PODReference, utc(st.ArrivedAt), utc(st.FinishedAt))
	if err != nil {
		return errors.Wrap(err, "update stop")
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetStop(ctx, st.ID)
		if err != nil {
			return err
		}
		return errors.Wrapf(models.ErrConflict, "stop %d is %s", st.ID, cur.Status)
	}
	return nil
}

func (s *Storage) UpdateRoute(ctx context.Context, r *models.Route, from status.Route) error {
	tag, err := s.db.Exec(ctx, `
UPDATE routes
SET status = $3, started_at = $4, finished_at = $5
WHERE id = $1 AND status = $2
`, r.ID, from, r.Status, utc(r.StartedAt), utc(r.FinishedAt))
	if err != nil {
		return errors.Wrap(err, "update route")
	}
	if tag.RowsAffected() == 0 {
		var cur status.Route
		if err := s.db.QueryRow(ctx, `SELECT status FROM routes WHERE id = $1`, r.ID).Scan(&cur); err != nil {
			return notFound(err, "route %d", r.ID)
		}
		return errors.Wrapf(models.ErrConflict, "route %d is %s", r.ID, cur)
	}
	return nil
}

func (s *Storage) ListAwaitingDelivery(ctx context.Context, branchID uint64, limit int) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+shipmentColumns+`
FROM shipments s
WHERE s.deleted_at IS NULL
  AND s.status = $1
  AND s.destination_branch_id = $2
  AND NOT EXISTS (
    SELECT 1 FROM stops st WHERE st.shipment_id = s.id AND st.status IN ($3, $4)
  )
ORDER BY s.id
LIMIT $5
`, status.AtDestHub, branchID, status.StopPending, status.StopArrived, limitOr(limit, 100, 1000))
	if err != nil {
		return nil, errors.Wrap(err, "select awaiting delivery")
	}
	return collectShipments(rows)
}
