package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const scanColumns = `
  id, sscc, type, branch_id, leg_id, user_id, occurred_at,
  geo, shipment_id, outcome, note, created_at`

func scanScan(row pgx.Row) (*models.ScanEvent, error) {
	var sc models.ScanEvent
	var geo []byte
	if err := row.Scan(
		&sc.ID, &sc.SSCC, &sc.Type, &sc.BranchID, &sc.LegID, &sc.UserID, &sc.OccurredAt,
		&geo, &sc.ShipmentID, &sc.Outcome, &sc.Note, &sc.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(geo) > 0 {
		sc.Geo = &models.GeoPoint{}
		if err := json.Unmarshal(geo, sc.Geo); err != nil {
			return nil, errors.Wrap(err, "decode geo")
		}
	}
	return &sc, nil
}

// InsertScan relies on the (sscc, type, branch_id, occurred_at) unique key:
// a redelivered scan fills sc from the stored row.
func (s *Storage) InsertScan(ctx context.Context, sc *models.ScanEvent) (bool, error) {
	var geo []byte
	if sc.Geo != nil {
		b, err := json.Marshal(sc.Geo)
		if err != nil {
			return false, errors.Wrap(err, "encode geo")
		}
		geo = b
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = s.now()
	}

	err := s.db.QueryRow(ctx, `
INSERT INTO scan_events (
  sscc, type, branch_id, leg_id, user_id, occurred_at, geo, shipment_id, outcome, note, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (sscc, type, branch_id, occurred_at) DO NOTHING
RETURNING id
`, sc.SSCC, sc.Type, sc.BranchID, sc.LegID, sc.UserID, sc.OccurredAt.UTC(), geo, sc.ShipmentID,
		sc.Outcome, sc.Note, sc.CreatedAt.UTC()).Scan(&sc.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, errors.Wrap(err, "insert scan")
	}

	stored, err := scanScan(s.db.QueryRow(ctx, `SELECT `+scanColumns+`
FROM scan_events
WHERE sscc = $1 AND type = $2 AND branch_id = $3 AND occurred_at = $4
`, sc.SSCC, sc.Type, sc.BranchID, sc.OccurredAt.UTC()))
	if err != nil {
		return false, errors.Wrap(err, "select duplicate scan")
	}
	*sc = *stored
	return false, nil
}

func (s *Storage) SetScanOutcome(ctx context.Context, scanID uint64, outcome models.ScanOutcome, note string) error {
	tag, err := s.db.Exec(ctx, `UPDATE scan_events SET outcome = $2, note = $3 WHERE id = $1`, scanID, outcome, note)
	if err != nil {
		return errors.Wrap(err, "update scan outcome")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "scan %d", scanID)
	}
	return nil
}

func (s *Storage) ListScans(ctx context.Context, sscc string, limit int) ([]*models.ScanEvent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+scanColumns+`
FROM scan_events
WHERE ($1::text = '' OR sscc = $1)
ORDER BY occurred_at, id
LIMIT $2
`, sscc, limitOr(limit, 100, 1000))
	if err != nil {
		return nil, errors.Wrap(err, "select scans")
	}
	defer rows.Close()

	var out []*models.ScanEvent
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan scan event")
		}
		out = append(out, sc)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetCustodyView(ctx context.Context, shipmentID uint64) (*models.CustodyView, error) {
	var v models.CustodyView
	var last []byte
	var evidenceAt *time.Time
	err := s.db.QueryRow(ctx, `
SELECT shipment_id, last_known_branch, last_scan, evidence_at, active_leg_id, active_bag_id, updated_at
FROM custody_views
WHERE shipment_id = $1
`, shipmentID).Scan(&v.ShipmentID, &v.LastKnownBranch, &last, &evidenceAt, &v.ActiveLegID, &v.ActiveBagID, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select custody view")
	}
	if len(last) > 0 {
		v.LastScan = &models.ScanRef{}
		if err := json.Unmarshal(last, v.LastScan); err != nil {
			return nil, errors.Wrap(err, "decode last scan")
		}
	}
	if evidenceAt != nil {
		v.EvidenceAt = evidenceAt.UTC()
	}
	return &v, nil
}

// SaveCustodyView upserts the view; the WHERE clause of the conflict branch
// keeps a view built from newer evidence.
func (s *Storage) SaveCustodyView(ctx context.Context, v *models.CustodyView) (bool, error) {
	var last []byte
	if v.LastScan != nil {
		b, err := json.Marshal(v.LastScan)
		if err != nil {
			return false, errors.Wrap(err, "encode last scan")
		}
		last = b
	}
	var evidenceAt *time.Time
	if at := v.EvidenceTime(); !at.IsZero() {
		at = at.UTC()
		evidenceAt = &at
	}

	tag, err := s.db.Exec(ctx, `
INSERT INTO custody_views (shipment_id, last_known_branch, last_scan, evidence_at, active_leg_id, active_bag_id, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (shipment_id) DO UPDATE SET
  last_known_branch = EXCLUDED.last_known_branch,
  last_scan = EXCLUDED.last_scan,
  evidence_at = EXCLUDED.evidence_at,
  active_leg_id = EXCLUDED.active_leg_id,
  active_bag_id = EXCLUDED.active_bag_id,
  updated_at = EXCLUDED.updated_at
WHERE custody_views.evidence_at IS NULL
   OR (EXCLUDED.evidence_at IS NOT NULL AND EXCLUDED.evidence_at >= custody_views.evidence_at)
`, v.ShipmentID, v.LastKnownBranch, last, evidenceAt, v.ActiveLegID, v.ActiveBagID, v.UpdatedAt.UTC())
	if err != nil {
		return false, errors.Wrap(err, "upsert custody view")
	}
	return tag.RowsAffected() > 0, nil
}

const legColumns = `
  id, shipment_id, seq, mode, carrier_code, vehicle_id, from_branch_id, to_branch_id,
  planned_depart_at, planned_arrive_at, actual_depart_at, actual_arrive_at,
  status, last_update_at, created_at`

func scanLeg(row pgx.Row) (*models.TransportLeg, error) {
	var l models.TransportLeg
	err := row.Scan(
		&l.ID, &l.ShipmentID, &l.Seq, &l.Mode, &l.CarrierCode, &l.VehicleID, &l.FromBranchID, &l.ToBranchID,
		&l.PlannedDepartAt, &l.PlannedArriveAt, &l.ActualDepartAt, &l.ActualArriveAt,
		&l.Status, &l.LastUpdateAt, &l.CreatedAt,
	)
	return &l, err
}

func (s *Storage) CreateLeg(ctx context.Context, l *models.TransportLeg) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	err := s.db.QueryRow(ctx, `
INSERT INTO transport_legs (
  shipment_id, seq, mode, carrier_code, vehicle_id, from_branch_id, to_branch_id,
  planned_depart_at, planned_arrive_at, status, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id
`, l.ShipmentID, l.Seq, l.Mode, l.CarrierCode, l.VehicleID, l.FromBranchID, l.ToBranchID,
		l.PlannedDepartAt.UTC(), l.PlannedArriveAt.UTC(), l.Status, l.CreatedAt.UTC()).Scan(&l.ID)
	return errors.Wrap(err, "insert leg")
}

func (s *Storage) GetLeg(ctx context.Context, id uint64) (*models.TransportLeg, error) {
	l, err := scanLeg(s.db.QueryRow(ctx, `SELECT `+legColumns+` FROM transport_legs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "leg %d", id)
	}
	return l, nil
}

func (s *Storage) ListLegs(ctx context.Context, shipmentID uint64) ([]*models.TransportLeg, error) {
	rows, err := s.db.Query(ctx, `SELECT `+legColumns+` FROM transport_legs WHERE shipment_id = $1 ORDER BY seq`, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select legs")
	}
	defer rows.Close()

	var out []*models.TransportLeg
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan leg")
		}
		out = append(out, l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpdateLeg(ctx context.Context, l *models.TransportLeg, from status.Leg) error {
	tag, err := s.db.Exec(ctx, `
UPDATE transport_legs
SET status = $3, actual_depart_at = $4, actual_arrive_at = $5, last_update_at = $6, vehicle_id = $7
WHERE id = $1 AND status = $2
`, l.ID, from, l.Status, utc(l.ActualDepartAt), utc(l.ActualArriveAt), utc(l.LastUpdateAt), l.VehicleID)
	if err != nil {
		return errors.Wrap(err, "update leg")
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetLeg(ctx, l.ID)
		if err != nil {
			return err
		}
		return errors.Wrapf(models.ErrConflict, "leg %d is %s", l.ID, cur.Status)
	}
	return nil
}

const bagColumns = `
  b.id, b.code, b.origin_branch_id, b.destination_branch_id, b.leg_id, b.status,
  b.closed_at, b.created_at, b.updated_at,
  COALESCE((SELECT array_agg(bp.sscc ORDER BY bp.added_at, bp.sscc) FROM bag_parcels bp WHERE bp.bag_id = b.id), '{}')`

func scanBag(row pgx.Row) (*models.Bag, error) {
	var b models.Bag
	err := row.Scan(
		&b.ID, &b.Code, &b.OriginBranchID, &b.DestinationBranchID, &b.LegID, &b.Status,
		&b.ClosedAt, &b.CreatedAt, &b.UpdatedAt, &b.Parcels,
	)
	return &b, err
}

func (s *Storage) CreateBag(ctx context.Context, b *models.Bag) error {
	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = b.CreatedAt
	err := s.db.QueryRow(ctx, `
INSERT INTO bags (code, origin_branch_id, destination_branch_id, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
RETURNING id
`, b.Code, b.OriginBranchID, b.DestinationBranchID, b.Status, b.CreatedAt.UTC()).Scan(&b.ID)
	if isUniqueViolation(err) {
		return errors.Wrapf(models.ErrConflict, "bag code %s exists", b.Code)
	}
	return errors.Wrap(err, "insert bag")
}

func (s *Storage) GetBag(ctx context.Context, id uint64) (*models.Bag, error) {
	b, err := scanBag(s.db.QueryRow(ctx, `SELECT `+bagColumns+` FROM bags b WHERE b.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "bag %d", id)
	}
	return b, nil
}

// lockBag locks the bag row and returns its status.
func lockBag(ctx context.Context, tx pgx.Tx, bagID uint64) (status.Bag, error) {
	var st status.Bag
	err := tx.QueryRow(ctx, `SELECT status FROM bags WHERE id = $1 FOR UPDATE`, bagID).Scan(&st)
	if err != nil {
		return "", notFound(err, "bag %d", bagID)
	}
	return st, nil
}

// AddParcelToBag serializes membership changes of one parcel with a
// transaction-scoped advisory lock on its SSCC.
func (s *Storage) AddParcelToBag(ctx context.Context, bagID uint64, sscc string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "bag-parcel:"+sscc); err != nil {
			return errors.Wrap(err, "advisory lock")
		}
		st, err := lockBag(ctx, tx, bagID)
		if err != nil {
			return err
		}
		if st != status.BagOpen {
			return errors.Wrapf(models.ErrConflict, "bag %d is %s", bagID, st)
		}

		var other uint64
		err = tx.QueryRow(ctx, `
SELECT b.id
FROM bag_parcels bp
JOIN bags b ON b.id = bp.bag_id
WHERE bp.sscc = $1 AND b.status = $2 AND b.id <> $3
LIMIT 1
`, sscc, status.BagOpen, bagID).Scan(&other)
		if err == nil {
			return errors.Wrapf(models.ErrConflict, "parcel %s is in open bag %d", sscc, other)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrap(err, "select open bag of parcel")
		}

		now := s.now()
		if _, err := tx.Exec(ctx, `
INSERT INTO bag_parcels (bag_id, sscc, added_at) VALUES ($1,$2,$3)
ON CONFLICT (bag_id, sscc) DO NOTHING
`, bagID, sscc, now); err != nil {
			return errors.Wrap(err, "insert bag parcel")
		}
		_, err = tx.Exec(ctx, `UPDATE bags SET updated_at = $2 WHERE id = $1`, bagID, now)
		return errors.Wrap(err, "touch bag")
	})
}

func (s *Storage) RemoveParcelFromBag(ctx context.Context, bagID uint64, sscc string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		st, err := lockBag(ctx, tx, bagID)
		if err != nil {
			return err
		}
		if st != status.BagOpen {
			return errors.Wrapf(models.ErrConflict, "bag %d is %s", bagID, st)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM bag_parcels WHERE bag_id = $1 AND sscc = $2`, bagID, sscc)
		if err != nil {
			return errors.Wrap(err, "delete bag parcel")
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(models.ErrNotFound, "parcel %s not in bag %d", sscc, bagID)
		}
		_, err = tx.Exec(ctx, `UPDATE bags SET updated_at = $2 WHERE id = $1`, bagID, s.now())
		return errors.Wrap(err, "touch bag")
	})
}

func (s *Storage) UpdateBagStatus(ctx context.Context, bagID uint64, from, to status.Bag, at time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		st, err := lockBag(ctx, tx, bagID)
		if err != nil {
			return err
		}
		if st != from {
			return errors.Wrapf(models.ErrConflict, "bag %d is %s", bagID, st)
		}

		var closedAt *time.Time
		if to == status.BagClosed {
			var n int
			if err := tx.QueryRow(ctx, `SELECT count(*) FROM bag_parcels WHERE bag_id = $1`, bagID).Scan(&n); err != nil {
				return errors.Wrap(err, "count bag parcels")
			}
			if n == 0 {
				return errors.Wrapf(models.ErrEmptyBag, "bag %d", bagID)
			}
			closedAt = utc(&at)
		}

		_, err = tx.Exec(ctx, `
UPDATE bags SET status = $2, closed_at = COALESCE($3, closed_at), updated_at = $4 WHERE id = $1
`, bagID, to, closedAt, at.UTC())
		return errors.Wrap(err, "update bag status")
	})
}

func (s *Storage) AssignBagToLeg(ctx context.Context, bagID, legID uint64) error {
	if _, err := s.GetLeg(ctx, legID); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE bags SET leg_id = $2, updated_at = $3 WHERE id = $1`, bagID, legID, s.now())
	if err != nil {
		return errors.Wrap(err, "assign bag to leg")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "bag %d", bagID)
	}
	return nil
}

func (s *Storage) ListBagsByLeg(ctx context.Context, legID uint64) ([]*models.Bag, error) {
	rows, err := s.db.Query(ctx, `SELECT `+bagColumns+` FROM bags b WHERE b.leg_id = $1 ORDER BY b.id`, legID)
	if err != nil {
		return nil, errors.Wrap(err, "select bags by leg")
	}
	defer rows.Close()

	var out []*models.Bag
	for rows.Next() {
		b, err := scanBag(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan bag")
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

const handoffColumns = `
  id, shipment_id, from_branch_id, to_branch_id, requested_by, status,
  approver_id, reason, requested_at, decided_at`

func scanHandoff(row pgx.Row) (*models.BranchHandoff, error) {
	var h models.BranchHandoff
	err := row.Scan(
		&h.ID, &h.ShipmentID, &h.FromBranchID, &h.ToBranchID, &h.RequestedBy, &h.Status,
		&h.ApproverID, &h.Reason, &h.RequestedAt, &h.DecidedAt,
	)
	return &h, err
}

func (s *Storage) CreateHandoff(ctx context.Context, h *models.BranchHandoff) error {
	err := s.db.QueryRow(ctx, `
INSERT INTO branch_handoffs (shipment_id, from_branch_id, to_branch_id, requested_by, status, reason, requested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, h.ShipmentID, h.FromBranchID, h.ToBranchID, h.RequestedBy, h.Status, h.Reason, h.RequestedAt.UTC()).Scan(&h.ID)
	if isUniqueViolation(err) {
		return errors.Wrapf(models.ErrConflict, "shipment %d has a pending handoff", h.ShipmentID)
	}
	return errors.Wrap(err, "insert handoff")
}

func (s *Storage) GetHandoff(ctx context.Context, id uint64) (*models.BranchHandoff, error) {
	h, err := scanHandoff(s.db.QueryRow(ctx, `SELECT `+handoffColumns+` FROM branch_handoffs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "handoff %d", id)
	}
	return h, nil
}

func (s *Storage) DecideHandoff(ctx context.Context, h *models.BranchHandoff) error {
	tag, err := s.db.Exec(ctx, `
UPDATE branch_handoffs
SET status = $3, approver_id = $4, reason = $5, decided_at = $6
WHERE id = $1 AND status = $2
`, h.ID, status.HandoffPending, h.Status, h.ApproverID, h.Reason, utc(h.DecidedAt))
	if err != nil {
		return errors.Wrap(err, "decide handoff")
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetHandoff(ctx, h.ID)
		if err != nil {
			return err
		}
		return errors.Wrapf(models.ErrConflict, "handoff %d already %s", h.ID, cur.Status)
	}
	return nil
}

func (s *Storage) PendingHandoff(ctx context.Context, shipmentID uint64) (*models.BranchHandoff, error) {
	h, err := scanHandoff(s.db.QueryRow(ctx, `SELECT `+handoffColumns+`
FROM branch_handoffs
WHERE shipment_id = $1 AND status = $2
`, shipmentID, status.HandoffPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select pending handoff")
	}
	return h, nil
}

func (s *Storage) ListPendingHandoffsBefore(ctx context.Context, before time.Time, limit int) ([]*models.BranchHandoff, error) {
	rows, err := s.db.Query(ctx, `SELECT `+handoffColumns+`
FROM branch_handoffs
WHERE status = $1 AND requested_at < $2
ORDER BY id
LIMIT $3
`, status.HandoffPending, before.UTC(), limitOr(limit, 100, 1000))
	if err != nil {
		return nil, errors.Wrap(err, "select pending handoffs")
	}
	defer rows.Close()

	var out []*models.BranchHandoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan handoff")
		}
		out = append(out, h)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) InsertProofOfDelivery(ctx context.Context, p *models.ProofOfDelivery) error {
	err := s.db.QueryRow(ctx, `
INSERT INTO proofs_of_delivery (shipment_id, stop_id, kind, reference, captured_by, captured_at)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id
`, p.ShipmentID, p.StopID, p.Kind, p.Reference, p.CapturedBy, p.CapturedAt.UTC()).Scan(&p.ID)
	return errors.Wrap(err, "insert proof of delivery")
}

func (s *Storage) HasProofOfDelivery(ctx context.Context, shipmentID uint64) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM proofs_of_delivery WHERE shipment_id = $1)`, shipmentID).Scan(&ok)
	return ok, errors.Wrap(err, "select proof of delivery")
}

func (s *Storage) HasCompletedStop(ctx context.Context, shipmentID uint64) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stops WHERE shipment_id = $1 AND status = $2)`,
		shipmentID, status.StopCompleted).Scan(&ok)
	return ok, errors.Wrap(err, "select completed stop")
}
