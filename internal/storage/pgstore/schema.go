package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  reference TEXT NOT NULL UNIQUE,
  origin_branch_id BIGINT NOT NULL,
  destination_branch_id BIGINT NOT NULL,
  service_level TEXT NOT NULL DEFAULT '',
  mode TEXT NOT NULL,
  status TEXT NOT NULL,
  price NUMERIC(14,2) NOT NULL DEFAULT 0,
  currency TEXT NOT NULL DEFAULT '',
  recipient JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  deleted_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_status_dest ON shipments(status, destination_branch_id) WHERE deleted_at IS NULL`,
		`
CREATE TABLE IF NOT EXISTS parcels (
  sscc TEXT PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_parcels_shipment_id ON parcels(shipment_id)`,
		`
CREATE TABLE IF NOT EXISTS shipment_transitions (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id),
  seq INT NOT NULL,
  from_status TEXT NULL,
  to_status TEXT NOT NULL,
  trigger TEXT NOT NULL,
  source_type TEXT NOT NULL DEFAULT '',
  source_id TEXT NOT NULL DEFAULT '',
  actor TEXT NOT NULL DEFAULT '',
  context JSONB NULL,
  occurred_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (shipment_id, seq)
)`,
		// replays are detected by (shipment, source, to); sourceless requests are never deduplicated
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_transitions_dedup ON shipment_transitions(shipment_id, source_type, source_id, to_status) WHERE source_id <> ''`,
		`
CREATE TABLE IF NOT EXISTS outbox_events (
  seq BIGSERIAL PRIMARY KEY,
  id UUID NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id BIGINT NOT NULL,
  payload JSONB NOT NULL,
  occurred_at TIMESTAMPTZ NOT NULL,
  published_at TIMESTAMPTZ NULL,
  attempts INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  lease_owner TEXT NULL,
  lease_until TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox_events(seq) WHERE published_at IS NULL`,
		`
CREATE TABLE IF NOT EXISTS scan_events (
  id BIGSERIAL PRIMARY KEY,
  sscc TEXT NOT NULL,
  type TEXT NOT NULL,
  branch_id BIGINT NOT NULL,
  leg_id BIGINT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  occurred_at TIMESTAMPTZ NOT NULL,
  geo JSONB NULL,
  shipment_id BIGINT NULL,
  outcome TEXT NOT NULL DEFAULT '',
  note TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (sscc, type, branch_id, occurred_at)
)`,
		`
CREATE TABLE IF NOT EXISTS custody_views (
  shipment_id BIGINT PRIMARY KEY REFERENCES shipments(id),
  last_known_branch BIGINT NOT NULL,
  last_scan JSONB NULL,
  evidence_at TIMESTAMPTZ NULL,
  active_leg_id BIGINT NULL,
  active_bag_id BIGINT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS transport_legs (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id),
  seq INT NOT NULL,
  mode TEXT NOT NULL,
  carrier_code TEXT NOT NULL DEFAULT '',
  vehicle_id TEXT NOT NULL DEFAULT '',
  from_branch_id BIGINT NOT NULL,
  to_branch_id BIGINT NOT NULL,
  planned_depart_at TIMESTAMPTZ NOT NULL,
  planned_arrive_at TIMESTAMPTZ NOT NULL,
  actual_depart_at TIMESTAMPTZ NULL,
  actual_arrive_at TIMESTAMPTZ NULL,
  status TEXT NOT NULL,
  last_update_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_legs_shipment_id ON transport_legs(shipment_id, seq)`,
		`
CREATE TABLE IF NOT EXISTS bags (
  id BIGSERIAL PRIMARY KEY,
  code TEXT NOT NULL UNIQUE,
  origin_branch_id BIGINT NOT NULL,
  destination_branch_id BIGINT NOT NULL,
  leg_id BIGINT NULL REFERENCES transport_legs(id),
  status TEXT NOT NULL,
  closed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS bag_parcels (
  bag_id BIGINT NOT NULL REFERENCES bags(id),
  sscc TEXT NOT NULL,
  added_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (bag_id, sscc)
)`,
		`CREATE INDEX IF NOT EXISTS idx_bag_parcels_sscc ON bag_parcels(sscc)`,
		`
CREATE TABLE IF NOT EXISTS branch_handoffs (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id),
  from_branch_id BIGINT NOT NULL,
  to_branch_id BIGINT NOT NULL,
  requested_by TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  approver_id TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  requested_at TIMESTAMPTZ NOT NULL,
  decided_at TIMESTAMPTZ NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_handoffs_pending ON branch_handoffs(shipment_id) WHERE status = 'PENDING'`,
		`
CREATE TABLE IF NOT EXISTS proofs_of_delivery (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id),
  stop_id BIGINT NULL,
  kind TEXT NOT NULL,
  reference TEXT NOT NULL DEFAULT '',
  captured_by TEXT NOT NULL DEFAULT '',
  captured_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_pod_shipment_id ON proofs_of_delivery(shipment_id)`,
		`
CREATE TABLE IF NOT EXISTS routes (
  id BIGSERIAL PRIMARY KEY,
  driver_id TEXT NOT NULL,
  branch_id BIGINT NOT NULL,
  service_date DATE NOT NULL,
  status TEXT NOT NULL,
  started_at TIMESTAMPTZ NULL,
  finished_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS stops (
  id BIGSERIAL PRIMARY KEY,
  route_id BIGINT NOT NULL REFERENCES routes(id),
  shipment_id BIGINT NOT NULL REFERENCES shipments(id),
  seq INT NOT NULL,
  status TEXT NOT NULL,
  failure_reason TEXT NOT NULL DEFAULT '',
  pod_reference TEXT NOT NULL DEFAULT '',
  arrived_at TIMESTAMPTZ NULL,
  finished_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_stops_route_id ON stops(route_id, seq)`,
		// a shipment has at most one open stop
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_stops_open ON stops(shipment_id) WHERE status IN ('PENDING', 'ARRIVED')`,
		`
CREATE TABLE IF NOT EXISTS webhook_endpoints (
  id BIGSERIAL PRIMARY KEY,
  url TEXT NOT NULL,
  secret TEXT NOT NULL,
  event_types TEXT[] NOT NULL DEFAULT '{}',
  active BOOLEAN NOT NULL DEFAULT TRUE,
  retry JSONB NOT NULL DEFAULT '{}',
  rate_limit_per_minute INT NOT NULL DEFAULT 0,
  lease_owner TEXT NULL,
  lease_until TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id UUID PRIMARY KEY,
  endpoint_id BIGINT NOT NULL REFERENCES webhook_endpoints(id),
  event_id UUID NOT NULL,
  event_seq BIGINT NOT NULL,
  event_type TEXT NOT NULL,
  aggregate_id BIGINT NOT NULL,
  payload JSONB NOT NULL,
  occurred_at TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  next_retry_at TIMESTAMPTZ NULL,
  last_http_status INT NULL,
  last_error TEXT NULL,
  delivered_at TIMESTAMPTZ NULL,
  failed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (endpoint_id, event_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_pending ON webhook_deliveries(endpoint_id, event_seq) WHERE status = 'PENDING'`,
		`
CREATE TABLE IF NOT EXISTS invoice_drafts (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL UNIQUE,
  event_id UUID NOT NULL,
  amount NUMERIC(14,2) NOT NULL,
  currency TEXT NOT NULL DEFAULT '',
  external_id TEXT NOT NULL DEFAULT '',
  requested_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
