package memstore

import (
	"context"
	"sort"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/pkg/errors"
)

// openStop reports whether the shipment has a non-terminal stop. Must be
// called with s.mu held.
func (s *Store) openStop(shipmentID uint64) bool {
	for _, st := range s.stops {
		if st.ShipmentID == shipmentID && !st.Status.Terminal() {
			return true
		}
	}
	return false
}

// addStops must be called with s.mu held.
func (s *Store) addStops(routeID uint64, stops []*models.Stop) error {
	for _, st := range stops {
		if s.openStop(st.ShipmentID) {
			return errors.Wrapf(models.ErrConflict, "shipment %d already has an open stop", st.ShipmentID)
		}
	}
	for _, st := range stops {
		st.ID = s.nextID("stops")
		st.RouteID = routeID
		s.stops[st.ID] = clone(st)
	}
	return nil
}

func (s *Store) CreateRoute(ctx context.Context, r *models.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.seq["routes"] + 1
	if err := s.addStops(id, r.Stops); err != nil {
		return err
	}
	r.ID = s.nextID("routes")
	stored := clone(r)
	stored.Stops = nil
	s.routes[r.ID] = stored
	return nil
}

func (s *Store) AppendStops(ctx context.Context, routeID uint64, stops []*models.Stop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[routeID]; !ok {
		return errors.Wrapf(models.ErrNotFound, "route %d", routeID)
	}
	return s.addStops(routeID, stops)
}

func (s *Store) GetRoute(ctx context.Context, id uint64) (*models.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "route %d", id)
	}
	out := clone(r)
	out.Stops = nil
	for _, st := range s.stops {
		if st.RouteID == id {
			out.Stops = append(out.Stops, clone(st))
		}
	}
	sort.Slice(out.Stops, func(i, j int) bool { return out.Stops[i].Seq < out.Stops[j].Seq })
	return out, nil
}

func (s *Store) GetStop(ctx context.Context, id uint64) (*models.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stops[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "stop %d", id)
	}
	return clone(st), nil
}

func (s *Store) UpdateStop(ctx context.Context, st *models.Stop, from status.Stop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.stops[st.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "stop %d", st.ID)
	}
	if cur.Status != from {
		return errors.Wrapf(models.ErrConflict, "stop %d is %s", st.ID, cur.Status)
	}
	s.stops[st.ID] = clone(st)
	return nil
}

func (s *Store) UpdateRoute(ctx context.Context, r *models.Route, from status.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.routes[r.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "route %d", r.ID)
	}
	if cur.Status != from {
		return errors.Wrapf(models.ErrConflict, "route %d is %s", r.ID, cur.Status)
	}
	cur.Status = r.Status
	cur.StartedAt = r.StartedAt
	cur.FinishedAt = r.FinishedAt
	return nil
}

func (s *Store) ListAwaitingDelivery(ctx context.Context, branchID uint64, limit int) ([]*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Shipment
	for _, sh := range s.shipments {
		if sh.Deleted() || sh.Status != status.AtDestHub || sh.DestinationBranchID != branchID {
			continue
		}
		if s.openStop(sh.ID) {
			continue
		}
		out = append(out, cloneShipment(sh))
	}
	sortByID(out, func(sh *models.Shipment) uint64 { return sh.ID })
	return page(out, limit, 0), nil
}
