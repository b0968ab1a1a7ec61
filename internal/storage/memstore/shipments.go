package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/BearBump/ParcelFlow/internal/storage"
	"github.com/pkg/errors"
)

func (s *Store) CreateShipment(ctx context.Context, sh *models.Shipment, fn func(tx storage.ShipmentTx) error) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.mu.Lock()
	for _, other := range s.shipments {
		if other.Reference == sh.Reference {
			s.mu.Unlock()
			return errors.Wrapf(models.ErrConflict, "reference %s already exists", sh.Reference)
		}
	}
	for _, p := range sh.Parcels {
		if _, ok := s.parcels[p]; ok {
			s.mu.Unlock()
			return errors.Wrapf(models.ErrConflict, "parcel %s already linked", p)
		}
	}
	sh.ID = s.nextID("shipments")
	s.mu.Unlock()

	tx := &shipmentTx{s: s, sh: cloneShipment(sh)}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneShipment(tx.sh)
	s.shipments[sh.ID] = stored
	for _, p := range stored.Parcels {
		s.parcels[p] = sh.ID
	}
	tx.commit()
	*sh = *cloneShipment(stored)
	return nil
}

func (s *Store) WithShipment(ctx context.Context, shipmentID uint64, fn func(tx storage.ShipmentTx) error) error {
	l := s.rowLock(shipmentID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	sh, ok := s.shipments[shipmentID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(models.ErrNotFound, "shipment %d", shipmentID)
	}
	tx := &shipmentTx{s: s, sh: cloneShipment(sh)}
	s.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipments[shipmentID] = cloneShipment(tx.sh)
	tx.commit()
	return nil
}

func (s *Store) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "shipment %d", id)
	}
	return cloneShipment(sh), nil
}

func (s *Store) ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Shipment
	for _, sh := range s.shipments {
		if sh.Deleted() {
			continue
		}
		if f.Status != "" && sh.Status != f.Status {
			continue
		}
		if f.BranchID != 0 && sh.OriginBranchID != f.BranchID && sh.DestinationBranchID != f.BranchID {
			continue
		}
		out = append(out, cloneShipment(sh))
	}
	sortByID(out, func(sh *models.Shipment) uint64 { return sh.ID })
	return page(out, f.Limit, f.Offset), nil
}

func (s *Store) ListTransitions(ctx context.Context, shipmentID uint64) ([]*models.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shipments[shipmentID]; !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "shipment %d", shipmentID)
	}
	out := make([]*models.Transition, 0, len(s.transitions[shipmentID]))
	for _, t := range s.transitions[shipmentID] {
		out = append(out, clone(t))
	}
	return out, nil
}

// ShipmentIDBySSCC resolves a parcel to its shipment.
func (s *Store) ShipmentIDBySSCC(ctx context.Context, sscc string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.parcels[sscc]
	if !ok {
		return 0, errors.Wrapf(models.ErrNotFound, "parcel %s", sscc)
	}
	return id, nil
}

// SetStatusColumn overwrites the cached status without touching the log.
// Tests use it to simulate drift.
func (s *Store) SetStatusColumn(id uint64, st status.Shipment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shipments[id]; ok {
		sh.Status = st
	}
}

// shipmentTx buffers writes until the callback returns nil.
type shipmentTx struct {
	s           *Store
	sh          *models.Shipment
	transitions []*models.Transition
	events      []*models.OutboxEvent
}

func (tx *shipmentTx) Shipment(ctx context.Context) (*models.Shipment, error) {
	return cloneShipment(tx.sh), nil
}

func (tx *shipmentTx) LastTransition(ctx context.Context) (*models.Transition, error) {
	if n := len(tx.transitions); n > 0 {
		return clone(tx.transitions[n-1]), nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	log := tx.s.transitions[tx.sh.ID]
	if len(log) == 0 {
		return nil, nil
	}
	return clone(log[len(log)-1]), nil
}

func (tx *shipmentTx) TransitionByDedupKey(ctx context.Context, key models.DedupKey) (*models.Transition, error) {
	match := func(t *models.Transition) bool {
		return t.Source == key.Source && t.To == key.To
	}
	for _, t := range tx.transitions {
		if match(t) {
			return clone(t), nil
		}
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, t := range tx.s.transitions[key.ShipmentID] {
		if match(t) {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (tx *shipmentTx) AppendTransition(ctx context.Context, t *models.Transition) error {
	tx.s.mu.Lock()
	t.ID = tx.s.nextID("transitions")
	t.Seq = len(tx.s.transitions[tx.sh.ID]) + len(tx.transitions) + 1
	t.CreatedAt = tx.s.now()
	tx.s.mu.Unlock()

	t.ShipmentID = tx.sh.ID
	tx.transitions = append(tx.transitions, clone(t))
	return nil
}

func (tx *shipmentTx) SetStatus(ctx context.Context, st status.Shipment, at time.Time) error {
	tx.sh.Status = st
	tx.sh.UpdatedAt = at
	return nil
}

func (tx *shipmentTx) SoftDelete(ctx context.Context, at time.Time) error {
	tx.sh.DeletedAt = &at
	tx.sh.UpdatedAt = at
	return nil
}

func (tx *shipmentTx) Enqueue(ctx context.Context, events ...*models.OutboxEvent) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, ev := range events {
		tx.s.outboxSeq++
		ev.Seq = tx.s.outboxSeq
		tx.events = append(tx.events, clone(ev))
	}
	return nil
}

// commit must be called with s.mu held.
func (tx *shipmentTx) commit() {
	id := tx.sh.ID
	tx.s.transitions[id] = append(tx.s.transitions[id], tx.transitions...)
	for _, ev := range tx.events {
		tx.s.outbox = append(tx.s.outbox, &outboxRow{ev: ev})
	}
	sort.SliceStable(tx.s.outbox, func(i, j int) bool { return tx.s.outbox[i].ev.Seq < tx.s.outbox[j].ev.Seq })
}
