package memstore

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/pkg/errors"
)

func (s *Store) InsertScan(ctx context.Context, sc *models.ScanEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.scans {
		if o.SSCC == sc.SSCC && o.Type == sc.Type && o.BranchID == sc.BranchID && o.OccurredAt.Equal(sc.OccurredAt) {
			*sc = *clone(o)
			return false, nil
		}
	}
	sc.ID = s.nextID("scans")
	s.scans = append(s.scans, clone(sc))
	return true, nil
}

func (s *Store) SetScanOutcome(ctx context.Context, scanID uint64, outcome models.ScanOutcome, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.scans {
		if sc.ID == scanID {
			sc.Outcome = outcome
			sc.Note = note
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "scan %d", scanID)
}

func (s *Store) ListScans(ctx context.Context, sscc string, limit int) ([]*models.ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ScanEvent
	for _, sc := range s.scans {
		if sscc == "" || sc.SSCC == sscc {
			out = append(out, clone(sc))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return page(out, limit, 0), nil
}

func (s *Store) GetCustodyView(ctx context.Context, shipmentID uint64) (*models.CustodyView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[shipmentID]
	if !ok {
		return nil, nil
	}
	return cloneView(v), nil
}

func (s *Store) SaveCustodyView(ctx context.Context, v *models.CustodyView) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.views[v.ShipmentID]; ok && !cur.Supersedes(v.EvidenceTime()) {
		return false, nil
	}
	s.views[v.ShipmentID] = cloneView(v)
	return true, nil
}

func cloneView(v *models.CustodyView) *models.CustodyView {
	c := clone(v)
	c.LastScan = clone(v.LastScan)
	c.ActiveLegID = clone(v.ActiveLegID)
	c.ActiveBagID = clone(v.ActiveBagID)
	return c
}

func (s *Store) CreateLeg(ctx context.Context, l *models.TransportLeg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.nextID("legs")
	s.legs[l.ID] = clone(l)
	return nil
}

func (s *Store) GetLeg(ctx context.Context, id uint64) (*models.TransportLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.legs[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "leg %d", id)
	}
	return clone(l), nil
}

func (s *Store) ListLegs(ctx context.Context, shipmentID uint64) ([]*models.TransportLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TransportLeg
	for _, l := range s.legs {
		if l.ShipmentID == shipmentID {
			out = append(out, clone(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) UpdateLeg(ctx context.Context, l *models.TransportLeg, from status.Leg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.legs[l.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "leg %d", l.ID)
	}
	if cur.Status != from {
		return errors.Wrapf(models.ErrConflict, "leg %d is %s", l.ID, cur.Status)
	}
	s.legs[l.ID] = clone(l)
	return nil
}

func (s *Store) CreateBag(ctx context.Context, b *models.Bag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.bags {
		if o.Code == b.Code {
			return errors.Wrapf(models.ErrConflict, "bag code %s exists", b.Code)
		}
	}
	b.ID = s.nextID("bags")
	s.bags[b.ID] = cloneBag(b)
	return nil
}

func (s *Store) GetBag(ctx context.Context, id uint64) (*models.Bag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bags[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "bag %d", id)
	}
	return cloneBag(b), nil
}

func (s *Store) AddParcelToBag(ctx context.Context, bagID uint64, sscc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bags[bagID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "bag %d", bagID)
	}
	if b.Status != status.BagOpen {
		return errors.Wrapf(models.ErrConflict, "bag %d is %s", bagID, b.Status)
	}
	if slices.Contains(b.Parcels, sscc) {
		return nil
	}
	for _, o := range s.bags {
		if o.ID != bagID && o.Status == status.BagOpen && slices.Contains(o.Parcels, sscc) {
			return errors.Wrapf(models.ErrConflict, "parcel %s is in open bag %d", sscc, o.ID)
		}
	}
	b.Parcels = append(b.Parcels, sscc)
	b.UpdatedAt = s.now()
	return nil
}

func (s *Store) RemoveParcelFromBag(ctx context.Context, bagID uint64, sscc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bags[bagID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "bag %d", bagID)
	}
	if b.Status != status.BagOpen {
		return errors.Wrapf(models.ErrConflict, "bag %d is %s", bagID, b.Status)
	}
	i := slices.Index(b.Parcels, sscc)
	if i < 0 {
		return errors.Wrapf(models.ErrNotFound, "parcel %s not in bag %d", sscc, bagID)
	}
	b.Parcels = slices.Delete(b.Parcels, i, i+1)
	b.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdateBagStatus(ctx context.Context, bagID uint64, from, to status.Bag, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bags[bagID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "bag %d", bagID)
	}
	if b.Status != from {
		return errors.Wrapf(models.ErrConflict, "bag %d is %s", bagID, b.Status)
	}
	if to == status.BagClosed {
		if len(b.Parcels) == 0 {
			return errors.Wrapf(models.ErrEmptyBag, "bag %d", bagID)
		}
		b.ClosedAt = &at
	}
	b.Status = to
	b.UpdatedAt = at
	return nil
}

func (s *Store) AssignBagToLeg(ctx context.Context, bagID, legID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bags[bagID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "bag %d", bagID)
	}
	if _, ok := s.legs[legID]; !ok {
		return errors.Wrapf(models.ErrNotFound, "leg %d", legID)
	}
	b.LegID = &legID
	b.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListBagsByLeg(ctx context.Context, legID uint64) ([]*models.Bag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Bag
	for _, b := range s.bags {
		if b.LegID != nil && *b.LegID == legID {
			out = append(out, cloneBag(b))
		}
	}
	sortByID(out, func(b *models.Bag) uint64 { return b.ID })
	return out, nil
}

func (s *Store) CreateHandoff(ctx context.Context, h *models.BranchHandoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.handoffs {
		if o.ShipmentID == h.ShipmentID && o.Status == status.HandoffPending {
			return errors.Wrapf(models.ErrConflict, "shipment %d has pending handoff %d", h.ShipmentID, o.ID)
		}
	}
	h.ID = s.nextID("handoffs")
	s.handoffs[h.ID] = clone(h)
	return nil
}

func (s *Store) GetHandoff(ctx context.Context, id uint64) (*models.BranchHandoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handoffs[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "handoff %d", id)
	}
	return clone(h), nil
}

func (s *Store) DecideHandoff(ctx context.Context, h *models.BranchHandoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.handoffs[h.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "handoff %d", h.ID)
	}
	if cur.Status != status.HandoffPending {
		return errors.Wrapf(models.ErrConflict, "handoff %d already %s", h.ID, cur.Status)
	}
	s.handoffs[h.ID] = clone(h)
	return nil
}

func (s *Store) PendingHandoff(ctx context.Context, shipmentID uint64) (*models.BranchHandoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handoffs {
		if h.ShipmentID == shipmentID && h.Status == status.HandoffPending {
			return clone(h), nil
		}
	}
	return nil, nil
}

func (s *Store) ListPendingHandoffsBefore(ctx context.Context, before time.Time, limit int) ([]*models.BranchHandoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BranchHandoff
	for _, h := range s.handoffs {
		if h.Status == status.HandoffPending && h.RequestedAt.Before(before) {
			out = append(out, clone(h))
		}
	}
	sortByID(out, func(h *models.BranchHandoff) uint64 { return h.ID })
	return page(out, limit, 0), nil
}

func (s *Store) InsertProofOfDelivery(ctx context.Context, p *models.ProofOfDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextID("pods")
	s.pods = append(s.pods, clone(p))
	return nil
}

func (s *Store) HasProofOfDelivery(ctx context.Context, shipmentID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pods {
		if p.ShipmentID == shipmentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) HasCompletedStop(ctx context.Context, shipmentID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.stops {
		if st.ShipmentID == shipmentID && st.Status == status.StopCompleted {
			return true, nil
		}
	}
	return false, nil
}
