// Package memstore is an in-memory implementation of every repository the
// services use. It backs service tests and local runs without PostgreSQL.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/google/uuid"
)

type outboxRow struct {
	ev         *models.OutboxEvent
	leaseOwner string
	leaseUntil time.Time
}

type endpointRow struct {
	ep         *models.WebhookEndpoint
	leaseOwner string
	leaseUntil time.Time
}

type Store struct {
	mu       sync.Mutex
	createMu sync.Mutex
	rowLocks map[uint64]*sync.Mutex
	now      func() time.Time

	seq map[string]uint64

	shipments   map[uint64]*models.Shipment
	parcels     map[string]uint64
	transitions map[uint64][]*models.Transition
	outbox      []*outboxRow
	outboxSeq   int64

	scans    []*models.ScanEvent
	views    map[uint64]*models.CustodyView
	legs     map[uint64]*models.TransportLeg
	bags     map[uint64]*models.Bag
	handoffs map[uint64]*models.BranchHandoff
	pods     []*models.ProofOfDelivery

	routes map[uint64]*models.Route
	stops  map[uint64]*models.Stop

	endpoints  map[uint64]*endpointRow
	deliveries map[uuid.UUID]*models.WebhookDelivery
	invoices   map[uint64]*models.InvoiceDraft
}

func New() *Store {
	return &Store{
		rowLocks:    make(map[uint64]*sync.Mutex),
		now:         func() time.Time { return time.Now().UTC() },
		seq:         make(map[string]uint64),
		shipments:   make(map[uint64]*models.Shipment),
		parcels:     make(map[string]uint64),
		transitions: make(map[uint64][]*models.Transition),
		views:       make(map[uint64]*models.CustodyView),
		legs:        make(map[uint64]*models.TransportLeg),
		bags:        make(map[uint64]*models.Bag),
		handoffs:    make(map[uint64]*models.BranchHandoff),
		routes:      make(map[uint64]*models.Route),
		stops:       make(map[uint64]*models.Stop),
		endpoints:   make(map[uint64]*endpointRow),
		deliveries:  make(map[uuid.UUID]*models.WebhookDelivery),
		invoices:    make(map[uint64]*models.InvoiceDraft),
	}
}

// WithClock sets the clock used for leases.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// nextID must be called with s.mu held.
func (s *Store) nextID(table string) uint64 {
	s.seq[table]++
	return s.seq[table]
}

func (s *Store) rowLock(id uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[id] = l
	}
	return l
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneShipment(sh *models.Shipment) *models.Shipment {
	c := clone(sh)
	c.Parcels = append([]string(nil), sh.Parcels...)
	return c
}

func cloneBag(b *models.Bag) *models.Bag {
	c := clone(b)
	c.Parcels = append([]string{}, b.Parcels...)
	return c
}

func sortByID[T any](items []T, id func(T) uint64) {
	sort.Slice(items, func(i, j int) bool { return id(items[i]) < id(items[j]) })
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
