// Package storage declares the transactional view of a single shipment shared
// by the PostgreSQL and in-memory stores.
package storage

import (
	"context"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/status"
)

// ShipmentTx is a unit of work scoped to one shipment. The shipment row is
// locked for the lifetime of the transaction, and nothing written through
// the Tx is visible to others until the enclosing callback returns nil.
type ShipmentTx interface {
	Shipment(ctx context.Context) (*models.Shipment, error)
	// LastTransition returns nil when the log is empty.
	LastTransition(ctx context.Context) (*models.Transition, error)
	// TransitionByDedupKey returns nil when no transition matches.
	TransitionByDedupKey(ctx context.Context, key models.DedupKey) (*models.Transition, error)
	// AppendTransition assigns ID, Seq and CreatedAt.
	AppendTransition(ctx context.Context, t *models.Transition) error
	SetStatus(ctx context.Context, s status.Shipment, at time.Time) error
	SoftDelete(ctx context.Context, at time.Time) error
	// Enqueue assigns the outbox sequence of each event.
	Enqueue(ctx context.Context, events ...*models.OutboxEvent) error
}
