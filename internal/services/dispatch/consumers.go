package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ParcelFlow/internal/broker/messages"
	"github.com/BearBump/ParcelFlow/internal/cache"
	"github.com/BearBump/ParcelFlow/internal/integrations/billing"
	"github.com/BearBump/ParcelFlow/internal/integrations/notification"
	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/pkg/errors"
)

const defaultMarkerTTL = 7 * 24 * time.Hour

type InvoiceStore interface {
	// CreateInvoiceDraft inserts d unless a draft for the shipment exists,
	// in which case d is filled from the stored one.
	CreateInvoiceDraft(ctx context.Context, d *models.InvoiceDraft) (created bool, err error)
	SetInvoiceExternalID(ctx context.Context, shipmentID uint64, externalID string) error
}

// BillingConsumer requests one invoice draft per delivered shipment.
type BillingConsumer struct {
	store  InvoiceStore
	client billing.Client
	dedup  cache.Deduper
	ttl    time.Duration
	now    func() time.Time
}

func NewBillingConsumer(store InvoiceStore, client billing.Client, dedup cache.Deduper) *BillingConsumer {
	return &BillingConsumer{
		store:  store,
		client: client,
		dedup:  dedup,
		ttl:    defaultMarkerTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handler adapts the consumer to the Kafka consume loop.
func (b *BillingConsumer) Handler(ctx context.Context) func(key, value []byte) error {
	return func(_, value []byte) error {
		return b.Handle(ctx, value)
	}
}

func (b *BillingConsumer) Handle(ctx context.Context, value []byte) error {
	ev, ok := decodeEvent("billing", value)
	if !ok || ev.EventType != models.EventShipmentDelivered {
		return nil
	}

	markerKey := ev.EventID.String()
	if b.dedup != nil {
		seen, err := b.dedup.Seen(ctx, markerKey)
		if err != nil {
			return err
		}
		if seen {
			metrics.ConsumerEvents.WithLabelValues("billing", "duplicate").Inc()
			return nil
		}
	}

	p, err := ev.Transition()
	if err != nil {
		slog.Error("billing: bad payload", "event_id", ev.EventID, "error", err.Error())
		metrics.ConsumerEvents.WithLabelValues("billing", "invalid").Inc()
		return nil
	}

	draft := &models.InvoiceDraft{
		ShipmentID:  p.ShipmentID,
		EventID:     ev.EventID,
		Currency:    p.Currency,
		RequestedAt: b.now(),
	}
	if p.Price != nil {
		draft.Amount = *p.Price
	}

	created, err := b.store.CreateInvoiceDraft(ctx, draft)
	if err != nil {
		return errors.Wrap(err, "create invoice draft")
	}
	if draft.ExternalID == "" {
		out, err := b.client.RequestInvoiceDraft(ctx, billing.InvoiceDraftRequest{
			ShipmentID: draft.ShipmentID,
			Reference:  p.Reference,
			EventID:    draft.EventID,
			Amount:     draft.Amount,
			Currency:   draft.Currency,
		})
		if err != nil {
			if errors.Is(err, models.ErrPermanent) {
				metrics.ConsumerEvents.WithLabelValues("billing", "rejected").Inc()
				slog.Error("billing rejected invoice draft", "shipment_id", draft.ShipmentID, "event_id", ev.EventID, "error", err.Error())
			}
			return errors.Wrap(err, "request invoice draft")
		}
		if err := b.store.SetInvoiceExternalID(ctx, draft.ShipmentID, out.ExternalID); err != nil {
			return err
		}
	}

	if b.dedup != nil {
		if err := b.dedup.Mark(ctx, markerKey, b.ttl); err != nil {
			return err
		}
	}

	result := "ok"
	if !created {
		result = "duplicate"
	}
	metrics.ConsumerEvents.WithLabelValues("billing", result).Inc()
	slog.Info("invoice draft requested", "shipment_id", draft.ShipmentID, "event_id", ev.EventID, "new", created)
	return nil
}

// NotificationConsumer tells the recipient about every status change.
type NotificationConsumer struct {
	sender notification.Sender
	dedup  cache.Deduper
	ttl    time.Duration
}

func NewNotificationConsumer(sender notification.Sender, dedup cache.Deduper) *NotificationConsumer {
	return &NotificationConsumer{sender: sender, dedup: dedup, ttl: defaultMarkerTTL}
}

func (n *NotificationConsumer) Handler(ctx context.Context) func(key, value []byte) error {
	return func(_, value []byte) error {
		return n.Handle(ctx, value)
	}
}

func (n *NotificationConsumer) Handle(ctx context.Context, value []byte) error {
	ev, ok := decodeEvent("notification", value)
	if !ok || ev.EventType != models.EventShipmentTransitioned {
		return nil
	}

	markerKey := ev.EventID.String()
	if n.dedup != nil {
		seen, err := n.dedup.Seen(ctx, markerKey)
		if err != nil {
			return err
		}
		if seen {
			metrics.ConsumerEvents.WithLabelValues("notification", "duplicate").Inc()
			return nil
		}
	}

	p, err := ev.Transition()
	if err != nil || p.Recipient == nil {
		metrics.ConsumerEvents.WithLabelValues("notification", "skipped").Inc()
		return nil
	}

	channel := p.Recipient.Channel
	if channel == "" {
		channel = models.ChannelSMS
	}
	err = n.sender.Send(ctx, notification.Notification{
		Channel:   channel,
		Template:  TemplateFor(p.To),
		Recipient: *p.Recipient,
		Data: map[string]any{
			"reference": p.Reference,
			"status":    string(p.To),
			"timestamp": p.Timestamp,
		},
	})
	if err != nil {
		return errors.Wrap(err, "send notification")
	}

	if n.dedup != nil {
		if err := n.dedup.Mark(ctx, markerKey, n.ttl); err != nil {
			return err
		}
	}
	metrics.ConsumerEvents.WithLabelValues("notification", "ok").Inc()
	return nil
}

// TemplateFor names the notification template of a status, e.g.
// shipment_out_for_delivery.
func TemplateFor[S ~string](to S) string {
	return fmt.Sprintf("shipment_%s", strings.ToLower(string(to)))
}

func decodeEvent(consumer string, value []byte) (messages.ShipmentEvent, bool) {
	var ev messages.ShipmentEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		// poison message: skip instead of blocking the partition
		slog.Error(consumer+": decode event", "error", err.Error())
		metrics.ConsumerEvents.WithLabelValues(consumer, "invalid").Inc()
		return ev, false
	}
	return ev, true
}
