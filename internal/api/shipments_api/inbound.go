package shipments_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BearBump/ParcelFlow/internal/broker/messages"
	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
)

// Handler consumes one Kafka message value.
type Handler func(key, value []byte) error

// InboundHandlers returns a handler per inbound topic. Undecodable messages
// and domain rejections are logged and committed; only infrastructure
// failures are returned so the consume loop retries the message.
func (a *API) InboundHandlers(ctx context.Context) map[string]Handler {
	return map[string]Handler{
		messages.TopicScans: inbound(ctx, "scans", func(ctx context.Context, m messages.ScanEvent) error {
			_, err := a.tracker.IngestScan(ctx, m.Model())
			return err
		}),
		messages.TopicLegs: inbound(ctx, "legs", func(ctx context.Context, m messages.LegStatusUpdate) error {
			_, err := a.tracker.ApplyLegUpdate(ctx, movement.LegUpdate{
				LegID:      m.LegID,
				Status:     m.Status,
				OccurredAt: m.OccurredAt,
				Actor:      m.Actor,
			})
			return err
		}),
		messages.TopicStops: inbound(ctx, "stops", func(ctx context.Context, m messages.StopCompletion) error {
			_, err := a.sched.CompleteStop(ctx, m.Model())
			return err
		}),
		messages.TopicHandoffs: inbound(ctx, "handoffs", func(ctx context.Context, m messages.HandoffDecision) error {
			_, err := a.tracker.DecideHandoff(ctx, movement.HandoffDecision{
				HandoffID:  m.HandoffID,
				Approved:   m.Approved,
				ApproverID: m.ApproverID,
				Reason:     m.Reason,
				OccurredAt: m.OccurredAt,
			})
			return err
		}),
	}
}

func inbound[T any](ctx context.Context, name string, apply func(context.Context, T) error) Handler {
	return func(_, value []byte) error {
		var m T
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Error("inbound: undecodable message", "consumer", name, "error", err.Error())
			metrics.ConsumerEvents.WithLabelValues(name, "invalid").Inc()
			return nil
		}
		err := apply(ctx, m)
		switch {
		case err == nil:
			metrics.ConsumerEvents.WithLabelValues(name, "ok").Inc()
			return nil
		case StatusFor(err) < http.StatusInternalServerError:
			slog.Warn("inbound: message rejected", "consumer", name, "error", err.Error())
			metrics.ConsumerEvents.WithLabelValues(name, "rejected").Inc()
			return nil
		default:
			return err
		}
	}
}
