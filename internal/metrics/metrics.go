package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the lifecycle pipeline
var (
	TransitionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelflow_transitions_applied_total",
			Help: "Shipment transitions persisted, by target status",
		},
		[]string{"to"},
	)

	TransitionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelflow_transitions_rejected_total",
			Help: "Shipment transition requests rejected, by reason",
		},
		[]string{"reason"},
	)

	TransitionsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parcelflow_transitions_replayed_total",
			Help: "Transition requests answered from the dedup key",
		},
	)

	ScansIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelflow_scans_ingested_total",
			Help: "Scan events ingested, by outcome",
		},
		[]string{"outcome"},
	)

	OutboxPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parcelflow_outbox_published_total",
			Help: "Outbox events relayed to the broker",
		},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parcelflow_outbox_pending",
			Help: "Unpublished outbox events at the last lag check",
		},
	)

	WebhookAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelflow_webhook_attempts_total",
			Help: "Webhook delivery attempts, by result",
		},
		[]string{"result"},
	)

	WebhookAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parcelflow_webhook_attempt_duration_seconds",
			Help:    "Duration of webhook HTTP attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConsumerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelflow_consumer_events_total",
			Help: "Events handled by internal consumers, by consumer and result",
		},
		[]string{"consumer", "result"},
	)

	MessagesParked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelflow_kafka_messages_parked_total",
			Help: "Messages a consumer gave up on and committed, by topic and reason",
		},
		[]string{"topic", "reason"},
	)
)

var registerOnce sync.Once

// Register registers all metrics with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TransitionsApplied,
			TransitionsRejected,
			TransitionsReplayed,
			ScansIngested,
			OutboxPublished,
			OutboxPending,
			WebhookAttempts,
			WebhookAttemptDuration,
			ConsumerEvents,
			MessagesParked,
		)
	})
}
