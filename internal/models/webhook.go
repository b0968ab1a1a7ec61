package models

import (
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/google/uuid"
)

// RetryPolicy travels as JSON with its durations in seconds, e.g.
// {"initial_backoff_seconds": 10, "timeout_seconds": 2.5}.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Timeout        time.Duration
}

type retryPolicyJSON struct {
	MaxAttempts           int     `json:"max_attempts"`
	InitialBackoffSeconds float64 `json:"initial_backoff_seconds"`
	MaxBackoffSeconds     float64 `json:"max_backoff_seconds"`
	Multiplier            float64 `json:"multiplier"`
	TimeoutSeconds        float64 `json:"timeout_seconds"`
}

func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(retryPolicyJSON{
		MaxAttempts:           p.MaxAttempts,
		InitialBackoffSeconds: p.InitialBackoff.Seconds(),
		MaxBackoffSeconds:     p.MaxBackoff.Seconds(),
		Multiplier:            p.Multiplier,
		TimeoutSeconds:        p.Timeout.Seconds(),
	})
}

func (p *RetryPolicy) UnmarshalJSON(b []byte) error {
	var w retryPolicyJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = RetryPolicy{
		MaxAttempts:    w.MaxAttempts,
		InitialBackoff: seconds(w.InitialBackoffSeconds),
		MaxBackoff:     seconds(w.MaxBackoffSeconds),
		Multiplier:     w.Multiplier,
		Timeout:        seconds(w.TimeoutSeconds),
	}
	return nil
}

// seconds saturates instead of overflowing Duration.
func seconds(f float64) time.Duration {
	ns := math.Round(f * float64(time.Second))
	switch {
	case ns >= math.MaxInt64:
		return math.MaxInt64
	case ns <= math.MinInt64:
		return math.MinInt64
	}
	return time.Duration(ns)
}

type WebhookEndpoint struct {
	ID                 uint64      `json:"id"`
	URL                string      `json:"url"`
	Secret             string      `json:"-"`
	EventTypes         []EventType `json:"event_types"`
	Active             bool        `json:"active"`
	Retry              RetryPolicy `json:"retry"`
	RateLimitPerMinute int         `json:"rate_limit_per_minute"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Subscribed reports whether the endpoint wants events of type t.
// An empty subscription list means every event.
func (e *WebhookEndpoint) Subscribed(t EventType) bool {
	return len(e.EventTypes) == 0 || slices.Contains(e.EventTypes, t)
}

type WebhookDelivery struct {
	ID             uuid.UUID       `json:"id"`
	EndpointID     uint64          `json:"endpoint_id"`
	EventID        uuid.UUID       `json:"event_id"`
	EventSeq       int64           `json:"event_seq"`
	EventType      EventType       `json:"event_type"`
	AggregateID    uint64          `json:"aggregate_id"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Status         status.Delivery `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	LastHTTPStatus *int            `json:"last_http_status,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type DeliveryFilter struct {
	EndpointID uint64
	Status     status.Delivery
	Limit      int
	Offset     int
}

// WebhookEnvelope is the wire body POSTed to endpoints.
type WebhookEnvelope struct {
	EventType     EventType       `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uint64          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}
