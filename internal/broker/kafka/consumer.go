package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const (
	defaultMaxAttempts = 10
	maxHandlerBackoff  = 30 * time.Second
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher receives messages the consumer parks.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Consumer struct {
	r           messageReader
	topic       string
	maxAttempts int
	dlq         Publisher
	dlqTopic    string
	backoff     time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	c := newConsumerWithReader(kafka.NewReader(cfg))
	c.topic = topic
	return c
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{
		r:           r,
		maxAttempts: defaultMaxAttempts,
		backoff:     200 * time.Millisecond,
	}
}

// WithMaxAttempts caps how often a failing message is handed to the
// handler before it is parked. Non-positive n keeps the default.
func (c *Consumer) WithMaxAttempts(n int) *Consumer {
	if n > 0 {
		c.maxAttempts = n
	}
	return c
}

// WithDeadLetter makes parked messages land in topic through p.
func (c *Consumer) WithDeadLetter(p Publisher, topic string) *Consumer {
	c.dlq = p
	c.dlqTopic = topic
	return c
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Run consumes until ctx is done. A failing handler is retried on the same
// message with a growing pause. A message that fails with
// models.ErrPermanent, or keeps failing for maxAttempts, is parked and
// committed so the partition moves on.
func (c *Consumer) Run(ctx context.Context, handler func(key, value []byte) error) {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("kafka fetch", "topic", c.topic, "error", err.Error())
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		if !c.handle(ctx, msg, handler) {
			return
		}

		if err := c.r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("kafka commit", "topic", msg.Topic, "offset", msg.Offset, "error", err.Error())
		}
	}
}

// handle reports false when ctx ended before msg was settled.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler func(key, value []byte) error) bool {
	backoff := c.backoff
	for attempt := 1; ; attempt++ {
		err := handler(msg.Key, msg.Value)
		if err == nil {
			return true
		}

		reason := ""
		switch {
		case errors.Is(err, models.ErrPermanent):
			reason = "permanent"
		case attempt >= c.maxAttempts:
			reason = "exhausted"
		}
		if reason != "" {
			return c.park(ctx, msg, reason, err)
		}

		slog.Error("kafka handler failed", "topic", msg.Topic, "offset", msg.Offset, "attempt", attempt, "error", err.Error(), "retry_in", backoff.String())
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = nextBackoff(backoff)
	}
}

// park hands msg to the dead letter topic. Without one the message is only
// logged with its payload. A failing dead letter write is retried until it
// succeeds or ctx ends.
func (c *Consumer) park(ctx context.Context, msg kafka.Message, reason string, cause error) bool {
	slog.Error("kafka message parked",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"reason", reason,
		"error", cause.Error(),
		"dead_letter_topic", c.dlqTopic,
	)
	if c.dlq == nil {
		slog.Error("kafka parked payload", "topic", msg.Topic, "offset", msg.Offset, "value", string(msg.Value))
		metrics.MessagesParked.WithLabelValues(msg.Topic, reason).Inc()
		return true
	}

	backoff := c.backoff
	for {
		err := c.dlq.Publish(ctx, c.dlqTopic, msg.Key, deadLetterValue(msg, reason, cause))
		if err == nil {
			metrics.MessagesParked.WithLabelValues(msg.Topic, reason).Inc()
			return true
		}
		slog.Error("kafka dead letter publish", "topic", c.dlqTopic, "offset", msg.Offset, "error", err.Error())
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = nextBackoff(backoff)
	}
}

// DeadLetter is the record written to the dead letter topic. Value holds
// the original payload as is.
type DeadLetter struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Value     []byte    `json:"value"`
	ParkedAt  time.Time `json:"parked_at"`
}

func deadLetterValue(msg kafka.Message, reason string, cause error) []byte {
	b, _ := json.Marshal(DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Reason:    reason,
		Error:     cause.Error(),
		Value:     msg.Value,
		ParkedAt:  time.Now().UTC(),
	})
	return b
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxHandlerBackoff {
		d = maxHandlerBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
