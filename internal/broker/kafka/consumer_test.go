package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	pkgerrors "github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	err       error
	i         int
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestConsumer_Run_RetriesSameMessage(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr)
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, func(k, v []byte) error {
			calls++
			if calls < 3 {
				return errors.New("db down")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return fr.commits() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	require.Equal(t, 3, calls)
}

type fakePublisher struct {
	mu    sync.Mutex
	fails int
	sent  []kafka.Message
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, kafka.Message{Topic: topic, Key: key, Value: value})
	return nil
}

func (p *fakePublisher) messages() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.sent...)
}

func runUntilCommitted(t *testing.T, c *Consumer, fr *fakeReader, want int, handler func(k, v []byte) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, handler)
	}()
	require.Eventually(t, func() bool { return fr.commits() == want }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestConsumer_Run_PermanentFailureParksAndCommits(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{
		{Topic: "shipment.events", Partition: 2, Offset: 41, Key: []byte("42"), Value: []byte(`{"event_type":"ShipmentDelivered"}`)},
		{Topic: "shipment.events", Partition: 2, Offset: 42, Key: []byte("43"), Value: []byte(`{}`)},
	}}
	dlq := &fakePublisher{}
	c := newConsumerWithReader(fr).WithDeadLetter(dlq, "shipment.events.dlq")
	c.backoff = time.Millisecond

	calls := 0
	runUntilCommitted(t, c, fr, 2, func(k, v []byte) error {
		calls++
		if string(k) == "42" {
			return pkgerrors.Wrap(models.ErrPermanent, "billing http 422")
		}
		return nil
	})

	// a permanent failure is not retried and does not hold back the next message
	require.Equal(t, 2, calls)
	sent := dlq.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "shipment.events.dlq", sent[0].Topic)
	require.Equal(t, []byte("42"), sent[0].Key)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(sent[0].Value, &dl))
	require.Equal(t, "permanent", dl.Reason)
	require.Equal(t, int64(41), dl.Offset)
	require.Equal(t, 2, dl.Partition)
	require.Contains(t, dl.Error, "billing http 422")
	require.JSONEq(t, `{"event_type":"ShipmentDelivered"}`, string(dl.Value))
}

func TestConsumer_Run_ParksAfterMaxAttempts(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	dlq := &fakePublisher{fails: 2}
	c := newConsumerWithReader(fr).WithMaxAttempts(3).WithDeadLetter(dlq, "t.dlq")
	c.backoff = time.Millisecond

	calls := 0
	runUntilCommitted(t, c, fr, 1, func(k, v []byte) error {
		calls++
		return errors.New("db down")
	})

	require.Equal(t, 3, calls)
	sent := dlq.messages()
	require.Len(t, sent, 1)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(sent[0].Value, &dl))
	require.Equal(t, "exhausted", dl.Reason)
}

func TestConsumer_Run_ParkWithoutDeadLetterStillCommits(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr)
	c.backoff = time.Millisecond

	calls := 0
	runUntilCommitted(t, c, fr, 1, func(k, v []byte) error {
		calls++
		return models.ErrPermanent
	})
	require.Equal(t, 1, calls)
}

func TestConsumer_Run_CancelDuringRetryDoesNotCommit(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr)
	c.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	called := make(chan struct{}, 1)
	go func() {
		defer close(done)
		c.Run(ctx, func(k, v []byte) error {
			called <- struct{}{}
			return errors.New("db down")
		})
	}()
	<-called
	cancel()
	<-done
	require.Zero(t, fr.commits())
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "t", "g")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}
