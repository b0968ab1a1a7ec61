package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/BearBump/ParcelFlow/config"
	"github.com/BearBump/ParcelFlow/internal/broker/kafka"
	"github.com/BearBump/ParcelFlow/internal/broker/messages"
	"github.com/BearBump/ParcelFlow/internal/cache/rediscache"
	"github.com/BearBump/ParcelFlow/internal/integrations/billing"
	billingfake "github.com/BearBump/ParcelFlow/internal/integrations/billing/fake"
	"github.com/BearBump/ParcelFlow/internal/integrations/billing/httpbilling"
	"github.com/BearBump/ParcelFlow/internal/integrations/notification"
	notificationfake "github.com/BearBump/ParcelFlow/internal/integrations/notification/fake"
	"github.com/BearBump/ParcelFlow/internal/integrations/webhook"
	"github.com/BearBump/ParcelFlow/internal/jobs"
	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/BearBump/ParcelFlow/internal/services/dispatch"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
	"github.com/BearBump/ParcelFlow/internal/storage/pgstore"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// workerStore is everything the background processes need from storage.
type workerStore interface {
	lifecycle.Store
	movement.Store
	dispatch.OutboxStore
	dispatch.DeliveryStore
	dispatch.InvoiceStore
	jobs.LeaseReaper
	jobs.OutboxCounter
}

type kafkaConsumer interface {
	Run(ctx context.Context, handler func(key, value []byte) error)
}

type workerFactories struct {
	newStorage  func(cfg *config.Config) (st workerStore, closeFn func(), err error)
	newProducer func(cfg *config.Config) dispatch.Producer
	newRedis    func(cfg *config.Config) *redis.Client
	newSender   func(cfg *config.Config) dispatch.Sender
	newBilling  func(cfg *config.Config) billing.Client
	newNotifier func(cfg *config.Config) notification.Sender
	// newConsumer gets the producer so parked messages reach a dead letter
	// topic.
	newConsumer func(cfg *config.Config, topic, group string, dlq dispatch.Producer) kafkaConsumer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStore, func(), error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			st, err := pgstore.New(ctx, cfg.Database.DSN(), pgstore.Options{MaxConns: cfg.Database.MaxConns})
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) dispatch.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newRedis: func(cfg *config.Config) *redis.Client {
			return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
		},
		newSender: func(cfg *config.Config) dispatch.Sender {
			return webhook.New(cfg.Webhooks.UserAgent)
		},
		newBilling: func(cfg *config.Config) billing.Client {
			// no base_url: use the local fake
			if cfg.Billing.BaseURL != "" {
				return httpbilling.New(cfg.Billing.BaseURL, cfg.Billing.APIKey)
			}
			return billingfake.New()
		},
		newNotifier: func(cfg *config.Config) notification.Sender {
			return notificationfake.New()
		},
		newConsumer: func(cfg *config.Config, topic, group string, dlq dispatch.Producer) kafkaConsumer {
			c := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group).
				WithMaxAttempts(cfg.ParcelFlow.ConsumerMaxAttempts)
			if dlq != nil {
				c.WithDeadLetter(dlq, messages.DeadLetterTopic(topic))
			}
			return c
		},
	}
}

type workerSettings struct {
	owner         string
	topic         string
	relayInterval time.Duration
	relayBatch    int
	relayLease    time.Duration
	scanInterval  time.Duration
	dispatchLease time.Duration
	billingGroup  string
	notifyGroup   string
	jobs          jobs.Settings
}

func settingsFromConfig(cfg *config.Config) workerSettings {
	pf := cfg.ParcelFlow
	s := workerSettings{
		owner:         pf.WorkerID,
		topic:         cfg.Kafka.ShipmentsTopic,
		relayInterval: time.Duration(pf.RelayIntervalMillis) * time.Millisecond,
		relayBatch:    pf.RelayBatchSize,
		relayLease:    time.Duration(pf.RelayLeaseSeconds) * time.Second,
		scanInterval:  time.Duration(pf.DispatchIntervalMillis) * time.Millisecond,
		dispatchLease: time.Duration(pf.DispatchLeaseSeconds) * time.Second,
		billingGroup:  pf.BillingConsumerGroup,
		notifyGroup:   pf.NotificationConsumerGroup,
		jobs: jobs.Settings{
			ReapSpec:    pf.LeaseReaperSpec,
			HandoffSpec: pf.HandoffExpirySpec,
			LagSpec:     pf.OutboxLagSpec,
			HandoffTTL:  time.Duration(pf.HandoffTTLSeconds) * time.Second,
		},
	}
	if s.owner == "" {
		if host, err := os.Hostname(); err == nil {
			s.owner = host
		}
	}
	if s.topic == "" {
		s.topic = messages.TopicShipments
	}
	if s.relayInterval <= 0 {
		s.relayInterval = time.Second
	}
	if s.relayBatch <= 0 {
		s.relayBatch = 100
	}
	if s.relayLease <= 0 {
		s.relayLease = 30 * time.Second
	}
	if s.scanInterval <= 0 {
		s.scanInterval = 2 * time.Second
	}
	if s.dispatchLease <= 0 {
		s.dispatchLease = 60 * time.Second
	}
	if s.billingGroup == "" {
		s.billingGroup = "billing"
	}
	if s.notifyGroup == "" {
		s.notifyGroup = "notification"
	}
	return s
}

// RunParcelWorker runs the outbox relay, the webhook dispatcher, the
// downstream consumers, the periodic jobs and the operational HTTP server
// until ctx is done or one of them fails.
func RunParcelWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	s := settingsFromConfig(cfg)

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	if c, ok := producer.(io.Closer); ok {
		defer c.Close()
	}
	rc := f.newRedis(cfg)
	defer rc.Close()

	metrics.Register()

	orch := lifecycle.New(st, nil)
	tracker := movement.New(st, orch, nil, 0)
	orch.WithEvidence(tracker)

	dispatcher := dispatch.NewDispatcher(st, f.newSender(cfg), rediscache.NewRateLimiterWithClient(rc), s.owner).
		WithSettings(s.scanInterval, s.dispatchLease, cfg.Webhooks.RetryPolicy(dispatch.DefaultRetryPolicy()))
	relay := dispatch.NewRelay(st, producer, s.topic, s.owner).
		WithSettings(s.relayInterval, s.relayBatch, s.relayLease).
		OnFanOut(dispatcher.Trigger)

	billingConsumer := dispatch.NewBillingConsumer(st, f.newBilling(cfg), rediscache.NewDeduper(rc, "parcelflow:billing:"))
	notifyConsumer := dispatch.NewNotificationConsumer(f.newNotifier(cfg), rediscache.NewDeduper(rc, "parcelflow:notify:"))

	manager := jobs.NewManager(st, tracker, st, s.jobs, slog.Default())
	if err := manager.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Stop(stopCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range []struct {
		group   string
		handler func(key, value []byte) error
	}{
		{s.billingGroup, billingConsumer.Handler(gctx)},
		{s.notifyGroup, notifyConsumer.Handler(gctx)},
	} {
		consumer := f.newConsumer(cfg, s.topic, c.group, producer)
		if cl, ok := consumer.(io.Closer); ok {
			defer cl.Close()
		}
		g.Go(func() error {
			slog.Info("kafka consumer started", "topic", s.topic, "group", c.group)
			consumer.Run(gctx, c.handler)
			return nil
		})
	}

	g.Go(func() error { return errors.Wrap(relay.Run(gctx), "outbox relay") })
	g.Go(func() error { return errors.Wrap(dispatcher.Run(gctx), "webhook dispatcher") })

	httpOpts.relay = relay
	httpOpts.dispatcher = dispatcher
	httpOpts.cfg = cfg
	g.Go(func() error { return errors.Wrap(runWorkerHTTPServer(gctx, httpOpts), "worker http") })

	// the first failure cancels gctx, so every loop has stopped before the
	// deferred closers run
	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
