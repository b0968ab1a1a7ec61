package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ParcelFlow/config"
	shipmentsapi "github.com/BearBump/ParcelFlow/internal/api/shipments_api"
	"github.com/BearBump/ParcelFlow/internal/broker/kafka"
	"github.com/BearBump/ParcelFlow/internal/broker/messages"
	"github.com/BearBump/ParcelFlow/internal/cache/rediscache"
	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/BearBump/ParcelFlow/internal/services/dispatch"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
	"github.com/BearBump/ParcelFlow/internal/services/routes"
	"github.com/BearBump/ParcelFlow/internal/storage/pgstore"
)

type parcelAPIApp struct {
	ctx       context.Context
	cancel    context.CancelFunc
	opts      parcelAPIOpts
	api       *shipmentsapi.API
	consumers map[string]*kafka.Consumer
	dlq       *kafka.Producer
	cache     *rediscache.RedisCache
	closeDB   func()
}

func mustBootstrapParcelAPI() *parcelAPIApp {
	if err := config.LoadEnv(); err != nil {
		panic(err)
	}
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("parse config: %v", err))
	}

	httpAddr := cfg.ParcelFlow.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.ParcelFlow.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "parcel-api"
	}
	custodyTTL := time.Duration(cfg.ParcelFlow.CustodyTTLSeconds) * time.Second
	if custodyTTL <= 0 {
		custodyTTL = 10 * time.Minute
	}

	metrics.Register()

	st := mustOpenPostgresWithRetry(cfg.Database, 60*time.Second)
	rc := rediscache.New(cfg.Redis.Addr())

	orch := lifecycle.New(st, nil)
	tracker := movement.New(st, orch, rc, custodyTTL)
	orch.WithEvidence(tracker)
	sched := routes.New(st, orch, tracker)

	planner := dispatch.NewPlanner(cfg.Webhooks.RetryPolicy(dispatch.DefaultRetryPolicy()))
	endpoints := dispatch.NewEndpoints(st, planner, cfg.Webhooks.DefaultSecret)

	brokers := cfg.Kafka.Brokers()
	dlq := kafka.NewProducer(brokers)
	consumers := make(map[string]*kafka.Consumer)
	for handlerTopic, name := range map[string]string{
		messages.TopicScans:    cfg.Kafka.ScansTopic,
		messages.TopicLegs:     cfg.Kafka.LegsTopic,
		messages.TopicStops:    cfg.Kafka.StopsTopic,
		messages.TopicHandoffs: cfg.Kafka.HandoffsTopic,
	} {
		if name == "" {
			name = handlerTopic
		}
		consumers[handlerTopic] = kafka.NewConsumer(brokers, name, consumerGroup).
			WithMaxAttempts(cfg.ParcelFlow.ConsumerMaxAttempts).
			WithDeadLetter(dlq, messages.DeadLetterTopic(name))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &parcelAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: parcelAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   os.Getenv("swaggerPath"),
			consumerGroup: consumerGroup,
		},
		api:       shipmentsapi.New(orch, tracker, sched, endpoints),
		consumers: consumers,
		dlq:       dlq,
		cache:     rc,
		closeDB:   st.Close,
	}
}

func mustOpenPostgresWithRetry(db config.DatabaseConfig, wait time.Duration) *pgstore.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		st, err := pgstore.New(ctx, db.DSN(), pgstore.Options{MaxConns: db.MaxConns})
		cancel()
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *parcelAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.consumers {
		_ = c.Close()
	}
	if a.dlq != nil {
		_ = a.dlq.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *parcelAPIApp) Run() error {
	consumers := make(map[string]kafkaConsumer, len(a.consumers))
	for topic, c := range a.consumers {
		consumers[topic] = c
	}
	return runParcelAPI(a.ctx, a.opts, a.api, consumers)
}
