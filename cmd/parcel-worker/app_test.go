package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/config"
	"github.com/BearBump/ParcelFlow/internal/broker/kafka"
	"github.com/BearBump/ParcelFlow/internal/integrations/billing"
	billingfake "github.com/BearBump/ParcelFlow/internal/integrations/billing/fake"
	"github.com/BearBump/ParcelFlow/internal/integrations/billing/httpbilling"
	"github.com/BearBump/ParcelFlow/internal/integrations/notification"
	notificationfake "github.com/BearBump/ParcelFlow/internal/integrations/notification/fake"
	"github.com/BearBump/ParcelFlow/internal/integrations/webhook"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/dispatch"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/storage/memstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingProducer struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingProducer) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

type blockingConsumer struct {
	mu      sync.Mutex
	groups  []string
	withDLQ []bool
	stopped atomic.Int32
}

func (b *blockingConsumer) factory(cfg *config.Config, topic, group string, dlq dispatch.Producer) kafkaConsumer {
	b.mu.Lock()
	b.groups = append(b.groups, group)
	b.withDLQ = append(b.withDLQ, dlq != nil)
	b.mu.Unlock()
	return consumerFunc(func(ctx context.Context, _ func(key, value []byte) error) {
		<-ctx.Done()
		b.stopped.Add(1)
	})
}

type consumerFunc func(ctx context.Context, handler func(key, value []byte) error)

func (f consumerFunc) Run(ctx context.Context, handler func(key, value []byte) error) {
	f(ctx, handler)
}

func testFactories(t *testing.T, st *memstore.Store, prod *recordingProducer, consumers *blockingConsumer, closed *atomic.Bool) workerFactories {
	mr := miniredis.RunT(t)
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStore, func(), error) {
			return st, func() { closed.Store(true) }, nil
		},
		newProducer: func(cfg *config.Config) dispatch.Producer { return prod },
		newRedis: func(cfg *config.Config) *redis.Client {
			return redis.NewClient(&redis.Options{Addr: mr.Addr()})
		},
		newSender:   func(cfg *config.Config) dispatch.Sender { return webhook.New("test") },
		newBilling:  func(cfg *config.Config) billing.Client { return billingfake.New() },
		newNotifier: func(cfg *config.Config) notification.Sender { return notificationfake.New() },
		newConsumer: consumers.factory,
	}
}

func TestDefaultWorkerFactories_SelectBillingClient(t *testing.T) {
	f := defaultWorkerFactories()

	c := f.newBilling(&config.Config{Billing: config.BillingConfig{BaseURL: "http://localhost:9000", APIKey: "k"}})
	_, ok := c.(*httpbilling.Client)
	require.True(t, ok)

	c = f.newBilling(&config.Config{})
	_, ok = c.(*billingfake.FakeClient)
	require.True(t, ok)
}

func TestDefaultWorkerFactories_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(cfg))
	require.NotNil(t, f.newSender(cfg))
	require.NotNil(t, f.newNotifier(cfg))

	rc := f.newRedis(cfg)
	require.NotNil(t, rc)
	require.NoError(t, rc.Close())

	c := f.newConsumer(cfg, "shipment.events", "g", &recordingProducer{})
	kc, ok := c.(*kafka.Consumer)
	require.True(t, ok)
	require.NoError(t, kc.Close())
}

func TestSettingsFromConfig_Defaults(t *testing.T) {
	s := settingsFromConfig(&config.Config{ParcelFlow: config.ParcelFlowConfig{WorkerID: "w-1", RelayBatchSize: 7}})
	require.Equal(t, "w-1", s.owner)
	require.Equal(t, "shipment.events", s.topic)
	require.Equal(t, 7, s.relayBatch)
	require.Equal(t, time.Second, s.relayInterval)
	require.Equal(t, "billing", s.billingGroup)
	require.Equal(t, "notification", s.notifyGroup)
}

func TestRunParcelWorker_ContextCanceled(t *testing.T) {
	var closed atomic.Bool
	consumers := &blockingConsumer{}
	f := testFactories(t, memstore.New(), &recordingProducer{}, consumers, &closed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunParcelWorker(ctx, &config.Config{}, f, workerHTTPOpts{httpAddr: "127.0.0.1:0"})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, closed.Load())
}

func TestRunParcelWorker_RelaysAndDelivers(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	ctx := context.Background()
	st := memstore.New()
	_, err := dispatch.NewEndpoints(st, nil, "s3cret").Create(ctx, dispatch.EndpointInput{
		URL:        hook.URL,
		EventTypes: []models.EventType{models.EventShipmentCreated},
	})
	require.NoError(t, err)
	_, err = lifecycle.New(st, nil).CreateShipment(ctx, models.ShipmentCreateInput{
		Reference:           "WRK-1",
		OriginBranchID:      1,
		DestinationBranchID: 2,
		Recipient:           models.Contact{Name: "Ann", Phone: "+100"},
		Price:               decimal.NewFromInt(12),
		Currency:            "EUR",
		Parcels:             []string{"SSCC-WRK-1"},
	})
	require.NoError(t, err)

	var closed atomic.Bool
	prod := &recordingProducer{}
	consumers := &blockingConsumer{}
	f := testFactories(t, st, prod, consumers, &closed)

	cfg := &config.Config{ParcelFlow: config.ParcelFlowConfig{
		WorkerID:               "w-test",
		RelayIntervalMillis:    20,
		DispatchIntervalMillis: 20,
	}}

	addrCh := make(chan string, 1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunParcelWorker(runCtx, cfg, f, workerHTTPOpts{
			httpAddr: "127.0.0.1:0",
			onListen: func(a string) { addrCh <- a },
		})
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker http did not start")
	}

	require.Eventually(t, func() bool { return prod.Count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	var stats workerStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	require.GreaterOrEqual(t, stats.Relay.TotalProcessed, int64(1))
	require.Equal(t, int64(1), stats.Dispatcher.TotalDelivered)

	resp, err = http.Post("http://"+addr+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	consumers.mu.Lock()
	require.ElementsMatch(t, []string{"billing", "notification"}, consumers.groups)
	require.Equal(t, []bool{true, true}, consumers.withDLQ)
	consumers.mu.Unlock()

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.True(t, closed.Load())
}

func TestRunParcelWorker_FailureStopsSiblings(t *testing.T) {
	var closed atomic.Bool
	consumers := &blockingConsumer{}
	f := testFactories(t, memstore.New(), &recordingProducer{}, consumers, &closed)

	errCh := make(chan error, 1)
	go func() {
		errCh <- RunParcelWorker(context.Background(), &config.Config{}, f, workerHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: filepath.Join(t.TempDir(), "missing.json"),
		})
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.NotErrorIs(t, err, context.Canceled)
		require.Contains(t, err.Error(), "worker http")
	case <-time.After(3 * time.Second):
		t.Fatal("worker kept running after its http server failed")
	}
	// both consumers saw the shutdown before the worker returned
	require.Equal(t, int32(2), consumers.stopped.Load())
	require.True(t, closed.Load())
}

func TestWorkerRouter_ConfigHidesSecrets(t *testing.T) {
	cfg := &config.Config{
		Webhooks: config.WebhooksConfig{DefaultSecret: "top-secret", MaxAttempts: 5},
		Billing:  config.BillingConfig{BaseURL: "http://billing", APIKey: "key-123"},
	}
	srv := httptest.NewServer(newWorkerRouter(workerHTTPOpts{cfg: cfg}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.EqualValues(t, 5, out["webhookMaxAttempts"])
	require.Equal(t, true, out["billingIntegrationHTTP"])
	for _, v := range out {
		require.NotEqual(t, "top-secret", v)
		require.NotEqual(t, "key-123", v)
	}
}
