package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/ParcelFlow/config"
	"github.com/BearBump/ParcelFlow/internal/services/dispatch"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	relay      *dispatch.Relay
	dispatcher *dispatch.Dispatcher
	cfg        *config.Config
}

type workerStats struct {
	Relay      dispatch.Stats           `json:"relay"`
	Dispatcher dispatch.DispatcherStats `json:"dispatcher"`
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newWorkerRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newWorkerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.relay == nil || opts.dispatcher == nil {
			_, _ = w.Write([]byte(`{"error":"worker not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(workerStats{
			Relay:      opts.relay.Stats(),
			Dispatcher: opts.dispatcher.Stats(),
		})
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Secrets stay out; only operational worker settings.
		pf := opts.cfg.ParcelFlow
		wh := opts.cfg.Webhooks
		out := map[string]any{
			"relayIntervalMillis":    pf.RelayIntervalMillis,
			"relayBatchSize":         pf.RelayBatchSize,
			"relayLeaseSeconds":      pf.RelayLeaseSeconds,
			"dispatchIntervalMillis": pf.DispatchIntervalMillis,
			"dispatchLeaseSeconds":   pf.DispatchLeaseSeconds,
			"handoffTTLSeconds":      pf.HandoffTTLSeconds,
			"leaseReaperSpec":        pf.LeaseReaperSpec,
			"handoffExpirySpec":      pf.HandoffExpirySpec,
			"outboxLagSpec":          pf.OutboxLagSpec,
			"webhookMaxAttempts":     wh.MaxAttempts,
			"webhookInitialBackoffS": wh.InitialBackoffSeconds,
			"webhookMaxBackoffS":     wh.MaxBackoffSeconds,
			"webhookTimeoutSeconds":  wh.TimeoutSeconds,
			"billingIntegrationHTTP": opts.cfg.Billing.BaseURL != "",
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.relay == nil || opts.dispatcher == nil {
			_, _ = w.Write([]byte(`{"error":"worker not wired"}`))
			return
		}
		opts.relay.Trigger()
		opts.dispatcher.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	if opts.swaggerPath != "" {
		// no-store + cachebuster, otherwise the UI keeps a stale spec
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})

		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	return r
}
