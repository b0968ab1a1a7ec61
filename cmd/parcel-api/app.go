package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	shipmentsapi "github.com/BearBump/ParcelFlow/internal/api/shipments_api"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type parcelAPIOpts struct {
	httpAddr    string
	swaggerPath string

	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Run(ctx context.Context, handler func(key, value []byte) error)
}

// runParcelAPI serves HTTP and runs one consumer per inbound topic until ctx
// is done.
func runParcelAPI(ctx context.Context, opts parcelAPIOpts, api *shipmentsapi.API, consumers map[string]kafkaConsumer) error {
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, lis, newRouter(api, opts.swaggerPath))
	}()

	handlers := api.InboundHandlers(ctx)
	for topic, consumer := range consumers {
		handler, ok := handlers[topic]
		if !ok {
			slog.Warn("no handler for topic, consumer not started", "topic", topic)
			continue
		}
		go func() {
			slog.Info("kafka consumer started", "topic", topic, "group", opts.consumerGroup)
			consumer.Run(ctx, handler)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		if err == nil {
			return ctx.Err()
		}
		return err
	}
}

func newRouter(api *shipmentsapi.API, swaggerPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	if swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger.json"),
		))
	}

	api.Routes(r)
	return r
}

func runHTTPServer(ctx context.Context, lis net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
