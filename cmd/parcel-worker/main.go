package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ParcelFlow/config"
)

func main() {
	if err := config.LoadEnv(); err != nil {
		panic(err)
	}
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("parse config: %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = RunParcelWorker(ctx, cfg, defaultWorkerFactories(), workerHTTPOpts{
		httpAddr:    cfg.ParcelFlow.WorkerHTTPAddr,
		swaggerPath: os.Getenv("workerSwaggerPath"),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
