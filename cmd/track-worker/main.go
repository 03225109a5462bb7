package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/logger"
	"github.com/pkg/errors"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	logger.Setup(cfg.Worker.LogLevel, "track-worker")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := &workerHTTPOpts{
		httpAddr:    cfg.Worker.HTTPAddr,
		swaggerPath: cfg.Worker.SwaggerPath,
	}
	if err := RunTrackWorker(ctx, cfg, defaultWorkerFactories(), opts); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
