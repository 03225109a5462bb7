package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/bootstrap"
	"github.com/BearBump/ParcelSync/internal/broker/kafka"
	"github.com/BearBump/ParcelSync/internal/logger"
	"github.com/BearBump/ParcelSync/internal/services/trackings"
)

type trackAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     trackAPIOpts
	svc      *trackings.Service
	store    bootstrap.Store
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	logger.Setup(cfg.Worker.LogLevel, "track-api")

	swaggerPath := cfg.Worker.SwaggerPath
	if swaggerPath == "" {
		panic("worker.swagger_path (env swaggerPath) is required")
	}

	st, closeDB, err := bootstrap.OpenStorage(cfg, 60*time.Second)
	if err != nil {
		panic(err)
	}

	statusCache, closeCache := bootstrap.StatusCache(cfg)
	svc := trackings.New(st, statusCache, cfg.StatusCacheTTL())

	var consumer *kafka.Consumer
	if cfg.Kafka.Host != "" {
		consumer = kafka.NewConsumer(cfg.KafkaBrokers(), cfg.Kafka.TrackingUpdatedTopicName, cfg.API.ConsumerGroup)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &trackAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: trackAPIOpts{
			httpAddr:      cfg.API.HTTPAddr,
			swaggerPath:   swaggerPath,
			topic:         cfg.Kafka.TrackingUpdatedTopicName,
			consumerGroup: cfg.API.ConsumerGroup,
		},
		svc:      svc,
		store:    st,
		consumer: consumer,
		closeDB: func() {
			closeCache()
			closeDB()
		},
	}
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *trackAPIApp) Run() error {
	// a nil *kafka.Consumer must not reach the interface
	var consumer kafkaConsumer
	if a.consumer != nil {
		consumer = a.consumer
	}
	return runTrackAPI(a.ctx, a.opts, a.svc, a.store, consumer)
}
