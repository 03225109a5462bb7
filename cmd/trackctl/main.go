package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/bootstrap"
	"github.com/BearBump/ParcelSync/internal/broker/kafka"
	"github.com/BearBump/ParcelSync/internal/logger"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/services/trackings"
	"github.com/pkg/errors"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("configPath"), "path to the YAML config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ошибка парсинга конфига, %v\n", err)
		os.Exit(2)
	}
	logger.Setup(cfg.Worker.LogLevel, "trackctl")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, closeFn, err := open(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	err = c.run(ctx, flag.Args())
	closeFn()

	switch {
	case errors.Is(err, errUsage):
		os.Exit(2)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open wires the same stack the worker uses, without the HTTP server and the consumer.
func open(cfg *config.Config) (*ctl, func(), error) {
	st, closeDB, err := bootstrap.OpenStorage(cfg, 10*time.Second)
	if err != nil {
		return nil, nil, err
	}
	limiter, closeLimiter := bootstrap.RateLimiter(cfg)

	var producer reconciler.Producer
	closeProducer := func() {}
	if cfg.Kafka.Host != "" {
		p := kafka.NewProducer(cfg.KafkaBrokers())
		producer = p
		closeProducer = func() { _ = p.Close() }
	}

	// cleanup must evict the statuses the worker and the API read from Redis
	statusCache, closeCache := bootstrap.StatusCache(cfg)
	svc := trackings.New(st, statusCache, cfg.StatusCacheTTL())
	rec := reconciler.New(svc, st, bootstrap.CarrierClient(cfg), limiter, producer).
		WithSettings(bootstrap.ReconcileSettings(cfg))
	if gauge, err := reconciler.NewProcessMemory(); err == nil {
		rec.WithMemoryGauge(gauge)
	}

	c := &ctl{rec: rec, trk: svc, out: os.Stdout, now: func() time.Time { return time.Now().UTC() }}
	return c, func() {
		closeProducer()
		closeLimiter()
		closeCache()
		closeDB()
	}, nil
}
