package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/bootstrap"
	"github.com/BearBump/ParcelSync/internal/broker/kafka"
	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/cache/rediscache"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/services/trackings"
)

type orderStatusConsumer interface {
	ConsumeOrderStatus(ctx context.Context, handler func(ctx context.Context, msg messages.OrderStatusChanged) error) error
	Close() error
}

type workerFactories struct {
	newStorage       func(cfg *config.Config) (st bootstrap.Store, closeFn func(), err error)
	newProducer      func(cfg *config.Config) reconciler.Producer
	newRateLimiter   func(cfg *config.Config) (reconciler.RateLimiter, func())
	newCarrierClient func(cfg *config.Config) carrier.Client
	newStatusCache   func(cfg *config.Config) cache.BytesCache
	newConsumer      func(cfg *config.Config) orderStatusConsumer
	newMemoryGauge   func() reconciler.MemoryGauge
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (bootstrap.Store, func(), error) {
			return bootstrap.OpenStorage(cfg, 60*time.Second)
		},
		newProducer: func(cfg *config.Config) reconciler.Producer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			return kafka.NewProducer(cfg.KafkaBrokers())
		},
		newRateLimiter:   bootstrap.RateLimiter,
		newCarrierClient: bootstrap.CarrierClient,
		newStatusCache: func(cfg *config.Config) cache.BytesCache {
			if cfg.Redis.Host == "" || cfg.StatusCacheTTL() <= 0 {
				return nil
			}
			return rediscache.New(cfg.RedisAddr())
		},
		newConsumer: func(cfg *config.Config) orderStatusConsumer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			return kafka.NewConsumer(cfg.KafkaBrokers(), cfg.Kafka.OrderStatusTopicName, cfg.Kafka.ConsumerGroup)
		},
		newMemoryGauge: func() reconciler.MemoryGauge {
			p, err := reconciler.NewProcessMemory()
			if err != nil {
				slog.Warn("memory budget disabled", "error", err.Error())
				return nil
			}
			return p
		},
	}
}

// worker is everything RunTrackWorker wires together.
type worker struct {
	reconciler *reconciler.Reconciler
	trackings  *trackings.Service
	store      bootstrap.Store
	consumer   orderStatusConsumer
	closers    []func()
}

func (w *worker) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func buildWorker(cfg *config.Config, f workerFactories) (*worker, error) {
	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, err
	}
	w := &worker{store: st}
	if closeFn != nil {
		w.closers = append(w.closers, closeFn)
	}

	svc := trackings.New(st, f.newStatusCache(cfg), cfg.StatusCacheTTL())

	limiter, closeLimiter := f.newRateLimiter(cfg)
	if closeLimiter != nil {
		w.closers = append(w.closers, closeLimiter)
	}

	producer := f.newProducer(cfg)
	if c, ok := producer.(interface{ Close() error }); ok {
		w.closers = append(w.closers, func() { _ = c.Close() })
	}

	rec := reconciler.New(svc, st, f.newCarrierClient(cfg), limiter, producer).
		WithSettings(bootstrap.ReconcileSettings(cfg))
	if gauge := f.newMemoryGauge(); gauge != nil {
		rec.WithMemoryGauge(gauge)
	}

	w.reconciler = rec
	w.trackings = svc
	w.consumer = f.newConsumer(cfg)
	if w.consumer != nil {
		c := w.consumer
		w.closers = append(w.closers, func() { _ = c.Close() })
	}
	return w, nil
}

const consumerRestartDelay = 5 * time.Second

type processingHook interface {
	OnOrderEnteredProcessing(ctx context.Context, orderID int64) (models.RefreshResult, bool, error)
}

// onOrderStatus never fails the message: a refresh that errors is logged and
// the order is left to the next sweep.
func onOrderStatus(hook processingHook) func(ctx context.Context, msg messages.OrderStatusChanged) error {
	return func(ctx context.Context, msg messages.OrderStatusChanged) error {
		if msg.NewStatus != "processing" {
			return nil
		}
		if _, _, err := hook.OnOrderEnteredProcessing(ctx, msg.OrderID); err != nil {
			slog.Warn("refresh on status change", "order_id", msg.OrderID, "error", err.Error())
		}
		return nil
	}
}

// consumeOrderStatus restarts the consumer after fetch or commit failures until ctx is done.
func consumeOrderStatus(ctx context.Context, c orderStatusConsumer, handler func(ctx context.Context, msg messages.OrderStatusChanged) error, restartDelay time.Duration) {
	for {
		err := c.ConsumeOrderStatus(ctx, handler)
		if ctx.Err() != nil || err == nil {
			return
		}
		slog.Error("kafka consumer stopped, restarting", "error", err.Error(), "delay", restartDelay.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// RunTrackWorker runs the sweeps, the order status consumer and, when
// opts is set, the admin HTTP server until ctx is done.
func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, opts *workerHTTPOpts) error {
	w, err := buildWorker(cfg, f)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	if opts != nil {
		o := *opts
		o.reconciler = w.reconciler
		o.trackings = w.trackings
		o.orders = w.store
		o.cfg = cfg
		go func() { httpErr <- runWorkerHTTPServer(ctx, o) }()
	}

	if w.consumer != nil {
		slog.Info("kafka consumer started", "topic", cfg.Kafka.OrderStatusTopicName, "group", cfg.Kafka.ConsumerGroup)
		go consumeOrderStatus(ctx, w.consumer, onOrderStatus(w.reconciler), consumerRestartDelay)
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- w.reconciler.Loop(ctx) }()

	select {
	case err := <-httpErr:
		cancel()
		lerr := <-loopErr
		if err == nil {
			return lerr
		}
		return err
	case err := <-loopErr:
		return err
	}
}
