package bootstrap

import (
	"context"
	"time"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/cache/rediscache"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier/directhouse"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier/fake"
	"github.com/BearBump/ParcelSync/internal/ratelimit"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/services/trackings"
	"github.com/BearBump/ParcelSync/internal/storage/pgtracking"
	"github.com/BearBump/ParcelSync/internal/storage/sqlitetracking"
	"github.com/pkg/errors"
)

// Store is what both binaries need from a storage engine.
type Store interface {
	trackings.Repository
	reconciler.OrderRepository
	Ping(ctx context.Context) error
}

// OpenStorage opens the configured engine. Postgres is retried until wait runs out.
func OpenStorage(cfg *config.Config, wait time.Duration) (Store, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		st, err := sqlitetracking.New(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		st, err := OpenPostgresWithRetry(cfg.PostgresDSN(), wait)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
}

func OpenPostgresWithRetry(connString string, wait time.Duration) (*pgtracking.Storage, error) {
	deadline := time.Now().Add(wait)
	for {
		st, err := pgtracking.New(connString)
		if err == nil {
			return st, nil
		}
		if !time.Now().Before(deadline) {
			return nil, errors.Wrapf(err, "postgres is not ready after %s", wait)
		}
		time.Sleep(1 * time.Second)
	}
}

// CarrierClient picks the live carrier or the offline fake ("fake" mode).
func CarrierClient(cfg *config.Config) carrier.Client {
	if cfg.Carrier.Mode == "fake" {
		return fake.New()
	}
	return directhouse.New(cfg.Carrier.BaseURL, cfg.CarrierTimeout(), cfg.Carrier.UserAgent)
}

// StatusCache returns the shared Redis status cache, or nil when Redis or the
// TTL is not configured. The close func is never nil.
func StatusCache(cfg *config.Config) (cache.BytesCache, func()) {
	if cfg.Redis.Host == "" || cfg.StatusCacheTTL() <= 0 {
		return nil, func() {}
	}
	rc := rediscache.New(cfg.RedisAddr())
	return rc, func() { _ = rc.Close() }
}

// RateLimiter returns the shared Redis window or an in-process one.
// The close func is never nil.
func RateLimiter(cfg *config.Config) (reconciler.RateLimiter, func()) {
	if cfg.RateLimit.Backend == config.RateLimitRedis {
		rl := rediscache.NewRateLimiter(cfg.RedisAddr(), cfg.RateLimit.Key, cfg.RateLimitWindow(), cfg.RateLimit.MaxRequests)
		return rl, func() { _ = rl.Close() }
	}
	return ratelimit.NewWindow(cfg.RateLimitWindow(), cfg.RateLimit.MaxRequests), func() {}
}

// ReconcileSettings turns the reconcile section into explicit run settings.
func ReconcileSettings(cfg *config.Config) reconciler.Settings {
	r := cfg.Reconcile
	s := reconciler.Settings{
		Statuses:          r.Statuses,
		ExcludeDelivered:  r.ExcludeDelivered,
		MaxUpdates:        r.MaxUpdates,
		BatchSize:         r.BatchSize,
		Concurrency:       r.Concurrency,
		Parallel:          r.Parallel,
		MaxPasses:         r.MaxRetryPasses,
		BackoffCap:        time.Duration(r.RetryBackoffCapSeconds) * time.Second,
		TimeLimit:         time.Duration(r.TimeLimitSeconds) * time.Second,
		MemoryLimitBytes:  uint64(r.MemoryLimitMB) << 20,
		MemoryThreshold:   r.MemoryThreshold,
		RequestSpacing:    time.Duration(r.RequestSpacingMillis) * time.Millisecond,
		AutoComplete:      true,
		CompletedStatus:   r.CompletedStatus,
		RefreshInterval:   time.Duration(r.RefreshIntervalSeconds) * time.Second,
		UnfetchedInterval: time.Duration(r.UnfetchedIntervalSeconds) * time.Second,
		Topic:             cfg.Kafka.TrackingUpdatedTopicName,
	}
	if r.AutoCompleteDelivered != nil {
		s.AutoComplete = *r.AutoCompleteDelivered
	}
	return s
}
