package rediscache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and records in one atomic step so two
// workers can never both take the last slot. Scores are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local n = redis.call('ZCARD', key)
if n < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, n + 1}
end
return {0, n}
`)

// RateLimiter is a sliding-window limiter shared by every worker that talks
// to the same Redis. It satisfies the reconciler's limiter contract.
type RateLimiter struct {
	c      *redis.Client
	key    string
	window time.Duration
	max    int64
	now    func() time.Time
}

func NewRateLimiter(addr, key string, window time.Duration, max int) *RateLimiter {
	return NewRateLimiterWithClient(redis.NewClient(&redis.Options{Addr: addr}), key, window, max)
}

func NewRateLimiterWithClient(c *redis.Client, key string, window time.Duration, max int) *RateLimiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 100
	}
	if key == "" {
		key = "rl:carrier"
	}
	return &RateLimiter{c: c, key: key, window: window, max: int64(max), now: time.Now}
}

func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	if now != nil {
		rl.now = now
	}
	return rl
}

func (rl *RateLimiter) Size() time.Duration { return rl.window }

// Allow reports whether one more request fits into the window and records it if so.
func (rl *RateLimiter) Allow(ctx context.Context) (bool, error) {
	ok, _, err := rl.AllowN(ctx)
	return ok, err
}

// AllowN is Allow that also returns the number of requests in the window.
func (rl *RateLimiter) AllowN(ctx context.Context) (bool, int64, error) {
	res, err := slidingWindowScript.Run(ctx, rl.c, []string{rl.key},
		rl.now().UnixMilli(),
		rl.window.Milliseconds(),
		rl.max,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	if len(res) != 2 {
		return false, 0, errors.Errorf("redis ratelimit: unexpected reply %v", res)
	}
	return res[0] == 1, res[1], nil
}

func (rl *RateLimiter) Reset(ctx context.Context) error {
	if err := rl.c.Del(ctx, rl.key).Err(); err != nil {
		return errors.Wrap(err, "redis ratelimit reset")
	}
	return nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
