// Package ratelimit limits how many mutating events one identity may send
// in a fixed window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter decides whether key may perform one more action.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// minWindow is the bucket resolution; shorter windows are rounded up.
const minWindow = time.Millisecond

func clampWindow(window time.Duration) time.Duration {
	return max(window, minWindow)
}

// windowKey buckets now into fixed windows.
func windowKey(key string, now time.Time, window time.Duration) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, now.UnixMilli()/window.Milliseconds())
}

// Redis counts actions with INCR on a per-window key. Counters are shared
// by every process using the same Redis.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewRedis(client *redis.Client, limit int, window time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		limit:  limit,
		window: clampWindow(window),
		now:    time.Now,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow fails open: when Redis is unreachable the action is allowed and the
// error is returned for logging.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := windowKey(key, r.now(), r.window)

	pipe := r.client.Pipeline()
	count := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable, allowing")
		return true, err
	}
	return count.Val() <= int64(r.limit), nil
}

// Local is an in-process Limiter for single-instance deployments.
type Local struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	counts  map[string]int
	current int64
}

func NewLocal(limit int, window time.Duration) *Local {
	return &Local{
		limit:  limit,
		window: clampWindow(window),
		now:    time.Now,
		counts: make(map[string]int),
	}
}

func (l *Local) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.now().UnixMilli() / l.window.Milliseconds()
	if bucket != l.current {
		// a new window starts, old counters are dropped wholesale
		l.current = bucket
		clear(l.counts)
	}
	l.counts[key]++
	return l.counts[key] <= l.limit, nil
}
