// Package ratelimit provides the limiter shared by every stage that calls the
// upstream marketplace. Keys identify the caller (usually the upstream host).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/playermarket/internal/config"
	"github.com/timmy/playermarket/internal/logger"
	"golang.org/x/time/rate"
)

// Limiter blocks until a request for key may proceed.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// New builds the limiter selected by cfg.Backend. The redis client is only used
// by the redis backend and may be nil otherwise.
func New(cfg config.RateLimitConfig, client *redis.Client) (Limiter, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(cfg.RequestsPerSecond, cfg.Burst, cfg.MaxKeys), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis rate limiter requires a redis client")
		}
		window := cfg.Window
		if window <= 0 {
			window = time.Second
		}
		max := int(cfg.RequestsPerSecond * window.Seconds())
		if max < 1 {
			max = 1
		}
		return NewRedisLimiter(client, "ratelimit:marketplace", max, window), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

// ============================================
// In-process token bucket
// ============================================

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// MemoryLimiter keeps one token bucket per key. The key map is bounded; the
// least recently used bucket is evicted when it is full.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	maxKeys int
}

// NewMemoryLimiter creates a token-bucket limiter allowing rps requests per
// second per key with the given burst.
func NewMemoryLimiter(rps float64, burst, maxKeys int) *MemoryLimiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	if maxKeys < 1 {
		maxKeys = 64
	}
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		maxKeys: maxKeys,
	}
}

// Wait blocks until the bucket for key has a token or ctx is done.
func (m *MemoryLimiter) Wait(ctx context.Context, key string) error {
	return m.get(key).Wait(ctx)
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

func (m *MemoryLimiter) get(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if b, ok := m.buckets[key]; ok {
		b.lastUsed = now
		return b.limiter
	}

	if len(m.buckets) >= m.maxKeys {
		var oldestKey string
		var oldest time.Time
		for k, b := range m.buckets {
			if oldestKey == "" || b.lastUsed.Before(oldest) {
				oldestKey, oldest = k, b.lastUsed
			}
		}
		delete(m.buckets, oldestKey)
	}

	b := &bucket{limiter: rate.NewLimiter(m.limit, m.burst), lastUsed: now}
	m.buckets[key] = b
	return b.limiter
}

// ============================================
// Cross-process fixed window counter
// ============================================

// RedisLimiter is a fixed-window counter shared by every process pointing at
// the same redis. It lets separately scheduled invocations share one budget.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	max    int64
	window time.Duration
}

// NewRedisLimiter allows max requests per key in each window.
func NewRedisLimiter(client redis.Cmdable, prefix string, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, max: int64(max), window: window}
}

// Wait increments the window counter for key and sleeps out the window once it
// is exhausted. Redis failures let the request through.
func (r *RedisLimiter) Wait(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("%s:%s", r.prefix, key)
	for {
		count, err := r.client.Incr(ctx, redisKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.CtxWarn(ctx, "rate limiter unavailable, allowing request: %v", err)
			return nil
		}

		if count == 1 {
			r.client.Expire(ctx, redisKey, r.window)
		}
		if count <= r.max {
			return nil
		}

		ttl, err := r.client.TTL(ctx, redisKey).Result()
		if err != nil || ttl <= 0 {
			// A counter without expiry would block forever.
			r.client.Expire(ctx, redisKey, r.window)
			ttl = r.window
		}

		timer := time.NewTimer(ttl)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
