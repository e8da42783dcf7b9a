package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Limiter decides whether a key may issue another request. limit is the
// number of requests allowed per minute; zero or less disables limiting.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// NoLimit allows every request.
type NoLimit struct{}

func (NoLimit) Allow(context.Context, string, int) (bool, error) { return true, nil }

type bucket struct {
	capacity   int
	tokens     int
	perToken   time.Duration
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.perToken {
		return
	}
	b.tokens += int(elapsed / b.perToken)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now.Add(-(elapsed % b.perToken))
}

// MemoryLimiter is a per-process token bucket per key.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	now := l.now()
	id := keyID(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[id]
	if !ok || b.capacity != limit {
		b = &bucket{capacity: limit, tokens: limit, perToken: time.Minute / time.Duration(limit), lastRefill: now}
		l.buckets[id] = b
	}
	b.refill(now)
	if b.tokens <= 0 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RedisLimiter counts requests per key in one-minute windows shared by every
// server instance using the same Redis.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter connects to redisURL and verifies the connection.
func NewRedisLimiter(ctx context.Context, redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("keys: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("keys: redis ping: %w", err)
	}
	return &RedisLimiter{client: client, prefix: "inferd:ratelimit:"}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	window := time.Now().Unix() / 60
	rk := fmt.Sprintf("%s%s:%d", l.prefix, keyID(key), window)
	n, err := l.client.Incr(ctx, rk).Result()
	if err != nil {
		return false, fmt.Errorf("keys: redis incr: %w", err)
	}
	if n == 1 {
		l.client.Expire(ctx, rk, 2*time.Minute)
	}
	return n <= int64(limit), nil
}

func (l *RedisLimiter) Close() error { return l.client.Close() }
