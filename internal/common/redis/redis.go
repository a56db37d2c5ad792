// Package redis backs request rate limiting and response idempotency with a
// shared Redis so limits hold across replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyNamespace      = "ff"
	rateLimitPrefix   = "rate_limit"
	idempotencyPrefix = "idempotency"
)

// Config holds Redis configuration. An empty URL disables Redis-backed features.
type Config struct {
	URL            string        `envconfig:"REDIS_URL"`
	RateLimit      int64         `envconfig:"REDIS_RATE_LIMIT" default:"120"`
	RateWindow     time.Duration `envconfig:"REDIS_RATE_WINDOW" default:"1m"`
	IdempotencyTTL time.Duration `envconfig:"REDIS_IDEMPOTENCY_TTL" default:"24h"`
}

// Enabled reports whether a Redis URL is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Incr(context.Context, string) *redis.IntCmd
	Expire(context.Context, string, time.Duration) *redis.BoolCmd
}

// Client wraps the Redis commands the service needs.
type Client struct {
	store cmdable
	raw   *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{store: raw, raw: raw}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.store.Ping(ctx).Err()
}

func buildKey(parts ...string) string {
	return keyNamespace + ":" + strings.Join(parts, ":")
}

// IncrWithTTL increments key and sets its TTL on the first increment.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := c.store.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl > 0 && count == 1 {
		if err := c.store.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// FixedWindowAllow counts a hit against scope and reports whether it is within limit.
func (c *Client) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	count, err := c.IncrWithTTL(ctx, buildKey(rateLimitPrefix, scope), window)
	if err != nil {
		return false, 0, err
	}
	return count <= limit, count, nil
}

// Limiter adapts FixedWindowAllow to middleware.RateLimiter.
type Limiter struct {
	client *Client
	limit  int64
	window time.Duration
}

// NewLimiter returns a fixed-window limiter allowing limit hits per window.
func NewLimiter(client *Client, limit int64, window time.Duration) *Limiter {
	return &Limiter{client: client, limit: limit, window: window}
}

// Allow implements middleware.RateLimiter.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, _, err := l.client.FixedWindowAllow(ctx, key, l.limit, l.window)
	return allowed, err
}

// IdempotencyStore keeps replayable HTTP responses.
type IdempotencyStore struct {
	client *Client
}

// NewIdempotencyStore implements middleware.IdempotencyStore on client.
func NewIdempotencyStore(client *Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

// Get returns the cached response for key.
func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.store.Get(ctx, buildKey(idempotencyPrefix, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set caches response under key for ttl.
func (s *IdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	return s.client.store.Set(ctx, buildKey(idempotencyPrefix, key), response, ttl).Err()
}
