// Package cache provides a small TTL byte cache for source responses, so
// overlapping backfills and queued manual triggers do not double-hit
// rate-limited external APIs.
package cache

import (
	"context"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v8"
)

// Cache is a TTL key/value byte store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

type memory struct {
	mu sync.Mutex
	m  map[string]entry
}

type entry struct {
	b   []byte
	exp time.Time
}

// NewMemory returns an in-process cache.
func NewMemory() Cache { return &memory{m: make(map[string]entry)} }

func (c *memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		delete(c.m, key)
		return nil, false
	}
	return e.b, true
}

func (c *memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

type redisCache struct {
	r       *redis.Client
	timeout time.Duration
}

// NewRedis wraps an existing redis client. Cache misses and redis errors
// are indistinguishable on purpose: a flaky cache degrades to a miss.
func NewRedis(client *redis.Client) Cache {
	return &redisCache{r: client, timeout: 500 * time.Millisecond}
}

// New picks Redis when an address is configured, in-process memory
// otherwise.
func New(redisAddr string) Cache {
	if redisAddr != "" {
		return NewRedis(redis.NewClient(&redis.Options{Addr: redisAddr}))
	}
	return NewMemory()
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}
