package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores encoded responses by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// CachedResponse represents a cached response
type CachedResponse struct {
	Response  []byte
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from role/content pairs
func GenerateCacheKey(pairs ...[2]string) string {
	h := sha256.New()
	for _, p := range pairs {
		h.Write([]byte(p[0]))
		h.Write([]byte{0})
		h.Write([]byte(p[1]))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Memory is an in-process cache with per-entry expiry.
type Memory struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates a memory cache. ttl <= 0 keeps entries forever.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := m.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	cached := val.(CachedResponse)
	if m.ttl > 0 && m.now().Sub(cached.Timestamp) > m.ttl {
		m.entries.Delete(key)
		return nil, false, nil
	}
	return cached.Response, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.entries.Store(key, CachedResponse{
		Response:  value,
		Timestamp: m.now(),
	})
	return nil
}

// Redis stores entries in Redis with the cache TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, addr string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client, ttl: ttl, prefix: "trustmed:answer:"}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return data, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte) error         { return nil }
