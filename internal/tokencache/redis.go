// Package tokencache provides a keyed TTL cache for outbound bearer tokens.
package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry holds one cached token together with its expiry, so callers can
// decide whether a near-expired token is still worth using.
type Entry struct {
	Token     string    `json:"token"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisCache implements token caching using Redis. Each token is keyed by
// kind (hmac / non-hmac) and target resource; expiry is enforced by Redis
// TTL rather than in-process state.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed token cache.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: "token:",
	}, nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "token:",
	}
}

func (c *RedisCache) key(kind, resource string) string {
	return c.prefix + kind + ":" + resource
}

// Put stores a token until expiresAt.
func (c *RedisCache) Put(ctx context.Context, kind, resource, token string, expiresAt time.Time) error {
	entry := Entry{
		Token:     token,
		Resource:  resource,
		ExpiresAt: expiresAt,
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal token entry: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}

	if err := c.client.Set(ctx, c.key(kind, resource), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Get retrieves a cached token. A miss (absent or expired) returns ok=false
// without an error, so callers can branch straight to a refresh.
func (c *RedisCache) Get(ctx context.Context, kind, resource string) (Entry, bool, error) {
	jsonData, err := c.client.Get(ctx, c.key(kind, resource)).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup token: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(jsonData), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal token entry: %w", err)
	}
	return entry, true, nil
}

// Invalidate drops a cached token.
func (c *RedisCache) Invalidate(ctx context.Context, kind, resource string) error {
	if err := c.client.Del(ctx, c.key(kind, resource)).Err(); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
