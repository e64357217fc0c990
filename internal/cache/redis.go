// Package cache holds the short-lived, set-once and counting stores used at
// the edge of the system: the webhook nonce cache and the fixed-window
// rate-limit counters. Redis backs both in multi-instance deployments; the
// in-memory counter serves single-process runs.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by this service.
const DefaultPrefix = "dispatch:"

// NewRedisClient parses a redis:// URL, connects and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisNonceStore implements set-if-absent nonce tracking with SET NX EX.
type RedisNonceStore struct {
	Client *redis.Client
	Prefix string
}

// SetIfAbsent stores (tenantID, nonce) for ttl and reports whether it was new.
func (s RedisNonceStore) SetIfAbsent(ctx context.Context, tenantID, nonce string, ttl time.Duration) (bool, error) {
	key := s.prefix() + "nonce:" + tenantID + ":" + nonce
	ok, err := s.Client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s RedisNonceStore) prefix() string {
	if s.Prefix == "" {
		return DefaultPrefix
	}
	return s.Prefix
}

// RedisCounter is a fixed-window counter. INCR and EXPIRE NX run in one
// MULTI/EXEC, so every key gets a TTL even when an earlier window's expiry
// was lost.
type RedisCounter struct {
	Client *redis.Client
	Prefix string
}

// Incr increments key and returns the count within the current window.
func (c RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	full := c.prefix() + "rl:" + key
	var incr *redis.IntCmd
	_, err := c.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, full)
		p.ExpireNX(ctx, full, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return incr.Val(), nil
}

func (c RedisCounter) prefix() string {
	if c.Prefix == "" {
		return DefaultPrefix
	}
	return c.Prefix
}
