// Package cache implements a Redis-backed read-through cache for
// has-role queries, keyed by (user, role id).
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ztrue/tracerr"

	"github.com/MXWXZ/orgchart/internal/primitives"
)

// Config is connection config for the cache backend.
type Config struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache wraps a redis client scoped to has_role lookups.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to redis and fails on an unreachable backend — a cache
// that can't reach its store is a configuration error, not a runtime
// condition to recover from per-call.
func New(ctx context.Context, conf Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Address,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("cache: redis connect: %w", err))
	}
	ttl := conf.TTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, ttl: ttl}, nil
}

func key(user primitives.Address, roleID primitives.RoleID) string {
	return "orgchart:has_role:" + user.Hex() + ":" + hex.EncodeToString(roleID[:])
}

// Get returns the cached has_role result, with ok=false on a cache miss.
func (c *Cache) Get(ctx context.Context, user primitives.Address, roleID primitives.RoleID) (result bool, ok bool, err error) {
	v, err := c.client.Get(ctx, key(user, roleID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, tracerr.Wrap(err)
	}
	return v == "1", true, nil
}

// Set stores result for (user, roleID) until the configured TTL expires.
func (c *Cache) Set(ctx context.Context, user primitives.Address, roleID primitives.RoleID, result bool) error {
	v := "0"
	if result {
		v = "1"
	}
	return tracerr.Wrap(c.client.Set(ctx, key(user, roleID), v, c.ttl).Err())
}

// InvalidateUser drops every cached has_role entry for user — called
// after any grant/revoke so a stale "false" never outlives the mutation
// that made it true (or vice versa).
func (c *Cache) InvalidateUser(ctx context.Context, user primitives.Address) error {
	pattern := "orgchart:has_role:" + user.Hex() + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return tracerr.Wrap(err)
	}
	if len(keys) == 0 {
		return nil
	}
	return tracerr.Wrap(c.client.Del(ctx, keys...).Err())
}

// InvalidateAll flushes every cached has_role entry, used after add_role
// or remove_role since a structural change can shift inherited results
// for users never touched directly.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "orgchart:has_role:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return tracerr.Wrap(err)
	}
	if len(keys) == 0 {
		return nil
	}
	return tracerr.Wrap(c.client.Del(ctx, keys...).Err())
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
