// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var _ Cache = (*RedisCache)(nil)

// RedisConfig configures the Redis-backed cache client.
type RedisConfig struct {
	Addrs    []string
	Username string
	Password string
	DB       int

	Config
}

// RedisCache is a Redis-backed implementation of Cache.
type RedisCache struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache connects to Redis (or a Redis Cluster, given multiple
// Addrs) and returns a Cache.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client, ttl: cfg.TTL}, nil
}

// NewRedisCacheFromClient wraps an already-constructed go-redis client,
// used by tests to point the cache at a miniredis instance.
func NewRedisCacheFromClient(client goredis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// RunCache returns a view namespaced to runID.
func (c *RedisCache) RunCache(runID string) RunCache {
	return &redisRunCache{client: c.client, runID: runID, ttl: c.ttl}
}

// Close closes the underlying Redis connection.
func (c *RedisCache) Close() error { return c.client.Close() }

type redisRunCache struct {
	client goredis.UniversalClient
	runID  string
	ttl    time.Duration
}

func (c *redisRunCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, namespacedKey(c.runID, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache key: %w", err)
	}
	return val, true, nil
}

func (c *redisRunCache) Put(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, namespacedKey(c.runID, key), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to put cache key: %w", err)
	}
	return nil
}

func (c *redisRunCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, namespacedKey(c.runID, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}
