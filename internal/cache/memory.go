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
	"sync"
	"time"
)

var _ Cache = (*MemoryCache)(nil)

type entry struct {
	value    []byte
	expireAt time.Time
}

// MemoryCache is an in-process Cache for tests and single-process
// scenario runs.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(cfg Config) *MemoryCache {
	return &MemoryCache{entries: make(map[string]entry), ttl: cfg.TTL}
}

// RunCache returns a view namespaced to runID.
func (c *MemoryCache) RunCache(runID string) RunCache {
	return &memoryRunCache{backing: c, runID: runID}
}

// Close is a no-op for the in-memory cache.
func (c *MemoryCache) Close() error { return nil }

type memoryRunCache struct {
	backing *MemoryCache
	runID   string
}

func (c *memoryRunCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.backing.mu.Lock()
	defer c.backing.mu.Unlock()

	e, ok := c.backing.entries[namespacedKey(c.runID, key)]
	if !ok {
		return nil, false, nil
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(c.backing.entries, namespacedKey(c.runID, key))
		return nil, false, nil
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, true, nil
}

func (c *memoryRunCache) Put(_ context.Context, key string, value []byte) error {
	c.backing.mu.Lock()
	defer c.backing.mu.Unlock()

	var expireAt time.Time
	if c.backing.ttl > 0 {
		expireAt = time.Now().Add(c.backing.ttl)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	c.backing.entries[namespacedKey(c.runID, key)] = entry{value: stored, expireAt: expireAt}
	return nil
}

func (c *memoryRunCache) Delete(_ context.Context, key string) error {
	c.backing.mu.Lock()
	defer c.backing.mu.Unlock()

	delete(c.backing.entries, namespacedKey(c.runID, key))
	return nil
}
