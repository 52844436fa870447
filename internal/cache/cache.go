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

// Package cache provides the per-run key-value cache the Handler Context
// Contract exposes to platform handlers: a TTL-bounded, run-scoped store
// namespaced "run-{runId}" so cursors, ETags, and other handler-local
// state do not leak between runs or outlive one.
package cache

import (
	"context"
	"time"
)

// Config configures a run-scoped cache instance.
type Config struct {
	// TTL is applied to every key written through RunCache. Zero means
	// entries never expire (not recommended outside tests).
	TTL time.Duration
}

// Cache is the process-wide cache client; RunCache derives a namespaced
// view scoped to one run.
type Cache interface {
	// RunCache returns a view of the cache namespaced to runID. Keys
	// written through the returned RunCache never collide with another
	// run's keys.
	RunCache(runID string) RunCache

	// Close releases the underlying client connection.
	Close() error
}

// RunCache is the key→bytes surface a handler sees, scoped to one run.
type RunCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

func namespacedKey(runID, key string) string {
	return "run-" + runID + ":" + key
}
