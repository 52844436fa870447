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

// Package registry is the Integration Service Registry: a process-wide
// table, populated at startup, mapping a platform string to the triple of
// handler callables that drive it. Dispatch is dynamic — workers never
// switch on platform directly, they look up the handler here. A platform
// with no registered entry is a MissingDependency condition for the unit
// referencing it, never a process crash.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/harborline/ingestpipe/internal/handlerctx"
)

// GenerateStreamsFunc seeds the root streams for a run. Optional: a
// platform with no generator can still define ProcessStream/ProcessData
// if all of its work arrives via externally published streams.
type GenerateStreamsFunc func(ctx context.Context, rc handlerctx.RunContext) error

// ProcessStreamFunc processes one stream unit of work.
type ProcessStreamFunc func(ctx context.Context, sc handlerctx.StreamContext) error

// ProcessDataFunc processes one data unit of work.
type ProcessDataFunc func(ctx context.Context, dc handlerctx.DataContext) error

// Handler is the triple registered per platform.
type Handler struct {
	Platform        string
	GenerateStreams GenerateStreamsFunc
	ProcessStream   ProcessStreamFunc
	ProcessData     ProcessDataFunc
}

// Registry is a concurrency-safe platform → Handler table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for a platform.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Platform] = h
}

// ErrNotRegistered is returned by Lookup when no handler exists for a
// platform.
var ErrNotRegistered = fmt.Errorf("registry: no handler registered")

// Lookup returns the handler for platform, or ErrNotRegistered.
func (r *Registry) Lookup(platform string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[platform]
	if !ok {
		return Handler{}, fmt.Errorf("%w: %s", ErrNotRegistered, platform)
	}
	return h, nil
}

// Platforms lists every registered platform, for diagnostics.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		platforms = append(platforms, p)
	}
	return platforms
}
