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

// Package handlerctx defines the Handler Context Contract: the complete
// side-effect surface a platform handler is given. Handlers never reach
// for ambient or thread-local state; every effect — publishing a child
// stream, patching integration settings, aborting a unit or a run — goes
// through the context object passed to them.
package handlerctx

import (
	"context"
	"log/slog"

	"github.com/harborline/ingestpipe/internal/cache"
	"github.com/harborline/ingestpipe/internal/store"
)

// IntegrationSnapshot is the immutable view of the owning integration a
// handler sees. It is a snapshot taken when the context was built;
// handlers that need fresher settings call UpdateIntegrationSettings and
// re-read on their next invocation, never mutate this struct.
type IntegrationSnapshot struct {
	ID         string
	TenantID   string
	Identifier string
	Platform   string
	Status     string
	Settings   map[string]any
}

// StreamSnapshot is the current stream's identity and payload.
type StreamSnapshot struct {
	Identifier string
	Type       store.StreamType
	Data       map[string]any
}

// base is the subset of the contract common to every context flavor.
type base interface {
	// Log returns a logger pre-tagged with run/tenant/integration fields.
	Log() *slog.Logger

	// Cache returns the calling run's namespaced key-value cache.
	Cache() cache.RunCache

	// Integration returns the immutable integration snapshot.
	Integration() IntegrationSnapshot

	// Onboarding reports whether the owning run is an onboarding run.
	Onboarding() bool

	// UpdateIntegrationSettings shallow-merges partial into the
	// integration's settings at the top level.
	UpdateIntegrationSettings(ctx context.Context, partial map[string]any) error

	// AbortRunWithError terminates the owning run as ERROR; all of its
	// remaining work is short-circuited.
	AbortRunWithError(ctx context.Context, message string, metadata any) error
}

// RunContext is passed to GenerateStreams: the run exists but has not
// yet seeded any stream work.
type RunContext interface {
	base

	// PublishStream persists a new root stream (parentId = nil) and
	// enqueues a process_stream message for it. A duplicate identifier
	// under the same run is a no-op.
	PublishStream(ctx context.Context, identifier string, data map[string]any) error
}

// StreamContext is passed to ProcessStream.
type StreamContext interface {
	base

	// Stream is the current stream's identity and payload.
	Stream() StreamSnapshot

	// PublishStream persists a new child stream (parentId = this
	// stream's id) and enqueues a process_stream message for it.
	PublishStream(ctx context.Context, identifier string, data map[string]any) error

	// PublishData persists a new data row under this stream and
	// enqueues a process_data message for it.
	PublishData(ctx context.Context, payload map[string]any) error

	// AbortWithError terminates this stream only, as ERROR.
	AbortWithError(ctx context.Context, message string, metadata any) error
}

// DataContext is passed to ProcessData. It cannot publish further
// streams or data: a data row is a leaf in the stream tree.
type DataContext interface {
	base

	// Data is the opaque payload produced by the owning stream.
	Data() map[string]any

	// AbortWithError terminates this data row only, as ERROR.
	AbortWithError(ctx context.Context, message string, metadata any) error
}
