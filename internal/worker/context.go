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

package worker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/harborline/ingestpipe/internal/cache"
	"github.com/harborline/ingestpipe/internal/handlerctx"
	"github.com/harborline/ingestpipe/internal/queue"
	"github.com/harborline/ingestpipe/internal/store"
)

func snapshotIntegration(i *store.Integration) handlerctx.IntegrationSnapshot {
	return handlerctx.IntegrationSnapshot{
		ID:         i.ID,
		TenantID:   i.TenantID,
		Identifier: i.Identifier,
		Platform:   i.Platform,
		Status:     i.Status,
		Settings:   i.Settings,
	}
}

// runContext backs handlerctx.RunContext for generateStreams.
type runContext struct {
	deps        Deps
	log         *slog.Logger
	runID       string
	tenantID    string
	onboarding  bool
	integration handlerctx.IntegrationSnapshot
}

var _ handlerctx.RunContext = (*runContext)(nil)

func (c *runContext) Log() *slog.Logger                     { return c.log }
func (c *runContext) Cache() cache.RunCache                  { return c.deps.Cache.RunCache(c.runID) }
func (c *runContext) Integration() handlerctx.IntegrationSnapshot { return c.integration }
func (c *runContext) Onboarding() bool                       { return c.onboarding }

func (c *runContext) UpdateIntegrationSettings(ctx context.Context, partial map[string]any) error {
	return c.deps.Store.UpdateIntegrationSettings(ctx, c.integration.ID, partial)
}

func (c *runContext) AbortRunWithError(ctx context.Context, message string, metadata any) error {
	return abortRun(ctx, c.deps, c.log, c.runID, message, metadata)
}

func (c *runContext) PublishStream(ctx context.Context, identifier string, data map[string]any) error {
	return publishStream(ctx, c.deps, c.runID, c.tenantID, c.integration.ID, nil, identifier, data)
}

// streamContext backs handlerctx.StreamContext for processStream.
type streamContext struct {
	deps        Deps
	log         *slog.Logger
	runID       string
	tenantID    string
	streamID    string
	onboarding  bool
	integration handlerctx.IntegrationSnapshot
	stream      handlerctx.StreamSnapshot
}

var _ handlerctx.StreamContext = (*streamContext)(nil)

func (c *streamContext) Log() *slog.Logger                     { return c.log }
func (c *streamContext) Cache() cache.RunCache                  { return c.deps.Cache.RunCache(c.runID) }
func (c *streamContext) Integration() handlerctx.IntegrationSnapshot { return c.integration }
func (c *streamContext) Onboarding() bool                       { return c.onboarding }
func (c *streamContext) Stream() handlerctx.StreamSnapshot       { return c.stream }

func (c *streamContext) UpdateIntegrationSettings(ctx context.Context, partial map[string]any) error {
	return c.deps.Store.UpdateIntegrationSettings(ctx, c.integration.ID, partial)
}

func (c *streamContext) AbortRunWithError(ctx context.Context, message string, metadata any) error {
	return abortRun(ctx, c.deps, c.log, c.runID, message, metadata)
}

func (c *streamContext) AbortWithError(ctx context.Context, message string, metadata any) error {
	detail := &store.ErrorDetail{Location: "handler-abort", Message: message, Metadata: metadata}
	_, err := c.deps.Store.TransitionStream(ctx, c.streamID,
		[]store.State{store.StatePending, store.StateProcessing, store.StateDelayed},
		func(s *store.Stream) {
			s.State = store.StateError
			s.Error = detail
		})
	if err == store.ErrConflict {
		return nil
	}
	return err
}

func (c *streamContext) PublishStream(ctx context.Context, identifier string, data map[string]any) error {
	parent := c.streamID
	return publishStream(ctx, c.deps, c.runID, c.tenantID, c.integration.ID, &parent, identifier, data)
}

func (c *streamContext) PublishData(ctx context.Context, payload map[string]any) error {
	id := uuid.NewString()
	d := &store.Data{
		ID:       id,
		StreamID: c.streamID,
		RunID:    c.runID,
		TenantID: c.tenantID,
		Data:     payload,
		State:    store.StatePending,
	}
	if err := c.deps.Store.CreateData(ctx, d); err != nil {
		return err
	}
	return c.deps.Queue.Send(ctx, c.tenantID, queue.ProcessDataMessage(id))
}

// dataContext backs handlerctx.DataContext for processData.
type dataContext struct {
	deps        Deps
	log         *slog.Logger
	runID       string
	tenantID    string
	dataID      string
	onboarding  bool
	integration handlerctx.IntegrationSnapshot
	payload     map[string]any
}

var _ handlerctx.DataContext = (*dataContext)(nil)

func (c *dataContext) Log() *slog.Logger                     { return c.log }
func (c *dataContext) Cache() cache.RunCache                  { return c.deps.Cache.RunCache(c.runID) }
func (c *dataContext) Integration() handlerctx.IntegrationSnapshot { return c.integration }
func (c *dataContext) Onboarding() bool                       { return c.onboarding }
func (c *dataContext) Data() map[string]any                   { return c.payload }

func (c *dataContext) UpdateIntegrationSettings(ctx context.Context, partial map[string]any) error {
	return c.deps.Store.UpdateIntegrationSettings(ctx, c.integration.ID, partial)
}

func (c *dataContext) AbortRunWithError(ctx context.Context, message string, metadata any) error {
	return abortRun(ctx, c.deps, c.log, c.runID, message, metadata)
}

func (c *dataContext) AbortWithError(ctx context.Context, message string, metadata any) error {
	detail := &store.ErrorDetail{Location: "handler-abort", Message: message, Metadata: metadata}
	_, err := c.deps.Store.TransitionData(ctx, c.dataID,
		[]store.State{store.StatePending, store.StateProcessing},
		func(d *store.Data) {
			d.State = store.StateError
			d.Error = detail
		})
	if err == store.ErrConflict {
		return nil
	}
	return err
}

// abortRun terminates the owning run as ERROR. Shared by all three
// context flavors since abortRunWithError is part of the common contract.
func abortRun(ctx context.Context, deps Deps, log *slog.Logger, runID, message string, metadata any) error {
	detail := &store.ErrorDetail{Location: "handler-abort-run", Message: message, Metadata: metadata}
	_, err := deps.Store.TransitionRun(ctx, runID,
		[]store.State{store.StatePending, store.StateProcessing, store.StateDelayed},
		func(r *store.Run) {
			r.State = store.StateError
			r.Error = detail
		})
	if err == store.ErrConflict {
		log.Debug("abortRunWithError: run already terminal", "run_id", runID)
		return nil
	}
	return err
}

// publishStream persists a new stream (root when parentID is nil, child
// otherwise) and enqueues a process_stream message for it. A duplicate
// (runId, identifier) is a no-op: the caller already has a stream there.
func publishStream(ctx context.Context, deps Deps, runID, tenantID, integrationID string, parentID *string, identifier string, data map[string]any) error {
	id := uuid.NewString()
	s := &store.Stream{
		ID:            id,
		RunID:         runID,
		ParentID:      parentID,
		TenantID:      tenantID,
		IntegrationID: integrationID,
		Identifier:    identifier,
		Data:          data,
		State:         store.StatePending,
	}
	if err := deps.Store.CreateStream(ctx, s); err != nil {
		if err == store.ErrDuplicateIdentifier {
			return nil
		}
		return err
	}
	return deps.Queue.Send(ctx, tenantID, queue.ProcessStreamMessage(id))
}
