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
	"fmt"
	"log/slog"
	"time"

	"github.com/harborline/ingestpipe/internal/log"
	"github.com/harborline/ingestpipe/internal/queue"
	"github.com/harborline/ingestpipe/internal/registry"
	"github.com/harborline/ingestpipe/internal/store"
)

// RunWorker processes process_run messages: §4.2.
type RunWorker struct {
	Deps Deps
}

// Handle implements queue.Handler.
func (w *RunWorker) Handle(ctx context.Context, env *queue.Envelope) error {
	start := time.Now()
	w.Deps.recordReceived(ctx)
	failed := false
	defer func() { w.Deps.recordDone(ctx, start, failed) }()

	runID := env.Message.RunID
	logger := log.WithRunContext(w.Deps.logger(), runID, env.GroupID)

	run, err := w.Deps.Store.GetRun(ctx, runID)
	if err == store.ErrNotFound {
		logger.Info("run not found, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}

	integration, err := w.Deps.Store.GetIntegration(ctx, run.IntegrationID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load integration: %w", err)
	}
	if err == store.ErrNotFound || (integration != nil && integration.DeletedAt != nil) {
		return w.fail(ctx, logger, run.ID, "run-check-integration", "owning integration no longer exists")
	}

	handler, err := w.Deps.Registry.Lookup(integration.Platform)
	if err != nil {
		return w.fail(ctx, logger, run.ID, "run-check-integration", fmt.Sprintf("no handler registered for platform %q", integration.Platform))
	}

	streamCount, err := w.Deps.Store.CountStreamsForRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("count streams: %w", err)
	}
	if streamCount > 0 {
		return w.resume(ctx, logger, run)
	}

	if handler.GenerateStreams == nil {
		// A platform with no generator seeds no root work of its own;
		// it only ever reacts to externally published streams. Nothing
		// to do here, and nothing to call an error either.
		return nil
	}

	err = w.seed(ctx, logger, run, integration, handler)
	if err != nil {
		failed = true
	}
	return err
}

func (w *RunWorker) resume(ctx context.Context, logger *slog.Logger, run *store.Run) error {
	_, err := w.Deps.Store.TransitionRun(ctx, run.ID, []store.State{store.StatePending}, func(r *store.Run) {
		r.State = store.StateProcessing
	})
	if err != nil && err != store.ErrConflict {
		return fmt.Errorf("transition resumed run to PROCESSING: %w", err)
	}

	pending, err := w.Deps.Store.ListPendingStreamsForRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list pending streams: %w", err)
	}
	for _, s := range pending {
		if err := w.Deps.Queue.Send(ctx, s.TenantID, queue.ProcessStreamMessage(s.ID)); err != nil {
			return fmt.Errorf("re-enqueue stream %s: %w", s.ID, err)
		}
	}
	logger.Info("resumed run, re-drove pending streams", "count", len(pending))
	return nil
}

func (w *RunWorker) seed(ctx context.Context, logger *slog.Logger, run *store.Run, integration *store.Integration, handler registry.Handler) error {
	processing, err := w.Deps.Store.TransitionRun(ctx, run.ID, []store.State{store.StatePending}, func(r *store.Run) {
		r.State = store.StateProcessing
	})
	if err == store.ErrConflict {
		logger.Debug("run already left PENDING, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition run to PROCESSING: %w", err)
	}

	rc := &runContext{
		deps:        w.Deps,
		log:         logger,
		runID:       processing.ID,
		tenantID:    processing.TenantID,
		onboarding:  processing.Onboarding,
		integration: snapshotIntegration(integration),
	}

	if err := handler.GenerateStreams(ctx, rc); err != nil {
		return w.fail(ctx, logger, run.ID, "run-generate-streams", err.Error())
	}
	return nil
}

func (w *RunWorker) fail(ctx context.Context, logger *slog.Logger, runID, location, message string) error {
	_, err := w.Deps.Store.TransitionRun(ctx, runID,
		[]store.State{store.StatePending, store.StateProcessing, store.StateDelayed},
		func(r *store.Run) {
			r.State = store.StateError
			r.Error = &store.ErrorDetail{Location: location, Message: message}
		})
	if err != nil && err != store.ErrConflict {
		return fmt.Errorf("mark run ERROR: %w", err)
	}
	logger.Warn("run failed", "location", location, "message", message)
	return nil
}
