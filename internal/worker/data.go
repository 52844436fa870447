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
	"errors"
	"fmt"
	"log/slog"
	"time"

	pipelineerrors "github.com/harborline/ingestpipe/pkg/errors"

	"github.com/harborline/ingestpipe/internal/log"
	"github.com/harborline/ingestpipe/internal/queue"
	"github.com/harborline/ingestpipe/internal/store"
)

// DataWorker processes process_data messages: §4.4. It mirrors
// StreamWorker at a lower level, with its own retry cap, and its
// context never exposes publishStream/publishData — a data row is a
// leaf in the stream tree.
type DataWorker struct {
	Deps   Deps
	Config Config

	// Sweeper, when set, is consulted right after a data row reaches
	// PROCESSED so its run can settle without waiting for the next
	// sweep pass. Optional: a nil Sweeper just defers to the sweep loop.
	Sweeper *Sweeper
}

// Handle implements queue.Handler.
func (w *DataWorker) Handle(ctx context.Context, env *queue.Envelope) error {
	start := time.Now()
	w.Deps.recordReceived(ctx)
	failed := false
	defer func() { w.Deps.recordDone(ctx, start, failed) }()

	dataID := env.Message.DataID
	logger := log.WithDataContext(w.Deps.logger(), "", dataID)

	data, err := w.Deps.Store.GetData(ctx, dataID)
	if err == store.ErrNotFound {
		logger.Info("data row not found, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load data: %w", err)
	}
	logger = log.WithDataContext(w.Deps.logger(), data.RunID, data.ID)

	if data.State == store.StateProcessed || data.State == store.StateError {
		logger.Debug("data row already terminal, dropping redelivered message")
		return nil
	}

	run, err := w.Deps.Store.GetRun(ctx, data.RunID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load run: %w", err)
	}
	if err == store.ErrNotFound || run.State != store.StateProcessing {
		return w.failData(ctx, logger, data.ID, "check-data-run-state", "owning run is not PROCESSING")
	}

	stream, err := w.Deps.Store.GetStream(ctx, data.StreamID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load stream: %w", err)
	}
	if err == store.ErrNotFound {
		return w.failData(ctx, logger, data.ID, "check-data-run-state", "owning stream no longer exists")
	}

	integration, err := w.Deps.Store.GetIntegration(ctx, stream.IntegrationID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load integration: %w", err)
	}
	if err == store.ErrNotFound || integration == nil || integration.DeletedAt != nil {
		return w.failData(ctx, logger, data.ID, "check-data-run-state", "owning integration no longer exists")
	}

	handler, err := w.Deps.Registry.Lookup(integration.Platform)
	if err != nil || handler.ProcessData == nil {
		return w.failData(ctx, logger, data.ID, "check-data-run-state", fmt.Sprintf("no data handler registered for platform %q", integration.Platform))
	}

	processing, err := w.Deps.Store.TransitionData(ctx, data.ID, []store.State{store.StatePending}, func(d *store.Data) {
		d.State = store.StateProcessing
	})
	if err == store.ErrConflict {
		logger.Debug("data row already left PENDING, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition data to PROCESSING: %w", err)
	}

	dc := &dataContext{
		deps:        w.Deps,
		log:         logger,
		runID:       processing.RunID,
		tenantID:    processing.TenantID,
		dataID:      processing.ID,
		onboarding:  run.Onboarding,
		integration: snapshotIntegration(integration),
		payload:     processing.Data,
	}

	handleErr := handler.ProcessData(ctx, dc)
	if handleErr == nil {
		_, err := w.Deps.Store.TransitionData(ctx, data.ID, []store.State{store.StateProcessing}, func(d *store.Data) {
			d.State = store.StateProcessed
		})
		if err != nil && err != store.ErrConflict {
			return fmt.Errorf("mark data PROCESSED: %w", err)
		}
		if w.Sweeper != nil {
			if err := w.Sweeper.SettleRun(ctx, processing.RunID); err != nil {
				logger.Error("eager settle run", "run_id", processing.RunID, "error", err)
			}
		}
		return nil
	}

	failed = true
	return w.handleDataError(ctx, logger, processing, handleErr)
}

func (w *DataWorker) handleDataError(ctx context.Context, logger *slog.Logger, data *store.Data, handleErr error) error {
	var rateLimit *pipelineerrors.RateLimitError
	if errors.As(handleErr, &rateLimit) {
		_, err := w.Deps.Store.TransitionData(ctx, data.ID, []store.State{store.StateProcessing}, func(d *store.Data) {
			d.State = store.StatePending
		})
		if err != nil && err != store.ErrConflict {
			return fmt.Errorf("reset rate-limited data row to PENDING: %w", err)
		}

		delayedUntil := time.Now().Add(rateLimit.ResetAfter)
		_, err = w.Deps.Store.TransitionRun(ctx, data.RunID,
			[]store.State{store.StatePending, store.StateProcessing},
			func(r *store.Run) {
				r.State = store.StateDelayed
				r.DelayedUntil = &delayedUntil
			})
		if err != nil && err != store.ErrConflict {
			return fmt.Errorf("delay run for rate limit: %w", err)
		}
		logger.Info("rate limited, delaying run", "reset_after", rateLimit.ResetAfter)
		return nil
	}

	maxRetries := w.Config.MaxDataRetries
	detail := &store.ErrorDetail{Location: "process-data", Message: handleErr.Error()}

	if data.Retries+1 <= maxRetries {
		retryAfter := time.Now().Add(time.Duration(data.Retries+1) * w.Config.RetryBackoffUnit)
		_, err := w.Deps.Store.TransitionData(ctx, data.ID, []store.State{store.StateProcessing}, func(d *store.Data) {
			d.State = store.StatePending
			d.RetryAfter = &retryAfter
			d.Retries = data.Retries + 1
			d.Error = detail
		})
		if err != nil && err != store.ErrConflict {
			return fmt.Errorf("defer data row for retry: %w", err)
		}
		w.Deps.recordRetryScheduled(ctx)
		logger.Warn("data row failed, scheduled retry", "retries", data.Retries+1, "retry_after", retryAfter)
		return nil
	}

	_, err := w.Deps.Store.TransitionData(ctx, data.ID, []store.State{store.StateProcessing}, func(d *store.Data) {
		d.State = store.StateError
		d.Retries = data.Retries + 1
		d.Error = detail
	})
	if err != nil && err != store.ErrConflict {
		return fmt.Errorf("mark data ERROR: %w", err)
	}

	return w.failRun(ctx, logger, data.RunID, "stream-run-stop", fmt.Sprintf("data row %s exhausted its retry budget", data.ID))
}

func (w *DataWorker) failData(ctx context.Context, logger *slog.Logger, dataID, location, message string) error {
	_, err := w.Deps.Store.TransitionData(ctx, dataID,
		[]store.State{store.StatePending, store.StateProcessing},
		func(d *store.Data) {
			d.State = store.StateError
			d.Error = &store.ErrorDetail{Location: location, Message: message}
		})
	if err != nil && err != store.ErrConflict {
		return fmt.Errorf("mark data ERROR: %w", err)
	}
	logger.Warn("data row failed", "location", location, "message", message)
	return nil
}

func (w *DataWorker) failRun(ctx context.Context, logger *slog.Logger, runID, location, message string) error {
	_, err := w.Deps.Store.TransitionRun(ctx, runID,
		[]store.State{store.StatePending, store.StateProcessing, store.StateDelayed},
		func(r *store.Run) {
			r.State = store.StateError
			r.Error = &store.ErrorDetail{Location: location, Message: message}
		})
	if err != nil && err != store.ErrConflict {
		return fmt.Errorf("mark run ERROR: %w", err)
	}
	logger.Warn("run stopped", "location", location, "message", message)
	return nil
}
