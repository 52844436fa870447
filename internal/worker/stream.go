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

	"github.com/harborline/ingestpipe/internal/handlerctx"
	"github.com/harborline/ingestpipe/internal/log"
	"github.com/harborline/ingestpipe/internal/queue"
	"github.com/harborline/ingestpipe/internal/store"
)

// StreamWorker processes process_stream messages: §4.3.
type StreamWorker struct {
	Deps   Deps
	Config Config

	// Sweeper, when set, is consulted right after a stream reaches
	// PROCESSED so its run can settle without waiting for the next
	// sweep pass. Optional: a nil Sweeper just defers to the sweep loop.
	Sweeper *Sweeper
}

// Handle implements queue.Handler.
func (w *StreamWorker) Handle(ctx context.Context, env *queue.Envelope) error {
	start := time.Now()
	w.Deps.recordReceived(ctx)
	failed := false
	defer func() { w.Deps.recordDone(ctx, start, failed) }()

	streamID := env.Message.StreamID
	logger := log.WithStreamContext(w.Deps.logger(), "", streamID)

	stream, err := w.Deps.Store.GetStream(ctx, streamID)
	if err == store.ErrNotFound {
		logger.Info("stream not found, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load stream: %w", err)
	}
	logger = log.WithStreamContext(w.Deps.logger(), stream.RunID, stream.ID)

	if stream.State == store.StateProcessed || stream.State == store.StateError {
		logger.Debug("stream already terminal, dropping redelivered message")
		return nil
	}

	run, err := w.Deps.Store.GetRun(ctx, stream.RunID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load run: %w", err)
	}
	if err == store.ErrNotFound || run.State != store.StateProcessing {
		return w.failStream(ctx, logger, stream.ID, "check-stream-run-state", "owning run is not PROCESSING")
	}

	integration, err := w.Deps.Store.GetIntegration(ctx, stream.IntegrationID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load integration: %w", err)
	}
	if err == store.ErrNotFound || integration == nil || integration.DeletedAt != nil {
		return w.failStream(ctx, logger, stream.ID, "check-stream-run-state", "owning integration no longer exists")
	}

	handler, err := w.Deps.Registry.Lookup(integration.Platform)
	if err != nil || handler.ProcessStream == nil {
		return w.failStream(ctx, logger, stream.ID, "check-stream-run-state", fmt.Sprintf("no stream handler registered for platform %q", integration.Platform))
	}

	processing, err := w.Deps.Store.TransitionStream(ctx, stream.ID, []store.State{store.StatePending}, func(s *store.Stream) {
		s.State = store.StateProcessing
	})
	if err == store.ErrConflict {
		logger.Debug("stream already left PENDING, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition stream to PROCESSING: %w", err)
	}

	sc := &streamContext{
		deps:        w.Deps,
		log:         logger,
		runID:       processing.RunID,
		tenantID:    processing.TenantID,
		streamID:    processing.ID,
		onboarding:  run.Onboarding,
		integration: snapshotIntegration(integration),
		stream: handlerctx.StreamSnapshot{
			Identifier: processing.Identifier,
			Type:       processing.Type(),
			Data:       processing.Data,
		},
	}

	handleErr := handler.ProcessStream(ctx, sc)
	if handleErr == nil {
		_, err := w.Deps.Store.TransitionStream(ctx, stream.ID, []store.State{store.StateProcessing}, func(s *store.Stream) {
			s.State = store.StateProcessed
			now := time.Now()
			s.ProcessedAt = &now
		})
		if err != nil && err != store.ErrConflict {
			return fmt.Errorf("mark stream PROCESSED: %w", err)
		}
		if w.Sweeper != nil {
			if err := w.Sweeper.SettleRun(ctx, processing.RunID); err != nil {
				logger.Error("eager settle run", "run_id", processing.RunID, "error", err)
			}
		}
		return nil
	}

	failed = true
	return w.handleStreamError(ctx, logger, processing, handleErr)
}

func (w *StreamWorker) handleStreamError(ctx context.Context, logger *slog.Logger, stream *store.Stream, handleErr error) error {
	var rateLimit *pipelineerrors.RateLimitError
	if errors.As(handleErr, &rateLimit) {
		_, err := w.Deps.Store.TransitionStream(ctx, stream.ID, []store.State{store.StateProcessing}, func(s *store.Stream) {
			s.State = store.StatePending
		})
		if err != nil && err != store.ErrConflict {
			return fmt.Errorf("reset rate-limited stream to PENDING: %w", err)
		}

		delayedUntil := time.Now().Add(rateLimit.ResetAfter)
		_, err = w.Deps.Store.TransitionRun(ctx, stream.RunID,
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

	maxRetries := w.Config.MaxStreamRetries
	detail := &store.ErrorDetail{Location: "process-stream", Message: handleErr.Error()}

	if stream.Retries+1 <= maxRetries {
		delayedUntil := time.Now().Add(time.Duration(stream.Retries+1) * w.Config.RetryBackoffUnit)
		_, err := w.Deps.Store.TransitionStream(ctx, stream.ID, []store.State{store.StateProcessing}, func(s *store.Stream) {
			s.State = store.StateDelayed
			s.DelayedUntil = &delayedUntil
			s.Retries = stream.Retries + 1
			s.Error = detail
		})
		if err != nil && err != store.ErrConflict {
			return fmt.Errorf("delay stream for retry: %w", err)
		}
		w.Deps.recordRetryScheduled(ctx)
		logger.Warn("stream failed, scheduled retry", "retries", stream.Retries+1, "delayed_until", delayedUntil)
		return nil
	}

	_, err := w.Deps.Store.TransitionStream(ctx, stream.ID, []store.State{store.StateProcessing}, func(s *store.Stream) {
		s.State = store.StateError
		s.Retries = stream.Retries + 1
		s.Error = detail
	})
	if err != nil && err != store.ErrConflict {
		return fmt.Errorf("mark stream ERROR: %w", err)
	}

	return w.failRun(ctx, logger, stream.RunID, "stream-run-stop", fmt.Sprintf("stream %s exhausted its retry budget", stream.ID))
}

func (w *StreamWorker) failStream(ctx context.Context, logger *slog.Logger, streamID, location, message string) error {
	_, err := w.Deps.Store.TransitionStream(ctx, streamID,
		[]store.State{store.StatePending, store.StateProcessing, store.StateDelayed},
		func(s *store.Stream) {
			s.State = store.StateError
			s.Error = &store.ErrorDetail{Location: location, Message: message}
		})
	if err != nil && err != store.ErrConflict {
		return fmt.Errorf("mark stream ERROR: %w", err)
	}
	logger.Warn("stream failed", "location", location, "message", message)
	return nil
}

func (w *StreamWorker) failRun(ctx context.Context, logger *slog.Logger, runID, location, message string) error {
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
