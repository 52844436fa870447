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
	"time"

	"github.com/harborline/ingestpipe/internal/queue"
	"github.com/harborline/ingestpipe/internal/store"
)

// Sweeper promotes DELAYED runs and streams whose delayedUntil has
// elapsed back to PENDING, re-enqueues them, and promotes to PROCESSED
// any run touched in that pass whose descendant work has all reached a
// terminal state. A PROCESSING run that no pass touches is not settled
// by the sweeper. It is the only mechanism by which rate-limited work
// resumes (§4.6).
type Sweeper struct {
	Deps Deps

	// BatchSize bounds how many due rows each sweep pass pulls per
	// entity kind. Defaults to 100.
	BatchSize int

	// Interval is how often Run loops. Defaults to 30s.
	Interval time.Duration
}

func (s *Sweeper) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 100
}

// Run loops until ctx is cancelled, sweeping at Interval.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil {
			s.Deps.logger().Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs a single pass: promote delayed runs, promote delayed
// streams, re-drive data rows due for retry, and settle each promoted
// run and each run of a promoted stream whose descendant work is all
// terminal.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now()
	logger := s.Deps.logger()

	runs, err := s.Deps.Store.ListDelayedRunsDue(ctx, now, s.batchSize())
	if err != nil {
		return fmt.Errorf("list delayed runs: %w", err)
	}
	for _, r := range runs {
		if err := s.promoteRun(ctx, r); err != nil {
			logger.Error("promote delayed run", "run_id", r.ID, "error", err)
		}
	}

	streams, err := s.Deps.Store.ListDelayedStreamsDue(ctx, now, s.batchSize())
	if err != nil {
		return fmt.Errorf("list delayed streams: %w", err)
	}
	for _, st := range streams {
		if err := s.promoteStream(ctx, st); err != nil {
			logger.Error("promote delayed stream", "stream_id", st.ID, "error", err)
		}
	}

	dataRows, err := s.Deps.Store.ListDataDueForRetry(ctx, now, s.batchSize())
	if err != nil {
		return fmt.Errorf("list data due for retry: %w", err)
	}
	for _, d := range dataRows {
		if err := s.Deps.Queue.Send(ctx, d.TenantID, queue.ProcessDataMessage(d.ID)); err != nil {
			logger.Error("re-enqueue data row", "data_id", d.ID, "error", err)
		}
	}

	return s.settleRuns(ctx, runs, streams)
}

func (s *Sweeper) promoteRun(ctx context.Context, r *store.Run) error {
	_, err := s.Deps.Store.TransitionRun(ctx, r.ID, []store.State{store.StateDelayed}, func(run *store.Run) {
		run.State = store.StatePending
		run.DelayedUntil = nil
	})
	if err == store.ErrConflict {
		return nil
	}
	if err != nil {
		return err
	}
	return s.Deps.Queue.Send(ctx, r.TenantID, queue.ProcessRunMessage(r.ID))
}

func (s *Sweeper) promoteStream(ctx context.Context, st *store.Stream) error {
	_, err := s.Deps.Store.TransitionStream(ctx, st.ID, []store.State{store.StateDelayed}, func(stream *store.Stream) {
		stream.State = store.StatePending
		stream.DelayedUntil = nil
	})
	if err == store.ErrConflict {
		return nil
	}
	if err != nil {
		return err
	}
	return s.Deps.Queue.Send(ctx, st.TenantID, queue.ProcessStreamMessage(st.ID))
}

// settleRuns checks every run touched this pass (plus the parent run of
// every promoted stream) for completion: PROCESSED once no descendant
// stream or data row remains open.
func (s *Sweeper) settleRuns(ctx context.Context, runs []*store.Run, streams []*store.Stream) error {
	candidates := make(map[string]struct{})
	for _, r := range runs {
		candidates[r.ID] = struct{}{}
	}
	for _, st := range streams {
		candidates[st.RunID] = struct{}{}
	}

	for runID := range candidates {
		if err := s.SettleRun(ctx, runID); err != nil {
			s.Deps.logger().Error("settle run", "run_id", runID, "error", err)
		}
	}
	return nil
}

// SettleRun transitions runID to PROCESSED if it is PROCESSING and none
// of its descendant streams or data rows remain open. It is exposed
// beyond Sweep so a worker can call it eagerly right after a unit
// reaches a terminal state, rather than waiting for the next sweep.
func (s *Sweeper) SettleRun(ctx context.Context, runID string) error {
	openStreams, err := s.Deps.Store.CountOpenStreamsForRun(ctx, runID)
	if err != nil {
		return err
	}
	if openStreams > 0 {
		return nil
	}
	openData, err := s.Deps.Store.CountOpenDataForRun(ctx, runID)
	if err != nil {
		return err
	}
	if openData > 0 {
		return nil
	}

	_, err = s.Deps.Store.TransitionRun(ctx, runID, []store.State{store.StateProcessing}, func(r *store.Run) {
		r.State = store.StateProcessed
		now := time.Now()
		r.ProcessedAt = &now
	})
	if err == store.ErrConflict {
		return nil
	}
	if err == nil {
		s.Deps.recordRunSettled(ctx)
	}
	return err
}
