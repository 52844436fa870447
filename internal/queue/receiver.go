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

package queue

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Handler processes one received message. Returning an error leaves the
// message's receipt un-deleted so it reappears after the visibility
// timeout; handlers must be safe to re-enter.
type Handler func(ctx context.Context, env *Envelope) error

// ReceiverLoop runs one worker's poll/dispatch/ack cycle: it maintains a
// bounded number of in-flight handler invocations, polling for more work
// only when under that bound, and backs off briefly when the loop is
// saturated or Receive fails. An empty Receive is retried at once.
type ReceiverLoop struct {
	Queue          Queue
	MaxConcurrency int
	Handler        Handler
	Logger         *slog.Logger

	// BackoffWhenSaturated is how long to sleep before polling again
	// when in-flight already equals MaxConcurrency. Defaults to 1s.
	BackoffWhenSaturated time.Duration

	// PollRate caps how often Receive is called, independent of
	// concurrency. Zero means unbounded (the long-poll wait time is the
	// only pacing). Set this to shield a downstream queue from a tight
	// retry loop when Receive keeps returning empty.
	PollRate rate.Limit
}

// Run polls until ctx is cancelled. It blocks until all in-flight
// handlers drain after cancellation.
func (r *ReceiverLoop) Run(ctx context.Context) error {
	backoff := r.BackoffWhenSaturated
	if backoff <= 0 {
		backoff = time.Second
	}
	maxConcurrency := r.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var limiter *rate.Limiter
	if r.PollRate > 0 {
		limiter = rate.NewLimiter(r.PollRate, 1)
	}

	for {
		if ctx.Err() != nil {
			return waitAll(ctx, sem, maxConcurrency)
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return waitAll(ctx, sem, maxConcurrency)
			}
		}

		if !sem.TryAcquire(1) {
			// in-flight already at the bound; back off before polling again.
			select {
			case <-ctx.Done():
				return waitAll(ctx, sem, maxConcurrency)
			case <-time.After(backoff):
			}
			continue
		}

		env, err := r.Queue.Receive(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return waitAll(ctx, sem, maxConcurrency)
			}
			r.logError("receive failed", err)
			time.Sleep(backoff)
			continue
		}
		if env == nil {
			sem.Release(1)
			continue
		}

		go func(env *Envelope) {
			defer sem.Release(1)

			if err := r.Handler(ctx, env); err != nil {
				r.logError("handler failed, leaving message for redelivery", err)
				return
			}
			if err := r.Queue.DeleteMessage(ctx, env.ReceiptHandle); err != nil {
				r.logError("failed to delete message receipt", err)
			}
		}(env)
	}
}

// waitAll blocks until every in-flight handler has released the
// semaphore, using a background context since ctx itself is already done.
func waitAll(ctx context.Context, sem *semaphore.Weighted, maxConcurrency int) error {
	_ = sem.Acquire(context.Background(), int64(maxConcurrency))
	return nil
}

func (r *ReceiverLoop) logError(msg string, err error) {
	if r.Logger == nil {
		return
	}
	r.Logger.Error(msg, "error", err)
}
