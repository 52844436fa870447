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

// Package worker implements the run, stream, and data worker stages and
// the delay/resume sweeper: the three unit processors that pop a message
// off a queue, load the referenced entity, dispatch to the registered
// platform handler, and persist the resulting state transition.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/harborline/ingestpipe/internal/cache"
	"github.com/harborline/ingestpipe/internal/queue"
	"github.com/harborline/ingestpipe/internal/registry"
	"github.com/harborline/ingestpipe/internal/store"
	"github.com/harborline/ingestpipe/internal/telemetry"
)

// Config bounds retry budgets and backoff for every worker stage.
type Config struct {
	// MaxStreamRetries is the retry budget for a stream before it is
	// marked ERROR and the owning run is stopped.
	MaxStreamRetries int

	// MaxDataRetries is the retry budget for a data row. The spec
	// reuses the stream policy as a default; it is configured
	// separately so a deployment can diverge.
	MaxDataRetries int

	// RetryBackoffUnit is multiplied by (retries+1) for linear backoff:
	// delayedUntil = now + (retries+1)*RetryBackoffUnit.
	RetryBackoffUnit time.Duration
}

// DefaultConfig mirrors the spec's suggested defaults: 15 minute linear
// backoff steps, a retry cap of 5 for both streams and data rows.
func DefaultConfig() Config {
	return Config{
		MaxStreamRetries: 5,
		MaxDataRetries:   5,
		RetryBackoffUnit: 15 * time.Minute,
	}
}

// Deps are the collaborators every worker stage needs: the state
// repository, the queue it both receives from and publishes to, the
// per-run cache handed to handlers, and the platform handler registry.
type Deps struct {
	Store    store.Backend
	Queue    queue.Queue
	Cache    cache.Cache
	Registry *registry.Registry
	Logger   *slog.Logger

	// Metrics is optional: a nil Metrics just means recordings are skipped.
	Metrics *telemetry.Metrics
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) recordReceived(ctx context.Context) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.MessagesReceived.Add(ctx, 1)
	d.Metrics.InFlight.Add(ctx, 1)
}

func (d Deps) recordDone(ctx context.Context, start time.Time, failed bool) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.InFlight.Add(ctx, -1)
	d.Metrics.HandlerDuration.Record(ctx, time.Since(start).Seconds())
	if failed {
		d.Metrics.MessagesFailed.Add(ctx, 1)
	}
}

func (d Deps) recordRetryScheduled(ctx context.Context) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.RetriesScheduled.Add(ctx, 1)
}

func (d Deps) recordRunSettled(ctx context.Context) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.RunsSettled.Add(ctx, 1)
}
