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

// Package cli wires the pipeline's config, state repository, queue,
// cache, and platform registry into the cobra commands that launch each
// process role: one worker stage, the sweeper, or the metrics endpoint.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harborline/ingestpipe/internal/cache"
	"github.com/harborline/ingestpipe/internal/config"
	pipelinelog "github.com/harborline/ingestpipe/internal/log"
	"github.com/harborline/ingestpipe/internal/platform/demo"
	"github.com/harborline/ingestpipe/internal/queue"
	"github.com/harborline/ingestpipe/internal/registry"
	"github.com/harborline/ingestpipe/internal/sink"
	"github.com/harborline/ingestpipe/internal/store"
	"github.com/harborline/ingestpipe/internal/store/memory"
	"github.com/harborline/ingestpipe/internal/store/postgres"
	"github.com/harborline/ingestpipe/internal/store/sqlite"
	"github.com/harborline/ingestpipe/internal/telemetry"
	"github.com/harborline/ingestpipe/internal/worker"
)

// runtime bundles every collaborator a worker or sweeper process needs,
// built once from loaded configuration.
type runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     store.Backend
	Queue     queue.Queue
	Cache     cache.Cache
	Registry  *registry.Registry
	Sink      sink.Sink
	Telemetry *telemetry.Provider

	closers []func() error
}

func (r *runtime) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildRuntime loads configuration from configPath and constructs every
// backend named in it. serviceName identifies this process in traces and
// metrics (e.g. "stream-worker").
func buildRuntime(ctx context.Context, configPath, serviceName string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := pipelinelog.New(pipelinelog.FromEnv())
	slog.SetDefault(logger)

	rt := &runtime{Config: cfg, Logger: logger}

	backend, closeBackend, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	rt.Store = backend
	if closeBackend != nil {
		rt.closers = append(rt.closers, closeBackend)
	}

	q, err := buildQueue(ctx, cfg.Queue, serviceName)
	if err != nil {
		return nil, err
	}
	rt.Queue = q
	rt.closers = append(rt.closers, q.Close)

	c, err := buildCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	rt.Cache = c
	rt.closers = append(rt.closers, c.Close)

	reg := registry.New()
	memSink := sink.NewMemoryStore()
	rt.Sink = memSink
	demo.Register(reg, &demo.Handler{Sink: memSink})
	rt.Registry = reg

	tp, err := telemetry.New(serviceName, version)
	if err != nil {
		return nil, fmt.Errorf("build telemetry: %w", err)
	}
	rt.Telemetry = tp
	rt.closers = append(rt.closers, func() error { return tp.Shutdown(context.Background()) })

	return rt, nil
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (store.Backend, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil, nil
	case "sqlite":
		b, err := sqlite.New(sqlite.Config{Path: cfg.DSN, WAL: true})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return b, b.Close, nil
	case "postgres":
		b, err := postgres.New(postgres.Config{
			ConnectionString: cfg.DSN,
			MaxOpenConns:     cfg.MaxOpenConns,
			MaxIdleConns:     cfg.MaxIdleConns,
			ConnMaxLifetime:  cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func buildQueue(ctx context.Context, cfg config.QueueConfig, serviceName string) (queue.Queue, error) {
	switch cfg.Driver {
	case "memory":
		q := queue.NewMemoryQueue(cfg.VisibilityTimeout)
		return &queue.Router{Primary: q, Run: q, Stream: q, Data: q}, nil
	case "sqs":
		run, err := queue.NewSQSQueue(ctx, sqsConfig(cfg, cfg.RunQueueName))
		if err != nil {
			return nil, fmt.Errorf("build run queue: %w", err)
		}
		stream, err := queue.NewSQSQueue(ctx, sqsConfig(cfg, cfg.StreamQueueName))
		if err != nil {
			return nil, fmt.Errorf("build stream queue: %w", err)
		}
		data, err := queue.NewSQSQueue(ctx, sqsConfig(cfg, cfg.DataQueueName))
		if err != nil {
			return nil, fmt.Errorf("build data queue: %w", err)
		}
		primary := run
		switch serviceName {
		case "stream-worker":
			primary = stream
		case "data-worker":
			primary = data
		}
		router := &queue.Router{Primary: primary, Run: run, Stream: stream, Data: data}
		if err := router.Init(ctx); err != nil {
			return nil, fmt.Errorf("init queues: %w", err)
		}
		return router, nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func sqsConfig(cfg config.QueueConfig, queueName string) queue.SQSConfig {
	return queue.SQSConfig{
		QueueName:         queueName,
		Region:            cfg.Region,
		Endpoint:          cfg.Endpoint,
		VisibilityTimeout: cfg.VisibilityTimeout,
		WaitTime:          cfg.WaitTime,
	}
}

func buildCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Driver {
	case "memory":
		return cache.NewMemoryCache(cache.Config{TTL: cfg.TTL}), nil
	case "redis":
		c, err := cache.NewRedisCache(cache.RedisConfig{
			Addrs:  []string{cfg.Addr},
			DB:     cfg.DB,
			Config: cache.Config{TTL: cfg.TTL},
		})
		if err != nil {
			return nil, fmt.Errorf("build redis cache: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

// workerDeps builds the shared worker.Deps every stage's worker uses.
func (r *runtime) workerDeps() worker.Deps {
	return worker.Deps{
		Store:    r.Store,
		Queue:    r.Queue,
		Cache:    r.Cache,
		Registry: r.Registry,
		Logger:   r.Logger,
		Metrics:  r.Telemetry.Metrics,
	}
}

// workerConfig builds worker.Config from the loaded configuration.
func (r *runtime) workerConfig() worker.Config {
	return worker.Config{
		MaxStreamRetries: r.Config.Worker.MaxStreamRetries,
		MaxDataRetries:   r.Config.Worker.MaxDataRetries,
		RetryBackoffUnit: r.Config.Worker.RetryBackoffUnit,
	}
}

// watchConfig starts a config.Watcher against the file a worker process
// was launched with and logs retry/concurrency settings whenever the
// file changes, so an operator can confirm an edit took effect without
// restarting the process. It is a no-op when the process was configured
// from defaults or the XDG path rather than an explicit --config file,
// since there is nothing on disk to watch.
func (r *runtime) watchConfig(ctx context.Context, path string) {
	if path == "" {
		return
	}
	w, err := config.WatchWorkerConfig(path, r.Logger, func(config.WorkerConfig) {})
	if err != nil {
		r.Logger.Warn("config watch disabled", "path", path, "error", err)
		return
	}
	go func() {
		if err := w.Run(ctx); err != nil {
			r.Logger.Warn("config watcher stopped", "error", err)
		}
	}()
}
