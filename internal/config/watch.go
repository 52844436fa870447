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

package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads worker settings (retry counts, backoff unit, sweep
// cadence, concurrency) from a config file whenever it changes on disk,
// without requiring a process restart. Store, queue, and cache driver
// settings are read once at startup and are not hot-reloaded: swapping
// a backend under a running worker has no safe semantics.
type Watcher struct {
	path   string
	fsw    *fsnotify.Watcher
	logger *slog.Logger

	onChange func(WorkerConfig)
}

// WatchWorkerConfig starts watching path for changes and invokes
// onChange with the freshly loaded WorkerConfig after each write. A
// reload that fails to parse or validate is logged and skipped; the
// previous in-memory config keeps running.
func WatchWorkerConfig(path string, logger *slog.Logger, onChange func(WorkerConfig)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		fsw:      fsw,
		logger:   logger.With("component", "config.watcher", "path", path),
		onChange: onChange,
	}, nil
}

// Run blocks processing filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("reload config", "error", err)
		return
	}
	w.logger.Info("worker config reloaded",
		"max_concurrent_messages", cfg.Worker.MaxConcurrentMessages,
		"max_stream_retries", cfg.Worker.MaxStreamRetries,
		"max_data_retries", cfg.Worker.MaxDataRetries,
	)
	w.onChange(cfg.Worker)
}
