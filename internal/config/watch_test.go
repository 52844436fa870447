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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchWorkerConfigReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  max_stream_retries: 3\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	changes := make(chan WorkerConfig, 1)
	w, err := WatchWorkerConfig(path, nil, func(wc WorkerConfig) { changes <- wc })
	if err != nil {
		t.Fatalf("WatchWorkerConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte("worker:\n  max_stream_retries: 8\n"), 0o600); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}

	select {
	case wc := <-changes:
		if wc.MaxStreamRetries != 8 {
			t.Errorf("expected reloaded max stream retries 8, got %d", wc.MaxStreamRetries)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
}

func TestWatchWorkerConfigMissingPath(t *testing.T) {
	if _, err := WatchWorkerConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil, func(WorkerConfig) {}); err == nil {
		t.Error("expected error watching a nonexistent path")
	}
}
