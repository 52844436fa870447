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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/harborline/ingestpipe/internal/queue"
)

func TestDispatchMiddlewareWrapSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	middleware := NewDispatchMiddleware(logger)

	env := &queue.Envelope{
		Message: queue.Message{Type: queue.TypeProcessStream, RunID: "run-1", StreamID: "stream-1"},
		GroupID: "tenant-1",
	}

	handlerCalled := false
	handler := middleware.Wrap(func(ctx context.Context, e *queue.Envelope) error {
		handlerCalled = true
		return nil
	})

	if err := handler(context.Background(), env); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if !handlerCalled {
		t.Errorf("expected wrapped handler to be called")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}

	var received map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &received); err != nil {
		t.Fatalf("expected valid JSON for received log: %v", err)
	}
	if received["msg"] != "message received" {
		t.Errorf("expected first log to be 'message received', got: %v", received["msg"])
	}
	if received["message_type"] != queue.TypeProcessStream {
		t.Errorf("expected message_type %q, got: %v", queue.TypeProcessStream, received["message_type"])
	}
	if received["run_id"] != "run-1" {
		t.Errorf("expected run_id 'run-1', got: %v", received["run_id"])
	}
	if received["stream_id"] != "stream-1" {
		t.Errorf("expected stream_id 'stream-1', got: %v", received["stream_id"])
	}

	var handled map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &handled); err != nil {
		t.Fatalf("expected valid JSON for handled log: %v", err)
	}
	if handled["msg"] != "message handled" {
		t.Errorf("expected second log to be 'message handled', got: %v", handled["msg"])
	}
	if handled["level"] != "INFO" {
		t.Errorf("expected level INFO, got: %v", handled["level"])
	}
	if _, ok := handled["duration_ms"]; !ok {
		t.Errorf("expected duration_ms to be present")
	}
	if _, ok := handled["error"]; ok {
		t.Errorf("expected no error field on success")
	}
}

func TestDispatchMiddlewareWrapError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	middleware := NewDispatchMiddleware(logger)

	env := &queue.Envelope{
		Message: queue.Message{Type: queue.TypeProcessData, DataID: "data-1"},
		GroupID: "tenant-1",
	}

	testErr := errors.New("handler failed")
	handler := middleware.Wrap(func(ctx context.Context, e *queue.Envelope) error {
		return testErr
	})

	if err := handler(context.Background(), env); !errors.Is(err, testErr) {
		t.Errorf("expected wrapped error to be returned, got: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var handled map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &handled); err != nil {
		t.Fatalf("expected valid JSON for handled log: %v", err)
	}
	if handled["msg"] != "message handling failed" {
		t.Errorf("expected msg 'message handling failed', got: %v", handled["msg"])
	}
	if handled["level"] != "ERROR" {
		t.Errorf("expected level ERROR, got: %v", handled["level"])
	}
	if handled["error"] != "handler failed" {
		t.Errorf("expected error 'handler failed', got: %v", handled["error"])
	}
	if handled["data_id"] != "data-1" {
		t.Errorf("expected data_id 'data-1', got: %v", handled["data_id"])
	}
}

func TestNewDispatchMiddleware(t *testing.T) {
	logger := New(nil)
	middleware := NewDispatchMiddleware(logger)

	if middleware == nil {
		t.Fatalf("expected non-nil middleware")
	}
	if middleware.logger != logger {
		t.Errorf("expected middleware to use provided logger")
	}
}
