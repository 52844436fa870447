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
	"context"
	"log/slog"
	"time"

	"github.com/harborline/ingestpipe/internal/queue"
)

// DispatchMiddleware wraps a queue.Handler with structured logging of
// each message's receipt and outcome, one log line per event rather
// than a request/response pair, since a handler's own logger already
// narrates the work in between.
type DispatchMiddleware struct {
	logger *slog.Logger
}

// NewDispatchMiddleware creates a new dispatch logging middleware.
func NewDispatchMiddleware(logger *slog.Logger) *DispatchMiddleware {
	return &DispatchMiddleware{
		logger: logger,
	}
}

// Wrap returns a queue.Handler that logs env's receipt, the wrapped
// handler's outcome, and how long it took.
func (m *DispatchMiddleware) Wrap(handler queue.Handler) queue.Handler {
	return func(ctx context.Context, env *queue.Envelope) error {
		start := time.Now()

		attrs := envelopeAttrs(env)
		m.logger.Info("message received", attrs...)

		err := handler(ctx, env)

		durationMs := time.Since(start).Milliseconds()
		attrs = append(attrs, "duration_ms", durationMs)

		if err != nil {
			attrs = append(attrs, "error", err.Error())
			m.logger.Error("message handling failed", attrs...)
			return err
		}

		m.logger.Info("message handled", attrs...)
		return err
	}
}

func envelopeAttrs(env *queue.Envelope) []any {
	attrs := []any{
		"message_type", env.Message.Type,
		"group_id", env.GroupID,
	}
	if env.Message.RunID != "" {
		attrs = append(attrs, "run_id", env.Message.RunID)
	}
	if env.Message.StreamID != "" {
		attrs = append(attrs, "stream_id", env.Message.StreamID)
	}
	if env.Message.DataID != "" {
		attrs = append(attrs, "data_id", env.Message.DataID)
	}
	return attrs
}
