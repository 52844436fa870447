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

import "context"

// Router fans Send out across up to three underlying queues by message
// type, while Receive/DeleteMessage/Init/Close delegate to Primary: the
// queue this worker process itself polls. A run worker process, for
// example, Receives only from the run queue but still needs to Send
// process_stream messages onto the stream queue when it resumes a run.
//
// Every field may point at the same Queue: a single-queue deployment
// (the in-memory queue used by tests, or a deployment that multiplexes
// one FIFO queue across all three message types) sets Primary, Run,
// Stream, and Data to the same instance.
type Router struct {
	Primary Queue
	Run     Queue
	Stream  Queue
	Data    Queue
}

var _ Queue = (*Router)(nil)

// Init initializes every distinct underlying queue exactly once.
func (r *Router) Init(ctx context.Context) error {
	seen := map[Queue]bool{}
	for _, q := range []Queue{r.Primary, r.Run, r.Stream, r.Data} {
		if q == nil || seen[q] {
			continue
		}
		seen[q] = true
		if err := q.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Send routes message to the queue matching its type.
func (r *Router) Send(ctx context.Context, groupID string, message Message) error {
	target := r.targetFor(message.Type)
	return target.Send(ctx, groupID, message)
}

func (r *Router) targetFor(messageType string) Queue {
	switch messageType {
	case TypeProcessRun:
		if r.Run != nil {
			return r.Run
		}
	case TypeProcessStream:
		if r.Stream != nil {
			return r.Stream
		}
	case TypeProcessData:
		if r.Data != nil {
			return r.Data
		}
	}
	return r.Primary
}

// Receive delegates to Primary: the queue this process polls.
func (r *Router) Receive(ctx context.Context) (*Envelope, error) {
	return r.Primary.Receive(ctx)
}

// DeleteMessage delegates to Primary.
func (r *Router) DeleteMessage(ctx context.Context, receiptHandle string) error {
	return r.Primary.DeleteMessage(ctx, receiptHandle)
}

// Close closes every distinct underlying queue exactly once.
func (r *Router) Close() error {
	seen := map[Queue]bool{}
	var firstErr error
	for _, q := range []Queue{r.Primary, r.Run, r.Stream, r.Data} {
		if q == nil || seen[q] {
			continue
		}
		seen[q] = true
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
