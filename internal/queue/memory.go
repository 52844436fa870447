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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned when operations are performed on a closed queue.
var ErrQueueClosed = errors.New("queue: closed")

type inFlightMessage struct {
	groupID  string
	message  Message
	deadline time.Time
}

// MemoryQueue is an in-process FIFO queue used by tests and single-process
// scenario runs. It reproduces SQS's at-least-once contract: a received
// message is held in-flight until DeleteMessage acknowledges it or its
// visibility timeout elapses, at which point it becomes visible again.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []*inFlightMessage
	inFlight map[string]*inFlightMessage
	signal   chan struct{}

	closedMu sync.RWMutex
	closed   bool

	visibilityTimeout time.Duration
}

// NewMemoryQueue creates an in-memory FIFO queue with the given visibility
// timeout (how long a received-but-undeleted message stays hidden).
func NewMemoryQueue(visibilityTimeout time.Duration) *MemoryQueue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &MemoryQueue{
		ready:             make([]*inFlightMessage, 0),
		inFlight:          make(map[string]*inFlightMessage),
		signal:            make(chan struct{}, 1),
		visibilityTimeout: visibilityTimeout,
	}
}

// Init is a no-op: the in-memory queue always exists once constructed.
func (q *MemoryQueue) Init(_ context.Context) error { return nil }

func (q *MemoryQueue) isClosed() bool {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	return q.closed
}

// Send enqueues message under groupID, FIFO within that group.
func (q *MemoryQueue) Send(_ context.Context, groupID string, message Message) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	q.mu.Lock()
	q.ready = append(q.ready, &inFlightMessage{groupID: groupID, message: message})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) requeueExpired(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for handle, m := range q.inFlight {
		if now.After(m.deadline) {
			delete(q.inFlight, handle)
			q.ready = append(q.ready, m)
		}
	}
}

// Receive long-polls (bounded by ctx) for the next available message.
func (q *MemoryQueue) Receive(ctx context.Context) (*Envelope, error) {
	for {
		if q.isClosed() {
			return nil, ErrQueueClosed
		}

		q.requeueExpired(time.Now())

		q.mu.Lock()
		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready = q.ready[1:]
			handle := uuid.NewString()
			m.deadline = time.Now().Add(q.visibilityTimeout)
			q.inFlight[handle] = m
			q.mu.Unlock()
			return &Envelope{Message: m.message, GroupID: m.groupID, ReceiptHandle: handle}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-time.After(q.visibilityTimeout / 2):
			// wake periodically to requeue expired in-flight messages
		}
	}
}

// DeleteMessage acknowledges a receipt, removing it from in-flight.
func (q *MemoryQueue) DeleteMessage(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, receiptHandle)
	return nil
}

// Close marks the queue closed; further Send/Receive calls fail.
func (q *MemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
