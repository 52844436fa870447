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

package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harborline/ingestpipe/internal/queue"
)

func TestReceiverLoopDeletesOnSuccess(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "tenant-1", queue.ProcessRunMessage("run-1")))

	var handled int32
	loop := &queue.ReceiverLoop{
		Queue:          q,
		MaxConcurrency: 2,
		Handler: func(_ context.Context, env *queue.Envelope) error {
			atomic.AddInt32(&handled, 1)
			return nil
		},
	}

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = loop.Run(runCtx)

	require.Equal(t, int32(1), atomic.LoadInt32(&handled))
}

func TestReceiverLoopRedeliversOnFailure(t *testing.T) {
	q := queue.NewMemoryQueue(15 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "tenant-1", queue.ProcessRunMessage("run-1")))

	var attempts int32
	var mu sync.Mutex
	var succeedOnSecond bool

	loop := &queue.ReceiverLoop{
		Queue:                q,
		MaxConcurrency:       1,
		BackoffWhenSaturated: 5 * time.Millisecond,
		Handler: func(_ context.Context, env *queue.Envelope) error {
			n := atomic.AddInt32(&attempts, 1)
			mu.Lock()
			defer mu.Unlock()
			if n == 1 {
				return errors.New("transient failure")
			}
			succeedOnSecond = true
			return nil
		},
	}

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_ = loop.Run(runCtx)

	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	require.True(t, succeedOnSecond)
}

func TestReceiverLoopRespectsMaxConcurrency(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Send(ctx, "tenant-1", queue.ProcessRunMessage("run-1")))
	}

	var active int32
	var maxObserved int32
	loop := &queue.ReceiverLoop{
		Queue:          q,
		MaxConcurrency: 2,
		Handler: func(_ context.Context, env *queue.Envelope) error {
			n := atomic.AddInt32(&active, 1)
			for {
				observed := atomic.LoadInt32(&maxObserved)
				if n <= observed || atomic.CompareAndSwapInt32(&maxObserved, observed, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		},
	}

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = loop.Run(runCtx)

	require.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(2))
}
