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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harborline/ingestpipe/internal/queue"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "tenant-1", queue.ProcessRunMessage("run-1")))

	env, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.TypeProcessRun, env.Message.Type)
	require.Equal(t, "run-1", env.Message.RunID)
	require.Equal(t, "tenant-1", env.GroupID)
}

func TestUndeletedMessageBecomesVisibleAfterTimeout(t *testing.T) {
	q := queue.NewMemoryQueue(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "tenant-1", queue.ProcessStreamMessage("stream-1")))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	redeliverCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	second, err := q.Receive(redeliverCtx)
	require.NoError(t, err)
	require.Equal(t, "stream-1", second.Message.StreamID)
}

func TestDeletedMessageIsNotRedelivered(t *testing.T) {
	q := queue.NewMemoryQueue(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "tenant-1", queue.ProcessDataMessage("data-1")))

	env, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeleteMessage(ctx, env.ReceiptHandle))

	time.Sleep(50 * time.Millisecond)

	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Receive(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFIFOOrderingWithinGroup(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "tenant-1", queue.ProcessStreamMessage("s1")))
	require.NoError(t, q.Send(ctx, "tenant-1", queue.ProcessStreamMessage("s2")))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	second, err := q.Receive(ctx)
	require.NoError(t, err)

	require.Equal(t, "s1", first.Message.StreamID)
	require.Equal(t, "s2", second.Message.StreamID)
}

func TestClosedQueueRejectsOperations(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	require.NoError(t, q.Close())

	err := q.Send(context.Background(), "tenant-1", queue.ProcessRunMessage("run-1"))
	require.ErrorIs(t, err, queue.ErrQueueClosed)
}
