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

func TestRouterSendsEachTypeToItsOwnQueue(t *testing.T) {
	ctx := context.Background()
	runQ := queue.NewMemoryQueue(time.Minute)
	streamQ := queue.NewMemoryQueue(time.Minute)
	dataQ := queue.NewMemoryQueue(time.Minute)

	r := &queue.Router{Primary: runQ, Run: runQ, Stream: streamQ, Data: dataQ}

	require.NoError(t, r.Send(ctx, "tenant-1", queue.ProcessRunMessage("run-1")))
	require.NoError(t, r.Send(ctx, "tenant-1", queue.ProcessStreamMessage("stream-1")))
	require.NoError(t, r.Send(ctx, "tenant-1", queue.ProcessDataMessage("data-1")))

	runEnv, err := runQ.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "run-1", runEnv.Message.RunID)

	streamEnv, err := streamQ.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "stream-1", streamEnv.Message.StreamID)

	dataEnv, err := dataQ.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "data-1", dataEnv.Message.DataID)
}

func TestRouterReceiveDelegatesToPrimary(t *testing.T) {
	ctx := context.Background()
	runQ := queue.NewMemoryQueue(time.Minute)
	streamQ := queue.NewMemoryQueue(time.Minute)

	r := &queue.Router{Primary: runQ, Run: runQ, Stream: streamQ, Data: streamQ}
	require.NoError(t, r.Send(ctx, "tenant-1", queue.ProcessRunMessage("run-1")))
	require.NoError(t, streamQ.Send(ctx, "tenant-1", queue.ProcessStreamMessage("stream-1")))

	env, err := r.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.TypeProcessRun, env.Message.Type)
}

func TestRouterSharedQueueInitsAndClosesOnce(t *testing.T) {
	shared := queue.NewMemoryQueue(time.Minute)
	r := &queue.Router{Primary: shared, Run: shared, Stream: shared, Data: shared}

	require.NoError(t, r.Init(context.Background()))
	require.NoError(t, r.Close())

	err := shared.Send(context.Background(), "tenant-1", queue.ProcessRunMessage("run-1"))
	require.ErrorIs(t, err, queue.ErrQueueClosed)
}
