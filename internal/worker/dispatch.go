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

package worker

import (
	"context"
	"fmt"

	"github.com/harborline/ingestpipe/internal/queue"
)

// Dispatcher routes a received envelope to the worker stage matching its
// message type. A single process can run one queue with a Dispatcher, or
// three separate queues each pinned to one stage — both are valid
// deployments of the same worker set.
type Dispatcher struct {
	Run    *RunWorker
	Stream *StreamWorker
	Data   *DataWorker
}

// Handle implements queue.Handler.
func (d *Dispatcher) Handle(ctx context.Context, env *queue.Envelope) error {
	switch env.Message.Type {
	case queue.TypeProcessRun:
		return d.Run.Handle(ctx, env)
	case queue.TypeProcessStream:
		return d.Stream.Handle(ctx, env)
	case queue.TypeProcessData:
		return d.Data.Handle(ctx, env)
	default:
		return fmt.Errorf("dispatch: unrecognized message type %q", env.Message.Type)
	}
}
