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

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	pipelinelog "github.com/harborline/ingestpipe/internal/log"
	"github.com/harborline/ingestpipe/internal/queue"
	"github.com/harborline/ingestpipe/internal/worker"
)

func newRunWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-worker",
		Short: "Process process_run messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), configPath, "run-worker")
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			rt.watchConfig(ctx, configPath)

			w := &worker.RunWorker{Deps: rt.workerDeps()}
			dispatch := pipelinelog.NewDispatchMiddleware(rt.Logger)
			loop := &queue.ReceiverLoop{
				Queue:          rt.Queue,
				MaxConcurrency: rt.Config.Worker.MaxConcurrentMessages,
				Handler:        dispatch.Wrap(w.Handle),
				Logger:         rt.Logger,
			}
			rt.Logger.Info("run-worker starting", "max_concurrency", loop.MaxConcurrency)
			return loop.Run(ctx)
		},
	}
}

func newStreamWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stream-worker",
		Short: "Process process_stream messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), configPath, "stream-worker")
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			rt.watchConfig(ctx, configPath)

			sweeper := &worker.Sweeper{Deps: rt.workerDeps()}
			w := &worker.StreamWorker{Deps: rt.workerDeps(), Config: rt.workerConfig(), Sweeper: sweeper}
			dispatch := pipelinelog.NewDispatchMiddleware(rt.Logger)
			loop := &queue.ReceiverLoop{
				Queue:          rt.Queue,
				MaxConcurrency: rt.Config.Worker.MaxConcurrentMessages,
				Handler:        dispatch.Wrap(w.Handle),
				Logger:         rt.Logger,
			}
			rt.Logger.Info("stream-worker starting", "max_concurrency", loop.MaxConcurrency)
			return loop.Run(ctx)
		},
	}
}

func newDataWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "data-worker",
		Short: "Process process_data messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), configPath, "data-worker")
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			rt.watchConfig(ctx, configPath)

			sweeper := &worker.Sweeper{Deps: rt.workerDeps()}
			w := &worker.DataWorker{Deps: rt.workerDeps(), Config: rt.workerConfig(), Sweeper: sweeper}
			dispatch := pipelinelog.NewDispatchMiddleware(rt.Logger)
			loop := &queue.ReceiverLoop{
				Queue:          rt.Queue,
				MaxConcurrency: rt.Config.Worker.MaxConcurrentMessages,
				Handler:        dispatch.Wrap(w.Handle),
				Logger:         rt.Logger,
			}
			rt.Logger.Info("data-worker starting", "max_concurrency", loop.MaxConcurrency)
			return loop.Run(ctx)
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the delay/resume sweeper loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), configPath, "sweeper")
			if err != nil {
				return err
			}
			defer rt.Close()

			sweeper := &worker.Sweeper{
				Deps:      rt.workerDeps(),
				BatchSize: rt.Config.Worker.SweepBatchSize,
				Interval:  rt.Config.Worker.SweepInterval,
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			rt.watchConfig(ctx, configPath)
			rt.Logger.Info("sweeper starting", "interval", sweeper.Interval, "batch_size", sweeper.BatchSize)
			if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("sweeper: %w", err)
			}
			return nil
		},
	}
}
