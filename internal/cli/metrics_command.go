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
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose the Prometheus metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), configPath, "metrics")
			if err != nil {
				return err
			}
			defer rt.Close()

			if !rt.Config.Metrics.Enabled {
				rt.Logger.Warn("metrics.enabled is false, nothing to serve")
				return nil
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", rt.Telemetry.MetricsHandler())
			srv := &http.Server{Addr: rt.Config.Metrics.Addr, Handler: mux}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			rt.Logger.Info("serving metrics", "addr", rt.Config.Metrics.Addr)
			select {
			case <-ctx.Done():
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			}
		},
	}
}
