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
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	configPath string
)

// SetVersion records build metadata reported by the version command and
// attached to every process's telemetry resource.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// NewRootCommand builds the pipeline CLI: one subcommand per process
// role, plus a schema migration helper and a version printer.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the integration execution pipeline",
		Long: `pipeline runs the run/stream/data workers and sweeper that
drive integration runs from a seeded run through every stream and data
row it produces, against a shared state repository and work queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: XDG config dir)")

	root.AddCommand(
		newRunWorkerCommand(),
		newStreamWorkerCommand(),
		newDataWorkerCommand(),
		newSweepCommand(),
		newServeMetricsCommand(),
		newMigrateCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
