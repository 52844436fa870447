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

	"github.com/harborline/ingestpipe/internal/config"
)

// newMigrateCommand opens the configured SQL backend, which runs its
// embedded migrations as part of connecting, then closes it. It exists
// so an operator can provision schema ahead of starting any worker,
// without needing to know which backend package owns the migration.
func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply state repository migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Store.Driver == "memory" {
				fmt.Fprintln(cmd.OutOrStdout(), "store driver is \"memory\": nothing to migrate")
				return nil
			}

			_, closeFn, err := buildStore(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			if closeFn != nil {
				defer closeFn()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s migrations applied\n", cfg.Store.Driver)
			return nil
		},
	}
}
