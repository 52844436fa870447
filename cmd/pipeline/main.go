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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/harborline/ingestpipe/internal/cli"
	pipelineerrors "github.com/harborline/ingestpipe/pkg/errors"
)

// Version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		printUserVisibleSuggestion(err)
		os.Exit(1)
	}
}

// printUserVisibleSuggestion walks err's unwrap chain for a
// pipelineerrors.UserVisibleError and, if found, prints its remediation
// suggestion so a misconfigured operator sees more than a bare error.
func printUserVisibleSuggestion(err error) {
	for err != nil {
		var visible pipelineerrors.UserVisibleError
		if errors.As(err, &visible) && visible.IsUserVisible() {
			if suggestion := visible.Suggestion(); suggestion != "" {
				fmt.Fprintln(os.Stderr, "Suggestion:", suggestion)
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
