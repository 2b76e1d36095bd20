/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"epaperstore/internal/version"
)

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Go      string `json:"go"`
}

func newVersionCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		Args:  noArgs("version"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.globals.JSON {
				return printJSON(deps.out, versionInfo{Version: version.Version, Commit: version.Commit, Go: runtime.Version()})
			}
			_, err := fmt.Fprintf(deps.out, "epaper %s\n", version.String())
			return err
		},
	}
}
