/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"epaperstore/internal/config"
	"epaperstore/internal/storage"
)

type verifyOutput struct {
	storage.VerifyReport
	Pruned []string `json:"pruned,omitempty"`
}

func newVerifyCommand(deps commandDeps) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:     "verify",
		Short:   "Cross-check records against stored pages",
		Example: "  epaper verify\n  epaper verify --prune",
		Args:    noArgs("verify"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				rep, err := eng.Verify(ctx)
				if err != nil {
					return err
				}
				out := verifyOutput{VerifyReport: rep}
				var pruneErr error
				if prune && len(rep.Orphans) > 0 {
					out.Pruned, pruneErr = eng.PruneOrphans(ctx)
				}
				if err := deps.report(out, func(w io.Writer) error { return printVerify(w, out) }); err != nil {
					return err
				}
				return pruneErr
			})
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "Delete pages that belong to no record")
	return cmd
}

func printVerify(w io.Writer, v verifyOutput) error {
	status := "healthy"
	if v.Unhealthy {
		status = "unhealthy"
	}
	_, _ = fmt.Fprintf(w, "%s: %s, %d page sets\n", status, plural(v.Records, "record"), v.BlobKeys)
	for _, d := range v.Dangling {
		_, _ = fmt.Fprintf(w, "  missing page %s (record %s)\n", d.PageKey, d.RecordID)
	}
	for _, m := range v.Mismatch {
		_, _ = fmt.Fprintf(w, "  %s declares %d pages, %d stored\n", m.Key, m.Declared, m.Stored)
	}
	for _, o := range v.Orphans {
		_, _ = fmt.Fprintf(w, "  orphan pages %s\n", o)
	}
	for _, p := range v.Pruned {
		_, _ = fmt.Fprintf(w, "  pruned %s\n", p)
	}
	return nil
}
