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
	"time"

	"github.com/spf13/cobra"

	"epaperstore/internal/config"
	"epaperstore/internal/storage"
)

func newBackupCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup generations of the metadata collection",
		Example: "  epaper backup info\n" +
			"  epaper backup restore --generation 12",
	}
	cmd.AddCommand(
		newBackupInfoCommand(deps),
		newBackupListCommand(deps),
		newBackupSnapshotCommand(deps),
		newBackupRestoreCommand(deps),
	)
	return cmd
}

func newBackupInfoCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe the newest backup generation",
		Args:  noArgs("backup info"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				info, err := eng.BackupInfo(ctx)
				if err != nil {
					return err
				}
				return deps.report(info, func(w io.Writer) error {
					if !info.HasBackup {
						_, err := fmt.Fprintln(w, "no backup")
						return err
					}
					_, err := fmt.Fprintf(w, "latest backup %s: %s (%d generations kept)\n",
						info.Timestamp.Local().Format(time.DateTime), plural(info.RecordCount, "record"), info.Generations)
					return err
				})
			})
		},
	}
}

func newBackupListCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backup generations, newest first",
		Args:  noArgs("backup list"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				gens, err := eng.Backups(ctx)
				if err != nil {
					return err
				}
				return deps.report(gens, func(w io.Writer) error {
					for _, g := range gens {
						if _, err := fmt.Fprintf(w, "%6d  %s  %s\n", g.ID, g.Timestamp.Local().Format(time.DateTime), plural(g.RecordCount, "record")); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

func newBackupSnapshotCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Write a backup generation now",
		Args:  noArgs("backup snapshot"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				gen, err := eng.Snapshot(ctx)
				if err != nil {
					return err
				}
				return deps.report(gen, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "backup generation %d: %s\n", gen.ID, plural(gen.RecordCount, "record"))
					return err
				})
			})
		},
	}
}

func newBackupRestoreCommand(deps commandDeps) *cobra.Command {
	var generation int64
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the metadata collection with a backup generation",
		Long:  "Restore replaces metadata only; stored page images are left as they are.",
		Args:  noArgs("backup restore"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				var (
					n   int
					err error
				)
				if generation > 0 {
					n, err = eng.RestoreGeneration(ctx, generation)
				} else {
					n, err = eng.Restore(ctx)
				}
				if err != nil {
					return err
				}
				return deps.report(map[string]int{"restored": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "restored %s\n", plural(n, "record"))
					return err
				})
			})
		},
	}
	cmd.Flags().Int64Var(&generation, "generation", 0, "Generation id from 'backup list' (default: newest)")
	return cmd
}
