/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"epaperstore/internal/config"
	"epaperstore/internal/storage"
)

// DefaultExportName is the file name used when export gets no path.
func DefaultExportName(now time.Time) string {
	return fmt.Sprintf("epaper-backup-%s.json", now.Format("2006-01-02"))
}

func newExportCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "export [FILE|-]",
		Short: "Write all records (metadata only) as a JSON document",
		Example: "  epaper export\n" +
			"  epaper export ./backup.json\n" +
			"  epaper export - > backup.json",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := DefaultExportName(time.Now())
			if len(args) == 1 {
				path = args[0]
			}
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				if path == "-" {
					_, err := eng.Export(ctx, cmd.OutOrStdout())
					return err
				}
				n, err := exportToFile(ctx, eng, path)
				if err != nil {
					return err
				}
				return deps.report(map[string]any{"path": path, "records": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "exported %s to %s\n", plural(n, "record"), path)
					return err
				})
			})
		},
	}
}

// exportToFile writes next to path and renames, so a failed export leaves no partial file.
func exportToFile(ctx context.Context, eng *storage.Engine, path string) (int, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	bw := bufio.NewWriter(f)
	n, err := eng.Export(ctx, bw)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("rename export: %w", err)
	}
	return n, nil
}

func newImportCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE|-",
		Short: "Replace records from an exported JSON document",
		Long: "Import writes every record of the document, replacing stored records with the same\n" +
			"edition and date. Page images are not part of the document.",
		Args: exactArgs("import", 1, "a FILE or - for stdin"),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader
			if args[0] == "-" {
				in = cmd.InOrStdin()
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return asExitError(ExitCodeNotFound, fmt.Errorf("open import document: %w", err))
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				res, err := eng.Import(ctx, in)
				if err != nil {
					return err
				}
				return deps.report(res, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "imported %s (%d replaced, %d duplicates dropped)\n", plural(res.Imported, "record"), res.Replaced, res.Duplicates)
					return err
				})
			})
		},
	}
}
