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
	"strings"

	"github.com/spf13/cobra"

	"epaperstore/internal/config"
	"epaperstore/internal/export"
	"epaperstore/internal/storage"
)

func newPDFCommand(deps commandDeps) *cobra.Command {
	var (
		out string
		opt export.PDFOptions
	)
	cmd := &cobra.Command{
		Use:   "pdf EDITION DATE",
		Short: "Write the stored pages of an edition to a PDF",
		Example: "  epaper pdf main 2025-03-01\n" +
			"  epaper pdf main 2025-03-01 --page-size a4 --caption --pages 1,2,3 --out front.pdf",
		Args: exactArgs("pdf", 2, "EDITION and DATE"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = args[0] + "-" + args[1] + ".pdf"
			}
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				res, err := export.ExportEditionPDF(ctx, eng, args[0], args[1], out, opt)
				if err != nil {
					return err
				}
				return deps.report(res, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "wrote %s (%s", res.Path, plural(res.Pages, "page"))
					if err == nil && len(res.Skipped) > 0 {
						_, err = fmt.Fprintf(w, ", skipped non-image pages %v", res.Skipped)
					}
					if err == nil {
						_, err = fmt.Fprintln(w, ")")
					}
					return err
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&out, "out", "", "Output file; relative paths go under <data-dir>/exports")
	f.StringVar(&opt.PageSize, "page-size", "image", "Page size: image, a4 or letter")
	f.IntVar(&opt.DPI, "dpi", 150, "Pixels per inch for --page-size image")
	f.BoolVar(&opt.Caption, "caption", false, "Print edition, date and page number on each page")
	f.IntSliceVar(&opt.Pages, "pages", nil, "Only these page numbers")
	return cmd
}

func newArchiveCommand(deps commandDeps) *cobra.Command {
	var (
		out string
		opt export.CBZOptions
	)
	cmd := &cobra.Command{
		Use:   "archive EDITION DATE",
		Short: "Write an edition with its page images to a CBZ archive",
		Long: "The archive carries the page images and the record, so it can be stored on\n" +
			"another device with 'epaper save --archive'.",
		Args: exactArgs("archive", 2, "EDITION and DATE"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = args[0] + "-" + args[1] + ".cbz"
			}
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				path, err := export.ExportEditionCBZ(ctx, eng, args[0], args[1], out, opt)
				if err != nil {
					return err
				}
				return deps.report(map[string]string{"path": path}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "wrote %s\n", path)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Output file; relative paths go under <data-dir>/exports")
	cmd.Flags().IntSliceVar(&opt.Pages, "pages", nil, "Only these page numbers")
	return cmd
}

func newBatchCommand(deps commandDeps) *cobra.Command {
	var (
		preset string
		opt    export.BatchOptions
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Export many editions with a preset (print, archive, screen)",
		Example: "  epaper batch --preset archive\n" +
			"  epaper batch --preset print --edition main --from 2025-03-01 --to 2025-03-31",
		Args: noArgs("batch"),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt.Preset = export.PresetName(strings.ToLower(strings.TrimSpace(preset)))
			switch opt.Preset {
			case export.PresetPrint, export.PresetArchive, export.PresetScreen:
			default:
				return usageErrorf("unknown preset %q", preset)
			}
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				res, err := export.BatchExport(ctx, eng, opt)
				if err != nil {
					return err
				}
				return deps.report(res, func(w io.Writer) error {
					for _, f := range res.Files {
						_, _ = fmt.Fprintln(w, f)
					}
					_, err := fmt.Fprintf(w, "%s written, %d editions without local pages\n", plural(len(res.Files), "file"), len(res.Skipped))
					return err
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&preset, "preset", string(export.PresetArchive), "Preset: print, archive or screen")
	f.StringSliceVar(&opt.Formats, "format", nil, "Override the preset formats (pdf, cbz)")
	f.StringSliceVar(&opt.Editions, "edition", nil, "Only these editions")
	f.StringVar(&opt.From, "from", "", "First date (YYYY-MM-DD)")
	f.StringVar(&opt.To, "to", "", "Last date (YYYY-MM-DD)")
	f.StringVar(&opt.OutDir, "out", "", "Output directory (default <data-dir>/exports/<preset>)")
	return cmd
}
