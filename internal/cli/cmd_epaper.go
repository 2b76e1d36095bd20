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
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"epaperstore/internal/config"
	"epaperstore/internal/domain"
	"epaperstore/internal/export"
	"epaperstore/internal/storage"
)

func newSaveCommand(deps commandDeps) *cobra.Command {
	var (
		edition, date, id, archive string
		pagesCount                 int
	)
	cmd := &cobra.Command{
		Use:   "save [N=]FILE...",
		Short: "Store the pages of one edition and date",
		Example: "  epaper save --edition main --date 2025-03-01 p1.jpg p2.jpg p3.jpg\n" +
			"  epaper save --edition main --date 2025-03-01 --pages-count 24 5=p5.jpg 6=p6.jpg\n" +
			"  epaper save --archive main-2025-03-01.cbz",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req domain.SaveRequest
			switch {
			case archive != "":
				if len(args) != 0 {
					return usageErrorf("save --archive does not accept page files")
				}
				r, err := export.ReadCBZ(archive)
				if err != nil {
					return mapCommandError(err)
				}
				req = r
				if edition != "" {
					req.Edition = edition
				}
				if date != "" {
					req.Date = date
				}
			case len(args) == 0:
				return usageErrorf("save requires page files or --archive")
			default:
				if strings.TrimSpace(edition) == "" || strings.TrimSpace(date) == "" {
					return usageErrorf("save requires --edition and --date")
				}
				pages, err := readPageFiles(args)
				if err != nil {
					return err
				}
				req = domain.SaveRequest{Edition: edition, Date: date, Pages: pages}
			}
			if id != "" {
				req.ID = id
			}
			if pagesCount > 0 {
				req.PagesCount = pagesCount
			}
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				rec, err := eng.SaveEpaper(ctx, req)
				if err != nil && storage.KindOf(err) != storage.KindPartial {
					return err
				}
				if perr := deps.report(rec, func(w io.Writer) error {
					_, werr := fmt.Fprintf(w, "saved %s (%s, id %s)\n", rec.Key(), plural(len(req.Pages), "page"), rec.ID)
					return werr
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&edition, "edition", "", "Edition id")
	f.StringVar(&date, "date", "", "Publication date (YYYY-MM-DD)")
	f.StringVar(&id, "id", "", "Record id (default: keep existing or generate)")
	f.IntVar(&pagesCount, "pages-count", 0, "Declared page count (default: number of files)")
	f.StringVar(&archive, "archive", "", "Save the pages of an archive written by 'epaper archive'")
	return cmd
}

// readPageFiles numbers files in argument order from 1; "N=path" sets the number explicitly.
func readPageFiles(args []string) ([]domain.PageUpload, error) {
	pages := make([]domain.PageUpload, 0, len(args))
	next := 1
	for _, arg := range args {
		n, path := next, arg
		if i := strings.IndexByte(arg, '='); i > 0 {
			v, err := strconv.Atoi(arg[:i])
			if err != nil || v < 1 {
				return nil, usageErrorf("bad page number in %q", arg)
			}
			n, path = v, arg[i+1:]
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, asExitError(ExitCodeGeneric, fmt.Errorf("read page %d: %w", n, err))
		}
		ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		pages = append(pages, domain.PageUpload{PageNumber: n, Name: filepath.Base(path), ContentType: ct, Data: data})
		next = n + 1
	}
	return pages, nil
}

func newDeleteCommand(deps commandDeps) *cobra.Command {
	var edition, date string
	cmd := &cobra.Command{
		Use:   "delete [ID]",
		Short: "Delete a record and its pages",
		Example: "  epaper delete 6f1c0b7e-3f4e-4d55-9a0e-2c1f9a1e9b3d\n" +
			"  epaper delete --edition main --date 2025-03-01",
		RunE: func(cmd *cobra.Command, args []string) error {
			byKey := edition != "" || date != ""
			if byKey == (len(args) == 1) || len(args) > 1 {
				return usageErrorf("delete requires either an id or --edition and --date")
			}
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				id := ""
				if len(args) == 1 {
					id = args[0]
				} else {
					rec, ok, err := eng.FindOne(ctx, edition, date)
					if err != nil {
						return err
					}
					if !ok {
						return asExitError(ExitCodeNotFound, fmt.Errorf("no e-paper for %s %s", edition, date))
					}
					id = rec.ID
				}
				if err := eng.DeleteEpaper(ctx, id); err != nil {
					return err
				}
				return deps.report(map[string]string{"deleted": id}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "deleted %s\n", id)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&edition, "edition", "", "Edition id")
	cmd.Flags().StringVar(&date, "date", "", "Publication date (YYYY-MM-DD)")
	return cmd
}

func newListCommand(deps commandDeps) *cobra.Command {
	var edition string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored records, newest first",
		Args:  noArgs("list"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				records, err := eng.List(ctx)
				if err != nil {
					return err
				}
				out := make([]domain.EpaperRecord, 0, len(records))
				for _, r := range records {
					if edition == "" || r.Edition == edition {
						out = append(out, r)
					}
				}
				return deps.report(out, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					_, _ = fmt.Fprintln(tw, "EDITION\tDATE\tPAGES\tID\tUPDATED")
					for _, r := range out {
						updated := r.CreatedAt
						if r.UpdatedAt != nil {
							updated = *r.UpdatedAt
						}
						_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Edition, r.Date, r.PagesCount, r.ID, updated.Local().Format(time.DateTime))
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&edition, "edition", "", "Only list this edition")
	return cmd
}

type pageListing struct {
	Local bool       `json:"local"`
	Pages []pageFile `json:"pages"`
}

type pageFile struct {
	PageNumber  int    `json:"pageNumber"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	Path        string `json:"path,omitempty"`
}

func newPagesCommand(deps commandDeps) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:     "pages EDITION DATE",
		Short:   "Show the locally stored pages of an edition",
		Example: "  epaper pages main 2025-03-01\n  epaper pages main 2025-03-01 --out ./pages",
		Args:    exactArgs("pages", 2, "EDITION and DATE"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				pages, local, err := eng.GetPagesForViewer(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				listing := pageListing{Local: local, Pages: make([]pageFile, 0, len(pages))}
				if outDir != "" && local {
					if err := os.MkdirAll(outDir, 0o755); err != nil {
						return fmt.Errorf("create %s: %w", outDir, err)
					}
				}
				for _, p := range pages {
					pf := pageFile{PageNumber: p.PageNumber, Name: p.Name, ContentType: p.ContentType, Size: p.Size}
					if outDir != "" {
						pf.Path = filepath.Join(outDir, fmt.Sprintf("%03d-%s", p.PageNumber, filepath.Base(p.Name)))
						if err := os.WriteFile(pf.Path, p.ImageData, 0o644); err != nil {
							return fmt.Errorf("write page %d: %w", p.PageNumber, err)
						}
					}
					listing.Pages = append(listing.Pages, pf)
				}
				return deps.report(listing, func(w io.Writer) error {
					if !local {
						_, err := fmt.Fprintf(w, "no local pages for %s\n", domain.EpaperKey(args[0], args[1]))
						return err
					}
					for _, p := range listing.Pages {
						line := fmt.Sprintf("%3d  %-24s %-12s %8d", p.PageNumber, p.Name, p.ContentType, p.Size)
						if p.Path != "" {
							line += "  -> " + p.Path
						}
						if _, err := fmt.Fprintln(w, line); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "Write the page files into this directory")
	return cmd
}

func newStatsCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record and page totals",
		Args:  noArgs("stats"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				st, err := eng.Stats(ctx)
				if err != nil {
					return err
				}
				return deps.report(st, func(w io.Writer) error {
					_, _ = fmt.Fprintf(w, "records=%d pages=%d editions=%d\n", st.TotalRecords, st.TotalPages, st.DistinctEditions)
					for _, e := range st.Editions {
						name := e.Name
						if name == "" {
							name = e.Edition
						}
						_, _ = fmt.Fprintf(w, "  %-20s records=%d pages=%d\n", name, e.Records, e.Pages)
					}
					return nil
				})
			})
		},
	}
}

func newClearCommand(deps commandDeps) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every record, page and backup generation",
		Args:  noArgs("clear"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return usageErrorf("clear deletes all local e-papers and backups; pass --yes to confirm")
			}
			return withEngine(cmd.Context(), deps, func(ctx context.Context, _ config.AppConfig, eng *storage.Engine) error {
				if err := eng.ClearAll(ctx); err != nil {
					return err
				}
				return deps.report(map[string]bool{"cleared": true}, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, "cleared all local e-papers")
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm")
	return cmd
}
