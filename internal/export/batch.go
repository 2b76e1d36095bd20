/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// PresetName represents a named export preset.
type PresetName string

const (
	PresetPrint   PresetName = "print"   // A4 PDF with captions
	PresetArchive PresetName = "archive" // CBZ, pages as stored
	PresetScreen  PresetName = "screen"  // image-sized PDF and CBZ
)

// BatchOptions controls batch export across stored editions.
//
// Path semantics:
//   - If OutDir is empty or relative, it is created under <dataDir>/exports/<preset>/.
//   - Files are named <edition>-<date>.pdf|cbz in pdf/ and cbz/ subfolders of OutDir.
//
// Records without locally stored pages are skipped and reported.
//
//nolint:revive // keep fields explicit for clarity
type BatchOptions struct {
	Preset   PresetName
	Formats  []string // allowed: pdf, cbz; empty means preset defaults
	Editions []string // empty means all editions
	From, To string   // inclusive YYYY-MM-DD bounds; empty means open
	OutDir   string
}

// BatchResult lists the written files and the records that had nothing to export.
type BatchResult struct {
	Files   []string
	Skipped []string
}

// BatchExport runs exports for every matching stored record according to the preset.
func BatchExport(ctx context.Context, src Source, opt BatchOptions) (BatchResult, error) {
	var res BatchResult
	switch opt.Preset {
	case "":
		opt.Preset = PresetArchive
	case PresetPrint, PresetArchive, PresetScreen:
	default:
		return res, fmt.Errorf("unknown preset: %s", opt.Preset)
	}
	requested := opt.Formats
	if len(requested) == 0 {
		requested = presetDefaultFormats(opt.Preset)
	}
	formats := make([]string, 0, len(requested))
	for _, f := range requested {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "pdf" && f != "cbz" {
			return res, fmt.Errorf("unknown format: %s", f)
		}
		formats = append(formats, f)
	}

	baseOut := opt.OutDir
	if baseOut == "" {
		baseOut = string(opt.Preset)
	}
	if !filepath.IsAbs(baseOut) {
		baseOut = filepath.Join(src.Dir(), ExportsDirName, baseOut)
	}

	records, err := src.List(ctx)
	if err != nil {
		return res, err
	}
	editions := make(map[string]struct{}, len(opt.Editions))
	for _, e := range opt.Editions {
		editions[e] = struct{}{}
	}

	for _, rec := range records {
		if len(editions) > 0 {
			if _, ok := editions[rec.Edition]; !ok {
				continue
			}
		}
		// YYYY-MM-DD compares lexically.
		if (opt.From != "" && rec.Date < opt.From) || (opt.To != "" && rec.Date > opt.To) {
			continue
		}
		key := rec.Key()
		for _, f := range formats {
			var (
				out string
				err error
			)
			switch f {
			case "pdf":
				var pr PDFResult
				pr, err = ExportEditionPDF(ctx, src, rec.Edition, rec.Date, filepath.Join(baseOut, "pdf", key+".pdf"), presetPDFOptions(opt.Preset))
				out = pr.Path
			case "cbz":
				out, err = ExportEditionCBZ(ctx, src, rec.Edition, rec.Date, filepath.Join(baseOut, "cbz", key+".cbz"), CBZOptions{})
			}
			if errors.Is(err, ErrNoLocalPages) {
				res.Skipped = append(res.Skipped, key)
				break
			}
			if err != nil {
				return res, fmt.Errorf("%s %s: %w", f, key, err)
			}
			res.Files = append(res.Files, out)
		}
	}
	return res, nil
}

func presetDefaultFormats(p PresetName) []string {
	switch p {
	case PresetPrint:
		return []string{"pdf"}
	case PresetScreen:
		return []string{"pdf", "cbz"}
	default:
		return []string{"cbz"}
	}
}

func presetPDFOptions(p PresetName) PDFOptions {
	if p == PresetPrint {
		return PDFOptions{PageSize: "a4", Caption: true}
	}
	return PDFOptions{PageSize: "image"}
}
