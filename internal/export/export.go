/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package export turns locally stored editions into portable files: a PDF with one
// page per stored image, and a CBZ archive carrying the page images together with the
// metadata record so the edition can be saved again on another device.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"epaperstore/internal/domain"
)

// ExportsDirName is where relative output paths are placed inside the data directory.
const ExportsDirName = "exports"

// ErrNoLocalPages is returned when an edition has no stored pages to export.
var ErrNoLocalPages = errors.New("export: no locally stored pages")

// Source is the read side of the store needed by the exporters.
// *storage.Engine satisfies it.
type Source interface {
	Dir() string
	List(ctx context.Context) ([]domain.EpaperRecord, error)
	FindOne(ctx context.Context, edition, date string) (domain.EpaperRecord, bool, error)
	GetPagesForViewer(ctx context.Context, edition, date string) ([]domain.PageBlob, bool, error)
}

// resolveOut places a relative outPath under <dataDir>/exports and makes sure the
// directory exists. ext is enforced on the file name.
func resolveOut(src Source, outPath, ext string) (string, error) {
	if outPath == "" {
		return "", errors.New("output path is empty")
	}
	if !filepath.IsAbs(outPath) {
		outPath = filepath.Join(src.Dir(), ExportsDirName, outPath)
	}
	if !strings.HasSuffix(strings.ToLower(outPath), ext) {
		outPath += ext
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("ensure out dir: %w", err)
	}
	return outPath, nil
}

// loadPages fetches the stored pages of an edition, restricted to only when non-empty.
func loadPages(ctx context.Context, src Source, edition, date string, only []int) ([]domain.PageBlob, error) {
	pages, local, err := src.GetPagesForViewer(ctx, edition, date)
	if err != nil {
		return nil, err
	}
	if !local {
		return nil, fmt.Errorf("%s: %w", domain.EpaperKey(edition, date), ErrNoLocalPages)
	}
	pages = selectPages(pages, only)
	if len(pages) == 0 {
		return nil, fmt.Errorf("%s: none of pages %v stored: %w", domain.EpaperKey(edition, date), only, ErrNoLocalPages)
	}
	return pages, nil
}

func selectPages(pages []domain.PageBlob, only []int) []domain.PageBlob {
	if len(only) == 0 {
		return pages
	}
	want := make(map[int]struct{}, len(only))
	for _, n := range only {
		want[n] = struct{}{}
	}
	out := make([]domain.PageBlob, 0, len(only))
	for _, p := range pages {
		if _, ok := want[p.PageNumber]; ok {
			out = append(out, p)
		}
	}
	return out
}

// sniff returns the decoded image config and format name ("jpeg", "png", "gif",
// "webp", "bmp") of data.
func sniff(data []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return cfg, "", fmt.Errorf("unsupported page image: %w", err)
	}
	return cfg, format, nil
}

// extFor picks a file extension for a page, preferring the sniffed format.
func extFor(p domain.PageBlob) string {
	if _, format, err := sniff(p.ImageData); err == nil {
		if format == "jpeg" {
			return ".jpg"
		}
		return "." + format
	}
	if ext := strings.ToLower(filepath.Ext(p.Name)); ext != "" {
		return ext
	}
	switch p.ContentType {
	case "application/pdf":
		return ".pdf"
	case "image/jpeg":
		return ".jpg"
	}
	return ".bin"
}

// padWidth returns the zero-padding width for n numbered entries.
func padWidth(n int) int {
	switch {
	case n >= 1000:
		return 4
	case n >= 100:
		return 3
	case n >= 10:
		return 2
	default:
		return 1
	}
}
