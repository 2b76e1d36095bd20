/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"epaperstore/internal/domain"
)

// PDFOptions controls PDF export behavior. Units are points (pt).
//
// PageSize:
//   - "" or "image": every PDF page takes the size of its image at DPI
//   - "a4", "letter": fixed paper; the image is scaled to fit inside Margin and centered
//
//nolint:revive // keep options grouped and explicit for clarity
type PDFOptions struct {
	PageSize string
	DPI      int     // pixels per inch for PageSize "image"; default 150
	Margin   float64 // pt, fixed paper sizes only; default 18
	Caption  bool    // print "edition - date - page N" at the bottom of each page
	Pages    []int   // page numbers; empty means all stored pages
}

var paperSizes = map[string]gofpdf.SizeType{
	"a4":     {Wd: 595.28, Ht: 841.89},
	"letter": {Wd: 612, Ht: 792},
}

// PDFResult reports what ExportEditionPDF wrote.
type PDFResult struct {
	Path    string
	Pages   int
	Skipped []int // stored pages that are not raster images
}

// ExportEditionPDF writes the stored pages of one edition and date to a single PDF at
// outPath. A relative outPath is placed under <dataDir>/exports.
func ExportEditionPDF(ctx context.Context, src Source, edition, date, outPath string, opt PDFOptions) (PDFResult, error) {
	var res PDFResult
	pages, err := loadPages(ctx, src, edition, date, opt.Pages)
	if err != nil {
		return res, err
	}
	sizeName := strings.ToLower(strings.TrimSpace(opt.PageSize))
	paper, fixed := paperSizes[sizeName]
	if !fixed && sizeName != "" && sizeName != "image" {
		return res, fmt.Errorf("unknown page size %q", opt.PageSize)
	}
	dpi := opt.DPI
	if dpi <= 0 {
		dpi = 150
	}
	margin := opt.Margin
	if margin <= 0 {
		margin = 18
	}

	title := fmt.Sprintf("%s %s", edition, date)
	if rec, ok, err := src.FindOne(ctx, edition, date); err == nil && ok {
		title = fmt.Sprintf("%s %s (%d pages)", rec.Edition, rec.Date, rec.PagesCount)
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{UnitStr: "pt", Size: gofpdf.SizeType{Wd: 595.28, Ht: 841.89}})
	pdf.SetTitle(title, false)
	pdf.SetCreator("epaper", false)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Helvetica", "", 9)

	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cfg, format, err := sniff(p.ImageData)
		if err != nil {
			res.Skipped = append(res.Skipped, p.PageNumber)
			continue
		}
		imgType, data, err := pdfImage(format, p.ImageData)
		if err != nil {
			res.Skipped = append(res.Skipped, p.PageNumber)
			continue
		}
		name := domain.PageKey(domain.EpaperKey(edition, date), p.PageNumber)
		pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: imgType}, bytes.NewReader(data))

		imgW := float64(cfg.Width) * 72 / float64(dpi)
		imgH := float64(cfg.Height) * 72 / float64(dpi)
		pageSize := gofpdf.SizeType{Wd: imgW, Ht: imgH}
		x, y, w, h := 0.0, 0.0, imgW, imgH
		if fixed {
			pageSize = paper
			w, h = fitBox(imgW, imgH, paper.Wd-2*margin, paper.Ht-2*margin)
			x = (paper.Wd - w) / 2
			y = (paper.Ht - h) / 2
		}
		pdf.AddPageFormat("", pageSize)
		pdf.ImageOptions(name, x, y, w, h, false, gofpdf.ImageOptions{ImageType: imgType}, 0, "")
		if opt.Caption {
			pdf.SetTextColor(90, 90, 90)
			pdf.Text(6, pageSize.Ht-6, fmt.Sprintf("%s - %s - page %d", edition, date, p.PageNumber))
		}
		if err := pdf.Error(); err != nil {
			return res, fmt.Errorf("render page %d: %w", p.PageNumber, err)
		}
		res.Pages++
	}
	if res.Pages == 0 {
		return res, fmt.Errorf("%s: no page is a raster image: %w", domain.EpaperKey(edition, date), ErrNoLocalPages)
	}

	out, err := resolveOut(src, outPath, ".pdf")
	if err != nil {
		return res, err
	}
	if err := pdf.OutputFileAndClose(out); err != nil {
		return res, fmt.Errorf("write pdf: %w", err)
	}
	res.Path = out
	return res, nil
}

// pdfImage returns the gofpdf image type and bytes for a page. JPEG and GIF are
// embedded as-is; everything else is flattened onto white and re-encoded as an opaque
// PNG, which gofpdf reads without interlacing or alpha restrictions.
func pdfImage(format string, data []byte) (string, []byte, error) {
	switch format {
	case "jpeg":
		return "JPG", data, nil
	case "gif":
		return "GIF", data, nil
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", nil, err
	}
	b := src.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), src, b.Min, draw.Over)
	var buf bytes.Buffer
	if err := png.Encode(&buf, flat); err != nil {
		return "", nil, fmt.Errorf("encode png: %w", err)
	}
	return "PNG", buf.Bytes(), nil
}

func fitBox(w, h, maxW, maxH float64) (float64, float64) {
	if w <= 0 || h <= 0 {
		return maxW, maxH
	}
	scale := maxW / w
	if s := maxH / h; s < scale {
		scale = s
	}
	return w * scale, h * scale
}
