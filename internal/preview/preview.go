/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package preview renders small JPEG thumbnails of uploaded page images and returns
// them as data URLs suitable for embedding in metadata records.
package preview

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Defaults for the thumbnail box and encoder.
const (
	DefaultMaxWidth  = 240
	DefaultMaxHeight = 320
	DefaultQuality   = 70
)

// ErrUnsupported is returned for payloads that are not a decodable raster image
// (PDF pages, SVG, truncated files).
var ErrUnsupported = errors.New("preview: unsupported image data")

// Options bounds the thumbnail size. Zero values select the defaults.
type Options struct {
	MaxWidth  int
	MaxHeight int
	Quality   int // JPEG quality 1..100
}

// Generator renders thumbnails. It is safe for concurrent use.
type Generator struct {
	opts Options
}

func New(opts Options) *Generator {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultMaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = DefaultMaxHeight
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	return &Generator{opts: opts}
}

// Preview decodes data and returns a "data:image/jpeg;base64,..." URL of the image scaled
// to fit the configured box. Images already inside the box are not upscaled.
// contentType is only used in error messages; the format is sniffed from data.
func (g *Generator) Preview(data []byte, contentType string) (string, error) {
	b, err := g.Thumbnail(data)
	if err != nil {
		if contentType != "" {
			return "", fmt.Errorf("%w (%s)", err, contentType)
		}
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(b), nil
}

// Thumbnail is Preview without the data URL wrapping.
func (g *Generator) Thumbnail(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	sb := src.Bounds()
	w, h := Fit(sb.Dx(), sb.Dy(), g.opts.MaxWidth, g.opts.MaxHeight)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupported)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha; flatten onto white like a printed page.
	xdraw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, xdraw.Src)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: g.opts.Quality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Fit scales (w, h) down to fit inside (maxW, maxH) keeping the aspect ratio.
func Fit(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if w <= maxW && h <= maxH {
		return w, h
	}
	// Compare w/maxW against h/maxH without floats.
	if w*maxH >= h*maxW {
		nh := h * maxW / w
		if nh < 1 {
			nh = 1
		}
		return maxW, nh
	}
	nw := w * maxH / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxH
}
