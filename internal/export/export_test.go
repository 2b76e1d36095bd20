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
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"epaperstore/internal/domain"
	applog "epaperstore/internal/log"
	"epaperstore/internal/storage"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openStore(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.Open(testCtx(t), storage.Options{Dir: t.TempDir(), Logger: applog.Discard()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func pageImage(t *testing.T, w, h int, asJPEG bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 2), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	var err error
	if asJPEG {
		err = jpeg.Encode(&buf, img, nil)
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// seedEdition stores a three page edition: a PNG, a JPEG and a non-image payload.
func seedEdition(t *testing.T, e *storage.Engine, edition, date string) domain.EpaperRecord {
	t.Helper()
	rec, err := e.SaveEpaper(testCtx(t), domain.SaveRequest{
		Edition: edition,
		Date:    date,
		Pages: []domain.PageUpload{
			{PageNumber: 1, Name: "front.png", ContentType: "image/png", Data: pageImage(t, 60, 80, false), Preview: "data:image/jpeg;base64,AA=="},
			{PageNumber: 2, Name: "two.jpg", ContentType: "image/jpeg", Data: pageImage(t, 60, 80, true)},
			{PageNumber: 3, Name: "ads.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 fake")},
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return rec
}
