/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"epaperstore/internal/domain"
	applog "epaperstore/internal/log"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openTestEngine(t *testing.T, dir string, mod func(*Options)) *Engine {
	t.Helper()
	opts := Options{Dir: dir, Logger: applog.Discard(), WriteParallelism: 2}
	if mod != nil {
		mod(&opts)
	}
	e, err := Open(testCtx(t), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// pagesOf builds n uploads whose payload encodes the page number.
func pagesOf(n int) []domain.PageUpload {
	out := make([]domain.PageUpload, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, domain.PageUpload{
			PageNumber:  i,
			Name:        fmt.Sprintf("p%d.jpg", i),
			ContentType: "image/jpeg",
			Data:        []byte(fmt.Sprintf("image-bytes-of-page-%d", i)),
			Preview:     fmt.Sprintf("data:image/jpeg;base64,cHJldmlldy0%d", i),
		})
	}
	return out
}

func mustSave(t *testing.T, e *Engine, edition, date string, pages int) domain.EpaperRecord {
	t.Helper()
	rec, err := e.SaveEpaper(testCtx(t), domain.SaveRequest{Edition: edition, Date: date, Pages: pagesOf(pages)})
	if err != nil {
		t.Fatalf("SaveEpaper(%s, %s): %v", edition, date, err)
	}
	return rec
}

func mustStats(t *testing.T, e *Engine) domain.Stats {
	t.Helper()
	st, err := e.Stats(testCtx(t))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st
}

func assertStats(t *testing.T, st domain.Stats, records, pages, editions int) {
	t.Helper()
	if st.TotalRecords != records || st.TotalPages != pages || st.DistinctEditions != editions {
		t.Fatalf("stats = %d/%d/%d, want %d/%d/%d", st.TotalRecords, st.TotalPages, st.DistinctEditions, records, pages, editions)
	}
}
