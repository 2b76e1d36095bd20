/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"epaperstore/internal/domain"
)

func TestSaveEpaperRoundTripsMetadata(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	saved := mustSave(t, e, "main", "2024-05-01", 3)
	if saved.ID == "" || saved.CreatedAt.IsZero() {
		t.Fatalf("saved record lacks identity: %+v", saved)
	}
	got, ok, err := e.FindOne(ctx, "main", "2024-05-01")
	if err != nil || !ok {
		t.Fatalf("FindOne ok=%v err=%v", ok, err)
	}
	if got.ID != saved.ID || got.PagesCount != 3 || len(got.Pages) != 3 {
		t.Fatalf("record = %+v", got)
	}
	for i, p := range got.Pages {
		if p.PageNumber != i+1 || p.Name != fmt.Sprintf("p%d.jpg", i+1) {
			t.Fatalf("page meta %d = %+v", i, p)
		}
		if p.Size != int64(len(fmt.Sprintf("image-bytes-of-page-%d", i+1))) {
			t.Fatalf("page size %d = %d", i, p.Size)
		}
		if !strings.HasPrefix(p.Preview, "data:image/jpeg;base64,") {
			t.Fatalf("preview not kept: %q", p.Preview)
		}
	}
	pages, local, err := e.GetPagesForViewer(ctx, "main", "2024-05-01")
	if err != nil || !local || len(pages) != 3 {
		t.Fatalf("viewer pages=%d local=%v err=%v", len(pages), local, err)
	}
	if string(pages[1].ImageData) != "image-bytes-of-page-2" {
		t.Fatalf("page 2 payload = %q", pages[1].ImageData)
	}
}

func TestSaveEpaperSameKeyIsIdempotent(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	first := mustSave(t, e, "main", "2024-05-02", 4)
	mustSave(t, e, "city", "2024-05-02", 2)
	second := mustSave(t, e, "main", "2024-05-02", 4)

	if second.ID != first.ID {
		t.Fatalf("id changed on re-save: %s -> %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("createdAt changed on re-save")
	}
	if second.UpdatedAt == nil {
		t.Fatalf("updatedAt not set on re-save")
	}
	list, err := e.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	// Replacement keeps its slot; city was inserted later and stays first.
	if list[0].Edition != "city" || list[1].Edition != "main" {
		t.Fatalf("order = %s, %s", list[0].Edition, list[1].Edition)
	}
	pages, _, _ := e.GetPagesForViewer(ctx, "main", "2024-05-02")
	if len(pages) != 4 {
		t.Fatalf("pages after re-save = %d", len(pages))
	}
	assertStats(t, mustStats(t, e), 2, 6, 2)
}

func TestListIsMostRecentFirst(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	for _, d := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		mustSave(t, e, "main", d, 1)
	}
	list, err := e.List(testCtx(t))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var dates []string
	for _, r := range list {
		dates = append(dates, r.Date)
	}
	if strings.Join(dates, ",") != "2024-01-03,2024-01-02,2024-01-01" {
		t.Fatalf("order = %v", dates)
	}
}

func TestScenarioA_StatsAccumulate(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	assertStats(t, mustStats(t, e), 0, 0, 0)
	mustSave(t, e, "main", "2024-06-01", 3)
	assertStats(t, mustStats(t, e), 1, 3, 1)
	mustSave(t, e, "main", "2024-06-02", 5)
	st := mustStats(t, e)
	assertStats(t, st, 2, 8, 1)
	if len(st.Editions) != 1 || st.Editions[0].Records != 2 || st.Editions[0].Pages != 8 {
		t.Fatalf("per-edition stats = %+v", st.Editions)
	}
}

func TestScenarioC_ClearAll(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	mustSave(t, e, "main", "2024-06-01", 3)
	mustSave(t, e, "city", "2024-06-01", 2)
	if err := e.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	assertStats(t, mustStats(t, e), 0, 0, 0)
	info, err := e.BackupInfo(ctx)
	if err != nil {
		t.Fatalf("BackupInfo: %v", err)
	}
	if info.HasBackup || info.Generations != 0 {
		t.Fatalf("backups survived clear: %+v", info)
	}
	_, local, err := e.GetPagesForViewer(ctx, "main", "2024-06-01")
	if err != nil || local {
		t.Fatalf("pages survived clear: local=%v err=%v", local, err)
	}
	keys, _ := e.blobs.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("blob keys after clear: %v", keys)
	}
}

func TestDeleteEpaperCascades(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	rec := mustSave(t, e, "main", "2024-07-01", 3)
	mustSave(t, e, "main", "2024-07-02", 2)
	if err := e.DeleteEpaper(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteEpaper: %v", err)
	}
	if _, ok, _ := e.FindOne(ctx, "main", "2024-07-01"); ok {
		t.Fatalf("record still present")
	}
	if _, local, _ := e.GetPagesForViewer(ctx, "main", "2024-07-01"); local {
		t.Fatalf("pages still present")
	}
	if _, ok, _ := e.FindOne(ctx, "main", "2024-07-02"); !ok {
		t.Fatalf("unrelated record removed")
	}
	if pages, _, _ := e.GetPagesForViewer(ctx, "main", "2024-07-02"); len(pages) != 2 {
		t.Fatalf("unrelated pages removed")
	}
	info, _ := e.BackupInfo(ctx)
	if info.RecordCount != 1 {
		t.Fatalf("backup not refreshed after delete: %+v", info)
	}
}

func TestDeleteEpaperUnknownIDIsNoop(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	mustSave(t, e, "main", "2024-07-03", 1)
	before, _ := e.Backups(ctx)
	if err := e.DeleteEpaper(ctx, "does-not-exist"); err != nil {
		t.Fatalf("DeleteEpaper(unknown) = %v", err)
	}
	after, _ := e.Backups(ctx)
	if len(after) != len(before) || after[0].ID != before[0].ID {
		t.Fatalf("unknown delete wrote a backup")
	}
	assertStats(t, mustStats(t, e), 1, 1, 1)
}

func TestDeleteEpaperKeepsRecordWhenPagesRemain(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	rec := mustSave(t, e, "main", "2024-07-04", 2)
	e.blobs.beforeDelete = func(pk string) error { return errors.New("locked") }
	err := e.DeleteEpaper(ctx, rec.ID)
	if KindOf(err) != KindPartial {
		t.Fatalf("expected PartialFailure, got %v", err)
	}
	if _, ok, _ := e.FindOne(ctx, "main", "2024-07-04"); !ok {
		t.Fatalf("record removed despite remaining pages")
	}
	e.blobs.beforeDelete = nil
	if err := e.DeleteEpaper(ctx, rec.ID); err != nil {
		t.Fatalf("retry delete: %v", err)
	}
}

func TestSaveEpaperPartialBlobFailureStillSavesMetadata(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	e.blobs.beforeWrite = func(pk string) error {
		if strings.HasSuffix(pk, "-page-2") {
			return errors.New("disk full")
		}
		return nil
	}
	rec, err := e.SaveEpaper(ctx, domain.SaveRequest{Edition: "main", Date: "2024-08-01", Pages: pagesOf(3)})
	if !errors.Is(err, ErrPartial) {
		t.Fatalf("expected PartialFailure, got %v", err)
	}
	if missing := MissingKeys(err); len(missing) != 1 || missing[0] != "main-2024-08-01-page-2" {
		t.Fatalf("missing = %v", missing)
	}
	if rec.ID == "" {
		t.Fatalf("record not returned")
	}
	got, ok, _ := e.FindOne(ctx, "main", "2024-08-01")
	if !ok || got.PagesCount != 3 || len(got.Pages) != 3 {
		t.Fatalf("metadata not saved: ok=%v %+v", ok, got)
	}
	pages, _, _ := e.GetPagesForViewer(ctx, "main", "2024-08-01")
	if len(pages) != 2 {
		t.Fatalf("stored pages = %d", len(pages))
	}
	rep, err := e.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(rep.Dangling) != 1 || rep.Dangling[0].PageKey != "main-2024-08-01-page-2" {
		t.Fatalf("dangling = %+v", rep.Dangling)
	}
	var pending int
	_ = e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM intents`).Scan(&pending)
	if pending != 0 {
		t.Fatalf("intent left behind: %d", pending)
	}
}

func TestGetPagesForViewerNoLocalData(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	pages, local, err := e.GetPagesForViewer(testCtx(t), "main", "1999-12-31")
	if err != nil {
		t.Fatalf("GetPagesForViewer: %v", err)
	}
	if local || len(pages) != 0 {
		t.Fatalf("expected no local data, got %d pages", len(pages))
	}
}

func TestSaveEpaperValidation(t *testing.T) {
	cat := domain.NewStaticCatalog(domain.Edition{ID: "main", Name: "Main Edition", Pages: 12})
	e := openTestEngine(t, t.TempDir(), func(o *Options) { o.Catalog = cat })
	ctx := testCtx(t)
	cases := []domain.SaveRequest{
		{Edition: "", Date: "2024-01-01", Pages: pagesOf(1)},
		{Edition: "main/../x", Date: "2024-01-01", Pages: pagesOf(1)},
		{Edition: "main", Date: "01.01.2024", Pages: pagesOf(1)},
		{Edition: "main", Date: "2024-02-30", Pages: pagesOf(1)},
		{Edition: "other", Date: "2024-01-01", Pages: pagesOf(1)},
		{Edition: "main", Date: "2024-01-01", Pages: []domain.PageUpload{{PageNumber: 0, Name: "x"}}},
		{Edition: "main", Date: "2024-01-01", Pages: []domain.PageUpload{{PageNumber: 1, Name: "a"}, {PageNumber: 1, Name: "b"}}},
	}
	for i, req := range cases {
		if _, err := e.SaveEpaper(ctx, req); !errors.Is(err, ErrInvalid) {
			t.Fatalf("case %d: expected Invalid, got %v", i, err)
		}
	}
	assertStats(t, mustStats(t, e), 0, 0, 0)
	mustSave(t, e, "main", "2024-01-01", 2)
	st := mustStats(t, e)
	if len(st.Editions) != 1 || st.Editions[0].Name != "Main Edition" {
		t.Fatalf("catalog name missing: %+v", st.Editions)
	}
}

func TestSaveEpaperDeclaredPageCountMayDiverge(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	_, err := e.SaveEpaper(ctx, domain.SaveRequest{Edition: "main", Date: "2024-08-02", PagesCount: 12, Pages: pagesOf(2)})
	if err != nil {
		t.Fatalf("SaveEpaper: %v", err)
	}
	assertStats(t, mustStats(t, e), 1, 12, 1)
	rep, _ := e.Verify(ctx)
	if len(rep.Mismatch) != 1 || rep.Mismatch[0].Declared != 12 || rep.Mismatch[0].Stored != 2 {
		t.Fatalf("mismatch = %+v", rep.Mismatch)
	}
}

type fakePreviewer struct{ calls int }

func (f *fakePreviewer) Preview(data []byte, contentType string) (string, error) {
	f.calls++
	if bytes.HasPrefix(data, []byte("broken")) {
		return "", errors.New("not an image")
	}
	return "data:image/jpeg;base64,dGh1bWI=", nil
}

func TestSaveEpaperGeneratesMissingPreviews(t *testing.T) {
	pv := &fakePreviewer{}
	e := openTestEngine(t, t.TempDir(), func(o *Options) { o.Previewer = pv })
	ctx := testCtx(t)
	pages := []domain.PageUpload{
		{PageNumber: 1, Name: "1.jpg", Data: []byte("jpeg")},
		{PageNumber: 2, Name: "2.jpg", Data: []byte("jpeg"), Preview: "data:image/png;base64,b3du"},
		{PageNumber: 3, Name: "3.jpg", Data: []byte("broken")},
	}
	rec, err := e.SaveEpaper(ctx, domain.SaveRequest{Edition: "main", Date: "2024-08-03", Pages: pages})
	if err != nil {
		t.Fatalf("SaveEpaper: %v", err)
	}
	if pv.calls != 2 {
		t.Fatalf("previewer calls = %d", pv.calls)
	}
	if rec.Pages[0].Preview != "data:image/jpeg;base64,dGh1bWI=" || rec.Pages[1].Preview != "data:image/png;base64,b3du" || rec.Pages[2].Preview != "" {
		t.Fatalf("previews = %+v", rec.Pages)
	}
}

func TestConcurrentSavesOfDifferentKeysAreAllKept(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.SaveEpaper(ctx, domain.SaveRequest{Edition: "main", Date: fmt.Sprintf("2024-09-%02d", i+1), Pages: pagesOf(2)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save: %v", err)
		}
	}
	assertStats(t, mustStats(t, e), 10, 20, 1)
	info, _ := e.BackupInfo(ctx)
	if info.RecordCount != 10 {
		t.Fatalf("latest backup has %d records", info.RecordCount)
	}
}

func TestConcurrentSavesOfSameKeyLastWriterWins(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	ctx := testCtx(t)
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pages := pagesOf(3)
			for j := range pages {
				pages[j].Data = bytes.Repeat([]byte{byte('a' + i)}, 16+i)
			}
			_, err := e.SaveEpaper(ctx, domain.SaveRequest{Edition: "main", Date: "2024-09-30", Pages: pages})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save: %v", err)
		}
	}

	list, err := e.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].PagesCount != 3 || len(list[0].Pages) != 3 {
		t.Fatalf("records = %+v", list)
	}
	// Metadata and every stored page must come from the same writer.
	w := int(list[0].Pages[0].Size) - 16
	want := bytes.Repeat([]byte{byte('a' + w)}, 16+w)
	for _, m := range list[0].Pages {
		if m.Size != int64(len(want)) {
			t.Fatalf("page metadata mixes writers: %+v", list[0].Pages)
		}
	}
	pages, local, err := e.GetPagesForViewer(ctx, "main", "2024-09-30")
	if err != nil || !local || len(pages) != 3 {
		t.Fatalf("pages: %d local=%v err=%v", len(pages), local, err)
	}
	for _, p := range pages {
		if !bytes.Equal(p.ImageData, want) {
			t.Fatalf("page %d from another writer: %q, metadata says %q", p.PageNumber, p.ImageData, want)
		}
	}
	if pending, _ := e.journal.pending(ctx); len(pending) != 0 {
		t.Fatalf("intents left behind: %+v", pending)
	}
	if info, _ := e.BackupInfo(ctx); info.RecordCount != 1 {
		t.Fatalf("latest backup has %d records", info.RecordCount)
	}
}

func TestEngineAppliesDefaultTimeout(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), func(o *Options) { o.OpTimeout = time.Nanosecond })
	_, err := e.List(context.Background())
	if err == nil {
		// The query may win the race against a 1ns deadline on a fast machine.
		t.Skip("operation finished before the deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestEngineClosed(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	_, err := e.List(context.Background())
	if !errors.Is(err, ErrClosed) || KindOf(err) != KindUnavailable {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpenFailsOnUnusableDir(t *testing.T) {
	_, err := Open(testCtx(t), Options{Dir: ""})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
}
