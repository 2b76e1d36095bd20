/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"archive/zip"
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExportEditionCBZ_ContainsPagesAndManifests(t *testing.T) {
	e := openStore(t)
	seedEdition(t, e, "main", "2025-02-01")
	out, err := ExportEditionCBZ(testCtx(t), e, "main", "2025-02-01", filepath.Join(t.TempDir(), "edition"), CBZOptions{})
	if err != nil {
		t.Fatalf("export cbz: %v", err)
	}
	if !strings.HasSuffix(out, ".cbz") {
		t.Fatalf("extension not enforced: %s", out)
	}
	zr, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, n := range []string{"1.png", "2.jpg", "3.pdf", RecordFileName, ComicInfoFileName} {
		if !names[n] {
			t.Fatalf("member %s missing; have %v", n, names)
		}
	}
	for _, f := range zr.File {
		if f.Name != ComicInfoFileName {
			continue
		}
		rc, _ := f.Open()
		b, _ := io.ReadAll(rc)
		_ = rc.Close()
		s := string(b)
		if !strings.Contains(s, "<PageCount>3</PageCount>") || !strings.Contains(s, "<Year>2025</Year>") {
			t.Fatalf("ComicInfo.xml = %s", s)
		}
	}
}

func TestReadCBZ_RoundTripIntoAnotherStore(t *testing.T) {
	src := openStore(t)
	orig := seedEdition(t, src, "main", "2025-02-02")
	out, err := ExportEditionCBZ(testCtx(t), src, "main", "2025-02-02", "transfer.cbz", CBZOptions{})
	if err != nil {
		t.Fatalf("export cbz: %v", err)
	}
	req, err := ReadCBZ(out)
	if err != nil {
		t.Fatalf("ReadCBZ: %v", err)
	}
	if req.ID != orig.ID || req.Edition != "main" || req.Date != "2025-02-02" || len(req.Pages) != 3 {
		t.Fatalf("request = %+v", req)
	}
	if req.Pages[0].Name != "front.png" || req.Pages[0].Preview == "" {
		t.Fatalf("page meta lost: %+v", req.Pages[0])
	}

	dst := openStore(t)
	rec, err := dst.SaveEpaper(testCtx(t), req)
	if err != nil {
		t.Fatalf("save into second store: %v", err)
	}
	if rec.ID != orig.ID || rec.PagesCount != 3 {
		t.Fatalf("saved = %+v", rec)
	}
	want, _, _ := src.GetPagesForViewer(testCtx(t), "main", "2025-02-02")
	got, local, err := dst.GetPagesForViewer(testCtx(t), "main", "2025-02-02")
	if err != nil || !local || len(got) != len(want) {
		t.Fatalf("pages in second store: %d local=%v err=%v", len(got), local, err)
	}
	for i := range want {
		if !bytes.Equal(got[i].ImageData, want[i].ImageData) {
			t.Fatalf("page %d differs after transfer", want[i].PageNumber)
		}
	}
}

func TestReadCBZ_RejectsForeignArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "foreign.cbz")
	zw, f, err := createZip(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := addZipFile(zw, "001.png", []byte("x"), time.Time{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_ = zw.Close()
	_ = f.Close()
	if _, err := ReadCBZ(p); err == nil || !strings.Contains(err.Error(), RecordFileName) {
		t.Fatalf("expected missing record error, got %v", err)
	}
}
