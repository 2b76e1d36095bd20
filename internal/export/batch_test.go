/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBatchExport_ScreenPreset(t *testing.T) {
	e := openStore(t)
	seedEdition(t, e, "main", "2025-03-01")
	seedEdition(t, e, "city", "2025-03-02")
	// Metadata only, nothing to export.
	if _, err := e.Import(testCtx(t), strings.NewReader(`[{"edition":"main","date":"2025-03-03","pagesCount":4}]`)); err != nil {
		t.Fatalf("import: %v", err)
	}

	res, err := BatchExport(testCtx(t), e, BatchOptions{Preset: PresetScreen})
	if err != nil {
		t.Fatalf("batch export: %v", err)
	}
	base := filepath.Join(e.Dir(), ExportsDirName, "screen")
	checks := []string{
		filepath.Join(base, "pdf", "main-2025-03-01.pdf"),
		filepath.Join(base, "cbz", "main-2025-03-01.cbz"),
		filepath.Join(base, "pdf", "city-2025-03-02.pdf"),
		filepath.Join(base, "cbz", "city-2025-03-02.cbz"),
	}
	for _, p := range checks {
		st, err := os.Stat(p)
		if err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
		if st.Size() <= 0 {
			t.Fatalf("empty file: %s", p)
		}
	}
	if len(res.Files) != 4 || len(res.Skipped) != 1 || res.Skipped[0] != "main-2025-03-03" {
		t.Fatalf("result = %+v", res)
	}
}

func TestBatchExport_FiltersAndPrintPreset(t *testing.T) {
	e := openStore(t)
	seedEdition(t, e, "main", "2025-03-10")
	seedEdition(t, e, "main", "2025-03-20")
	seedEdition(t, e, "city", "2025-03-15")
	out := t.TempDir()
	res, err := BatchExport(testCtx(t), e, BatchOptions{
		Preset: PresetPrint, Editions: []string{"main"}, From: "2025-03-15", OutDir: out,
	})
	if err != nil {
		t.Fatalf("batch export: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0] != filepath.Join(out, "pdf", "main-2025-03-20.pdf") {
		t.Fatalf("files = %v", res.Files)
	}
}

func TestBatchExport_UnknownFormat(t *testing.T) {
	e := openStore(t)
	if _, err := BatchExport(testCtx(t), e, BatchOptions{Formats: []string{"epub"}}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestBatchExport_UnknownPreset(t *testing.T) {
	e := openStore(t)
	if _, err := BatchExport(testCtx(t), e, BatchOptions{Preset: "poster"}); err == nil || !strings.Contains(err.Error(), "unknown preset") {
		t.Fatalf("expected unknown preset error, got %v", err)
	}
}

func TestBatchExport_LeavesCallerFormatsUntouched(t *testing.T) {
	e := openStore(t)
	seedEdition(t, e, "main", "2025-03-05")
	formats := []string{" PDF ", "Cbz"}
	res, err := BatchExport(testCtx(t), e, BatchOptions{Formats: formats, OutDir: t.TempDir()})
	if err != nil {
		t.Fatalf("batch export: %v", err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("files = %v", res.Files)
	}
	if formats[0] != " PDF " || formats[1] != "Cbz" {
		t.Fatalf("caller slice modified: %q", formats)
	}
}
