/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"epaperstore/internal/config"
	"epaperstore/internal/domain"
	"epaperstore/internal/storage"
)

type cliEnv struct {
	configPath string
	dataDir    string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Logging.Level = "error"
	cfg.Editions = []config.EditionConfig{
		{ID: "main", Name: "Main Edition", Pages: 24},
		{ID: "city", Name: "City", Pages: 8},
	}
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(path, cfg))
	return cliEnv{configPath: path, dataDir: cfg.Storage.DataDir}
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLI(t, append([]string{"--config", e.configPath}, args...)...)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func writePage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func (e cliEnv) seed(t *testing.T, edition, date string, pages int) []string {
	t.Helper()
	src := t.TempDir()
	args := []string{"save", "--edition", edition, "--date", date}
	var files []string
	for i := 1; i <= pages; i++ {
		files = append(files, writePage(t, src, "p"+string(rune('0'+i))+".png", 40, 60))
	}
	_, err := e.run(t, append(args, files...)...)
	require.NoError(t, err)
	return files
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "epaper "))

	out, err = runCLI(t, "--json", "version")
	require.NoError(t, err)
	var v versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.NotEmpty(t, v.Version)
}

func TestRootHasCommandsAndGlobalFlags(t *testing.T) {
	cmd := NewRootCommand(&bytes.Buffer{})
	for _, name := range []string{"config", "data-dir", "json", "quiet"} {
		require.NotNilf(t, cmd.PersistentFlags().Lookup(name), "missing flag %q", name)
	}
	for _, name := range []string{"save", "delete", "list", "pages", "stats", "clear", "export", "import",
		"backup", "verify", "pdf", "archive", "batch", "serve", "version"} {
		_, _, err := cmd.Find([]string{name})
		require.NoErrorf(t, err, "expected command %q", name)
	}
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	_, err := runCLI(t, "--no-such-flag")
	require.Error(t, err)
	require.Equal(t, ExitCodeUsage, ExitCode(err))
}

func TestSaveListPagesAndStats(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, "main", "2025-03-01", 3)

	out, err := env.run(t, "--json", "list")
	require.NoError(t, err)
	var records []domain.EpaperRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	require.Equal(t, "main-2025-03-01", records[0].Key())
	require.Equal(t, 3, records[0].PagesCount)
	require.NotEmpty(t, records[0].Pages[0].Preview, "preview generated for png pages")

	outDir := t.TempDir()
	out, err = env.run(t, "--json", "pages", "main", "2025-03-01", "--out", outDir)
	require.NoError(t, err)
	var listing pageListing
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.True(t, listing.Local)
	require.Len(t, listing.Pages, 3)
	require.FileExists(t, listing.Pages[2].Path)

	out, err = env.run(t, "pages", "city", "2025-03-01")
	require.NoError(t, err)
	require.Contains(t, out, "no local pages for city-2025-03-01")

	out, err = env.run(t, "--json", "stats")
	require.NoError(t, err)
	var st domain.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Equal(t, 1, st.TotalRecords)
	require.Equal(t, 3, st.TotalPages)
	require.Equal(t, 1, st.DistinctEditions)
}

func TestSaveWithExplicitPageNumbers(t *testing.T) {
	env := newCLIEnv(t)
	src := t.TempDir()
	p5 := writePage(t, src, "five.png", 10, 10)
	p6 := writePage(t, src, "six.png", 10, 10)
	_, err := env.run(t, "save", "--edition", "city", "--date", "2025-03-02", "--pages-count", "8", "5="+p5, p6)
	require.NoError(t, err)

	out, err := env.run(t, "--json", "pages", "city", "2025-03-02")
	require.NoError(t, err)
	var listing pageListing
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.Len(t, listing.Pages, 2)
	require.Equal(t, 5, listing.Pages[0].PageNumber)
	require.Equal(t, 6, listing.Pages[1].PageNumber)
	require.Equal(t, "image/png", listing.Pages[0].ContentType)
}

func TestSaveValidation(t *testing.T) {
	env := newCLIEnv(t)
	src := t.TempDir()
	p := writePage(t, src, "a.png", 4, 4)

	_, err := env.run(t, "save", p)
	require.Equal(t, ExitCodeUsage, ExitCode(err))

	_, err = env.run(t, "save", "--edition", "sports", "--date", "2025-03-03", p)
	require.Equal(t, ExitCodeInvalid, ExitCode(err))

	_, err = env.run(t, "save", "--edition", "main", "--date", "2025-03-03", "0="+p)
	require.Equal(t, ExitCodeUsage, ExitCode(err))
}

func TestDeleteByKeyAndClear(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, "main", "2025-03-04", 2)
	env.seed(t, "city", "2025-03-04", 1)

	_, err := env.run(t, "delete")
	require.Equal(t, ExitCodeUsage, ExitCode(err))

	_, err = env.run(t, "delete", "--edition", "main", "--date", "2025-03-05")
	require.Equal(t, ExitCodeNotFound, ExitCode(err))

	out, err := env.run(t, "delete", "--edition", "main", "--date", "2025-03-04")
	require.NoError(t, err)
	require.Contains(t, out, "deleted ")

	_, err = env.run(t, "clear")
	require.Equal(t, ExitCodeUsage, ExitCode(err))

	_, err = env.run(t, "clear", "--yes")
	require.NoError(t, err)
	out, err = env.run(t, "stats")
	require.NoError(t, err)
	require.Equal(t, "records=0 pages=0 editions=0\n", out)
}

func TestExportImportBetweenDataDirs(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, "main", "2025-03-06", 2)
	doc := filepath.Join(t.TempDir(), "backup.json")

	out, err := env.run(t, "export", doc)
	require.NoError(t, err)
	require.Contains(t, out, "exported 1 record")
	require.NoFileExists(t, doc+".tmp")

	other := t.TempDir()
	out, err = env.run(t, "--data-dir", other, "--json", "import", doc)
	require.NoError(t, err)
	var res storage.ImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, 1, res.Imported)

	// Metadata only: the other store has the record but no pages.
	out, err = env.run(t, "--data-dir", other, "--json", "pages", "main", "2025-03-06")
	require.NoError(t, err)
	require.Contains(t, out, `"local": false`)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"edition":"main"}`), 0o644))
	_, err = env.run(t, "import", bad)
	require.Equal(t, ExitCodeFormat, ExitCode(err))
}

func TestExportToStdout(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, "main", "2025-03-07", 1)
	out, err := env.run(t, "export", "-")
	require.NoError(t, err)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	require.Len(t, docs, 1)
	require.Equal(t, "main", docs[0]["edition"])
}

func TestBackupCommands(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "backup", "restore")
	require.Equal(t, ExitCodeNotFound, ExitCode(err))

	out, err := env.run(t, "backup", "info")
	require.NoError(t, err)
	require.Equal(t, "no backup\n", out)

	env.seed(t, "main", "2025-03-08", 1)
	env.seed(t, "main", "2025-03-09", 1)

	out, err = env.run(t, "--json", "backup", "list")
	require.NoError(t, err)
	var gens []domain.BackupGeneration
	require.NoError(t, json.Unmarshal([]byte(out), &gens))
	require.Len(t, gens, 2)
	require.Equal(t, 2, gens[0].RecordCount)

	out, err = env.run(t, "--json", "backup", "restore", "--generation", jsonInt(gens[1].ID))
	require.NoError(t, err)
	require.JSONEq(t, `{"restored":1}`, out)

	out, err = env.run(t, "--json", "backup", "snapshot")
	require.NoError(t, err)
	var gen domain.BackupGeneration
	require.NoError(t, json.Unmarshal([]byte(out), &gen))
	require.Equal(t, 1, gen.RecordCount)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestVerifyCommand(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, "main", "2025-03-10", 1)
	out, err := env.run(t, "verify")
	require.NoError(t, err)
	require.Contains(t, out, "healthy: 1 record, 1 page sets")

	out, err = env.run(t, "--json", "verify", "--prune")
	require.NoError(t, err)
	var v verifyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.False(t, v.Unhealthy)
	require.Empty(t, v.Pruned)
}

func TestPDFArchiveAndSaveArchive(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, "main", "2025-03-11", 2)

	out, err := env.run(t, "--json", "pdf", "main", "2025-03-11")
	require.NoError(t, err)
	var pdf struct {
		Path  string
		Pages int
	}
	require.NoError(t, json.Unmarshal([]byte(out), &pdf))
	require.Equal(t, 2, pdf.Pages)
	require.Equal(t, filepath.Join(env.dataDir, "exports", "main-2025-03-11.pdf"), pdf.Path)
	require.FileExists(t, pdf.Path)

	_, err = env.run(t, "pdf", "main", "2025-03-12")
	require.Equal(t, ExitCodeNotFound, ExitCode(err))

	archive := filepath.Join(t.TempDir(), "main.cbz")
	_, err = env.run(t, "archive", "main", "2025-03-11", "--out", archive)
	require.NoError(t, err)
	require.FileExists(t, archive)

	other := t.TempDir()
	_, err = env.run(t, "--data-dir", other, "save", "--archive", archive)
	require.NoError(t, err)
	out, err = env.run(t, "--data-dir", other, "--json", "pages", "main", "2025-03-11")
	require.NoError(t, err)
	var listing pageListing
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.True(t, listing.Local)
	require.Len(t, listing.Pages, 2)
}

func TestBatchCommand(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, "main", "2025-03-13", 1)
	env.seed(t, "city", "2025-03-13", 1)

	_, err := env.run(t, "batch", "--preset", "poster")
	require.Equal(t, ExitCodeUsage, ExitCode(err))

	out, err := env.run(t, "--json", "batch", "--preset", "screen", "--edition", "city")
	require.NoError(t, err)
	var res struct{ Files []string }
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Files, 2)
	for _, f := range res.Files {
		require.FileExists(t, f)
		require.True(t, strings.HasPrefix(f, filepath.Join(env.dataDir, "exports", "screen")))
	}
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	env := newCLIEnv(t)
	var out bytes.Buffer
	cmd := NewRootCommand(&out)
	cmd.SetArgs([]string{"--config", env.configPath, "serve", "--addr", "127.0.0.1:0"})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, cmd.ExecuteContext(ctx))
	require.Contains(t, out.String(), "listening on http://127.0.0.1:")
}
