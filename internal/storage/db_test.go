/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	applog "epaperstore/internal/log"
)

func TestOpenDBCreatesWALAndSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	ctx := testCtx(t)
	db, err := openDB(ctx, dir, applog.Discard())
	if err != nil {
		t.Fatalf("openDB: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(DBPath(dir)); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" && mode != "WAL" {
		t.Fatalf("expected WAL mode, got %s", mode)
	}
	v, err := SchemaVersion(ctx, db)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != schemaVersion {
		t.Fatalf("schema version = %d, want %d", v, schemaVersion)
	}
	for _, tbl := range []string{"meta", "version", "epapers", "backups", "intents"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, tbl).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", tbl, err)
		}
	}
	var idx string
	if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='index' AND name='idx_epapers_edition'`).Scan(&idx); err != nil {
		t.Fatalf("migration 2 index missing: %v", err)
	}
}

func TestOpenDBMigratesV1Database(t *testing.T) {
	dir := t.TempDir()
	ctx := testCtx(t)
	db, err := openDB(ctx, dir, applog.Discard())
	if err != nil {
		t.Fatalf("openDB: %v", err)
	}
	// Roll back to a v1 layout.
	if _, err := db.ExecContext(ctx, `DROP INDEX idx_epapers_edition`); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE version SET schema = 1 WHERE id = 1`); err != nil {
		t.Fatalf("downgrade version: %v", err)
	}
	_ = db.Close()

	db, err = openDB(ctx, dir, applog.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	v, _ := SchemaVersion(ctx, db)
	if v != schemaVersion {
		t.Fatalf("schema after migrate = %d", v)
	}
	var idx string
	if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='index' AND name='idx_epapers_edition'`).Scan(&idx); err != nil {
		t.Fatalf("index not recreated: %v", err)
	}
}

func TestOpenDBRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DBFileName), []byte("THIS IS NOT SQLITE, JUST JUNK BYTES"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	_, err := openDB(testCtx(t), dir, applog.Discard())
	if err == nil {
		t.Fatalf("expected error for corrupt db")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
}

func TestOpenDBRequiresDir(t *testing.T) {
	_, err := openDB(testCtx(t), "  ", applog.Discard())
	if KindOf(err) != KindUnavailable {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
}

func TestOpenDBKeepsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	ctx := testCtx(t)
	db, err := openDB(ctx, dir, applog.Discard())
	if err != nil {
		t.Fatalf("openDB: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE version SET schema = ? WHERE id = 1`, schemaVersion+3); err != nil {
		t.Fatalf("bump: %v", err)
	}
	_ = db.Close()
	db, err = openDB(ctx, dir, applog.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	v, _ := SchemaVersion(ctx, db)
	if v != schemaVersion+3 {
		t.Fatalf("schema downgraded to %d", v)
	}
}
