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
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"epaperstore/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	// DBFileName holds metadata records, backup generations and the intent journal.
	DBFileName = "epaper.sqlite"

	// schemaVersion tracks the local SQLite schema.
	// Bump this when you perform breaking schema changes and add migrations.
	schemaVersion = 2
)

// DBPath returns the full path to the metadata database inside dir.
func DBPath(dir string) string {
	return filepath.Join(dir, DBFileName)
}

// openDB opens (creating if needed) the metadata database in dir, enables WAL mode,
// verifies integrity and brings the schema up to date.
func openDB(ctx context.Context, dir string, l *slog.Logger) (*sql.DB, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, unavailable("db.open", errors.New("data dir is required"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.Error("create data dir failed", slog.Any("err", err))
		return nil, unavailable("db.open", fmt.Errorf("create data dir: %w", err))
	}

	path := DBPath(dir)
	// Convert to forward slashes for SQLite URI.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, unavailable("db.open", fmt.Errorf("open sqlite: %w", err))
	}
	// One connection serializes writers; read-modify-write cycles run inside transactions on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		l.Error("enable WAL failed", slog.Any("err", err))
		return nil, unavailable("db.open", fmt.Errorf("enable WAL: %w", err))
	}
	var chk string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&chk); err != nil || !strings.EqualFold(strings.TrimSpace(chk), "ok") {
		_ = db.Close()
		if err == nil {
			err = fmt.Errorf("quick_check: %s", chk)
		}
		l.Error("integrity check failed", slog.Any("err", err))
		return nil, unavailable("db.open", fmt.Errorf("database %s is corrupt: %w", path, err))
	}

	if err := ensureMetaAndVersion(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure meta/version failed", slog.Any("err", err))
		return nil, unavailable("db.open", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure schema failed", slog.Any("err", err))
		return nil, unavailable("db.open", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		l.Error("run migrations failed", slog.Any("err", err))
		return nil, unavailable("db.open", err)
	}

	l.Debug("metadata db ready", slog.String("path", path))
	return db, nil
}

func ensureMetaAndVersion(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var curSchema int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&curSchema)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Fresh DB: ensureSchema creates the v1 layout, migrations take it from there.
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, 1, ?, ?, ?)`, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

// ensureSchema creates the v1 tables if they do not exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		// One row per (edition, date); seq orders most-recently-inserted first.
		`CREATE TABLE IF NOT EXISTS epapers (
			id          TEXT    PRIMARY KEY,
			edition     TEXT    NOT NULL,
			date        TEXT    NOT NULL,
			pages_count INTEGER NOT NULL,
			pages_json  TEXT    NOT NULL,
			created_at  TEXT    NOT NULL,
			updated_at  TEXT,
			seq         INTEGER NOT NULL,
			UNIQUE(edition, date)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_epapers_seq ON epapers(seq);`,

		// Backup ring: each row is a full export document of the collection.
		`CREATE TABLE IF NOT EXISTS backups (
			id           INTEGER PRIMARY KEY,
			ts           TEXT    NOT NULL,
			record_count INTEGER NOT NULL,
			data         BLOB    NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backups_ts ON backups(ts);`,

		// Write-ahead intents for the two-phase blob/metadata procedures.
		`CREATE TABLE IF NOT EXISTS intents (
			id          TEXT PRIMARY KEY,
			op          TEXT NOT NULL,
			epaper_key  TEXT NOT NULL,
			record_id   TEXT,
			payload     TEXT,
			state       TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// runMigrations applies incremental schema migrations up to schemaVersion.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if cur > schemaVersion {
		// Written by a newer build; do not downgrade.
		return nil
	}
	for cur < schemaVersion {
		next := cur + 1
		var stmts []string
		switch next {
		case 2:
			// Per-edition stats/listing and journal replay lookups.
			stmts = []string{
				`CREATE INDEX IF NOT EXISTS idx_epapers_edition ON epapers(edition);`,
				`CREATE INDEX IF NOT EXISTS idx_intents_state ON intents(state, created_at);`,
			}
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", next, err)
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d stmt failed: %w", next, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d update version: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", next, err)
		}
		cur = next
	}
	return nil
}

// SchemaVersion reports the schema version recorded in an open database.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
