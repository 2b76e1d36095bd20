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
	"time"

	"epaperstore/internal/domain"
)

// DefaultBackupGenerations is the ring size used when none is configured.
const DefaultBackupGenerations = 5

// language=SQL
// dialect=SQLite
const insertBackupSQL = `INSERT INTO backups(ts, record_count, data) VALUES (?, ?, ?)`

// language=SQL
// dialect=SQLite
const pruneBackupsSQL = `DELETE FROM backups WHERE id NOT IN (
	SELECT id FROM backups ORDER BY id DESC LIMIT ?
)`

// BackupManager keeps a ring of whole-collection snapshots next to the metadata.
type BackupManager struct {
	db   *sql.DB
	keep int
	log  *slog.Logger
	now  func() time.Time
}

func newBackupManager(db *sql.DB, keep int, l *slog.Logger) *BackupManager {
	if keep <= 0 {
		keep = DefaultBackupGenerations
	}
	return &BackupManager{db: db, keep: keep, log: l, now: time.Now}
}

// Snapshot records the current collection as a new generation and prunes the oldest
// ones beyond the ring size. An empty collection produces an empty generation.
func (b *BackupManager) Snapshot(ctx context.Context) (domain.BackupGeneration, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.BackupGeneration{}, unavailable("backup.snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()
	gen, err := b.snapshotTx(ctx, tx)
	if err != nil {
		return gen, err
	}
	if err := tx.Commit(); err != nil {
		return gen, unavailable("backup.snapshot", err)
	}
	b.log.Debug("backup generation written", slog.Int64("id", gen.ID), slog.Int("records", gen.RecordCount))
	return gen, nil
}

func (b *BackupManager) snapshotTx(ctx context.Context, q querier) (domain.BackupGeneration, error) {
	records, err := listRecords(ctx, q)
	if err != nil {
		return domain.BackupGeneration{}, err
	}
	data, err := encodeRecords(records)
	if err != nil {
		return domain.BackupGeneration{}, err
	}
	ts := b.now().UTC()
	res, err := q.ExecContext(ctx, insertBackupSQL, fmtTime(ts), len(records), data)
	if err != nil {
		return domain.BackupGeneration{}, unavailable("backup.snapshot", err)
	}
	id, _ := res.LastInsertId()
	if _, err := q.ExecContext(ctx, pruneBackupsSQL, b.keep); err != nil {
		return domain.BackupGeneration{}, unavailable("backup.prune", err)
	}
	return domain.BackupGeneration{ID: id, Timestamp: ts, RecordCount: len(records)}, nil
}

// Restore overwrites the metadata collection with the newest generation and returns
// the number of restored records. Page blobs are left untouched and pending intents are
// discarded.
func (b *BackupManager) Restore(ctx context.Context) (int, error) {
	return b.restore(ctx, `SELECT id, data FROM backups ORDER BY id DESC LIMIT 1`)
}

// RestoreGeneration is Restore for a specific generation id.
func (b *BackupManager) RestoreGeneration(ctx context.Context, id int64) (int, error) {
	return b.restore(ctx, `SELECT id, data FROM backups WHERE id = ?`, id)
}

func (b *BackupManager) restore(ctx context.Context, query string, args ...any) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("backup.restore", err)
	}
	defer func() { _ = tx.Rollback() }()
	var (
		id   int64
		data []byte
	)
	err = tx.QueryRowContext(ctx, query, args...).Scan(&id, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &Error{Kind: KindNotFound, Op: "backup.restore", Detail: "no backup available"}
	}
	if err != nil {
		return 0, unavailable("backup.restore", err)
	}
	records, err := decodeRecords(data)
	if err != nil {
		return 0, formatErr("backup.restore", fmt.Sprint(id), "backup generation is unreadable", err)
	}
	if err := replaceAll(ctx, tx, records); err != nil {
		return 0, err
	}
	if err := clearJournal(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("backup.restore", err)
	}
	b.log.Info("metadata restored from backup", slog.Int64("generation", id), slog.Int("records", len(records)))
	return len(records), nil
}

// Info describes the newest generation.
func (b *BackupManager) Info(ctx context.Context) (domain.BackupInfo, error) {
	var info domain.BackupInfo
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backups`).Scan(&info.Generations); err != nil {
		return info, unavailable("backup.info", err)
	}
	if info.Generations == 0 {
		return info, nil
	}
	var ts string
	if err := b.db.QueryRowContext(ctx, `SELECT ts, record_count FROM backups ORDER BY id DESC LIMIT 1`).Scan(&ts, &info.RecordCount); err != nil {
		return info, unavailable("backup.info", err)
	}
	info.HasBackup = true
	info.Empty = info.RecordCount == 0
	if t, err := parseTime(ts); err == nil {
		info.Timestamp = &t
	}
	return info, nil
}

// List returns generation summaries, newest first.
func (b *BackupManager) List(ctx context.Context) ([]domain.BackupGeneration, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, ts, record_count FROM backups ORDER BY id DESC`)
	if err != nil {
		return nil, unavailable("backup.list", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.BackupGeneration
	for rows.Next() {
		var (
			g  domain.BackupGeneration
			ts string
		)
		if err := rows.Scan(&g.ID, &ts, &g.RecordCount); err != nil {
			return nil, unavailable("backup.list", err)
		}
		g.Timestamp, _ = parseTime(ts)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("backup.list", err)
	}
	return out, nil
}

// Clear drops every generation.
func (b *BackupManager) Clear(ctx context.Context) error {
	return clearBackups(ctx, b.db)
}

func clearBackups(ctx context.Context, q querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM backups`); err != nil {
		return unavailable("backup.clear", err)
	}
	return nil
}
