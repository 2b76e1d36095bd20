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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"epaperstore/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// language=SQL
// dialect=SQLite
const selectRecordsSQL = `SELECT id, edition, date, pages_count, pages_json, created_at, updated_at FROM epapers`

// MetadataStore is the system of record for which editions and dates exist.
// Each record is one row, unique per (edition, date).
type MetadataStore struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

func newMetadataStore(db *sql.DB, l *slog.Logger) *MetadataStore {
	return &MetadataStore{db: db, log: l, now: time.Now}
}

// List returns all records, most recently inserted first.
func (m *MetadataStore) List(ctx context.Context) ([]domain.EpaperRecord, error) {
	return listRecords(ctx, m.db)
}

// FindOne returns the record for (edition, date) if present.
func (m *MetadataStore) FindOne(ctx context.Context, edition, date string) (domain.EpaperRecord, bool, error) {
	return findOne(ctx, m.db, selectRecordsSQL+` WHERE edition = ? AND date = ?`, edition, date)
}

// FindByID returns the record with the given id if present.
func (m *MetadataStore) FindByID(ctx context.Context, id string) (domain.EpaperRecord, bool, error) {
	return findOne(ctx, m.db, selectRecordsSQL+` WHERE id = ?`, id)
}

// Upsert stores rec. When a record for the same (edition, date) exists it is replaced in
// place: its id, creation time and list position are kept and UpdatedAt is set. Otherwise
// rec is inserted at the front of the list.
func (m *MetadataStore) Upsert(ctx context.Context, rec domain.EpaperRecord) (domain.EpaperRecord, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, unavailable("metadata.upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID, createdAt string
	err = tx.QueryRowContext(ctx, `SELECT id, created_at FROM epapers WHERE edition = ? AND date = ?`, rec.Edition, rec.Date).Scan(&existingID, &createdAt)
	switch {
	case err == nil:
		rec.ID = existingID
		if ts, perr := parseTime(createdAt); perr == nil {
			rec.CreatedAt = ts
		}
		now := m.now().UTC()
		rec.UpdatedAt = &now
		pj, jerr := encodePages(rec.Pages)
		if jerr != nil {
			return rec, jerr
		}
		if _, err := tx.ExecContext(ctx, `UPDATE epapers SET pages_count = ?, pages_json = ?, updated_at = ? WHERE id = ?`,
			rec.PagesCount, pj, fmtTime(now), rec.ID); err != nil {
			return rec, unavailable("metadata.upsert", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if rec.ID == "" || idTaken(ctx, tx, rec.ID) {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = m.now().UTC()
		}
		rec.UpdatedAt = nil
		if err := insertRecord(ctx, tx, rec); err != nil {
			return rec, err
		}
	default:
		return rec, unavailable("metadata.upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return rec, unavailable("metadata.upsert", err)
	}
	return rec, nil
}

// Remove deletes the record with id and reports whether a row was removed.
func (m *MetadataStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM epapers WHERE id = ?`, id)
	if err != nil {
		return false, unavailable("metadata.remove", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReplaceAll overwrites the whole collection with records, keeping their order.
func (m *MetadataStore) ReplaceAll(ctx context.Context, records []domain.EpaperRecord) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("metadata.replace_all", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := replaceAll(ctx, tx, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("metadata.replace_all", err)
	}
	return nil
}

// Clear removes every record.
func (m *MetadataStore) Clear(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM epapers`); err != nil {
		return unavailable("metadata.clear", err)
	}
	return nil
}

// Stats aggregates the collection in SQL; stored page lists are not parsed.
func (m *MetadataStore) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(pages_count), 0), COUNT(DISTINCT edition) FROM epapers`).
		Scan(&st.TotalRecords, &st.TotalPages, &st.DistinctEditions)
	if err != nil {
		return st, unavailable("metadata.stats", err)
	}
	rows, err := m.db.QueryContext(ctx, `SELECT edition, COUNT(*), COALESCE(SUM(pages_count), 0) FROM epapers GROUP BY edition ORDER BY edition`)
	if err != nil {
		return st, unavailable("metadata.stats", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var es domain.EditionStats
		if err := rows.Scan(&es.Edition, &es.Records, &es.Pages); err != nil {
			return st, unavailable("metadata.stats", err)
		}
		st.Editions = append(st.Editions, es)
	}
	if err := rows.Err(); err != nil {
		return st, unavailable("metadata.stats", err)
	}
	return st, nil
}

func listRecords(ctx context.Context, q querier) ([]domain.EpaperRecord, error) {
	rows, err := q.QueryContext(ctx, selectRecordsSQL+` ORDER BY seq DESC`)
	if err != nil {
		return nil, unavailable("metadata.list", err)
	}
	defer func() { _ = rows.Close() }()
	out := []domain.EpaperRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("metadata.list", err)
	}
	return out, nil
}

func findOne(ctx context.Context, q querier, query string, args ...any) (domain.EpaperRecord, bool, error) {
	rows, err := q.QueryContext(ctx, query+` LIMIT 1`, args...)
	if err != nil {
		return domain.EpaperRecord{}, false, unavailable("metadata.find", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.EpaperRecord{}, false, unavailable("metadata.find", err)
		}
		return domain.EpaperRecord{}, false, nil
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return domain.EpaperRecord{}, false, err
	}
	return rec, true, nil
}

func scanRecord(rows *sql.Rows) (domain.EpaperRecord, error) {
	var (
		rec       domain.EpaperRecord
		pagesJSON string
		createdAt string
		updatedAt sql.NullString
	)
	if err := rows.Scan(&rec.ID, &rec.Edition, &rec.Date, &rec.PagesCount, &pagesJSON, &createdAt, &updatedAt); err != nil {
		return rec, unavailable("metadata.scan", err)
	}
	if err := json.Unmarshal([]byte(pagesJSON), &rec.Pages); err != nil {
		return rec, formatErr("metadata.scan", rec.ID, "stored page list is not valid JSON", err)
	}
	if rec.Pages == nil {
		rec.Pages = []domain.PageMeta{}
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return rec, formatErr("metadata.scan", rec.ID, "bad createdAt", err)
	}
	rec.CreatedAt = ts
	if updatedAt.Valid && updatedAt.String != "" {
		u, err := parseTime(updatedAt.String)
		if err != nil {
			return rec, formatErr("metadata.scan", rec.ID, "bad updatedAt", err)
		}
		rec.UpdatedAt = &u
	}
	return rec, nil
}

// insertRecord adds rec with the next sequence number, i.e. at the front of List.
func insertRecord(ctx context.Context, q querier, rec domain.EpaperRecord) error {
	pj, err := encodePages(rec.Pages)
	if err != nil {
		return err
	}
	var updated any
	if rec.UpdatedAt != nil {
		updated = fmtTime(*rec.UpdatedAt)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO epapers(id, edition, date, pages_count, pages_json, created_at, updated_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM epapers))`,
		rec.ID, rec.Edition, rec.Date, rec.PagesCount, pj, fmtTime(rec.CreatedAt), updated)
	if err != nil {
		return unavailable("metadata.insert", err)
	}
	return nil
}

// putFront stores rec wholesale under its (edition, date), replacing any existing row,
// and moves it to the front of List.
func putFront(ctx context.Context, q querier, rec domain.EpaperRecord) (replaced bool, err error) {
	res, err := q.ExecContext(ctx, `DELETE FROM epapers WHERE edition = ? AND date = ?`, rec.Edition, rec.Date)
	if err != nil {
		return false, unavailable("metadata.put", err)
	}
	n, _ := res.RowsAffected()
	if err := insertRecord(ctx, q, rec); err != nil {
		return false, err
	}
	return n > 0, nil
}

func replaceAll(ctx context.Context, q querier, records []domain.EpaperRecord) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM epapers`); err != nil {
		return unavailable("metadata.replace_all", err)
	}
	// Insert oldest first so the first record ends up with the highest seq.
	for i := len(records) - 1; i >= 0; i-- {
		if _, err := putFront(ctx, q, records[i]); err != nil {
			return err
		}
	}
	return nil
}

func idTaken(ctx context.Context, q querier, id string) bool {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM epapers WHERE id = ?`, id).Scan(&one)
	return err == nil
}

func encodePages(pages []domain.PageMeta) (string, error) {
	if pages == nil {
		pages = []domain.PageMeta{}
	}
	b, err := json.Marshal(pages)
	if err != nil {
		return "", fmt.Errorf("encode pages: %w", err)
	}
	return string(b), nil
}

// keyOf resolves a record id to its (edition, date) without decoding the page list,
// so a record with a damaged page list can still be deleted.
func (m *MetadataStore) keyOf(ctx context.Context, id string) (edition, date string, ok bool, err error) {
	err = m.db.QueryRowContext(ctx, `SELECT edition, date FROM epapers WHERE id = ?`, id).Scan(&edition, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, unavailable("metadata.key_of", err)
	}
	return edition, date, true, nil
}
