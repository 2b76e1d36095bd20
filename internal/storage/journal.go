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
	"fmt"
	"time"

	"github.com/google/uuid"

	"epaperstore/internal/domain"
)

// Intent operations and states. An intent row exists from the moment a two-phase
// procedure starts until it has fully completed.
const (
	intentSave   = "save"
	intentDelete = "delete"

	statePending      = "pending"
	stateBlobsWritten = "blobs_written"
	stateBlobsRemoved = "blobs_removed"
)

// intent is one journaled blob+metadata procedure.
type intent struct {
	ID        string
	Op        string
	EpaperKey string
	RecordID  string
	Record    *domain.EpaperRecord // save: the projection to upsert; delete: the targeted id and key
	State     string
	CreatedAt time.Time
}

type journal struct {
	db  *sql.DB
	now func() time.Time
}

func newJournal(db *sql.DB) *journal { return &journal{db: db, now: time.Now} }

// begin records a new intent for epaperKey. Older intents for the same key are dropped
// in the same transaction: callers hold the key lock, so whatever those intents described
// has been overtaken by the operation starting now.
func (j *journal) begin(ctx context.Context, op, epaperKey, recordID string, rec *domain.EpaperRecord) (string, error) {
	id := uuid.NewString()
	var payload any
	if rec != nil {
		b, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("encode intent payload: %w", err)
		}
		payload = string(b)
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return "", unavailable("journal.begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := dropIntents(ctx, tx, epaperKey); err != nil {
		return "", err
	}
	ts := fmtTime(j.now())
	if _, err := tx.ExecContext(ctx, `INSERT INTO intents(id, op, epaper_key, record_id, payload, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, id, op, epaperKey, recordID, payload, statePending, ts, ts); err != nil {
		return "", unavailable("journal.begin", err)
	}
	if err := tx.Commit(); err != nil {
		return "", unavailable("journal.begin", err)
	}
	return id, nil
}

func (j *journal) advance(ctx context.Context, id, state string) error {
	if _, err := j.db.ExecContext(ctx, `UPDATE intents SET state = ?, updated_at = ? WHERE id = ?`, state, fmtTime(j.now()), id); err != nil {
		return unavailable("journal.advance", err)
	}
	return nil
}

func (j *journal) complete(ctx context.Context, id string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM intents WHERE id = ?`, id); err != nil {
		return unavailable("journal.complete", err)
	}
	return nil
}

// pending returns the incomplete intents, oldest first.
func (j *journal) pending(ctx context.Context) ([]intent, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT id, op, epaper_key, record_id, payload, state, created_at FROM intents ORDER BY created_at, id`)
	if err != nil {
		return nil, unavailable("journal.pending", err)
	}
	defer func() { _ = rows.Close() }()
	var out []intent
	for rows.Next() {
		var (
			in       intent
			recordID sql.NullString
			payload  sql.NullString
			created  string
		)
		if err := rows.Scan(&in.ID, &in.Op, &in.EpaperKey, &recordID, &payload, &in.State, &created); err != nil {
			return nil, unavailable("journal.pending", err)
		}
		in.RecordID = recordID.String
		in.CreatedAt, _ = parseTime(created)
		if payload.Valid && payload.String != "" {
			var rec domain.EpaperRecord
			if err := json.Unmarshal([]byte(payload.String), &rec); err != nil {
				return nil, formatErr("journal.pending", in.ID, "intent payload is not valid JSON", err)
			}
			in.Record = &rec
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("journal.pending", err)
	}
	return out, nil
}

// dropIntents discards the intents of the given epaper keys.
func dropIntents(ctx context.Context, q querier, keys ...string) error {
	for _, k := range keys {
		if _, err := q.ExecContext(ctx, `DELETE FROM intents WHERE epaper_key = ?`, k); err != nil {
			return unavailable("journal.drop", err)
		}
	}
	return nil
}

func clearJournal(ctx context.Context, q querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM intents`); err != nil {
		return unavailable("journal.clear", err)
	}
	return nil
}
