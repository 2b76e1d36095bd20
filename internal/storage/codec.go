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
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gojsonschema "github.com/xeipuuv/gojsonschema"

	"epaperstore/internal/domain"
)

// MaxImportBytes bounds the size of an import document.
const MaxImportBytes = 64 << 20

//go:embed schema/epapers.schema.json
var exportSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

// ExportSchema returns the JSON Schema of the export/import document.
func ExportSchema() []byte { return append([]byte(nil), exportSchemaJSON...) }

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(exportSchemaJSON))
	})
	return schema, schemaErr
}

// ImportResult summarizes an applied import.
type ImportResult struct {
	Imported   int `json:"imported"`   // records written
	Replaced   int `json:"replaced"`   // of those, how many replaced an existing (edition, date)
	Duplicates int `json:"duplicates"` // records dropped because the document repeated a key
}

// importRecord mirrors EpaperRecord with optional fields so defaults can be applied.
type importRecord struct {
	ID         string            `json:"id"`
	Edition    string            `json:"edition"`
	Date       string            `json:"date"`
	PagesCount *int              `json:"pagesCount"`
	Pages      []domain.PageMeta `json:"pages"`
	CreatedAt  *time.Time        `json:"createdAt"`
	UpdatedAt  *time.Time        `json:"updatedAt"`
}

// Codec converts the metadata collection to and from the portable export document:
// a bare JSON array of records carrying previews but never page images.
type Codec struct {
	db      *sql.DB
	backups *BackupManager
	log     *slog.Logger
	now     func() time.Time
}

func newCodec(db *sql.DB, backups *BackupManager, l *slog.Logger) *Codec {
	return &Codec{db: db, backups: backups, log: l, now: time.Now}
}

// Export writes the whole collection to w and returns the number of records.
func (c *Codec) Export(ctx context.Context, w io.Writer) (int, error) {
	records, err := listRecords(ctx, c.db)
	if err != nil {
		return 0, err
	}
	data, err := json.MarshalIndent(nonNil(records), "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode export: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	return len(records), nil
}

// Import merges the document read from r into the collection. Imported records take
// precedence: a record whose (edition, date) already exists replaces it wholesale, and
// within the document the first occurrence of a key wins. A backup generation is
// written in the same transaction.
func (c *Codec) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult
	incoming, dups, err := c.parse(r)
	if err != nil {
		return res, err
	}
	res.Duplicates = dups

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return res, unavailable("codec.import", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Reverse order so the first document record ends up first in List.
	for i := len(incoming) - 1; i >= 0; i-- {
		rec := incoming[i]
		var ownerEdition, ownerDate string
		err := tx.QueryRowContext(ctx, `SELECT edition, date FROM epapers WHERE id = ?`, rec.ID).Scan(&ownerEdition, &ownerDate)
		if err == nil && (ownerEdition != rec.Edition || ownerDate != rec.Date) {
			rec.ID = uuid.NewString()
		} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return res, unavailable("codec.import", err)
		}
		replaced, err := putFront(ctx, tx, rec)
		if err != nil {
			return res, err
		}
		// An interrupted save or delete of this key must not be replayed over the import.
		if err := dropIntents(ctx, tx, rec.Key()); err != nil {
			return res, err
		}
		if replaced {
			res.Replaced++
		}
		res.Imported++
	}
	if _, err := c.backups.snapshotTx(ctx, tx); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, unavailable("codec.import", err)
	}
	c.log.Info("import applied", slog.Int("imported", res.Imported), slog.Int("replaced", res.Replaced), slog.Int("duplicates", res.Duplicates))
	return res, nil
}

// parse reads, validates and normalizes an import document. It returns the records
// to apply (first occurrence per key, ids resolved) and the number of dropped duplicates.
func (c *Codec) parse(r io.Reader) ([]domain.EpaperRecord, int, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImportBytes+1))
	if err != nil {
		return nil, 0, unavailable("codec.import", fmt.Errorf("read document: %w", err))
	}
	if len(data) > MaxImportBytes {
		return nil, 0, formatErr("codec.import", "", fmt.Sprintf("document exceeds %d bytes", MaxImportBytes), nil)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, 0, formatErr("codec.import", "", "empty document", nil)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, 0, fmt.Errorf("compile export schema: %w", err)
	}
	result, err := sch.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, 0, formatErr("codec.import", "", "document is not valid JSON", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, 0, formatErr("codec.import", "", strings.Join(msgs, "; "), nil)
	}
	var raw []importRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, formatErr("codec.import", "", "document does not match the record shape", err)
	}

	type editionDate struct{ edition, date string }
	now := c.now().UTC()
	seenKeys := make(map[editionDate]struct{}, len(raw))
	seenIDs := make(map[string]struct{}, len(raw))
	out := make([]domain.EpaperRecord, 0, len(raw))
	dups := 0
	for i, ir := range raw {
		rec := domain.EpaperRecord{
			ID:        strings.TrimSpace(ir.ID),
			Edition:   ir.Edition,
			Date:      ir.Date,
			Pages:     ir.Pages,
			UpdatedAt: ir.UpdatedAt,
		}
		if err := checkImported(rec); err != nil {
			return nil, 0, formatErr("codec.import", recordRef(i, rec.ID), err.Error(), nil)
		}
		k := editionDate{rec.Edition, rec.Date}
		if _, ok := seenKeys[k]; ok {
			dups++
			continue
		}
		seenKeys[k] = struct{}{}
		if rec.Pages == nil {
			rec.Pages = []domain.PageMeta{}
		}
		if ir.PagesCount != nil {
			rec.PagesCount = *ir.PagesCount
		} else {
			rec.PagesCount = len(rec.Pages)
		}
		if ir.CreatedAt != nil && !ir.CreatedAt.IsZero() {
			rec.CreatedAt = ir.CreatedAt.UTC()
		} else {
			rec.CreatedAt = now
		}
		if _, taken := seenIDs[rec.ID]; rec.ID == "" || taken {
			rec.ID = uuid.NewString()
		}
		seenIDs[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out, dups, nil
}

func checkImported(rec domain.EpaperRecord) error {
	if err := checkKey(rec.Edition, rec.Date); err != nil {
		return err
	}
	nums := make([]int, len(rec.Pages))
	for i, p := range rec.Pages {
		nums[i] = p.PageNumber
	}
	return checkPageNumbers(nums)
}

// recordRef names a document record by id, or by position when it has none.
func recordRef(i int, id string) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("record #%d", i+1)
}

func encodeRecords(records []domain.EpaperRecord) ([]byte, error) {
	b, err := json.Marshal(nonNil(records))
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return b, nil
}

func decodeRecords(data []byte) ([]domain.EpaperRecord, error) {
	var out []domain.EpaperRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNil(records []domain.EpaperRecord) []domain.EpaperRecord {
	if records == nil {
		return []domain.EpaperRecord{}
	}
	return records
}
