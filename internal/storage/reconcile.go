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
	"log/slog"
	"sort"

	"epaperstore/internal/domain"
	applog "epaperstore/internal/log"
)

// RecoveryReport lists what Open did about intents left incomplete by an earlier process.
type RecoveryReport struct {
	RolledForward   []string `json:"rolledForward,omitempty"`   // epaper keys whose save was completed
	FinishedDeletes []string `json:"finishedDeletes,omitempty"` // epaper keys whose delete was completed
	MissingPages    []string `json:"missingPages,omitempty"`    // page keys declared by a rolled-forward save but not stored
	Superseded      []string `json:"superseded,omitempty"`      // epaper keys rewritten after their intent began; not replayed
	Failed          []string `json:"failed,omitempty"`          // epaper keys whose intent could not be replayed
}

// Empty reports whether nothing needed repair.
func (r RecoveryReport) Empty() bool {
	return len(r.RolledForward) == 0 && len(r.FinishedDeletes) == 0 && len(r.Superseded) == 0 && len(r.Failed) == 0
}

// VerifyReport describes divergence between the metadata and the blob store.
type VerifyReport struct {
	Records   int            `json:"records"`
	Dangling  []DanglingPage `json:"dangling,omitempty"`
	Mismatch  []CountDiff    `json:"mismatch,omitempty"`
	Orphans   []string       `json:"orphans,omitempty"` // epaper keys with pages but no record
	BlobKeys  int            `json:"blobKeys"`
	Unhealthy bool           `json:"unhealthy"`
}

// DanglingPage is a page listed in a record whose payload is not stored.
type DanglingPage struct {
	RecordID string `json:"recordId"`
	PageKey  string `json:"pageKey"`
}

// CountDiff is a record whose declared page count differs from the stored pages.
type CountDiff struct {
	RecordID string `json:"recordId"`
	Key      string `json:"key"`
	Declared int    `json:"declared"`
	Stored   int    `json:"stored"`
}

// reconcile replays incomplete intents: saves are rolled forward, deletes finished.
func (e *Engine) reconcile(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	pending, err := e.journal.pending(ctx)
	if err != nil {
		return rep, err
	}
	for _, in := range pending {
		l := applog.WithOperation(e.log, "reconcile").With(slog.String("key", in.EpaperKey), slog.String("intent", in.ID), slog.String("state", in.State))
		stale, err := e.overtaken(ctx, in)
		if err != nil {
			l.ErrorContext(ctx, "cannot inspect current record", slog.Any("err", err))
			rep.Failed = append(rep.Failed, in.EpaperKey)
			continue
		}
		if stale {
			l.InfoContext(ctx, "intent overtaken by a later write, dropping")
			if err := e.journal.complete(ctx, in.ID); err != nil {
				rep.Failed = append(rep.Failed, in.EpaperKey)
				continue
			}
			rep.Superseded = append(rep.Superseded, in.EpaperKey)
			continue
		}
		switch in.Op {
		case intentSave:
			missing, err := e.rollForwardSave(ctx, in)
			if err != nil {
				l.ErrorContext(ctx, "roll forward failed", slog.Any("err", err))
				rep.Failed = append(rep.Failed, in.EpaperKey)
				continue
			}
			rep.RolledForward = append(rep.RolledForward, in.EpaperKey)
			rep.MissingPages = append(rep.MissingPages, missing...)
			l.InfoContext(ctx, "interrupted save rolled forward", slog.Int("missing_pages", len(missing)))
		case intentDelete:
			if err := e.finishDelete(ctx, in); err != nil {
				l.ErrorContext(ctx, "finish delete failed", slog.Any("err", err))
				rep.Failed = append(rep.Failed, in.EpaperKey)
				continue
			}
			rep.FinishedDeletes = append(rep.FinishedDeletes, in.EpaperKey)
			l.InfoContext(ctx, "interrupted delete finished")
		default:
			l.WarnContext(ctx, "dropping unknown intent", slog.String("op", in.Op))
			_ = e.journal.complete(ctx, in.ID)
		}
	}
	if len(rep.RolledForward) > 0 || len(rep.FinishedDeletes) > 0 {
		if _, err := e.backups.Snapshot(ctx); err != nil {
			e.log.WarnContext(ctx, "backup snapshot after recovery failed", slog.Any("err", err))
		}
	}
	return rep, nil
}

// overtaken reports whether the record now stored under the intent's key was written
// after the intent began, or, for a delete, is no longer the record the delete targeted.
func (e *Engine) overtaken(ctx context.Context, in intent) (bool, error) {
	if in.Record == nil || in.CreatedAt.IsZero() {
		return false, nil
	}
	cur, ok, err := e.meta.FindOne(ctx, in.Record.Edition, in.Record.Date)
	if err != nil || !ok {
		return false, err
	}
	if in.Op == intentDelete && cur.ID != in.RecordID {
		return true, nil
	}
	last := cur.CreatedAt
	if cur.UpdatedAt != nil {
		last = *cur.UpdatedAt
	}
	return last.After(in.CreatedAt), nil
}

func (e *Engine) rollForwardSave(ctx context.Context, in intent) ([]string, error) {
	if in.Record == nil {
		return nil, e.journal.complete(ctx, in.ID)
	}
	if _, err := e.meta.Upsert(ctx, *in.Record); err != nil {
		return nil, err
	}
	stored, err := e.blobs.PageNumbers(ctx, in.EpaperKey)
	if err != nil {
		return nil, err
	}
	have := make(map[int]struct{}, len(stored))
	for _, n := range stored {
		have[n] = struct{}{}
	}
	var missing []string
	for _, p := range in.Record.Pages {
		if _, ok := have[p.PageNumber]; !ok {
			missing = append(missing, domain.PageKey(in.EpaperKey, p.PageNumber))
		}
	}
	return missing, e.journal.complete(ctx, in.ID)
}

func (e *Engine) finishDelete(ctx context.Context, in intent) error {
	if err := e.blobs.DeleteAll(ctx, in.EpaperKey); err != nil {
		return err
	}
	if in.RecordID != "" {
		if _, err := e.meta.Remove(ctx, in.RecordID); err != nil {
			return err
		}
	}
	return e.journal.complete(ctx, in.ID)
}

// Verify compares the metadata with the blob store and reports records whose pages are
// missing, records whose declared page count differs from what is stored, and blob keys
// no record refers to. It changes nothing.
func (e *Engine) Verify(ctx context.Context) (VerifyReport, error) {
	ctx, done, err := e.begin(ctx, "verify", false)
	if err != nil {
		return VerifyReport{}, err
	}
	defer done()
	return e.verify(ctx)
}

func (e *Engine) verify(ctx context.Context) (VerifyReport, error) {
	var rep VerifyReport
	records, err := e.meta.List(ctx)
	if err != nil {
		return rep, err
	}
	rep.Records = len(records)
	known := make(map[string]struct{}, len(records))
	for _, rec := range records {
		key := rec.Key()
		known[key] = struct{}{}
		nums, err := e.blobs.PageNumbers(ctx, key)
		if err != nil {
			return rep, err
		}
		have := make(map[int]struct{}, len(nums))
		for _, n := range nums {
			have[n] = struct{}{}
		}
		for _, p := range rec.Pages {
			if _, ok := have[p.PageNumber]; !ok {
				rep.Dangling = append(rep.Dangling, DanglingPage{RecordID: rec.ID, PageKey: domain.PageKey(key, p.PageNumber)})
			}
		}
		if rec.PagesCount != len(nums) {
			rep.Mismatch = append(rep.Mismatch, CountDiff{RecordID: rec.ID, Key: key, Declared: rec.PagesCount, Stored: len(nums)})
		}
	}
	keys, err := e.blobs.Keys(ctx)
	if err != nil {
		return rep, err
	}
	rep.BlobKeys = len(keys)
	for _, k := range keys {
		if _, ok := known[k]; !ok {
			rep.Orphans = append(rep.Orphans, k)
		}
	}
	sort.Strings(rep.Orphans)
	rep.Unhealthy = len(rep.Dangling) > 0 || len(rep.Mismatch) > 0 || len(rep.Orphans) > 0
	return rep, nil
}

// PruneOrphans deletes the pages of every blob key that no record refers to and returns
// the removed keys.
func (e *Engine) PruneOrphans(ctx context.Context) ([]string, error) {
	ctx, done, err := e.begin(ctx, "prune_orphans", true)
	if err != nil {
		return nil, err
	}
	defer done()
	rep, err := e.verify(ctx)
	if err != nil {
		return nil, err
	}
	var (
		removed   []string
		remaining []string
		firstErr  error
	)
	for _, k := range rep.Orphans {
		if err := e.blobs.DeleteAll(ctx, k); err != nil {
			remaining = append(remaining, MissingKeys(err)...)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed = append(removed, k)
	}
	if firstErr != nil {
		return removed, partial("prune_orphans", "", remaining, firstErr)
	}
	if len(removed) > 0 {
		e.log.InfoContext(ctx, "orphan pages pruned", slog.Int("keys", len(removed)))
	}
	return removed, nil
}
