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
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"epaperstore/internal/domain"
	applog "epaperstore/internal/log"
)

// DefaultOpTimeout bounds an engine call whose context carries no deadline.
const DefaultOpTimeout = 30 * time.Second

// Previewer renders a small preview (a data URL) from a full page image.
type Previewer interface {
	Preview(data []byte, contentType string) (string, error)
}

// Options configures Open.
type Options struct {
	// Dir holds the metadata database and the blob tree.
	Dir               string
	BackupGenerations int
	// OpTimeout applies when the caller's context has no deadline. Zero means
	// DefaultOpTimeout, negative disables it.
	OpTimeout        time.Duration
	Compress         bool
	WriteParallelism int
	Catalog          domain.Catalog
	Previewer        Previewer
	Logger           *slog.Logger
}

// Engine is the storage facade. It coordinates the blob store, metadata store, backup
// ring, codec and intent journal. It is safe for concurrent use.
type Engine struct {
	opts    Options
	db      *sql.DB
	blobs   *BlobStore
	meta    *MetadataStore
	backups *BackupManager
	codec   *Codec
	journal *journal
	log     *slog.Logger

	// global is held shared by per-record operations and exclusively by
	// whole-collection ones (import, restore, clear).
	global   sync.RWMutex
	keyMu    sync.Mutex
	keyLocks map[string]*keyLock
	closed   atomic.Bool

	recovery RecoveryReport
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

var editionPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Open opens (creating if needed) the store in opts.Dir and replays any intent left
// incomplete by a previous process.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = applog.WithComponent("storage")
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.BackupGenerations <= 0 {
		opts.BackupGenerations = DefaultBackupGenerations
	}
	l := opts.Logger
	ctx = applog.ContextWithDataDir(ctx, opts.Dir)

	db, err := openDB(ctx, opts.Dir, l)
	if err != nil {
		return nil, err
	}
	blobs, err := NewBlobStore(opts.Dir, opts.Compress, opts.WriteParallelism, applog.WithOperation(l, "blobs"))
	if err != nil {
		_ = db.Close()
		return nil, unavailable("engine.open", err)
	}
	if err := blobs.Open(); err != nil {
		blobs.Close()
		_ = db.Close()
		return nil, err
	}
	e := &Engine{
		opts:     opts,
		db:       db,
		blobs:    blobs,
		meta:     newMetadataStore(db, l),
		journal:  newJournal(db),
		log:      l,
		keyLocks: make(map[string]*keyLock),
	}
	e.backups = newBackupManager(db, opts.BackupGenerations, l)
	e.codec = newCodec(db, e.backups, l)

	rep, err := e.reconcile(ctx)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.recovery = rep
	if !rep.Empty() {
		l.WarnContext(ctx, "recovered incomplete operations",
			slog.Int("rolled_forward", len(rep.RolledForward)),
			slog.Int("finished_deletes", len(rep.FinishedDeletes)),
			slog.Int("superseded", len(rep.Superseded)),
			slog.Int("missing_pages", len(rep.MissingPages)))
	}
	l.InfoContext(ctx, "storage engine opened")
	return e, nil
}

// Close releases the database and codec resources. Calls after Close fail with ErrClosed.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.global.Lock()
	defer e.global.Unlock()
	e.blobs.Close()
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("close metadata db: %w", err)
	}
	return nil
}

// Dir returns the data directory.
func (e *Engine) Dir() string { return e.opts.Dir }

// Catalog returns the configured editions catalog, which may be nil.
func (e *Engine) Catalog() domain.Catalog { return e.opts.Catalog }

// LastRecovery reports what Open repaired.
func (e *Engine) LastRecovery() RecoveryReport { return e.recovery }

// SaveEpaper stores an uploaded page batch. Pages go to the blob store first, then the
// metadata projection is upserted and a backup generation is written. When some pages
// could not be written the metadata is still saved and the returned error is a
// PartialFailure listing the missing page keys.
func (e *Engine) SaveEpaper(ctx context.Context, req domain.SaveRequest) (domain.EpaperRecord, error) {
	const op = "save_epaper"
	ctx, done, err := e.begin(ctx, op, false)
	if err != nil {
		return domain.EpaperRecord{}, err
	}
	defer done()
	if err := e.validateKey(op, req.Edition, req.Date); err != nil {
		return domain.EpaperRecord{}, err
	}
	if err := validatePages(op, req.Pages); err != nil {
		return domain.EpaperRecord{}, err
	}
	key := domain.EpaperKey(req.Edition, req.Date)
	unlock := e.lockKey(key)
	defer unlock()
	l := applog.WithOperation(e.log, op).With(slog.String("key", key))

	now := time.Now().UTC()
	blobs := make([]domain.PageBlob, 0, len(req.Pages))
	metas := make([]domain.PageMeta, 0, len(req.Pages))
	for _, p := range req.Pages {
		if strings.TrimSpace(p.Name) == "" {
			p.Name = fmt.Sprintf("page-%d", p.PageNumber)
		}
		blobs = append(blobs, domain.PageBlob{
			ID:          domain.PageKey(key, p.PageNumber),
			EpaperKey:   key,
			PageNumber:  p.PageNumber,
			ImageData:   p.Data,
			ContentType: p.ContentType,
			Name:        p.Name,
			Size:        int64(len(p.Data)),
			SavedAt:     now,
		})
		metas = append(metas, domain.PageMeta{
			PageNumber: p.PageNumber,
			Name:       p.Name,
			Size:       int64(len(p.Data)),
			Preview:    e.previewFor(l, p),
		})
	}
	pagesCount := req.PagesCount
	if pagesCount <= 0 {
		pagesCount = len(req.Pages)
	}
	rec := domain.EpaperRecord{
		ID:         req.ID,
		Edition:    req.Edition,
		Date:       req.Date,
		PagesCount: pagesCount,
		Pages:      metas,
		CreatedAt:  now,
	}

	intentID, err := e.journal.begin(ctx, intentSave, key, rec.ID, &rec)
	if err != nil {
		return domain.EpaperRecord{}, err
	}

	// Phase 1: page payloads. A failure here does not stop the metadata write.
	putErr := e.blobs.Put(ctx, key, blobs)
	if putErr != nil {
		l.WarnContext(ctx, "page write incomplete, saving metadata anyway", slog.Any("err", putErr))
		if KindOf(putErr) != KindPartial {
			putErr = partial("blobs.put", key, pageKeys(key, blobs), putErr)
		}
	}
	if err := e.journal.advance(ctx, intentID, stateBlobsWritten); err != nil {
		l.WarnContext(ctx, "journal advance failed", slog.Any("err", err))
	}

	// Phase 2: metadata.
	stored, err := e.meta.Upsert(ctx, rec)
	if err != nil {
		l.ErrorContext(ctx, "metadata upsert failed", slog.Any("err", err))
		return domain.EpaperRecord{}, err
	}

	// Phase 3: backup generation.
	if _, err := e.backups.Snapshot(ctx); err != nil {
		l.WarnContext(ctx, "backup snapshot failed", slog.Any("err", err))
	}
	if err := e.journal.complete(ctx, intentID); err != nil {
		l.WarnContext(ctx, "journal complete failed", slog.Any("err", err))
	}
	l.InfoContext(ctx, "epaper saved", slog.String("id", stored.ID), slog.Int("pages", len(blobs)))
	return stored, putErr
}

// DeleteEpaper removes the record with id and all its pages. An unknown id is not an
// error. When some pages cannot be removed the record is kept and the error is a
// PartialFailure; the delete is finished on the next Open.
func (e *Engine) DeleteEpaper(ctx context.Context, id string) error {
	const op = "delete_epaper"
	ctx, done, err := e.begin(ctx, op, false)
	if err != nil {
		return err
	}
	defer done()
	edition, date, ok, err := e.meta.keyOf(ctx, id)
	if err != nil || !ok {
		return err
	}
	key := domain.EpaperKey(edition, date)
	unlock := e.lockKey(key)
	defer unlock()
	l := applog.WithOperation(e.log, op).With(slog.String("key", key), slog.String("id", id))

	target := domain.EpaperRecord{ID: id, Edition: edition, Date: date}
	intentID, err := e.journal.begin(ctx, intentDelete, key, id, &target)
	if err != nil {
		return err
	}
	if err := e.blobs.DeleteAll(ctx, key); err != nil {
		l.ErrorContext(ctx, "page delete incomplete", slog.Any("err", err))
		return err
	}
	if err := e.journal.advance(ctx, intentID, stateBlobsRemoved); err != nil {
		l.WarnContext(ctx, "journal advance failed", slog.Any("err", err))
	}
	if _, err := e.meta.Remove(ctx, id); err != nil {
		return err
	}
	if _, err := e.backups.Snapshot(ctx); err != nil {
		l.WarnContext(ctx, "backup snapshot failed", slog.Any("err", err))
	}
	if err := e.journal.complete(ctx, intentID); err != nil {
		l.WarnContext(ctx, "journal complete failed", slog.Any("err", err))
	}
	l.InfoContext(ctx, "epaper deleted")
	return nil
}

// GetPagesForViewer returns the locally stored pages for an edition and date in page
// order. local is false when nothing is stored, so the viewer can fall back elsewhere.
func (e *Engine) GetPagesForViewer(ctx context.Context, edition, date string) (pages []domain.PageBlob, local bool, err error) {
	const op = "get_pages"
	ctx, done, err := e.begin(ctx, op, false)
	if err != nil {
		return nil, false, err
	}
	defer done()
	if err := e.validateKey(op, edition, date); err != nil {
		return nil, false, err
	}
	pages, err = e.blobs.GetAll(ctx, domain.EpaperKey(edition, date))
	if err != nil {
		return nil, false, err
	}
	return pages, len(pages) > 0, nil
}

// Page returns one stored page.
func (e *Engine) Page(ctx context.Context, edition, date string, pageNumber int) (domain.PageBlob, bool, error) {
	ctx, done, err := e.begin(ctx, "page", false)
	if err != nil {
		return domain.PageBlob{}, false, err
	}
	defer done()
	return e.blobs.Get(ctx, domain.EpaperKey(edition, date), pageNumber)
}

// Stats aggregates the metadata collection. Edition names come from the catalog.
func (e *Engine) Stats(ctx context.Context) (domain.Stats, error) {
	ctx, done, err := e.begin(ctx, "stats", false)
	if err != nil {
		return domain.Stats{}, err
	}
	defer done()
	st, err := e.meta.Stats(ctx)
	if err != nil {
		return st, err
	}
	if e.opts.Catalog != nil {
		for i := range st.Editions {
			if ed, ok := e.opts.Catalog.Lookup(st.Editions[i].Edition); ok {
				st.Editions[i].Name = ed.Name
			}
		}
	}
	return st, nil
}

// ClearAll wipes metadata, every backup generation, the journal and all pages.
// No backup is taken first.
func (e *Engine) ClearAll(ctx context.Context) error {
	const op = "clear_all"
	ctx, done, err := e.begin(ctx, op, true)
	if err != nil {
		return err
	}
	defer done()
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM epapers`); err != nil {
		return unavailable(op, err)
	}
	if err := clearBackups(ctx, tx); err != nil {
		return err
	}
	if err := clearJournal(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	if err := e.blobs.Clear(ctx); err != nil {
		return err
	}
	e.log.WarnContext(ctx, "all local e-paper data cleared")
	return nil
}

// List returns all records, most recently inserted first.
func (e *Engine) List(ctx context.Context) ([]domain.EpaperRecord, error) {
	ctx, done, err := e.begin(ctx, "list", false)
	if err != nil {
		return nil, err
	}
	defer done()
	return e.meta.List(ctx)
}

// FindOne returns the record for an edition and date.
func (e *Engine) FindOne(ctx context.Context, edition, date string) (domain.EpaperRecord, bool, error) {
	ctx, done, err := e.begin(ctx, "find_one", false)
	if err != nil {
		return domain.EpaperRecord{}, false, err
	}
	defer done()
	return e.meta.FindOne(ctx, edition, date)
}

// Export writes the export document to w.
func (e *Engine) Export(ctx context.Context, w io.Writer) (int, error) {
	ctx, done, err := e.begin(ctx, "export", false)
	if err != nil {
		return 0, err
	}
	defer done()
	return e.codec.Export(ctx, w)
}

// Import merges an export document into the collection.
func (e *Engine) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	ctx, done, err := e.begin(ctx, "import", true)
	if err != nil {
		return ImportResult{}, err
	}
	defer done()
	return e.codec.Import(ctx, r)
}

// Snapshot writes a backup generation now.
func (e *Engine) Snapshot(ctx context.Context) (domain.BackupGeneration, error) {
	ctx, done, err := e.begin(ctx, "snapshot", false)
	if err != nil {
		return domain.BackupGeneration{}, err
	}
	defer done()
	return e.backups.Snapshot(ctx)
}

// Restore overwrites the metadata with the newest backup generation.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	ctx, done, err := e.begin(ctx, "restore", true)
	if err != nil {
		return 0, err
	}
	defer done()
	return e.backups.Restore(ctx)
}

// RestoreGeneration overwrites the metadata with a specific backup generation.
func (e *Engine) RestoreGeneration(ctx context.Context, id int64) (int, error) {
	ctx, done, err := e.begin(ctx, "restore", true)
	if err != nil {
		return 0, err
	}
	defer done()
	return e.backups.RestoreGeneration(ctx, id)
}

// BackupInfo describes the newest backup generation.
func (e *Engine) BackupInfo(ctx context.Context) (domain.BackupInfo, error) {
	ctx, done, err := e.begin(ctx, "backup_info", false)
	if err != nil {
		return domain.BackupInfo{}, err
	}
	defer done()
	return e.backups.Info(ctx)
}

// Backups lists the stored backup generations, newest first.
func (e *Engine) Backups(ctx context.Context) ([]domain.BackupGeneration, error) {
	ctx, done, err := e.begin(ctx, "backups", false)
	if err != nil {
		return nil, err
	}
	defer done()
	return e.backups.List(ctx)
}

// begin checks the engine is open, takes the global lock and applies the default
// operation timeout. The returned func undoes both.
func (e *Engine) begin(ctx context.Context, op string, exclusive bool) (context.Context, func(), error) {
	if e.closed.Load() {
		return ctx, func() {}, &Error{Kind: KindUnavailable, Op: op, Err: ErrClosed}
	}
	if exclusive {
		e.global.Lock()
	} else {
		e.global.RLock()
	}
	unlock := func() {
		if exclusive {
			e.global.Unlock()
		} else {
			e.global.RUnlock()
		}
	}
	// Close may have won the race for the lock.
	if e.closed.Load() {
		unlock()
		return ctx, func() {}, &Error{Kind: KindUnavailable, Op: op, Err: ErrClosed}
	}
	ctx = applog.ContextWithDataDir(ctx, e.opts.Dir)
	cancel := context.CancelFunc(func() {})
	if _, has := ctx.Deadline(); !has && e.opts.OpTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.opts.OpTimeout)
	}
	return ctx, func() { cancel(); unlock() }, nil
}

func (e *Engine) lockKey(key string) func() {
	e.keyMu.Lock()
	kl, ok := e.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		e.keyLocks[key] = kl
	}
	kl.refs++
	e.keyMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		e.keyMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(e.keyLocks, key)
		}
		e.keyMu.Unlock()
	}
}

func (e *Engine) previewFor(l *slog.Logger, p domain.PageUpload) string {
	if p.Preview != "" || e.opts.Previewer == nil || len(p.Data) == 0 {
		return p.Preview
	}
	s, err := e.opts.Previewer.Preview(p.Data, p.ContentType)
	if err != nil {
		l.Debug("no preview for page", slog.Int("page", p.PageNumber), slog.Any("err", err))
		return ""
	}
	return s
}

func (e *Engine) validateKey(op, edition, date string) error {
	if err := checkKey(edition, date); err != nil {
		return invalid(op, err.Error())
	}
	// An empty catalog accepts any edition.
	if cat := e.opts.Catalog; cat != nil && len(cat.All()) > 0 {
		if _, ok := cat.Lookup(edition); !ok {
			return invalid(op, fmt.Sprintf("unknown edition %q", edition))
		}
	}
	return nil
}

func validatePages(op string, pages []domain.PageUpload) error {
	nums := make([]int, len(pages))
	for i, p := range pages {
		nums[i] = p.PageNumber
	}
	if err := checkPageNumbers(nums); err != nil {
		return invalid(op, err.Error())
	}
	return nil
}

// checkKey applies the edition and date rules shared by saves and imports.
func checkKey(edition, date string) error {
	if !editionPattern.MatchString(edition) {
		return fmt.Errorf("edition %q must be non-empty and use only letters, digits, '_', '.', '-'", edition)
	}
	if t, err := time.Parse(domain.DateLayout, date); err != nil || t.Format(domain.DateLayout) != date {
		return fmt.Errorf("date %q must be YYYY-MM-DD", date)
	}
	return nil
}

func checkPageNumbers(nums []int) error {
	seen := make(map[int]struct{}, len(nums))
	for _, n := range nums {
		if n < 1 {
			return fmt.Errorf("page number %d must be >= 1", n)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("page number %d given twice", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}
