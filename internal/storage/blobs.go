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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"epaperstore/internal/domain"
)

const (
	blobDirName    = "blobs"
	tempDirName    = ".tmp"
	keyFileName    = "key"
	pageFilePrefix = "page-"
	dataExt        = ".data"
	sidecarExt     = ".json"

	encodingZstd = "zstd"
)

// pageSidecar is the on-disk description of one page payload. It is written after
// the payload, so a page without a readable sidecar does not exist.
type pageSidecar struct {
	ID          string    `json:"id"`
	EpaperKey   string    `json:"epaperKey"`
	PageNumber  int       `json:"pageNumber"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	SavedAt     time.Time `json:"savedAt"`
	Encoding    string    `json:"encoding,omitempty"`
	Sha256      string    `json:"sha256"`
}

// BlobStore keeps full page payloads on the filesystem under a sharded layout:
//
//	<dir>/blobs/<aa>/<bb>/<sha256(epaperKey)>/{key, page-NNNN.data, page-NNNN.json}
//
// Writes land in <dir>/blobs/.tmp and are renamed into place. Batch writes and
// deletes are not atomic; failures are reported per page.
type BlobStore struct {
	root        string
	compress    bool
	parallelism int
	log         *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	// Test seams for injecting per-page failures.
	beforeWrite  func(pageKey string) error
	beforeDelete func(pageKey string) error
}

// NewBlobStore returns a store rooted at dir. Call Open before use.
func NewBlobStore(dir string, compress bool, parallelism int, l *slog.Logger) (*BlobStore, error) {
	if parallelism <= 0 {
		parallelism = 4
	}
	if l == nil {
		l = slog.Default()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &BlobStore{
		root:        filepath.Join(filepath.Clean(dir), blobDirName),
		compress:    compress,
		parallelism: parallelism,
		log:         l,
		enc:         enc,
		dec:         dec,
	}, nil
}

// Open creates the directory layout. It is idempotent.
func (b *BlobStore) Open() error {
	if err := os.MkdirAll(filepath.Join(b.root, tempDirName), 0o755); err != nil {
		return unavailable("blobs.open", fmt.Errorf("create blob dirs: %w", err))
	}
	// Check writability so a read-only mount fails here rather than mid-save.
	canary := filepath.Join(b.root, tempDirName, "canary-"+uuid.NewString())
	if err := os.WriteFile(canary, nil, 0o644); err != nil {
		return unavailable("blobs.open", fmt.Errorf("blob dir not writable: %w", err))
	}
	_ = os.Remove(canary)
	return nil
}

// Close releases the codec resources.
func (b *BlobStore) Close() {
	_ = b.enc.Close()
	b.dec.Close()
}

// Put writes every page under epaperKey, last write wins per page. Pages are
// written concurrently; the ones that failed are listed in the PartialFailure.
func (b *BlobStore) Put(ctx context.Context, epaperKey string, pages []domain.PageBlob) error {
	if epaperKey == "" {
		return invalid("blobs.put", "empty epaper key")
	}
	if len(pages) == 0 {
		return nil
	}
	dir := b.dirFor(epaperKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return partial("blobs.put", epaperKey, pageKeys(epaperKey, pages), fmt.Errorf("create key dir: %w", err))
	}
	if err := b.writeAtomic(filepath.Join(dir, keyFileName), []byte(epaperKey)); err != nil {
		return partial("blobs.put", epaperKey, pageKeys(epaperKey, pages), fmt.Errorf("write key file: %w", err))
	}

	var (
		mu       sync.Mutex
		missing  []string
		firstErr error
	)
	var g errgroup.Group
	g.SetLimit(b.parallelism)
	for i := range pages {
		p := pages[i]
		g.Go(func() error {
			pk := domain.PageKey(epaperKey, p.PageNumber)
			err := ctx.Err()
			if err == nil {
				err = b.writePage(dir, epaperKey, p)
			}
			if err != nil {
				b.log.Warn("page write failed", slog.String("page", pk), slog.Any("err", err))
				mu.Lock()
				missing = append(missing, pk)
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(missing) > 0 {
		sort.Strings(missing)
		return partial("blobs.put", epaperKey, missing, firstErr)
	}
	return nil
}

func (b *BlobStore) writePage(dir, epaperKey string, p domain.PageBlob) error {
	pk := domain.PageKey(epaperKey, p.PageNumber)
	if b.beforeWrite != nil {
		if err := b.beforeWrite(pk); err != nil {
			return err
		}
	}
	sum := sha256.Sum256(p.ImageData)
	payload := p.ImageData
	sc := pageSidecar{
		ID:          pk,
		EpaperKey:   epaperKey,
		PageNumber:  p.PageNumber,
		Name:        p.Name,
		ContentType: p.ContentType,
		Size:        int64(len(p.ImageData)),
		SavedAt:     p.SavedAt.UTC(),
		Sha256:      hex.EncodeToString(sum[:]),
	}
	if sc.SavedAt.IsZero() {
		sc.SavedAt = time.Now().UTC()
	}
	if b.compress {
		payload = b.enc.EncodeAll(p.ImageData, make([]byte, 0, len(p.ImageData)/2))
		sc.Encoding = encodingZstd
	}
	base := filepath.Join(dir, pageFileBase(p.PageNumber))
	if err := b.writeAtomic(base+dataExt, payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	meta, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := b.writeAtomic(base+sidecarExt, meta); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// GetAll returns every readable page stored under epaperKey, ascending by page number.
// A key with no pages (or a store never written to) yields an empty result.
func (b *BlobStore) GetAll(ctx context.Context, epaperKey string) ([]domain.PageBlob, error) {
	if epaperKey == "" {
		return nil, nil
	}
	dir := b.dirFor(epaperKey)
	numbers, err := b.pageNumbersIn(dir)
	if err != nil {
		return nil, unavailable("blobs.get_all", err)
	}
	out := make([]domain.PageBlob, 0, len(numbers))
	for _, n := range numbers {
		if err := ctx.Err(); err != nil {
			return nil, unavailable("blobs.get_all", err)
		}
		p, err := b.readPage(dir, n)
		if err != nil {
			b.log.Warn("skipping unreadable page", slog.String("page", domain.PageKey(epaperKey, n)), slog.Any("err", err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Get reads one page; ok is false when it does not exist.
func (b *BlobStore) Get(ctx context.Context, epaperKey string, pageNumber int) (domain.PageBlob, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.PageBlob{}, false, unavailable("blobs.get", err)
	}
	dir := b.dirFor(epaperKey)
	p, err := b.readPage(dir, pageNumber)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.PageBlob{}, false, nil
	}
	if err != nil {
		return domain.PageBlob{}, false, formatErr("blobs.get", domain.PageKey(epaperKey, pageNumber), "unreadable page", err)
	}
	return p, true, nil
}

// PageNumbers lists the page numbers stored under epaperKey without reading payloads.
func (b *BlobStore) PageNumbers(ctx context.Context, epaperKey string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("blobs.page_numbers", err)
	}
	nums, err := b.pageNumbersIn(b.dirFor(epaperKey))
	if err != nil {
		return nil, unavailable("blobs.page_numbers", err)
	}
	return nums, nil
}

// DeleteAll removes every page under epaperKey one by one. Pages that could not be
// removed are listed in the PartialFailure.
func (b *BlobStore) DeleteAll(ctx context.Context, epaperKey string) error {
	if epaperKey == "" {
		return nil
	}
	dir := b.dirFor(epaperKey)
	numbers, err := b.pageNumbersIn(dir)
	if err != nil {
		return unavailable("blobs.delete_all", err)
	}
	var (
		remaining []string
		firstErr  error
	)
	for _, n := range numbers {
		pk := domain.PageKey(epaperKey, n)
		err := ctx.Err()
		if err == nil && b.beforeDelete != nil {
			err = b.beforeDelete(pk)
		}
		if err == nil {
			base := filepath.Join(dir, pageFileBase(n))
			// Sidecar first: once it is gone the page no longer exists for readers.
			if rerr := os.Remove(base + sidecarExt); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				err = rerr
			} else if rerr := os.Remove(base + dataExt); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				b.log.Warn("stale payload left behind", slog.String("page", pk), slog.Any("err", rerr))
			}
		}
		if err != nil {
			remaining = append(remaining, pk)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(remaining) > 0 {
		return partial("blobs.delete_all", epaperKey, remaining, firstErr)
	}
	if err := os.RemoveAll(dir); err != nil {
		b.log.Warn("remove key dir failed", slog.String("key", epaperKey), slog.Any("err", err))
		return nil
	}
	b.cleanupEmptyDirs(dir)
	return nil
}

// Keys enumerates every epaper key that has a directory in the store.
func (b *BlobStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == tempDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != keyFileName {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			b.log.Warn("unreadable key file", slog.String("path", path), slog.Any("err", rerr))
			return nil
		}
		keys = append(keys, strings.TrimSpace(string(data)))
		return nil
	})
	if err != nil {
		return nil, unavailable("blobs.keys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every stored page.
func (b *BlobStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable("blobs.clear", err)
	}
	if err := os.RemoveAll(b.root); err != nil {
		return unavailable("blobs.clear", err)
	}
	return b.Open()
}

func (b *BlobStore) readPage(dir string, n int) (domain.PageBlob, error) {
	base := filepath.Join(dir, pageFileBase(n))
	raw, err := os.ReadFile(base + sidecarExt)
	if err != nil {
		return domain.PageBlob{}, err
	}
	var sc pageSidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return domain.PageBlob{}, fmt.Errorf("decode sidecar: %w", err)
	}
	payload, err := os.ReadFile(base + dataExt)
	if err != nil {
		return domain.PageBlob{}, err
	}
	if sc.Encoding == encodingZstd {
		payload, err = b.dec.DecodeAll(payload, make([]byte, 0, max(sc.Size, 0)))
		if err != nil {
			return domain.PageBlob{}, fmt.Errorf("decompress: %w", err)
		}
	}
	sum := sha256.Sum256(payload)
	if sc.Sha256 != "" && hex.EncodeToString(sum[:]) != sc.Sha256 {
		return domain.PageBlob{}, errors.New("checksum mismatch")
	}
	return domain.PageBlob{
		ID:          sc.ID,
		EpaperKey:   sc.EpaperKey,
		PageNumber:  sc.PageNumber,
		ImageData:   payload,
		ContentType: sc.ContentType,
		Name:        sc.Name,
		Size:        int64(len(payload)),
		SavedAt:     sc.SavedAt,
	}, nil
}

func (b *BlobStore) pageNumbersIn(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, pageFilePrefix) || !strings.HasSuffix(name, sidecarExt) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, pageFilePrefix), sidecarExt))
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

// writeAtomic writes data to a temp file, flushes it and renames it over path.
func (b *BlobStore) writeAtomic(path string, data []byte) (err error) {
	tmp := filepath.Join(b.root, tempDirName, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// dirFor shards by the SHA-256 of the key: blobs/a3/f2/a3f29d4e...
func (b *BlobStore) dirFor(epaperKey string) string {
	sum := sha256.Sum256([]byte(epaperKey))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(b.root, h[0:2], h[2:4], h)
}

// cleanupEmptyDirs walks up from a removed key dir and drops empty shard dirs.
func (b *BlobStore) cleanupEmptyDirs(path string) {
	parent := filepath.Dir(path)
	for parent != b.root && strings.HasPrefix(parent, b.root) {
		entries, err := os.ReadDir(parent)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(parent); err != nil {
			return
		}
		parent = filepath.Dir(parent)
	}
}

func pageFileBase(n int) string { return fmt.Sprintf("%s%04d", pageFilePrefix, n) }

func pageKeys(epaperKey string, pages []domain.PageBlob) []string {
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, domain.PageKey(epaperKey, p.PageNumber))
	}
	sort.Strings(out)
	return out
}
