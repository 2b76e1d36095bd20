/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package httpapi exposes the local e-paper store over HTTP for the admin upload
// screen and the viewer running on the same device.
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"epaperstore/internal/domain"
	applog "epaperstore/internal/log"
	"epaperstore/internal/storage"
)

const (
	apiBasePath     = "/api"
	editionsPath    = "/editions"
	epapersPath     = "/epapers"
	backupPath      = "/backup"
	paramEdition    = "edition"
	paramDate       = "date"
	paramPage       = "page"
	paramID         = "id"
	defaultMaxBody  = 256 << 20
	defaultDeadline = 60 * time.Second
)

// Store is the engine surface served over HTTP. *storage.Engine satisfies it.
type Store interface {
	Catalog() domain.Catalog
	SaveEpaper(ctx context.Context, req domain.SaveRequest) (domain.EpaperRecord, error)
	DeleteEpaper(ctx context.Context, id string) error
	GetPagesForViewer(ctx context.Context, edition, date string) ([]domain.PageBlob, bool, error)
	Page(ctx context.Context, edition, date string, pageNumber int) (domain.PageBlob, bool, error)
	Stats(ctx context.Context) (domain.Stats, error)
	ClearAll(ctx context.Context) error
	List(ctx context.Context) ([]domain.EpaperRecord, error)
	FindOne(ctx context.Context, edition, date string) (domain.EpaperRecord, bool, error)
	Export(ctx context.Context, w io.Writer) (int, error)
	Import(ctx context.Context, r io.Reader) (storage.ImportResult, error)
	Snapshot(ctx context.Context) (domain.BackupGeneration, error)
	Restore(ctx context.Context) (int, error)
	RestoreGeneration(ctx context.Context, id int64) (int, error)
	BackupInfo(ctx context.Context) (domain.BackupInfo, error)
	Backups(ctx context.Context) ([]domain.BackupGeneration, error)
	Verify(ctx context.Context) (storage.VerifyReport, error)
	PruneOrphans(ctx context.Context) ([]string, error)
}

// Options tunes the HTTP surface. Zero values select defaults.
type Options struct {
	Logger         *slog.Logger
	RequestTimeout time.Duration
	MaxUploadBytes int64
	Now            func() time.Time
}

// Server holds the handlers' dependencies.
type Server struct {
	store     Store
	log       *slog.Logger
	maxUpload int64
	now       func() time.Time
}

// NewRouter builds the chi router for the store.
func NewRouter(store Store, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = applog.WithComponent("http")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultDeadline
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxBody
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{store: store, log: opts.Logger, maxUpload: opts.MaxUploadBytes, now: opts.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Route(apiBasePath, func(r chi.Router) {
		r.Get(editionsPath, s.makeHandler(s.handleEditions))
		r.Get("/stats", s.makeHandler(s.handleStats))
		r.Get("/export", s.makeHandler(s.handleExport))
		r.Post("/import", s.makeHandler(s.handleImport))
		r.Get("/verify", s.makeHandler(s.handleVerify))
		r.Post("/verify/prune-orphans", s.makeHandler(s.handlePruneOrphans))

		r.Route(epapersPath, func(r chi.Router) {
			r.Get("/", s.makeHandler(s.handleList))
			r.Post("/", s.makeHandler(s.handleSave))
			r.Delete("/", s.makeHandler(s.handleClearAll))
			r.Delete("/id/{"+paramID+"}", s.makeHandler(s.handleDelete))
			r.Route("/{"+paramEdition+"}/{"+paramDate+"}", func(r chi.Router) {
				r.Get("/", s.makeHandler(s.handleFindOne))
				r.Get("/pages", s.makeHandler(s.handlePages))
				r.Get("/pages/{"+paramPage+"}", s.makeHandler(s.handlePage))
			})
		})

		r.Route(backupPath, func(r chi.Router) {
			r.Get("/", s.makeHandler(s.handleBackupInfo))
			r.Get("/generations", s.makeHandler(s.handleBackups))
			r.Post("/snapshot", s.makeHandler(s.handleSnapshot))
			r.Post("/restore", s.makeHandler(s.handleRestore))
		})
	})

	r.Get("/healthz", handleHealthCheck)
	return r
}

func handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(headerContentType, contentTypeTextPlainUTF8)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
