/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"epaperstore/internal/domain"
	"epaperstore/internal/storage"
)

type editionView struct {
	domain.Edition
	Stored int `json:"stored"` // records held locally
}

func (s *Server) handleEditions(w http.ResponseWriter, r *http.Request) error {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		return err
	}
	stored := make(map[string]int, len(st.Editions))
	for _, e := range st.Editions {
		stored[e.Edition] = e.Records
	}
	out := []editionView{}
	if cat := s.store.Catalog(); cat != nil {
		for _, e := range cat.All() {
			out = append(out, editionView{Edition: e, Stored: stored[e.ID]})
		}
	}
	respondJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) error {
	records, err := s.store.List(r.Context())
	if err != nil {
		return err
	}
	if ed := r.URL.Query().Get("edition"); ed != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Edition == ed {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	respondJSON(w, http.StatusOK, records)
	return nil
}

func (s *Server) handleFindOne(w http.ResponseWriter, r *http.Request) error {
	edition, date := chi.URLParam(r, paramEdition), chi.URLParam(r, paramDate)
	rec, ok, err := s.store.FindOne(r.Context(), edition, date)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound(fmt.Sprintf("no e-paper for %s %s", edition, date))
	}
	respondJSON(w, http.StatusOK, rec)
	return nil
}

// saveResponse is returned by POST /api/epapers. Error fields are set on 207.
type saveResponse struct {
	Record      domain.EpaperRecord `json:"record"`
	Error       string              `json:"error,omitempty"`
	MissingKeys []string            `json:"missingKeys,omitempty"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	req, err := s.decodeSaveRequest(r)
	if err != nil {
		return err
	}
	rec, err := s.store.SaveEpaper(r.Context(), req)
	if err != nil && storage.KindOf(err) == storage.KindPartial {
		respondJSON(w, http.StatusMultiStatus, saveResponse{Record: rec, Error: err.Error(), MissingKeys: storage.MissingKeys(err)})
		return nil
	}
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusCreated, saveResponse{Record: rec})
	return nil
}

// decodeSaveRequest accepts either a JSON SaveRequest (page data base64) or a multipart
// form with edition, date, optional id and pagesCount, and page files. Files sent under
// "page" are numbered in order from 1; files sent under "page-N" get number N.
func (s *Server) decodeSaveRequest(r *http.Request) (domain.SaveRequest, error) {
	var req domain.SaveRequest
	mt, _, _ := mime.ParseMediaType(r.Header.Get(headerContentType))
	switch mt {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, newHTTPError(http.StatusBadRequest, "invalid JSON body", err)
		}
		return req, nil
	case "multipart/form-data":
	default:
		return req, newHTTPError(http.StatusUnsupportedMediaType, "use multipart/form-data or application/json", nil)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return req, newHTTPError(http.StatusBadRequest, "invalid multipart body", err)
	}
	form := r.MultipartForm
	req.ID = strings.TrimSpace(r.FormValue("id"))
	req.Edition = strings.TrimSpace(r.FormValue("edition"))
	req.Date = strings.TrimSpace(r.FormValue("date"))
	if v := strings.TrimSpace(r.FormValue("pagesCount")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return req, errBadRequest("pagesCount must be a non-negative integer")
		}
		req.PagesCount = n
	}
	for i, fh := range form.File["page"] {
		up, err := readUpload(fh, i+1)
		if err != nil {
			return req, err
		}
		req.Pages = append(req.Pages, up)
	}
	for field, files := range form.File {
		if !strings.HasPrefix(field, "page-") || len(files) == 0 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(field, "page-"))
		if err != nil {
			return req, errBadRequest(fmt.Sprintf("bad page field %q", field))
		}
		up, err := readUpload(files[0], n)
		if err != nil {
			return req, err
		}
		req.Pages = append(req.Pages, up)
	}
	sort.SliceStable(req.Pages, func(i, j int) bool { return req.Pages[i].PageNumber < req.Pages[j].PageNumber })
	return req, nil
}

func readUpload(fh *multipart.FileHeader, n int) (domain.PageUpload, error) {
	f, err := fh.Open()
	if err != nil {
		return domain.PageUpload{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return domain.PageUpload{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	ct := fh.Header.Get(headerContentType)
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(data)
	}
	return domain.PageUpload{PageNumber: n, Name: fh.Filename, ContentType: ct, Data: data}, nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) error {
	if err := s.store.DeleteEpaper(r.Context(), chi.URLParam(r, paramID)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Query().Get("confirm") != "yes" {
		return errBadRequest("clearing all local data requires confirm=yes")
	}
	if err := s.store.ClearAll(r.Context()); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type pageView struct {
	ID          string    `json:"id"`
	PageNumber  int       `json:"pageNumber"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	SavedAt     time.Time `json:"savedAt"`
	URL         string    `json:"url"`
	ImageData   []byte    `json:"imageData,omitempty"`
}

type pagesResponse struct {
	Local bool       `json:"local"`
	Pages []pageView `json:"pages"`
}

// handlePages serves the viewer. local=false tells it to fall back to another source.
// With ?include=data the page images are inlined as base64.
func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) error {
	edition, date := chi.URLParam(r, paramEdition), chi.URLParam(r, paramDate)
	pages, local, err := s.store.GetPagesForViewer(r.Context(), edition, date)
	if err != nil {
		return err
	}
	inline := r.URL.Query().Get("include") == "data"
	resp := pagesResponse{Local: local, Pages: make([]pageView, 0, len(pages))}
	for _, p := range pages {
		v := pageView{
			ID: p.ID, PageNumber: p.PageNumber, Name: p.Name, Size: p.Size,
			ContentType: p.ContentType, SavedAt: p.SavedAt,
			URL: fmt.Sprintf("%s%s/%s/%s/pages/%d", apiBasePath, epapersPath, edition, date, p.PageNumber),
		}
		if inline {
			v.ImageData = p.ImageData
		}
		resp.Pages = append(resp.Pages, v)
	}
	respondJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) error {
	edition, date := chi.URLParam(r, paramEdition), chi.URLParam(r, paramDate)
	n, err := strconv.Atoi(chi.URLParam(r, paramPage))
	if err != nil || n < 1 {
		return errBadRequest("page must be a positive integer")
	}
	p, ok, err := s.store.Page(r.Context(), edition, date, n)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound(fmt.Sprintf("page %d of %s %s is not stored locally", n, edition, date))
	}
	ct := p.ContentType
	if ct == "" {
		ct = http.DetectContentType(p.ImageData)
	}
	w.Header().Set(headerContentType, ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(p.ImageData)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p.ImageData)
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) error {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, st)
	return nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) error {
	var buf bytes.Buffer
	if _, err := s.store.Export(r.Context(), &buf); err != nil {
		return err
	}
	name := fmt.Sprintf("epaper-backup-%s.json", s.now().Format(domain.DateLayout))
	w.Header().Set(headerContentType, contentTypeJSONUTF8)
	w.Header().Set(headerContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
	return nil
}

// handleImport accepts the document as the raw body or as the "file" field of a
// multipart form.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) error {
	body := io.Reader(r.Body)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get(headerContentType)); mt == "multipart/form-data" {
		f, _, err := r.FormFile("file")
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "multipart import needs a \"file\" field", err)
		}
		defer func() { _ = f.Close() }()
		body = f
	}
	res, err := s.store.Import(r.Context(), body)
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, res)
	return nil
}

func (s *Server) handleBackupInfo(w http.ResponseWriter, r *http.Request) error {
	info, err := s.store.BackupInfo(r.Context())
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, info)
	return nil
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) error {
	gens, err := s.store.Backups(r.Context())
	if err != nil {
		return err
	}
	if gens == nil {
		gens = []domain.BackupGeneration{}
	}
	respondJSON(w, http.StatusOK, gens)
	return nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) error {
	gen, err := s.store.Snapshot(r.Context())
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusCreated, gen)
	return nil
}

// handleRestore restores the newest generation, or ?generation=<id>.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) error {
	var (
		n   int
		err error
	)
	if g := r.URL.Query().Get("generation"); g != "" {
		id, perr := strconv.ParseInt(g, 10, 64)
		if perr != nil {
			return errBadRequest("generation must be an integer id")
		}
		n, err = s.store.RestoreGeneration(r.Context(), id)
	} else {
		n, err = s.store.Restore(r.Context())
	}
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, map[string]int{"restored": n})
	return nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) error {
	rep, err := s.store.Verify(r.Context())
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, rep)
	return nil
}

func (s *Server) handlePruneOrphans(w http.ResponseWriter, r *http.Request) error {
	removed, err := s.store.PruneOrphans(r.Context())
	if err != nil && !errors.Is(err, storage.ErrPartial) {
		return err
	}
	if removed == nil {
		removed = []string{}
	}
	code := http.StatusOK
	body := map[string]any{"removed": removed}
	if err != nil {
		code = http.StatusMultiStatus
		body["error"] = err.Error()
		body["missingKeys"] = storage.MissingKeys(err)
	}
	respondJSON(w, code, body)
	return nil
}
