/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"epaperstore/internal/domain"
)

// Archive member names.
const (
	RecordFileName    = "epaper.json"
	ComicInfoFileName = "ComicInfo.xml"
)

// maxArchiveMember bounds a single member read back from an archive.
const maxArchiveMember = 256 << 20

// CBZOptions controls CBZ export behavior.
type CBZOptions struct {
	Pages []int // page numbers; empty means all stored pages
}

// archiveRecord is the epaper.json member: the metadata record plus the archive file
// name of every page so the edition can be saved again elsewhere.
type archiveRecord struct {
	domain.EpaperRecord
	Files map[int]archiveFile `json:"files"`
}

type archiveFile struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType,omitempty"`
}

type comicInfo struct {
	XMLName          xml.Name `xml:"ComicInfo"`
	Series           string   `xml:"Series"`
	Title            string   `xml:"Title"`
	Year             int      `xml:"Year,omitempty"`
	Month            int      `xml:"Month,omitempty"`
	Day              int      `xml:"Day,omitempty"`
	PageCount        int      `xml:"PageCount"`
	ReadingDirection string   `xml:"ReadingDirection"`
}

// ExportEditionCBZ packages the stored pages of one edition and date, as stored, into a
// CBZ (ZIP) archive together with epaper.json and a ComicInfo.xml for reader apps.
// It returns the written path.
func ExportEditionCBZ(ctx context.Context, src Source, edition, date, outPath string, opt CBZOptions) (string, error) {
	pages, err := loadPages(ctx, src, edition, date, opt.Pages)
	if err != nil {
		return "", err
	}
	rec, ok, err := src.FindOne(ctx, edition, date)
	if err != nil {
		return "", err
	}
	if !ok {
		// Pages without a record; describe them from the blobs.
		rec = domain.EpaperRecord{Edition: edition, Date: date, PagesCount: len(pages)}
		for _, p := range pages {
			rec.Pages = append(rec.Pages, domain.PageMeta{PageNumber: p.PageNumber, Name: p.Name, Size: p.Size})
		}
	}

	out, err := resolveOut(src, outPath, ".cbz")
	if err != nil {
		return "", err
	}
	zw, f, err := createZip(out)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	manifest := archiveRecord{EpaperRecord: rec, Files: make(map[int]archiveFile, len(pages))}
	pad := padWidth(len(pages))
	for i, p := range pages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := fmt.Sprintf("%0*d%s", pad, i+1, extFor(p))
		if err := addZipFile(zw, name, p.ImageData, p.SavedAt); err != nil {
			return "", fmt.Errorf("zip add page %d: %w", p.PageNumber, err)
		}
		manifest.Files[p.PageNumber] = archiveFile{Path: name, ContentType: p.ContentType}
	}

	recJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	if err := addZipFile(zw, RecordFileName, recJSON, time.Now()); err != nil {
		return "", fmt.Errorf("zip add record: %w", err)
	}
	info, err := buildComicInfoXML(rec, edition, len(pages))
	if err != nil {
		return "", fmt.Errorf("build manifest: %w", err)
	}
	if err := addZipFile(zw, ComicInfoFileName, info, time.Now()); err != nil {
		return "", fmt.Errorf("zip add manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zip: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync cbz: %w", err)
	}
	return out, nil
}

// ReadCBZ turns an archive written by ExportEditionCBZ back into a save request with
// the original ids, names and page numbers.
func ReadCBZ(p string) (domain.SaveRequest, error) {
	var req domain.SaveRequest
	zr, err := zip.OpenReader(p)
	if err != nil {
		return req, fmt.Errorf("open cbz: %w", err)
	}
	defer func() { _ = zr.Close() }()

	members := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		members[path.Clean(zf.Name)] = zf
	}
	rf, ok := members[RecordFileName]
	if !ok {
		return req, fmt.Errorf("cbz %s has no %s", p, RecordFileName)
	}
	raw, err := readZipFile(rf)
	if err != nil {
		return req, err
	}
	var manifest archiveRecord
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return req, fmt.Errorf("decode %s: %w", RecordFileName, err)
	}
	req = domain.SaveRequest{
		ID:         manifest.ID,
		Edition:    manifest.Edition,
		Date:       manifest.Date,
		PagesCount: manifest.PagesCount,
	}
	metas := make(map[int]domain.PageMeta, len(manifest.Pages))
	for _, m := range manifest.Pages {
		metas[m.PageNumber] = m
	}
	numbers := make([]int, 0, len(manifest.Files))
	for n := range manifest.Files {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		af := manifest.Files[n]
		zf, ok := members[path.Clean(af.Path)]
		if !ok {
			return req, fmt.Errorf("cbz %s: page %d member %q missing", p, n, af.Path)
		}
		data, err := readZipFile(zf)
		if err != nil {
			return req, err
		}
		up := domain.PageUpload{PageNumber: n, ContentType: af.ContentType, Data: data, Name: path.Base(af.Path)}
		if m, ok := metas[n]; ok {
			up.Name = m.Name
			up.Preview = m.Preview
		}
		req.Pages = append(req.Pages, up)
	}
	return req, nil
}

func createZip(outPath string) (*zip.Writer, *os.File, error) {
	f, err := os.Create(outPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create cbz: %w", err)
	}
	return zip.NewWriter(f), f, nil
}

func addZipFile(zw *zip.Writer, name string, data []byte, mod time.Time) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	if !mod.IsZero() {
		hdr.Modified = mod
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readZipFile(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("open member %s: %w", zf.Name, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, maxArchiveMember+1))
	if err != nil {
		return nil, fmt.Errorf("read member %s: %w", zf.Name, err)
	}
	if len(data) > maxArchiveMember {
		return nil, errors.New("archive member " + zf.Name + " too large")
	}
	return data, nil
}

func buildComicInfoXML(rec domain.EpaperRecord, series string, pageCount int) ([]byte, error) {
	ci := comicInfo{
		Series:           series,
		Title:            fmt.Sprintf("%s %s", rec.Edition, rec.Date),
		PageCount:        pageCount,
		ReadingDirection: "LeftToRight",
	}
	if t, err := time.Parse(domain.DateLayout, rec.Date); err == nil {
		ci.Year, ci.Month, ci.Day = t.Year(), int(t.Month()), t.Day()
	}
	body, err := xml.MarshalIndent(ci, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("build xml: %w", err)
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}
