/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import (
	"fmt"
	"time"
)

// This file defines the data model of the E-Paper store.
// EpaperRecord is the metadata unit and serializes to the portable export document;
// PageBlob carries the full page payload and never leaves the blob store in exports.

// DateLayout is the layout of EpaperRecord.Date.
const DateLayout = "2006-01-02"

// EpaperRecord describes one edition's published pages for one date.
// At most one record exists per (Edition, Date).
type EpaperRecord struct {
	ID         string     `json:"id"`
	Edition    string     `json:"edition"`
	Date       string     `json:"date"`
	PagesCount int        `json:"pagesCount"` // declared; may diverge from stored blobs
	Pages      []PageMeta `json:"pages"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

// Key returns the edition+date composite used to address blobs.
func (r EpaperRecord) Key() string { return EpaperKey(r.Edition, r.Date) }

// PageMeta is the lightweight per-page entry embedded in a record.
// Preview is a small thumbnail (data URL), never the full-resolution image.
type PageMeta struct {
	PageNumber int    `json:"pageNumber"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Preview    string `json:"preview,omitempty"`
}

// PageBlob is the full payload of one page as kept in the blob store.
type PageBlob struct {
	ID          string    `json:"id"`
	EpaperKey   string    `json:"epaperKey"`
	PageNumber  int       `json:"pageNumber"`
	ImageData   []byte    `json:"imageData,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	SavedAt     time.Time `json:"savedAt"`
}

// PageUpload is one uploaded page as handed to SaveEpaper.
type PageUpload struct {
	PageNumber  int    `json:"pageNumber"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
	// Preview is optional; a thumbnail is generated from Data when empty.
	Preview string `json:"preview,omitempty"`
}

// SaveRequest is an uploaded page batch for one edition and date.
type SaveRequest struct {
	ID         string       `json:"id,omitempty"`
	Edition    string       `json:"edition"`
	Date       string       `json:"date"`
	PagesCount int          `json:"pagesCount,omitempty"` // defaults to len(Pages)
	Pages      []PageUpload `json:"pages"`
}

// Stats aggregates the metadata collection. TotalPages sums declared page counts.
type Stats struct {
	TotalRecords     int            `json:"totalRecords"`
	TotalPages       int            `json:"totalPages"`
	DistinctEditions int            `json:"distinctEditions"`
	Editions         []EditionStats `json:"editions,omitempty"`
}

type EditionStats struct {
	Edition string `json:"edition"`
	Name    string `json:"name,omitempty"`
	Records int    `json:"records"`
	Pages   int    `json:"pages"`
}

// BackupInfo describes the newest backup generation.
type BackupInfo struct {
	HasBackup   bool       `json:"hasBackup"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	RecordCount int        `json:"recordCount"`
	Empty       bool       `json:"empty"`
	Generations int        `json:"generations"`
}

// BackupGeneration summarizes one stored backup generation.
type BackupGeneration struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	RecordCount int       `json:"recordCount"`
}

// EpaperKey returns the blob addressing key "{edition}-{date}".
func EpaperKey(edition, date string) string { return edition + "-" + date }

// PageKey returns the blob id "{epaperKey}-page-{n}".
func PageKey(epaperKey string, pageNumber int) string {
	return fmt.Sprintf("%s-page-%d", epaperKey, pageNumber)
}
