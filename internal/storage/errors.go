/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies storage failures so callers can tell them apart.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnavailable: the backing store is missing, unopenable, or the engine is closed.
	KindUnavailable
	// KindFormat: a malformed import document or corrupted stored metadata.
	KindFormat
	// KindPartial: a batch write/delete partly succeeded; see Error.MissingKeys.
	KindPartial
	// KindInvalid: the caller passed an unusable edition, date, or page set.
	KindInvalid
	// KindNotFound: no backup generation or record matched.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "StorageUnavailable"
	case KindFormat:
		return "FormatError"
	case KindPartial:
		return "PartialFailure"
	case KindInvalid:
		return "Invalid"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Error is the tagged error returned by the engine and its stores.
type Error struct {
	Kind   Kind
	Op     string // e.g. "blobs.put", "codec.import"
	Key    string // epaper key or record id when relevant
	Detail string
	// MissingKeys lists page keys that were not written (put) or not removed (delete).
	MissingKeys []string
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Key != "" {
		b.WriteString(" [")
		b.WriteString(e.Key)
		b.WriteString("]")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.MissingKeys) > 0 {
		fmt.Fprintf(&b, " (%d missing: %s)", len(e.MissingKeys), strings.Join(e.MissingKeys, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, ErrUnavailable) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Key == "" && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrUnavailable = &Error{Kind: KindUnavailable}
	ErrFormat      = &Error{Kind: KindFormat}
	ErrPartial     = &Error{Kind: KindPartial}
	ErrInvalid     = &Error{Kind: KindInvalid}
	ErrNotFound    = &Error{Kind: KindNotFound}

	// ErrClosed is returned by every engine call after Close.
	ErrClosed = errors.New("storage engine closed")
)

// KindOf returns the Kind of err, or KindUnknown when err is not a storage error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// MissingKeys returns the page keys carried by a PartialFailure, if any.
func MissingKeys(err error) []string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindPartial {
		return append([]string(nil), e.MissingKeys...)
	}
	return nil
}

func unavailable(op string, err error) error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

func formatErr(op, key, detail string, err error) error {
	return &Error{Kind: KindFormat, Op: op, Key: key, Detail: detail, Err: err}
}

func invalid(op, detail string) error {
	return &Error{Kind: KindInvalid, Op: op, Detail: detail}
}

func partial(op, key string, missing []string, err error) error {
	return &Error{Kind: KindPartial, Op: op, Key: key, MissingKeys: missing, Err: err}
}
