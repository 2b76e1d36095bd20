/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package httpapi

import (
	"context"
	"errors"
	"net/http"

	"epaperstore/internal/storage"
)

// HTTPError is an error with an associated status code and a user-facing message.
type HTTPError struct {
	cause   error
	Code    int
	Message string
}

func (he *HTTPError) Error() string { return he.Message }

func (he *HTTPError) Unwrap() error { return he.cause }

func newHTTPError(code int, message string, cause error) *HTTPError {
	if message == "" {
		message = http.StatusText(code)
	}
	return &HTTPError{cause: cause, Code: code, Message: message}
}

func errBadRequest(message string) *HTTPError {
	return newHTTPError(http.StatusBadRequest, message, nil)
}

func errNotFound(message string) *HTTPError {
	return newHTTPError(http.StatusNotFound, message, nil)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error       string   `json:"error"`
	Kind        string   `json:"kind,omitempty"`
	MissingKeys []string `json:"missingKeys,omitempty"`
}

// statusFor maps an error to a status code and response body. Storage errors are
// classified by kind: Invalid 400, NotFound 404, FormatError 422, PartialFailure 207,
// StorageUnavailable 503.
func statusFor(err error) (int, errorBody) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Code, errorBody{Error: he.Message}
	}
	var se *storage.Error
	if errors.As(err, &se) {
		body := errorBody{Error: se.Error(), Kind: se.Kind.String(), MissingKeys: se.MissingKeys}
		switch se.Kind {
		case storage.KindInvalid:
			return http.StatusBadRequest, body
		case storage.KindNotFound:
			return http.StatusNotFound, body
		case storage.KindFormat:
			return http.StatusUnprocessableEntity, body
		case storage.KindPartial:
			return http.StatusMultiStatus, body
		case storage.KindUnavailable:
			return http.StatusServiceUnavailable, body
		}
	}
	if errors.Is(err, storage.ErrClosed) {
		return http.StatusServiceUnavailable, errorBody{Error: err.Error(), Kind: storage.KindUnavailable.String()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, errorBody{Error: "operation timed out"}
	}
	return http.StatusInternalServerError, errorBody{Error: http.StatusText(http.StatusInternalServerError)}
}
