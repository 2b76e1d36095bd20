/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	headerContentType        = "Content-Type"
	headerContentDisposition = "Content-Disposition"
	contentTypeJSONUTF8      = "application/json; charset=utf-8"
	contentTypeTextPlainUTF8 = "text/plain; charset=utf-8"
)

// appHandler is a handler that returns an error instead of writing one.
type appHandler func(w http.ResponseWriter, r *http.Request) error

// makeHandler adapts an appHandler. Returned errors are logged and rendered as a JSON
// error body with the status from statusFor.
func (s *Server) makeHandler(h appHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		code, body := statusFor(err)
		lvl := slog.LevelWarn
		if code >= 500 {
			lvl = slog.LevelError
		}
		s.log.Log(r.Context(), lvl, "request failed",
			slog.Int("code", code),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("err", err))
		respondJSON(w, code, body)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	w.Header().Set(headerContentType, contentTypeJSONUTF8)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal Server Error"}`))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// requestLogger logs every request through slog once it has completed.
func requestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.LogAttrs(r.Context(), slog.LevelDebug, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("dur", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
