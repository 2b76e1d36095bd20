/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package crash turns a panic in the command line tool into a crash report and a
// last backup generation of the metadata collection.
package crash

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	applog "epaperstore/internal/log"
	"epaperstore/internal/storage"
	"epaperstore/internal/version"
)

// DirName is the crash report directory under the data dir.
const DirName = "crash"

// exitFn is used to allow testing of Recover without terminating the test process.
var exitFn = os.Exit

// snapshotTimeout bounds the backup attempt made while crashing.
var snapshotTimeout = 5 * time.Second

// Recover captures a panic, logs it with its stack, writes a report file and takes a
// best-effort backup snapshot of eng before exiting with code 2. eng may be nil.
//
// It must be deferred directly: defer crash.Recover(eng)
func Recover(eng *storage.Engine) {
	r := recover()
	if r == nil {
		return
	}
	l := applog.WithComponent("crash")
	stack := debug.Stack()
	l.Error("panic recovered", slog.Any("panic", r), slog.String("stack", string(stack)))

	reportPath, err := writeReport(eng, r, stack)
	if err != nil {
		l.Error("crash report not written", slog.Any("err", err), slog.String("path", reportPath))
	}
	if eng != nil {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		if gen, err := eng.Snapshot(ctx); err != nil {
			l.Error("crash snapshot failed", slog.Any("err", err))
		} else {
			l.Info("crash snapshot written", slog.Int64("generation", gen.ID), slog.Int("records", gen.RecordCount))
		}
		cancel()
		if err := eng.Close(); err != nil {
			l.Warn("close after crash", slog.Any("err", err))
		}
	}

	if _, err := fmt.Fprintf(os.Stderr, "A fatal error occurred. A crash report was saved to: %s\n", reportPath); err != nil {
		l.Error("failed to write crash message to stderr", slog.Any("err", err))
	}
	if _, err := fmt.Fprintf(os.Stderr, "Version: %s\nOS/Arch: %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH); err != nil {
		l.Error("failed to write version info to stderr", slog.Any("err", err))
	}
	exitFn(2)
}

func reportDir(eng *storage.Engine) string {
	if eng != nil && eng.Dir() != "" {
		return filepath.Join(eng.Dir(), DirName)
	}
	return os.TempDir()
}

func writeReport(eng *storage.Engine, panicVal any, stack []byte) (string, error) {
	dir := reportDir(eng)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, fmt.Errorf("create crash dir: %w", err)
	}
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("crash-%s.log", now.Format("20060102-150405.000")))

	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "E-Paper Store Crash Report\n")
	_, _ = fmt.Fprintf(&buf, "Timestamp: %s\n", now.Format(time.RFC3339))
	_, _ = fmt.Fprintf(&buf, "Version: %s\n", version.String())
	_, _ = fmt.Fprintf(&buf, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if eng != nil {
		_, _ = fmt.Fprintf(&buf, "DataDir: %s\n", eng.Dir())
	}
	_, _ = fmt.Fprintf(&buf, "\nPanic: %v\n\n", panicVal)
	_, _ = fmt.Fprintf(&buf, "Stack:\n%s\n", string(stack))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return path, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			applog.WithComponent("crash").Error("failed to close crash report file", slog.Any("err", err), slog.String("path", path))
		}
	}()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return path, err
	}
	return path, f.Sync()
}
