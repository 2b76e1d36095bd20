/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package cli

import (
	"context"
	"errors"
	"fmt"

	"epaperstore/internal/export"
	"epaperstore/internal/storage"
)

const (
	ExitCodeSuccess     = 0
	ExitCodeGeneric     = 1
	ExitCodeUsage       = 2
	ExitCodeNotFound    = 3
	ExitCodeInvalid     = 4
	ExitCodeFormat      = 5
	ExitCodePartial     = 6
	ExitCodeUnavailable = 7
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

// ExitCode returns the process exit code for an error returned by a command.
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return withExit.ExitCode()
	}
	return ExitCodeGeneric
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{Code: ExitCodeUsage, Err: fmt.Errorf(format, args...)}
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	switch storage.KindOf(err) {
	case storage.KindNotFound:
		return asExitError(ExitCodeNotFound, err)
	case storage.KindInvalid:
		return asExitError(ExitCodeInvalid, err)
	case storage.KindFormat:
		return asExitError(ExitCodeFormat, err)
	case storage.KindPartial:
		return asExitError(ExitCodePartial, err)
	case storage.KindUnavailable:
		return asExitError(ExitCodeUnavailable, err)
	}
	switch {
	case errors.Is(err, export.ErrNoLocalPages):
		return asExitError(ExitCodeNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, storage.ErrClosed):
		return asExitError(ExitCodeUnavailable, err)
	}
	return asExitError(ExitCodeGeneric, err)
}
