// Package sberrors defines the typed error taxonomy every facade in this
// service returns. internal/transport is the only package that maps one
// of these sentinels to an HTTP status code.
package sberrors

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Sentinel errors, one per row of the error taxonomy. Wrap with
// xerrors.Errorf and %w to attach context; test with errors.Is.
var (
	ErrInvalidPath        = errors.New("invalid path")
	ErrBadRequest         = errors.New("bad request")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrTimeout            = errors.New("timed out")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrEngineError        = errors.New("engine error")
	ErrBadConfig          = errors.New("bad configuration")
	ErrUserExecution      = errors.New("user code exited non-zero")
	ErrPayloadTooLarge    = errors.New("payload too large")
)

// Wrap attaches a stack trace to err for operator-facing logs, the way
// the teacher's WrapError aided UI stack traces. Returns nil for nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 1)
}

// Invalid wraps ErrInvalidPath with a caller-supplied detail message.
func Invalid(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidPath)
}

// Validationf wraps ErrValidation with detail. Reserved for the
// execute endpoints' missing/empty required fields (422).
func Validationf(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// BadRequestf wraps ErrBadRequest with detail. Used for file-operation
// requests that are well-formed but target an unusable path (a
// directory where a file is required, the workspace root for delete,
// a missing path parameter) — 400, distinct from the 422 the execute
// endpoints use for missing fields.
func BadRequestf(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrBadRequest)
}

// NotFoundf wraps ErrNotFound with detail.
func NotFoundf(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Forbiddenf wraps ErrForbidden with detail.
func Forbiddenf(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrForbidden)
}

// Conflictf wraps ErrConflict with detail.
func Conflictf(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// Timeoutf wraps ErrTimeout with detail.
func Timeoutf(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrTimeout)
}

// StorageUnavailablef wraps ErrStorageUnavailable with detail.
func StorageUnavailablef(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrStorageUnavailable)
}

// EngineErrorf wraps ErrEngineError with detail.
func EngineErrorf(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrEngineError)
}

// BadConfigf wraps ErrBadConfig with detail.
func BadConfigf(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrBadConfig)
}

// UserExecutionf wraps ErrUserExecution with detail, carrying the tail of
// stderr the way the chart flavor's 400 response does.
func UserExecutionf(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrUserExecution)
}

// PayloadTooLargef wraps ErrPayloadTooLarge with detail.
func PayloadTooLargef(format string, args ...any) error {
	return xerrors.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrPayloadTooLarge)
}
