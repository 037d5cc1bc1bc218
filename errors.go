package cloudvfs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zeebo/errs"
)

// Error taxonomy shared by every layer above the drivers. Drivers normalize
// provider errors into these before returning.
var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("already exists")
	ErrNotImplemented = errors.New("not implemented")
	ErrBadRequest     = errors.New("bad request")
	ErrInternal       = errors.New("internal error")
)

// Error is the error class for configuration and wiring failures that are
// not tied to a single path.
var Error = errs.Class("cloudvfs")

// PathError records an error and the operation, path and provider that
// caused it.
type PathError struct {
	Op       string
	Path     string
	Provider string
	Err      error
}

// Error implements the error interface
func (e *PathError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.Path, e.Provider, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError builds a PathError whose cause wraps kind with a message.
func NewPathError(op, path string, kind error, format string, args ...any) *PathError {
	msg := fmt.Sprintf(format, args...)
	return &PathError{Op: op, Path: path, Err: fmt.Errorf("%w: %s", kind, msg)}
}

// WrapPathErr wraps err with op and path. Errors that already carry one of
// the taxonomy sentinels keep it; anything else is classified as internal.
func WrapPathErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	if ErrorKind(err) == nil {
		err = fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return &PathError{Op: op, Path: path, Err: err}
}

// ErrorKind returns the taxonomy sentinel carried by err, or nil.
func ErrorKind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrForbidden, ErrConflict, ErrNotImplemented, ErrBadRequest, ErrInternal} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// HTTPStatus maps err onto the status code a protocol layer should answer with.
func HTTPStatus(err error) int {
	switch ErrorKind(err) {
	case nil:
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case ErrNotFound:
		return http.StatusNotFound
	case ErrForbidden:
		return http.StatusForbidden
	case ErrConflict:
		return http.StatusConflict
	case ErrNotImplemented:
		return http.StatusNotImplemented
	case ErrBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsNotFound reports whether err indicates a missing mount, object or directory.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err indicates that the target already exists.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsForbidden reports whether err indicates the caller may not access the path.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsNotImplemented reports whether err indicates a missing driver capability.
func IsNotImplemented(err error) bool {
	return errors.Is(err, ErrNotImplemented)
}
