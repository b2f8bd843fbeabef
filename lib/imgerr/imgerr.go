// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package imgerr classifies the failures of the image pipeline so that
// callers and the command-line tools can tell an illegal state
// transition from a broken signature or a disk error without parsing
// message text.
//
// Every pipeline stage returns errors created with the constructors in
// this package (or wrapping one). Classification survives wrapping with
// fmt.Errorf("...: %w"):
//
//	if errors.Is(err, imgerr.ErrState) { ... }
//	if errors.Is(err, imgerr.ErrReleaseConflict) { ... }
//	kind := imgerr.KindOf(err)
package imgerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind string

const (
	// KindState is an illegal build state transition, such as adding a
	// release after finalize or signing before finalize.
	KindState Kind = "state"

	// KindIntegrity is a digest mismatch, a broken certificate chain, or
	// a blob that should exist and does not.
	KindIntegrity Kind = "integrity"

	// KindIO is a filesystem access failure.
	KindIO Kind = "io"

	// KindConflict is a duplicate release key or an output that already
	// exists.
	KindConflict Kind = "conflict"

	// KindValidation is bad caller input or a non-empty comparison
	// report.
	KindValidation Kind = "validation"

	// KindNotFound is a lookup of an unknown digest or path.
	KindNotFound Kind = "not_found"
)

// kindSentinel lets errors.Is match any *Error of one kind.
type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) + " error" }

// Sentinels matched with errors.Is against any error of the kind.
var (
	ErrState      error = kindSentinel(KindState)
	ErrIntegrity  error = kindSentinel(KindIntegrity)
	ErrIO         error = kindSentinel(KindIO)
	ErrConflict   error = kindSentinel(KindConflict)
	ErrValidation error = kindSentinel(KindValidation)
	ErrNotFound   error = kindSentinel(KindNotFound)
)

// Specific failures. They are always wrapped in an *Error of the kind
// noted, so both errors.Is(err, ErrEmptyImage) and
// errors.Is(err, ErrState) hold.
var (
	// ErrEmptyImage (state): finalize with no releases added.
	ErrEmptyImage = errors.New("image has no releases")

	// ErrReleaseConflict (conflict): the release key is already present.
	ErrReleaseConflict = errors.New("release already exists")

	// ErrInvalidChain (integrity): the signing certificate does not
	// chain to the trusted root.
	ErrInvalidChain = errors.New("invalid certificate chain")

	// ErrDigestMismatch (integrity): content does not match its digest.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// Error is a classified pipeline error. The message carries the
// release, path or digest involved; Kind travels alongside.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

// Unwrap exposes the underlying error so errors.Is reaches specific
// sentinels such as ErrReleaseConflict and wrapped os errors.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(kindSentinel)
	return ok && Kind(sentinel) == e.Kind
}

func newError(kind Kind, format string, args []any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// State creates an illegal-transition error.
func State(format string, args ...any) *Error { return newError(KindState, format, args) }

// Integrity creates an integrity error.
func Integrity(format string, args ...any) *Error { return newError(KindIntegrity, format, args) }

// IO creates a filesystem error. Include the path in the message.
func IO(format string, args ...any) *Error { return newError(KindIO, format, args) }

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error { return newError(KindConflict, format, args) }

// Validation creates a validation error.
func Validation(format string, args ...any) *Error { return newError(KindValidation, format, args) }

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error { return newError(KindNotFound, format, args) }

// KindOf returns the kind of the first *Error in err's chain, or "" if
// err is unclassified.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// ExitCode maps err to a process exit status: 0 for nil, a distinct
// non-zero code per kind, and 1 for unclassified errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindState:
		return 2
	case KindIntegrity:
		return 3
	case KindIO:
		return 4
	case KindConflict:
		return 5
	case KindValidation:
		return 6
	case KindNotFound:
		return 7
	default:
		return 1
	}
}
