// Package errs defines the error kinds surfaced to clients (spec §7)
// and the wrap(prefix) combinator used across the VFS, segment store,
// and gateway to build multi-layer error messages.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error kinds spec.md §7 lists.
type Kind uint8

const (
	KindError Kind = iota
	KindNoMem
	KindProto
	KindParse
	KindOverflow
	KindEngine
	KindNotFound
	KindStopped

	// Raft-specific kinds, additive over the client-facing set.
	KindBadID
	KindDuplicateID
	KindDuplicateAddress
	KindBadRole
	KindMalformed
	KindNotLeader
	KindLeadershipLost
	KindShutdown
	KindCantBootstrap
	KindCantChange
	KindCorrupt
	KindCanceled
	KindNameTooLong
	KindTooBig
	KindNoConnection
	KindBusy
	KindIOErr
	KindInvalid
	KindUnauthorized
	KindNoSpace
	KindTooMany
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "ERROR"
	case KindNoMem:
		return "NOMEM"
	case KindProto:
		return "PROTO"
	case KindParse:
		return "PARSE"
	case KindOverflow:
		return "OVERFLOW"
	case KindEngine:
		return "ENGINE"
	case KindNotFound:
		return "NOTFOUND"
	case KindStopped:
		return "STOPPED"
	case KindBadID:
		return "BADID"
	case KindDuplicateID:
		return "DUPLICATEID"
	case KindDuplicateAddress:
		return "DUPLICATEADDRESS"
	case KindBadRole:
		return "BADROLE"
	case KindMalformed:
		return "MALFORMED"
	case KindNotLeader:
		return "NOTLEADER"
	case KindLeadershipLost:
		return "LEADERSHIPLOST"
	case KindShutdown:
		return "SHUTDOWN"
	case KindCantBootstrap:
		return "CANTBOOTSTRAP"
	case KindCantChange:
		return "CANTCHANGE"
	case KindCorrupt:
		return "CORRUPT"
	case KindCanceled:
		return "CANCELED"
	case KindNameTooLong:
		return "NAMETOOLONG"
	case KindTooBig:
		return "TOOBIG"
	case KindNoConnection:
		return "NOCONNECTION"
	case KindBusy:
		return "BUSY"
	case KindIOErr:
		return "IOERR"
	case KindInvalid:
		return "INVALID"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindNoSpace:
		return "NOSPACE"
	case KindTooMany:
		return "TOOMANY"
	default:
		return "ERROR"
	}
}

// Error is a kinded error with an owned message, replacing the fixed
// 256-byte per-object scratch buffers of the C source (spec.md §9
// Design Notes, "Error-string buffers").
type Error struct {
	Kind Kind
	msg  string
	Code int // verbatim SQLite result code, populated for KindEngine
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Engine wraps a raw SQLite error, embedding its numeric code and
// text verbatim, per spec.md §7 ("the SQLite code and text are
// embedded verbatim in the FAILURE response").
func Engine(code int, text string) *Error {
	return &Error{Kind: KindEngine, msg: text, Code: code}
}

func (e *Error) Error() string { return e.msg }

// Wrap prefixes the message, preserving the kind, mirroring the
// C source's `wrap(prefix)` combinator named in spec.md §7.
func (e *Error) Wrap(prefix string) *Error {
	return &Error{Kind: e.Kind, msg: prefix + ": " + e.msg, Code: e.Code}
}

// Wrapf wraps a plain error into a kinded Error using pkg/errors to
// preserve the original stack/cause for %+v formatting.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, format, args...)
	return &Error{Kind: kind, msg: wrapped.Error()}
}

// As reports whether err is an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
