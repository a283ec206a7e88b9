package rib

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of planner and commit error kinds.
type ErrorKind string

const (
	KindValidation     ErrorKind = "ValidationError"
	KindUnknownPeer    ErrorKind = "UnknownPeer"
	KindDuplicateRoute ErrorKind = "DuplicateRoute"
	KindNotFound       ErrorKind = "NotFound"
	KindStaleCommit    ErrorKind = "StaleCommit"
)

// Error is the typed error surface of the planner. Session I/O errors
// never take this form; they are logged and folded into close actions.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, or "" for non-RIB errors.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsKind reports whether err is a RIB error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
