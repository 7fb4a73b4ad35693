package save

import (
	"errors"
	"fmt"
)

// ErrBlocked rejects edits to a note whose last save failed. The caller must
// retry, save elsewhere or abandon first.
var ErrBlocked = errors.New("save: note is blocked by a failed save")

// Kind is the broad cause of a failed save, used to word a recovery prompt.
type Kind string

const (
	KindDiskFull         Kind = "disk-full"
	KindPermissionDenied Kind = "permission-denied"
	KindReadOnly         Kind = "read-only"
	KindNotFound         Kind = "not-found"
	KindIO               Kind = "io"
)

// Error is a failed save. It is never retried silently.
type Error struct {
	Path string
	Op   string // "save", "retry", "save-as"
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("save: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with its classified kind.
func NewError(op, path string, err error) *Error {
	return &Error{Path: path, Op: op, Kind: Classify(err), Err: err}
}

// Classify maps an I/O error to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	return kindOf(err)
}
