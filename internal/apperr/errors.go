package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("session closed")
	ErrInvalidPath   = errors.New("invalid path")
)
