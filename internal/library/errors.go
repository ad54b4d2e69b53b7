package library

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("library: not found")
	ErrForbidden            = errors.New("library: forbidden")
	ErrPreconditionRequired = errors.New("library: expected version required")
	ErrVersionConflict      = errors.New("library: version conflict")
	ErrSlugTaken            = errors.New("library: slug already exists")
	ErrInvalidInput         = errors.New("library: invalid input")
)

// VersionConflictError carries both versions so a client can re-fetch and retry.
type VersionConflictError struct {
	Expected int
	Current  int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("library: version conflict: expected %d, current %d", e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }
