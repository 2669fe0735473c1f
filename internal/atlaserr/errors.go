// Package atlaserr holds the error taxonomy shared by the tile pipeline.
//
// Callers test categories with errors.Is; concrete failures wrap one of the
// sentinels below together with their cause.
package atlaserr

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound marks an absent chunk, region or tile. It is expected and never logged as an error.
	ErrNotFound = errors.New("not found")
	// ErrBusy marks pool or lock contention that outlived its timeout. Retryable.
	ErrBusy = errors.New("busy")
	// ErrCorrupt marks a record that failed to decode.
	ErrCorrupt = errors.New("corrupt record")
	// ErrInvalidConfiguration is returned at startup for unusable settings.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidZoom is a caller contract violation: zoom outside [0, baseZoom].
	ErrInvalidZoom = fmt.Errorf("%w: zoom out of range", ErrInvalidConfiguration)
	// ErrUnrecoverable marks storage that can no longer be written (disk full, read-only, ...).
	ErrUnrecoverable = errors.New("unrecoverable storage failure")
	// ErrExportRunning is the conflict answer to a second concurrent export request.
	ErrExportRunning = errors.New("export already running")
	// ErrCanceled is reported when an export was stopped between units of work.
	ErrCanceled = errors.New("export canceled")
)

// Busy wraps err as ErrBusy.
func Busy(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrBusy)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBusy, err)
}

// Corrupt wraps err as ErrCorrupt.
func Corrupt(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrCorrupt, err)
}

// Unrecoverable wraps err as ErrUnrecoverable.
func Unrecoverable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnrecoverable, err)
}

// FromSQLite classifies a database error into the taxonomy. Errors that do not
// come from the sqlite driver are wrapped with op and returned as-is.
func FromSQLite(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return Busy(op, err)
	case sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_READONLY,
		sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return Unrecoverable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
