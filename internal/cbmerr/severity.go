// Package cbmerr defines the three error severities of spec §7 as
// sentinel errors, so callers can branch on them with errors.Is instead
// of string-matching: a recoverable per-cycle condition the writer loop
// logs and retries from, a destructive inconsistency that purges the CBM
// directory and aborts, and a fatal error that aborts the current
// operation without touching catalog files.
package cbmerr

import (
	"errors"
	"fmt"
)

var (
	// ErrRecoverable marks a per-cycle condition the writer loop should
	// log and retry next cycle (a WAL read error short of a required
	// record boundary, a short read at a file's tail, a missing CBM
	// directory at startup).
	ErrRecoverable = errors.New("cbm: recoverable condition")

	// ErrDestructiveInconsistency marks an observed end LSN behind the
	// tracked LSN after at least one checkpoint since recovery: an xlog
	// rewind, corruption, or cross-timeline restore. The caller must
	// purge the CBM directory and restart tracking from scratch.
	ErrDestructiveInconsistency = errors.New("cbm: destructive inconsistency, CBM state purged")

	// ErrFatal marks a failure that aborts the current operation without
	// touching catalog files: a failed write/rename/fsync, a CRC mismatch
	// during a merge, an LSN gap between adjacent files, or a missing
	// merge start/end point.
	ErrFatal = errors.New("cbm: fatal error")
)

// Recoverable wraps err as a recoverable per-cycle condition.
func Recoverable(err error) error {
	return fmt.Errorf("%w: %v", ErrRecoverable, err)
}

// Destructive wraps err as a destructive inconsistency.
func Destructive(err error) error {
	return fmt.Errorf("%w: %v", ErrDestructiveInconsistency, err)
}

// Fatal wraps err as a fatal error.
func Fatal(err error) error {
	return fmt.Errorf("%w: %v", ErrFatal, err)
}
