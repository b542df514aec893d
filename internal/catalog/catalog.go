// Package catalog implements the file catalog of spec §4.C: enumerating
// the CBM directory, parsing filenames, sorting by sequence, and locating
// and validating the file set covering an arbitrary LSN range.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cbmengine/cbm/internal/cbmfile"
	"github.com/cbmengine/cbm/internal/lsn"
)

// EnsureHome creates the CBM directory if it does not already exist
// (mkdir, ignore "already exists" — spec's SUPPLEMENTED FEATURES #2,
// mirroring CBMFileHomeInitialize).
func EnsureHome(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("catalog: ensure home %s: %w", dir, err)
	}
	return nil
}

// List scans dir and returns the sealed and open bitmap files whose
// [start, end] range intersects [start, end] (an open file, end==0, is
// treated as extending to +∞), sorted by sequence number. If missingOk is
// false, List returns an error when the directory is missing entirely
// rather than an empty result, matching the writer loop's "missing
// directory at startup" recoverable case (spec §7) being handled by the
// caller instead.
func List(dir string, start, end lsn.LSN, missingOk bool) ([]cbmfile.Name, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) && missingOk {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: list %s: %w", dir, err)
	}

	var names []cbmfile.Name
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := cbmfile.ParseName(e.Name())
		if !ok {
			continue
		}
		fileEnd := n.End
		if !n.Sealed() {
			// open-ended: treat as extending to +∞
			if n.Start > end {
				continue
			}
		} else if n.Start > end || fileEnd < start {
			continue
		}
		names = append(names, n)
	}

	sort.Slice(names, func(i, j int) bool { return names[i].Seq < names[j].Seq })
	return names, nil
}

// ValidateChain enforces the catalog invariants across a selected,
// sequence-sorted file set (spec §4.C):
//
//   - start >= array[0].start
//   - validate_tail(array[last]) yields tracked_lsn >= end
//   - for each adjacent pair, array[i].end == array[i+1].start
//
// It returns the tail file's tracked LSN (from validating its last
// last-in-batch page, without truncating — merge-time validation must
// never truncate, spec §7).
func ValidateChain(dir string, files []cbmfile.Name, start, end lsn.LSN) (tailTrackedLSN lsn.LSN, err error) {
	if len(files) == 0 {
		return lsn.Invalid, fmt.Errorf("catalog: no files cover [%s, %s]", start, end)
	}

	if start < files[0].Start {
		return lsn.Invalid, fmt.Errorf("catalog: requested start %s precedes first file's start %s", start, files[0].Start)
	}

	for i := 0; i+1 < len(files); i++ {
		if !files[i].Sealed() {
			return lsn.Invalid, fmt.Errorf("catalog: file seq %d is open but is not the last file in the selection", files[i].Seq)
		}
		if files[i].End != files[i+1].Start {
			return lsn.Invalid, fmt.Errorf("catalog: gap between file seq %d (end %s) and seq %d (start %s)", files[i].Seq, files[i].End, files[i+1].Seq, files[i+1].Start)
		}
	}

	tail := files[len(files)-1]
	tailTrackedLSN, _, err = cbmfile.Validate(dir, tail, false)
	if err != nil {
		return lsn.Invalid, fmt.Errorf("catalog: validate tail file seq %d: %w", tail.Seq, err)
	}

	if tailTrackedLSN < end {
		return lsn.Invalid, fmt.Errorf("catalog: tail file seq %d tracked_lsn %s < requested end %s", tail.Seq, tailTrackedLSN, end)
	}

	return tailTrackedLSN, nil
}

// Recycle deletes every sealed file whose entire range ends at or before
// retainFrom — the files no BitmapPage consumer can still need because
// every downstream merge request will start at or after retainFrom. The
// currently open file (end == 0) and any file covering or following
// retainFrom are left untouched. It returns the filenames removed.
func Recycle(dir string, retainFrom lsn.LSN) ([]string, error) {
	names, err := List(dir, lsn.Invalid, retainFrom, true)
	if err != nil {
		return nil, fmt.Errorf("catalog: recycle: %w", err)
	}

	var removed []string
	for _, n := range names {
		if !n.Sealed() || n.End > retainFrom {
			continue
		}
		path := filepath.Join(dir, n.Filename)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("catalog: recycle: remove %s: %w", path, err)
		}
		removed = append(removed, n.Filename)
	}

	return removed, nil
}
