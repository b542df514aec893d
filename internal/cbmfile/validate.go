package cbmfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cbmengine/cbm/internal/bitmap"
	"github.com/cbmengine/cbm/internal/lsn"
)

// Validate scans filename from its tail backward, one page at a time,
// until it finds a page that is both CRC-valid and is_last_in_batch (spec
// §4.B). That page's batch_end_lsn becomes the returned trackedLSN, and
// its end offset becomes sizeAfterTrunc. If truncateTrailing is set, the
// file is truncated to that offset (startup recovery); if it is not set,
// the file is left untouched and any trailing corruption is reported only
// through the returned size (merge-time validation, which must never
// truncate — spec §7).
//
// If no valid last-in-batch page exists at all, trackedLSN is lsn.Invalid
// and sizeAfterTrunc is 0.
func Validate(dir string, name Name, truncateTrailing bool) (trackedLSN lsn.LSN, sizeAfterTrunc int64, err error) {
	path := filepath.Join(dir, name.Filename)

	flags := os.O_RDONLY
	if truncateTrailing {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return lsn.Invalid, 0, fmt.Errorf("cbmfile: validate: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return lsn.Invalid, 0, fmt.Errorf("cbmfile: validate: stat %s: %w", path, err)
	}

	size := st.Size()
	numFullPages := size / bitmap.PageSize

	buf := make([]byte, bitmap.PageSize)
	for i := numFullPages - 1; i >= 0; i-- {
		offset := i * bitmap.PageSize
		if _, rerr := f.ReadAt(buf, offset); rerr != nil {
			continue
		}
		p, decErr := bitmap.Decode(buf)
		if decErr != nil || !p.Header.IsLastInBatch {
			continue
		}

		endOffset := offset + bitmap.PageSize
		if truncateTrailing && endOffset != size {
			if terr := f.Truncate(endOffset); terr != nil {
				return lsn.Invalid, 0, fmt.Errorf("cbmfile: validate: truncate %s to %d: %w", path, endOffset, terr)
			}
		}
		return p.Header.BatchEnd, endOffset, nil
	}

	if truncateTrailing {
		if terr := f.Truncate(0); terr != nil {
			return lsn.Invalid, 0, fmt.Errorf("cbmfile: validate: truncate %s to 0: %w", path, terr)
		}
	}
	return lsn.Invalid, 0, nil
}
