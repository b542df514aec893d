// Package cbmfile implements bitmap file I/O: the append-only writer with
// rotation, the random-read page iterator, and startup/merge-time
// validation and recovery truncation (spec §4.B).
package cbmfile

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/cbmengine/cbm/internal/lsn"
)

// Stem is the filename prefix for live and sealed bitmap files.
const Stem = "pg_xlog_"

// MergedStem is the filename prefix for merger output files.
const MergedStem = "pg_merged_xlog_"

// liveNamePattern matches "pg_xlog_{seq}_{start_hi}{start_lo}_{end_hi}{end_lo}.cbm".
var liveNamePattern = regexp.MustCompile(`^pg_xlog_(\d+)_([0-9A-Fa-f]{8})([0-9A-Fa-f]{8})_([0-9A-Fa-f]{8})([0-9A-Fa-f]{8})\.cbm$`)

// Name is a parsed bitmap filename.
type Name struct {
	Seq      uint64
	Start    lsn.LSN
	End      lsn.LSN // Invalid (0) while the file is still open for appending
	Filename string
}

// Sealed reports whether the file has been closed off by rotation (End is
// set).
func (n Name) Sealed() bool { return n.End.Valid() }

// FormatName renders the live/sealed filename for sequence number seq
// spanning [start, end). Pass lsn.Invalid for end while the file remains
// open.
func FormatName(seq uint64, start, end lsn.LSN) string {
	return fmt.Sprintf("%s%d_%s_%s.cbm", Stem, seq, start.FileHex(), end.FileHex())
}

// ParseName parses a bitmap filename produced by FormatName. It returns
// ok == false for any name that does not match the grammar (including
// files from an unrelated directory listing that should simply be
// ignored).
func ParseName(filename string) (Name, bool) {
	m := liveNamePattern.FindStringSubmatch(filename)
	if m == nil {
		return Name{}, false
	}

	seq, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return Name{}, false
	}
	startHi, _ := strconv.ParseUint(m[2], 16, 32)
	startLo, _ := strconv.ParseUint(m[3], 16, 32)
	endHi, _ := strconv.ParseUint(m[4], 16, 32)
	endLo, _ := strconv.ParseUint(m[5], 16, 32)

	return Name{
		Seq:      seq,
		Start:    lsn.FromHalves(uint32(startHi), uint32(startLo)),
		End:      lsn.FromHalves(uint32(endHi), uint32(endLo)),
		Filename: filename,
	}, true
}

// FormatMergedName renders the merged-output filename: stem + merge start +
// merge end + wall-clock seconds-microseconds, per spec §6. uuidSuffix
// additionally disambiguates merges issued within the same microsecond
// (see SPEC_FULL.md's DOMAIN STACK entry for google/uuid); it is appended
// after a further "-" and is not part of spec §6's grammar proper.
func FormatMergedName(start, end lsn.LSN, sec int64, usec int, uuidSuffix string) string {
	return fmt.Sprintf("%s%s_%s_%d-%d-%s.cbm", MergedStem, start.FileHex(), end.FileHex(), sec, usec, uuidSuffix)
}
