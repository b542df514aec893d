package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cbmengine/cbm/internal/lsn"
)

// parseLSN accepts either PostgreSQL's "hi/lo" hex notation (as produced
// by lsn.LSN.String, e.g. "0/180") or a plain decimal integer.
func parseLSN(s string) (lsn.LSN, error) {
	if hi, lo, ok := strings.Cut(s, "/"); ok {
		hiVal, err := strconv.ParseUint(hi, 16, 32)
		if err != nil {
			return lsn.Invalid, fmt.Errorf("invalid lsn %q: %w", s, err)
		}
		loVal, err := strconv.ParseUint(lo, 16, 32)
		if err != nil {
			return lsn.Invalid, fmt.Errorf("invalid lsn %q: %w", s, err)
		}
		return lsn.FromHalves(uint32(hiVal), uint32(loVal)), nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return lsn.Invalid, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return lsn.LSN(v), nil
}
