package cbmfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cbmengine/cbm/internal/bitmap"
	"github.com/cbmengine/cbm/internal/lsn"
)

// ErrPartialPage is returned by Next when a short read lands mid-page —
// fatal, as opposed to a short read exactly at a page boundary (normal
// end of file).
var ErrPartialPage = errors.New("cbmfile: partial page at end of file")

// Reader is the stateful page-iterator cursor of spec §4.B: it walks a
// file's PAGE_SIZE-aligned offsets, verifying CRCs and the batch-LSN chain
// as it goes.
type Reader struct {
	f      *os.File
	offset int64

	began        bool
	prevStart    lsn.LSN
	prevEnd      lsn.LSN
	prevWasLast  bool
	fileStartLSN lsn.LSN
}

// OpenReader opens filename (under dir) for sequential page reads.
func OpenReader(dir string, name Name) (*Reader, error) {
	path := filepath.Join(dir, name.Filename)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cbmfile: open %s: %w", path, err)
	}
	return &Reader{f: f, fileStartLSN: name.Start}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// Begin reads the first page. It asserts the page's batch_start_lsn
// matches the file's start LSN (spec §4.B).
func (r *Reader) Begin() (*bitmap.Page, error) {
	p, err := r.readNextPage()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	if p.Header.BatchStart != r.fileStartLSN {
		return nil, fmt.Errorf("cbmfile: first page batch_start_lsn %s != file start %s", p.Header.BatchStart, r.fileStartLSN)
	}
	r.began = true
	r.prevStart = p.Header.BatchStart
	r.prevEnd = p.Header.BatchEnd
	r.prevWasLast = p.Header.IsLastInBatch
	return p, nil
}

// Next reads the next page, verifying its CRC (via Decode) and the
// batch-LSN chain invariant against the previous page (spec §4.B): if the
// previous page was last-in-batch, the new page must start a fresh batch
// immediately following it; otherwise the new page must belong to the same
// batch. A short read exactly at a page boundary ends iteration (p == nil,
// err == nil); any other short read is fatal (ErrPartialPage).
func (r *Reader) Next() (*bitmap.Page, error) {
	if !r.began {
		return r.Begin()
	}

	p, err := r.readNextPage()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	if r.prevWasLast {
		if p.Header.BatchStart != r.prevEnd {
			return nil, fmt.Errorf("cbmfile: batch chain break: new batch_start_lsn %s != previous batch_end_lsn %s", p.Header.BatchStart, r.prevEnd)
		}
	} else {
		if p.Header.BatchStart != r.prevStart || p.Header.BatchEnd != r.prevEnd {
			return nil, fmt.Errorf("cbmfile: page within batch has mismatched lsn range (%s,%s) != (%s,%s)", p.Header.BatchStart, p.Header.BatchEnd, r.prevStart, r.prevEnd)
		}
	}

	r.prevStart = p.Header.BatchStart
	r.prevEnd = p.Header.BatchEnd
	r.prevWasLast = p.Header.IsLastInBatch
	return p, nil
}

func (r *Reader) readNextPage() (*bitmap.Page, error) {
	buf := make([]byte, bitmap.PageSize)
	n, err := io.ReadFull(r.f, buf)
	if err == io.EOF && n == 0 {
		return nil, nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: got %d bytes", ErrPartialPage, n)
	}
	if err != nil {
		return nil, fmt.Errorf("cbmfile: read at offset %d: %w", r.offset, err)
	}

	p, decErr := bitmap.Decode(buf)
	if decErr != nil {
		return nil, decErr
	}
	r.offset += bitmap.PageSize
	return p, nil
}
