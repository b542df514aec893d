package cbmfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cbmengine/cbm/internal/bitmap"
	"github.com/cbmengine/cbm/internal/lsn"
)

// Writer is the append-only bitmap file writer of spec §4.B. It owns
// exactly one open file at a time; rotation seals the current file via a
// durable rename and opens the next sequence number.
type Writer struct {
	dir   string
	seq   uint64
	start lsn.LSN // this file's start LSN (its name's start half until sealed)
	last  lsn.LSN // end LSN of the most recently flushed batch; Invalid until one flush has happened
	f     *os.File
	size  int64
}

// CreateNew opens a brand-new file (seq, start, 0) for appending.
func CreateNew(dir string, seq uint64, start lsn.LSN) (*Writer, error) {
	name := FormatName(seq, start, lsn.Invalid)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("cbmfile: create %s: %w", path, err)
	}
	return &Writer{dir: dir, seq: seq, start: start, f: f}, nil
}

// ResumeOpen reopens an existing unsealed file for appending after startup
// recovery has already truncated it to size.
func ResumeOpen(dir string, seq uint64, start lsn.LSN, lastTracked lsn.LSN, size int64) (*Writer, error) {
	name := FormatName(seq, start, lsn.Invalid)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("cbmfile: reopen %s: %w", path, err)
	}
	return &Writer{dir: dir, seq: seq, start: start, f: f, size: size, last: lastTracked}, nil
}

// Size returns the current file size in bytes.
func (w *Writer) Size() int64 { return w.size }

// Seq returns the writer's current file sequence number.
func (w *Writer) Seq() uint64 { return w.seq }

// Start returns the writer's current file start LSN.
func (w *Writer) Start() lsn.LSN { return w.start }

// WriteBatch appends one batch's worth of already-ordered pages, stamps
// each with (batchStart, batchEnd) and marks the last page in the slice as
// is_last_in_batch, recomputes every CRC, writes them, and fsyncs once.
// Pages must already be in file order (flush order across the page hash);
// WriteBatch does not reorder them.
func (w *Writer) WriteBatch(pages []*bitmap.Page, batchStart, batchEnd lsn.LSN) error {
	if len(pages) == 0 {
		return fmt.Errorf("cbmfile: WriteBatch called with no pages")
	}

	for i, p := range pages {
		p.Header.BatchStart = batchStart
		p.Header.BatchEnd = batchEnd
		p.Header.IsLastInBatch = i == len(pages)-1
		encoded := bitmap.Encode(p.Header, p.Bits)
		if _, err := w.f.WriteAt(encoded, w.size); err != nil {
			return fmt.Errorf("cbmfile: write page at offset %d: %w", w.size, err)
		}
		w.size += bitmap.PageSize
	}

	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("cbmfile: fsync: %w", err)
	}

	w.last = batchEnd
	return nil
}

// Close closes the underlying file without sealing it.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Rotate seals the current file by renaming it to carry its final end LSN
// (the last flushed batch's end), then opens and returns a writer for the
// next sequence number starting where the sealed file left off.
func (w *Writer) Rotate() (*Writer, error) {
	if !w.last.Valid() {
		return nil, fmt.Errorf("cbmfile: rotate: no batch has been flushed yet")
	}

	oldName := FormatName(w.seq, w.start, lsn.Invalid)
	newName := FormatName(w.seq, w.start, w.last)
	oldPath := filepath.Join(w.dir, oldName)
	newPath := filepath.Join(w.dir, newName)

	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("cbmfile: rotate: close: %w", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return nil, fmt.Errorf("cbmfile: rotate: rename %s -> %s: %w", oldPath, newPath, err)
	}

	return CreateNew(w.dir, w.seq+1, w.last)
}
