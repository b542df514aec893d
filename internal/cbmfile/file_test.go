package cbmfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cbmengine/cbm/internal/bitmap"
	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/reltag"
)

func modifyPage(rel reltag.RelNode, fork reltag.Fork, firstBlock uint32, bits ...uint32) *bitmap.Page {
	h := bitmap.Header{
		PageType:      bitmap.Modify,
		Rel:           rel,
		Fork:          fork,
		FirstBlock:    firstBlock,
		TruncateBlock: bitmap.InvalidBlock,
	}
	p := bitmap.NewPage(h)
	for _, b := range bits {
		p.SetBit(b)
	}
	return p
}

func TestWriteAndReadOneBatch(t *testing.T) {
	dir := t.TempDir()
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}

	w, err := CreateNew(dir, 1, lsn.FromHalves(0, 0x100))
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}

	page := modifyPage(rel, reltag.Main, 0, 42)
	if err := w.WriteBatch([]*bitmap.Page{page}, lsn.FromHalves(0, 0x100), lsn.FromHalves(0, 0x180)); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name, ok := ParseName(FormatName(1, lsn.FromHalves(0, 0x100), lsn.Invalid))
	if !ok {
		t.Fatal("ParseName failed on own output")
	}

	r, err := OpenReader(dir, name)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	got, err := r.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got == nil {
		t.Fatal("Begin returned no page")
	}
	if !got.BitSet(42) {
		t.Error("read-back page missing bit 42")
	}
	if !got.Header.IsLastInBatch {
		t.Error("single-page batch should be marked is_last_in_batch")
	}

	next, err := r.Next()
	if err != nil {
		t.Fatalf("Next at EOF: %v", err)
	}
	if next != nil {
		t.Error("Next past end of file should return nil, nil")
	}
}

// TestRotationChain exercises P1 (gapless chain) and scenario 4.
func TestRotationChain(t *testing.T) {
	dir := t.TempDir()
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}

	w, err := CreateNew(dir, 1, lsn.FromHalves(0, 0x100))
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}

	page := modifyPage(rel, reltag.Main, 0, 1)
	if err := w.WriteBatch([]*bitmap.Page{page}, lsn.FromHalves(0, 0x100), lsn.FromHalves(0, 0x180)); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	w2, err := w.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	page2 := modifyPage(rel, reltag.Main, 0, 2)
	if err := w2.WriteBatch([]*bitmap.Page{page2}, lsn.FromHalves(0, 0x180), lsn.FromHalves(0, 0x200)); err != nil {
		t.Fatalf("WriteBatch 2: %v", err)
	}
	w2.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []Name
	for _, e := range entries {
		n, ok := ParseName(e.Name())
		if !ok || !n.Sealed() {
			continue
		}
		names = append(names, n)
	}
	if len(names) != 1 {
		t.Fatalf("expected exactly one sealed file, got %d entries", len(names))
	}
	sealed := names[0]
	if sealed.Seq != 1 {
		t.Errorf("sealed.Seq = %d, want 1", sealed.Seq)
	}
	if sealed.End != lsn.FromHalves(0, 0x180) {
		t.Errorf("sealed.End = %s, want 0/180 (P1: file1.end == file2.start)", sealed.End)
	}
}

// TestValidateRecoveryTruncation exercises scenario 5: a trailing corrupt
// page is trimmed and trackedLSN reflects the last good batch.
func TestValidateRecoveryTruncation(t *testing.T) {
	dir := t.TempDir()
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}

	w, err := CreateNew(dir, 1, lsn.FromHalves(0, 0x100))
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	page := modifyPage(rel, reltag.Main, 0, 5)
	if err := w.WriteBatch([]*bitmap.Page{page}, lsn.FromHalves(0, 0x100), lsn.FromHalves(0, 0x180)); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	w.Close()

	name, _ := ParseName(FormatName(1, lsn.FromHalves(0, 0x100), lsn.Invalid))
	path := filepath.Join(dir, name.Filename)

	// Append a second, correctly sized page filled with 0xAA bytes so it
	// fails CRC — simulating a torn write.
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	garbage := make([]byte, bitmap.PageSize)
	for i := range garbage {
		garbage[i] = 0xAA
	}
	if _, err := f.WriteAt(garbage, bitmap.PageSize); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	tracked, size, err := Validate(dir, name, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if tracked != lsn.FromHalves(0, 0x180) {
		t.Errorf("trackedLSN = %s, want 0/180", tracked)
	}
	if size != bitmap.PageSize {
		t.Errorf("size after truncation = %d, want %d", size, bitmap.PageSize)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Size() != bitmap.PageSize {
		t.Errorf("file size on disk = %d, want %d", st.Size(), bitmap.PageSize)
	}
}

func TestValidateNoGoodPage(t *testing.T) {
	dir := t.TempDir()
	name, _ := ParseName(FormatName(1, lsn.FromHalves(0, 0x100), lsn.Invalid))
	path := filepath.Join(dir, name.Filename)

	garbage := make([]byte, bitmap.PageSize)
	if err := os.WriteFile(path, garbage, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tracked, size, err := Validate(dir, name, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if tracked != lsn.Invalid {
		t.Errorf("trackedLSN = %s, want Invalid", tracked)
	}
	if size != 0 {
		t.Errorf("size = %d, want 0", size)
	}
}

func TestReaderRejectsPartialPage(t *testing.T) {
	dir := t.TempDir()
	name, _ := ParseName(FormatName(1, lsn.FromHalves(0, 0x100), lsn.Invalid))
	path := filepath.Join(dir, name.Filename)

	if err := os.WriteFile(path, make([]byte, bitmap.PageSize/2), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := OpenReader(dir, name)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	if _, err := r.Begin(); err == nil {
		t.Error("Begin on a partial page should fail")
	}
}
