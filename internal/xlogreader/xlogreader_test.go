package xlogreader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/reltag"
)

func TestParseSegmentName(t *testing.T) {
	cases := []struct {
		name             string
		timeline, logid, segno uint32
		ok               bool
	}{
		{"000000010000000000000000", 1, 0, 0, true},
		{"0000000200000001000000A0", 2, 1, 0xA0, true},
		{"tooshort", 0, 0, 0, false},
		{"zzzzzzzz00000000000000zz", 0, 0, 0, false},
	}
	for _, c := range cases {
		tl, logid, segno, ok := parseSegmentName(c.name)
		if ok != c.ok {
			t.Fatalf("%s: ok = %v, want %v", c.name, ok, c.ok)
		}
		if !ok {
			continue
		}
		if tl != c.timeline || logid != c.logid || segno != c.segno {
			t.Errorf("%s: got (tl=%d logid=%d segno=%d), want (%d %d %d)", c.name, tl, logid, segno, c.timeline, c.logid, c.segno)
		}
	}
}

func TestSegmentStartLSN(t *testing.T) {
	if got := segmentStartLSN(0, 0, DefaultSegmentSize); got != lsn.Invalid {
		t.Errorf("segment 0/0 should start at LSN 0, got %s", got)
	}
	got := segmentStartLSN(0, 1, DefaultSegmentSize)
	if want := lsn.LSN(DefaultSegmentSize); got != want {
		t.Errorf("segment 0/1 start = %s, want %s", got, want)
	}
	got = segmentStartLSN(1, 0, DefaultSegmentSize)
	segsPerLogid := uint64(1<<32) / uint64(DefaultSegmentSize)
	want := lsn.LSN(segsPerLogid * uint64(DefaultSegmentSize))
	if got != want {
		t.Errorf("segment 1/0 start = %s, want %s", got, want)
	}
}

// buildOneRecordPage returns a single 8192-byte WAL page (short header,
// no continuation) containing one XLogRecord with one block reference,
// laid out exactly as parsePage/parseXLogRecord/parseBlockRefs expect.
func buildOneRecordPage(t *testing.T, rel reltag.RelNode, fork reltag.Fork, block uint32) []byte {
	t.Helper()
	page := make([]byte, walPageSize)

	binary.LittleEndian.PutUint16(page[0:2], 0xD113) // PG16 magic
	binary.LittleEndian.PutUint16(page[2:4], 0)       // short header, no contrecord

	const blockRefLen = 1 + 1 + 12 + 4 // blockID, forkFlags, relfilenode, blocknum
	totalLen := uint32(xlogRecordSize + blockRefLen)

	pos := shortHeaderSize
	binary.LittleEndian.PutUint32(page[pos:pos+4], totalLen) // total_len
	binary.LittleEndian.PutUint32(page[pos+4:pos+8], 777)    // xid
	page[pos+16] = 0x00                                      // info (heap insert)
	page[pos+17] = 10                                        // rmid (RM_HEAP_ID)

	brPos := pos + xlogRecordSize
	page[brPos] = 0    // blockID
	page[brPos+1] = byte(fork) // forkFlags: fork num, no image/data/same-rel
	binary.LittleEndian.PutUint32(page[brPos+2:brPos+6], rel.SpcOID)
	binary.LittleEndian.PutUint32(page[brPos+6:brPos+10], rel.DbOID)
	binary.LittleEndian.PutUint32(page[brPos+10:brPos+14], rel.RelOID)
	binary.LittleEndian.PutUint32(page[brPos+14:brPos+18], block)

	return page
}

func TestSourceReadRecordDecodesBlockReference(t *testing.T) {
	dir := t.TempDir()
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576, Bucket: -1}

	page := buildOneRecordPage(t, rel, reltag.Main, 42)
	name := "000000010000000000000000"
	if err := os.WriteFile(filepath.Join(dir, name), page, 0600); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	src := NewSource(dir, DefaultSegmentSize)
	rec, err := src.ReadRecord(lsn.Invalid)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}

	if rec.LSN() != lsn.LSN(shortHeaderSize) {
		t.Errorf("LSN = %s, want %s", rec.LSN(), lsn.LSN(shortHeaderSize))
	}
	if rec.RmgrID() != 10 {
		t.Errorf("RmgrID = %d, want 10", rec.RmgrID())
	}
	if rec.XactID() != 777 {
		t.Errorf("XactID = %d, want 777", rec.XactID())
	}
	blocks := rec.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("Blocks = %d entries, want 1", len(blocks))
	}
	if blocks[0].Rel != rel {
		t.Errorf("block rel = %+v, want %+v", blocks[0].Rel, rel)
	}
	if blocks[0].Fork != reltag.Main || blocks[0].Block != 42 {
		t.Errorf("block = (fork=%v, block=%d), want (Main, 42)", blocks[0].Fork, blocks[0].Block)
	}

	// A second read past this record's end should report no more records.
	if _, err := src.ReadRecord(rec.EndLSN()); err == nil {
		t.Error("expected ErrNoMoreRecords reading past the only record")
	}
}
