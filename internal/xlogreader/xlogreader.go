// Package xlogreader adapts the teacher's WAL segment/page/record framing
// (pgdump/wal.go) into a real walsource.RecordSource: rather than
// producing a human-readable operation summary, it decodes segment files
// from a pg_wal-style directory into walsource.Record values the
// extractor can consume directly.
//
// It stops exactly where the teacher's own parser stops: PostgreSQL's
// record "main data" payload (which carries a truncate's target block,
// a commit's dropped-relation list, and similar fields) was never
// decoded by pgdump/wal.go — it only framed pages/records and walked the
// block-reference array. This adapter inherits that boundary rather than
// inventing a main-data decoder; TruncateTo, SmgrTruncateFlags,
// DroppedRelations, DbScope, TblspcScope, ColumnStoreBlocks and
// AllVisibleCleared all return zero values here (see DESIGN.md). Block
// modification tracking — the dominant signal for the change block map —
// is fully decoded.
package xlogreader

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/reltag"
	"github.com/cbmengine/cbm/internal/walsource"
)

// Segment size PostgreSQL uses by default (initdb --wal-segsize, 16MiB).
const DefaultSegmentSize = 16 << 20

// WAL page/record framing constants, mirrored from pgdump/wal.go.
const (
	walPageSize     = 8192
	xlogRecordSize  = 24
	shortHeaderSize = 24
	longHeaderSize  = 40

	xlpFirstIsContrecord = 0x0001
	xlpLongHeader        = 0x0002
)

var validMagics = map[uint16]bool{
	0xD113: true, // PostgreSQL 16
	0xD110: true, // PostgreSQL 15
	0xD10F: true, // PostgreSQL 14
	0xD10D: true, // PostgreSQL 13
	0xD109: true, // PostgreSQL 12
}

// record is the walsource.Record implementation decoded from one raw
// XLogRecord, plus its block references converted to reltag identities.
type record struct {
	at, end lsn.LSN
	rmgr    uint8
	info    uint8
	xid     uint32
	blocks  []walsource.BlockRef
}

func (r *record) LSN() lsn.LSN                              { return r.at }
func (r *record) EndLSN() lsn.LSN                           { return r.end }
func (r *record) Blocks() []walsource.BlockRef              { return r.blocks }
func (r *record) RmgrID() uint8                             { return r.rmgr }
func (r *record) Info() uint8                                { return r.info }
func (r *record) XactID() uint32                            { return r.xid }
func (r *record) DroppedRelations() []reltag.RelNode        { return nil }
func (r *record) TruncateTo() uint32                        { return 0 }
func (r *record) SmgrTruncateFlags() uint8                  { return 0 }
func (r *record) DbScope() (spc, db uint32)                 { return 0, 0 }
func (r *record) TblspcScope() (spc uint32)                 { return 0 }
func (r *record) ColumnStoreBlocks() (fork reltag.Fork, firstCU, numCUs uint32) {
	return reltag.InvalidFork, 0, 0
}
func (r *record) AllVisibleCleared() (blocks []uint32, ok bool) { return nil, false }

// Source is a walsource.RecordSource reading real WAL segment files from
// a directory, named the way PostgreSQL names them (24 hex characters:
// 8-digit timeline id, 8-digit high LSN bits, 8-digit segment number).
// It decodes segments lazily and caches the flattened record stream,
// matching pgdump.ScanWALDirectory's directory-scan/sort shape but
// returning structured records instead of a summary.
type Source struct {
	dir         string
	segmentSize int64

	records []*record
	loaded  bool
}

// NewSource returns a Source reading WAL segments from dir with the given
// segment size (pass DefaultSegmentSize unless the cluster was initialized
// with a non-default --wal-segsize).
func NewSource(dir string, segmentSize int64) *Source {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	return &Source{dir: dir, segmentSize: segmentSize}
}

// ReadRecord implements walsource.RecordSource: it returns the first
// decoded record whose LSN is >= at, loading and decoding the full
// segment set on first use.
func (s *Source) ReadRecord(at lsn.LSN) (walsource.Record, error) {
	if !s.loaded {
		if err := s.load(); err != nil {
			return nil, err
		}
		s.loaded = true
	}
	for _, r := range s.records {
		if r.at >= at {
			return r, nil
		}
	}
	return nil, walsource.ErrNoMoreRecords
}

func (s *Source) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("xlogreader: read %s: %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 24 {
			continue
		}
		if _, _, _, ok := parseSegmentName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		_, logid, segno, _ := parseSegmentName(name)
		base := segmentStartLSN(logid, segno, s.segmentSize)

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("xlogreader: read segment %s: %w", name, err)
		}
		segRecords, err := parseSegment(data, base)
		if err != nil {
			continue // matches pgdump.ScanWALDirectory: skip unreadable segments
		}
		s.records = append(s.records, segRecords...)
	}

	sort.Slice(s.records, func(i, j int) bool { return s.records[i].at < s.records[j].at })
	return nil
}

// parseSegmentName parses a PostgreSQL WAL segment filename into its
// timeline id, "logid" (high 32 LSN bits), and segment number.
func parseSegmentName(name string) (timeline, logid, segno uint32, ok bool) {
	if len(name) != 24 {
		return 0, 0, 0, false
	}
	t, err1 := strconv.ParseUint(name[0:8], 16, 32)
	l, err2 := strconv.ParseUint(name[8:16], 16, 32)
	s, err3 := strconv.ParseUint(name[16:24], 16, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return uint32(t), uint32(l), uint32(s), true
}

// segmentStartLSN derives the absolute LSN a segment's first byte
// corresponds to, given its logid/segno pair and the cluster's WAL
// segment size.
func segmentStartLSN(logid, segno uint32, segSize int64) lsn.LSN {
	segsPerLogid := (int64(1) << 32) / segSize
	abs := (uint64(logid) * uint64(segsPerLogid) * uint64(segSize)) + uint64(segno)*uint64(segSize)
	return lsn.LSN(abs)
}

// parseSegment decodes every page in one segment file, flattening
// continuation records the same way pgdump.ParseWALFile does: a page
// whose header announces XLP_FIRST_IS_CONTRECORD has its leading
// continuation bytes skipped rather than stitched into the prior record,
// since (like the teacher) this adapter only needs records that fit in a
// page to drive block-level tracking.
func parseSegment(data []byte, base lsn.LSN) ([]*record, error) {
	if len(data) < longHeaderSize {
		return nil, fmt.Errorf("xlogreader: segment too small")
	}

	var out []*record
	var lastRel reltag.RelNode
	haveLastRel := false

	for offset := 0; offset+walPageSize <= len(data); offset += walPageSize {
		page := data[offset : offset+walPageSize]
		recs, rel, have := parsePage(page, base+lsn.LSN(offset), lastRel, haveLastRel)
		out = append(out, recs...)
		if have {
			lastRel, haveLastRel = rel, true
		}
	}

	return out, nil
}

func parsePage(data []byte, pageStart lsn.LSN, lastRel reltag.RelNode, haveLastRel bool) ([]*record, reltag.RelNode, bool) {
	if len(data) < shortHeaderSize {
		return nil, lastRel, haveLastRel
	}

	magic := binary.LittleEndian.Uint16(data[0:2])
	info := binary.LittleEndian.Uint16(data[2:4])
	if !validMagics[magic] {
		return nil, lastRel, haveLastRel
	}

	headerSize := shortHeaderSize
	if info&xlpLongHeader != 0 {
		headerSize = longHeaderSize
	}

	pos := headerSize
	if info&xlpFirstIsContrecord != 0 && len(data) >= headerSize+4 {
		remLen := binary.LittleEndian.Uint32(data[20:24])
		pos += int(remLen)
		pos = align8(pos)
	}

	var recs []*record
	for pos+xlogRecordSize <= len(data) {
		if isZeroPadding(data[pos:]) {
			break
		}

		rec, consumed, rel, haveRel := parseXLogRecord(data[pos:], pageStart+lsn.LSN(pos), lastRel, haveLastRel)
		if consumed == 0 {
			break
		}
		if rec != nil {
			recs = append(recs, rec)
		}
		if haveRel {
			lastRel, haveLastRel = rel, true
		}

		pos += consumed
		pos = align8(pos)
	}

	return recs, lastRel, haveLastRel
}

func parseXLogRecord(data []byte, at lsn.LSN, lastRel reltag.RelNode, haveLastRel bool) (*record, int, reltag.RelNode, bool) {
	if len(data) < xlogRecordSize {
		return nil, 0, lastRel, haveLastRel
	}

	totalLen := binary.LittleEndian.Uint32(data[0:4])
	if totalLen < xlogRecordSize || int(totalLen) > walPageSize*2 {
		return nil, 0, lastRel, haveLastRel
	}

	r := &record{
		at:   at,
		end:  at + lsn.LSN(totalLen),
		xid:  binary.LittleEndian.Uint32(data[4:8]),
		info: data[16],
		rmgr: data[17],
	}

	if int(totalLen) > xlogRecordSize && int(totalLen) <= len(data) {
		r.blocks, lastRel, haveLastRel = parseBlockRefs(data[xlogRecordSize:totalLen], lastRel, haveLastRel)
	}

	return r, int(totalLen), lastRel, haveLastRel
}

// parseBlockRefs walks the block-reference array the same way
// pgdump.parseBlockRefs does, additionally carrying the last seen
// RelFileNode forward across "same rel as previous block" references —
// the teacher's version left that case as a nil RelFileNode, which is
// enough for a human-readable dump but not for re-deriving a PageTag.
func parseBlockRefs(data []byte, lastRel reltag.RelNode, haveLastRel bool) ([]walsource.BlockRef, reltag.RelNode, bool) {
	var blocks []walsource.BlockRef
	pos := 0

	for pos < len(data) {
		blockID := data[pos]
		pos++
		if blockID == 0xFF || blockID == 0xFE || blockID > 32 {
			break
		}
		if pos+1 > len(data) {
			break
		}

		forkFlags := data[pos]
		pos++

		hasImage := forkFlags&0x10 != 0
		hasData := forkFlags&0x20 != 0
		hasSameRel := forkFlags&0x40 != 0

		rel := lastRel
		if !hasSameRel {
			if pos+12 > len(data) {
				break
			}
			rel = reltag.RelNode{
				SpcOID: binary.LittleEndian.Uint32(data[pos : pos+4]),
				DbOID:  binary.LittleEndian.Uint32(data[pos+4 : pos+8]),
				RelOID: binary.LittleEndian.Uint32(data[pos+8 : pos+12]),
				Bucket: -1,
			}
			pos += 12
			lastRel, haveLastRel = rel, true
		} else if !haveLastRel {
			break // malformed: "same rel" with nothing to carry forward
		}

		if pos+4 > len(data) {
			break
		}
		blockNum := binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4

		if hasImage && pos+2 <= len(data) {
			imageLen := binary.LittleEndian.Uint16(data[pos : pos+2])
			pos += 2 + int(imageLen)
		}
		if hasData && pos+2 <= len(data) {
			dataLen := binary.LittleEndian.Uint16(data[pos : pos+2])
			pos += 2 + int(dataLen)
		}

		blocks = append(blocks, walsource.BlockRef{
			Rel:   rel,
			Fork:  reltag.Fork(forkFlags & 0x0F),
			Block: blockNum,
		})
	}

	return blocks, lastRel, haveLastRel
}

func isZeroPadding(data []byte) bool {
	for i := 0; i < 8 && i < len(data); i++ {
		if data[i] != 0 {
			return false
		}
	}
	return true
}

func align8(n int) int { return (n + 7) &^ 7 }
