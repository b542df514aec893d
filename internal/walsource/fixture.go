package walsource

import (
	"sync"

	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/reltag"
)

// FixtureRecord is an in-memory Record used by tests throughout the
// engine (extractor/writer/merge); it implements the full Record surface
// with plain fields rather than parsing real WAL bytes.
type FixtureRecord struct {
	At, End lsn.LSN
	Rmgr    uint8
	InfoVal uint8
	Xid     uint32

	BlockRefs []BlockRef
	Dropped   []reltag.RelNode

	TruncateToVal   uint32
	SmgrTruncateVal uint8

	DbSpcVal, DbDbVal uint32
	TblspcSpcVal      uint32

	CSFork    reltag.Fork
	CSFirstCU uint32
	CSNumCUs  uint32

	VMBlocks []uint32
	VMSet    bool
}

func (r *FixtureRecord) LSN() lsn.LSN         { return r.At }
func (r *FixtureRecord) EndLSN() lsn.LSN      { return r.End }
func (r *FixtureRecord) Blocks() []BlockRef   { return r.BlockRefs }
func (r *FixtureRecord) RmgrID() uint8        { return r.Rmgr }
func (r *FixtureRecord) Info() uint8          { return r.InfoVal }
func (r *FixtureRecord) XactID() uint32       { return r.Xid }

func (r *FixtureRecord) DroppedRelations() []reltag.RelNode { return r.Dropped }
func (r *FixtureRecord) TruncateTo() uint32                 { return r.TruncateToVal }
func (r *FixtureRecord) SmgrTruncateFlags() uint8           { return r.SmgrTruncateVal }

func (r *FixtureRecord) DbScope() (spc, db uint32) { return r.DbSpcVal, r.DbDbVal }
func (r *FixtureRecord) TblspcScope() (spc uint32) { return r.TblspcSpcVal }

func (r *FixtureRecord) ColumnStoreBlocks() (fork reltag.Fork, firstCU, numCUs uint32) {
	return r.CSFork, r.CSFirstCU, r.CSNumCUs
}

func (r *FixtureRecord) AllVisibleCleared() (blocks []uint32, ok bool) {
	return r.VMBlocks, r.VMSet
}

// FixtureSource is an in-memory RecordSource that replays a fixed slice
// of records in order, ignoring the requested LSN beyond using it to
// find the first record whose LSN is >= at (mirroring how a real
// xlogreader resumes from a requested position).
type FixtureSource struct {
	Records []Record
}

func (s *FixtureSource) ReadRecord(at lsn.LSN) (Record, error) {
	for _, r := range s.Records {
		if r.LSN() >= at {
			return r, nil
		}
	}
	return nil, ErrNoMoreRecords
}

// FixtureControlFile is a ControlFileReader double with settable fields.
type FixtureControlFile struct {
	Redo     lsn.LSN
	Timeline uint32
}

func (c *FixtureControlFile) CheckpointRedo() (lsn.LSN, error) { return c.Redo, nil }
func (c *FixtureControlFile) TimelineID() (uint32, error)      { return c.Timeline, nil }

// FixtureRegister is a TrackedLSNRegister double.
type FixtureRegister struct {
	mu  sync.Mutex
	val lsn.LSN
}

func (r *FixtureRegister) Get() lsn.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.val
}

func (r *FixtureRegister) Set(v lsn.LSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.val = v
}

// FixtureLatch is a Latch double that counts wakeups.
type FixtureLatch struct {
	mu     sync.Mutex
	Wakeups int
}

func (l *FixtureLatch) Wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Wakeups++
}
