// Package walsource defines the external-collaborator interfaces the CBM
// engine consumes (spec §1): the WAL reader framework, control-file /
// checkpoint state, and the process-wide tracked-LSN register and wake-up
// latch. These are owned by the hosting process; the engine only ever
// sees them through the interfaces below, so it never grows a back
// reference into the WAL layer itself (spec §9's "cyclic pointer graph"
// note).
package walsource

import (
	"errors"

	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/reltag"
)

// Resource manager IDs, mirrored from PostgreSQL's rmgrlist.h — the same
// constants the teacher decodes in pgdump/wal.go, reused here because the
// extractor dispatches on exactly these IDs.
const (
	RmXlogID      = 0
	RmXactID      = 1
	RmSmgrID      = 2
	RmDbaseID     = 4
	RmTblspcID    = 5
	RmRelmapID    = 7
	RmHeap2ID     = 9
	RmHeapID      = 10
)

// Heap operation info bits (masked with 0x70, matching the teacher's
// operationName table).
const (
	XlogHeapInsert     = 0x00
	XlogHeapDelete     = 0x10
	XlogHeapUpdate     = 0x20
	XlogHeapHotUpdate  = 0x40
	XlogHeapMultiInsert = 0x80 // falls outside the 0x70 mask used for the others; Classify does not test it
)

// All-visible-cleared flag bits carried alongside heap insert/update/
// delete/multi-insert info (XLH_*_ALL_VISIBLE_CLEARED in the original).
const (
	XlhInsertAllVisibleCleared = 0x01
	XlhDeleteAllVisibleCleared = 0x01
	XlhUpdateOldAllVisibleCleared = 0x01
	XlhUpdateNewAllVisibleCleared = 0x02
)

// Transaction operation info bits.
const (
	XlogXactCommit         = 0x00
	XlogXactAbort          = 0x20
	XlogXactCommitPrepared = 0x30
	XlogXactAbortPrepared  = 0x40
)

// Smgr operation info bits.
const (
	XlogSmgrCreate   = 0x10
	XlogSmgrTruncate = 0x20
)

// Smgr truncate flags (which forks the truncate covers), matching
// XLOG_SMGR_TRUNCATE_{HEAP,VM,FSM}.
const (
	SmgrTruncateHeap = 0x01
	SmgrTruncateVM   = 0x02
	SmgrTruncateFSM  = 0x04
)

// Dbase/Tblspc operation info bits.
const (
	XlogDbaseCreate  = 0x00
	XlogDbaseDrop    = 0x10
	XlogTblspcCreate = 0x00
	XlogTblspcDrop   = 0x10
)

// BlockRef names one block reference carried by a WAL record.
type BlockRef struct {
	Rel   reltag.RelNode
	Fork  reltag.Fork
	Block uint32
}

// ErrNoMoreRecords is returned by RecordSource.ReadRecord when no record
// begins at or after the requested LSN (clean end of available WAL).
var ErrNoMoreRecords = errors.New("walsource: no more records")

// Record is one parsed WAL record, exposing exactly the surface the
// extractor needs (spec §1).
type Record interface {
	LSN() lsn.LSN
	// EndLSN is the LSN immediately following this record — used by the
	// writer loop to decide when a parse window has been satisfied.
	EndLSN() lsn.LSN
	Blocks() []BlockRef
	RmgrID() uint8
	Info() uint8
	// XactID is the transaction ID this record belongs to, when
	// applicable (heap/heap2/xact records); 0 otherwise.
	XactID() uint32
	// DroppedRelations lists relations a commit/abort record drops
	// (RM_XACT records carry a list of relfilenodes to unlink).
	DroppedRelations() []reltag.RelNode
	// TruncateTo is the block number an smgr-truncate record truncates
	// Main to (Fsm/VM targets are derived from it by the extractor).
	TruncateTo() uint32
	// SmgrTruncateFlags reports which forks (Heap/FSM/VM) an smgr
	// truncate record applies to.
	SmgrTruncateFlags() uint8
	// DbScope / TblspcScope name the scope of a Dbase/Tblspc record.
	DbScope() (spc, db uint32)
	TblspcScope() (spc uint32)
	// ColumnStoreBlocks names the column-store block range covered by a
	// Heap2 "logical new page" record, in CU-sized units.
	ColumnStoreBlocks() (fork reltag.Fork, firstCU, numCUs uint32)
	// AllVisibleCleared reports whether a heap insert/update/delete
	// record cleared the all-visible bit, and which heap block(s) that
	// applies to.
	AllVisibleCleared() (blocks []uint32, ok bool)
}

// RecordSource is the WAL reader framework: it turns raw segment files
// into parsed records. ReadRecord reads the next record at or after at; a
// source is free to ignore at on repeat calls advancing its own internal
// cursor, as the original xlogreader does.
type RecordSource interface {
	ReadRecord(at lsn.LSN) (Record, error)
}

// ControlFileReader exposes the control-file state the writer loop reads
// under the control-file lock each cycle (spec §4.F step 3).
type ControlFileReader interface {
	CheckpointRedo() (lsn.LSN, error)
	TimelineID() (uint32, error)
}

// TrackedLSNRegister is the process-wide tracked-LSN register (spec §1).
type TrackedLSNRegister interface {
	Get() lsn.LSN
	Set(lsn.LSN)
}

// Latch is the wake-up latch used to nudge the writer (spec §1).
type Latch interface {
	Wake()
}
