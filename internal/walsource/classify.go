package walsource

import "github.com/cbmengine/cbm/internal/reltag"

// Kind is the polymorphic record classification of spec §9: rather than
// branching on resource-manager id and info bits throughout the
// extractor, a single adapter produces a tagged sum once per record.
type Kind int

const (
	KindOther Kind = iota
	KindReferencesBlocks
	KindColumnStoreNewPage
	KindXactCommit
	KindXactAbort
	KindSmgrCreate
	KindSmgrTruncate
	KindDbCreate
	KindDbDrop
	KindTblspcCreate
	KindTblspcDrop
	KindRelmapUpdate
)

// Classified is the result of classifying one record: the kind plus
// whichever payload fields that kind uses.
type Classified struct {
	Kind Kind

	// KindReferencesBlocks, KindColumnStoreNewPage
	Blocks []BlockRef

	// KindXactCommit, KindXactAbort
	DroppedRelations []reltag.RelNode

	// KindSmgrCreate
	CreateRel  reltag.RelNode
	CreateFork reltag.Fork

	// KindSmgrTruncate
	TruncateRel   reltag.RelNode
	TruncateBlock uint32
	TruncateFlags uint8

	// KindDbCreate, KindDbDrop
	DbSpc, DbDb uint32

	// KindTblspcCreate, KindTblspcDrop
	TblspcSpc uint32

	// set alongside KindReferencesBlocks when a heap insert/update/delete
	// record also cleared the all-visible bit; holds the heap blocks
	// whose VM bit the extractor must additionally set.
	VMClearBlocks []uint32
}

// Classify adapts a raw Record into its tagged-sum classification,
// dispatching on resource-manager id and info bits the way the teacher's
// operationName does (pgdump/wal.go), but producing structured data
// instead of a display string.
func Classify(rec Record) Classified {
	blocks := rec.Blocks()

	switch rec.RmgrID() {
	case RmXactID:
		switch rec.Info() & 0x70 {
		case XlogXactCommit, XlogXactCommitPrepared:
			return Classified{Kind: KindXactCommit, DroppedRelations: rec.DroppedRelations()}
		case XlogXactAbort, XlogXactAbortPrepared:
			return Classified{Kind: KindXactAbort, DroppedRelations: rec.DroppedRelations()}
		}

	case RmSmgrID:
		switch rec.Info() & 0x70 {
		case XlogSmgrCreate:
			if len(blocks) > 0 {
				return Classified{Kind: KindSmgrCreate, CreateRel: blocks[0].Rel, CreateFork: blocks[0].Fork}
			}
		case XlogSmgrTruncate:
			rel := reltag.RelNode{}
			if len(blocks) > 0 {
				rel = blocks[0].Rel
			}
			return Classified{
				Kind:          KindSmgrTruncate,
				TruncateRel:   rel,
				TruncateBlock: rec.TruncateTo(),
				TruncateFlags: rec.SmgrTruncateFlags(),
			}
		}

	case RmDbaseID:
		spc, db := rec.DbScope()
		switch rec.Info() & 0x70 {
		case XlogDbaseCreate:
			return Classified{Kind: KindDbCreate, DbSpc: spc, DbDb: db}
		case XlogDbaseDrop:
			return Classified{Kind: KindDbDrop, DbSpc: spc, DbDb: db}
		}

	case RmTblspcID:
		spc := rec.TblspcScope()
		switch rec.Info() & 0x70 {
		case XlogTblspcCreate:
			return Classified{Kind: KindTblspcCreate, TblspcSpc: spc}
		case XlogTblspcDrop:
			return Classified{Kind: KindTblspcDrop, TblspcSpc: spc}
		}

	case RmRelmapID:
		spc, db := rec.DbScope()
		return Classified{Kind: KindRelmapUpdate, DbSpc: spc, DbDb: db}

	case RmHeap2ID:
		if fork, firstCU, numCUs, ok := columnStorePage(rec); ok {
			return Classified{Kind: KindColumnStoreNewPage, Blocks: expandColumnStoreBlocks(fork, firstCU, numCUs)}
		}

	case RmHeapID:
		if len(blocks) > 0 {
			cl := Classified{Kind: KindReferencesBlocks, Blocks: filterBlockAddressable(blocks)}
			if vmBlocks, ok := rec.AllVisibleCleared(); ok {
				cl.VMClearBlocks = vmBlocks
			}
			return cl
		}
	}

	if len(blocks) > 0 {
		return Classified{Kind: KindReferencesBlocks, Blocks: filterBlockAddressable(blocks)}
	}

	return Classified{Kind: KindOther}
}

func filterBlockAddressable(blocks []BlockRef) []BlockRef {
	out := blocks[:0:0]
	for _, b := range blocks {
		if b.Fork.BlockAddressable() {
			out = append(out, b)
		}
	}
	return out
}

func columnStorePage(rec Record) (fork reltag.Fork, firstCU, numCUs uint32, ok bool) {
	fork, firstCU, numCUs = rec.ColumnStoreBlocks()
	return fork, firstCU, numCUs, numCUs > 0
}

// cuSize is the number of blocks a column-store "CU" (compression unit)
// spans when expanded into block-granular bitmap bits.
const cuSize = 1

func expandColumnStoreBlocks(fork reltag.Fork, firstCU, numCUs uint32) []BlockRef {
	blocks := make([]BlockRef, 0, numCUs)
	for i := uint32(0); i < numCUs; i++ {
		blocks = append(blocks, BlockRef{Fork: fork, Block: (firstCU + i) * cuSize})
	}
	return blocks
}
