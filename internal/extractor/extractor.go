// Package extractor implements the WAL extractor of spec §4.E: given one
// classified record, it mutates the live page hash by setting bits,
// removing or truncating tags, and inserting lifecycle pages, following
// the dispatch table and lifecycle-emission rules verbatim.
package extractor

import (
	"github.com/cbmengine/cbm/internal/bitmap"
	"github.com/cbmengine/cbm/internal/pagehash"
	"github.com/cbmengine/cbm/internal/reltag"
	"github.com/cbmengine/cbm/internal/walsource"
)

// PostgreSQL's on-disk block size, used only to derive the FSM/VM
// truncation points from a heap truncation point — distinct from
// bitmap.PageSize, which sizes our own on-disk pages.
const pgBlockSize = 8192

// heapBlocksPerFSMLeaf approximates how many heap blocks one FSM leaf
// page addresses (PostgreSQL's FSM is a tree of fsm_page; this collapses
// it to a single ratio, which is enough to pick a conservative truncation
// point).
const heapBlocksPerFSMLeaf = pgBlockSize

// heapBlocksPerVMPage is how many heap blocks one visibility-map page
// covers: 2 bits (all-visible, all-frozen) per heap block.
const heapBlocksPerVMPage = pgBlockSize * 8 / 2

// Apply dispatches one record against h, per spec §4.E.
func Apply(h *pagehash.Hash, rec walsource.Record) {
	cl := walsource.Classify(rec)

	switch cl.Kind {
	case walsource.KindReferencesBlocks, walsource.KindColumnStoreNewPage:
		applyBlocks(h, rec, cl)

	case walsource.KindXactCommit, walsource.KindXactAbort:
		for _, rel := range cl.DroppedRelations {
			applyDrop(h, reltag.PageTag{Rel: rel, Fork: reltag.Main})
		}

	case walsource.KindSmgrCreate:
		insertLifecyclePage(h, reltag.PageTag{Rel: cl.CreateRel, Fork: cl.CreateFork}, bitmap.Create, bitmap.InvalidBlock)

	case walsource.KindSmgrTruncate:
		applySmgrTruncate(h, cl)

	case walsource.KindDbCreate:
		insertLifecyclePage(h, dbScopeTag(cl.DbSpc, cl.DbDb), bitmap.Create, bitmap.InvalidBlock)

	case walsource.KindDbDrop:
		h.RemoveDB(cl.DbSpc, cl.DbDb)
		insertLifecyclePage(h, dbScopeTag(cl.DbSpc, cl.DbDb), bitmap.Drop, bitmap.InvalidBlock)

	case walsource.KindTblspcCreate:
		insertLifecyclePage(h, tblspcScopeTag(cl.TblspcSpc), bitmap.Create, bitmap.InvalidBlock)

	case walsource.KindTblspcDrop:
		h.RemoveTblspc(cl.TblspcSpc)
		insertLifecyclePage(h, tblspcScopeTag(cl.TblspcSpc), bitmap.Drop, bitmap.InvalidBlock)

	case walsource.KindRelmapUpdate:
		applyTruncate(h, dbScopeTag(cl.DbSpc, cl.DbDb), 0)

	case walsource.KindOther:
		// no block references, no lifecycle implication
	}
}

func dbScopeTag(spc, db uint32) reltag.PageTag {
	return reltag.PageTag{Rel: reltag.DatabaseScope(spc, db), Fork: reltag.Main}
}

func tblspcScopeTag(spc uint32) reltag.PageTag {
	return reltag.PageTag{Rel: reltag.TablespaceScope(spc), Fork: reltag.Main}
}

func applyBlocks(h *pagehash.Hash, rec walsource.Record, cl walsource.Classified) {
	for _, b := range cl.Blocks {
		setBit(h, reltag.PageTag{Rel: b.Rel, Fork: b.Fork}, b.Block)
	}
	if len(cl.VMClearBlocks) == 0 {
		return
	}
	// all-visible-cleared heap ops also clear the corresponding VM bit
	// (spec §4.E's last dispatch row).
	for _, ref := range cl.Blocks {
		for _, heapBlk := range cl.VMClearBlocks {
			setBit(h, reltag.PageTag{Rel: ref.Rel, Fork: reltag.VisibilityMap}, heapBlk)
		}
		break // all block refs in one record share the same relation
	}
}

func applySmgrTruncate(h *pagehash.Hash, cl walsource.Classified) {
	rel := cl.TruncateRel
	if cl.TruncateFlags&walsource.SmgrTruncateHeap != 0 {
		applyTruncate(h, reltag.PageTag{Rel: rel, Fork: reltag.Main}, cl.TruncateBlock)
	}
	if cl.TruncateFlags&walsource.SmgrTruncateFSM != 0 {
		fsmBlock := cl.TruncateBlock / heapBlocksPerFSMLeaf
		applyTruncate(h, reltag.PageTag{Rel: rel, Fork: reltag.Fsm}, fsmBlock)
	}
	if cl.TruncateFlags&walsource.SmgrTruncateVM != 0 {
		vmBlock := cl.TruncateBlock / heapBlocksPerVMPage
		applyTruncate(h, reltag.PageTag{Rel: rel, Fork: reltag.VisibilityMap}, vmBlock)
	}
}

// applyDrop implements the Drop lifecycle rule: remove_tag on the named
// fork and, when it's Main, its sibling forks too, then insert a
// lifecycle page so the record survives merges.
func applyDrop(h *pagehash.Hash, tag reltag.PageTag) {
	h.RemoveTag(tag)
	if tag.Fork == reltag.Main {
		h.RemoveRestForks(tag.Rel, reltag.InvalidFork)
	}
	insertLifecyclePage(h, tag, bitmap.Drop, bitmap.InvalidBlock)
}

// applyTruncate implements the Truncate lifecycle rule: truncate_tag
// first, then insert a lifecycle page carrying the truncation point.
func applyTruncate(h *pagehash.Hash, tag reltag.PageTag, truncateBlock uint32) {
	if tag.TruncatableFork() {
		h.TruncateTag(tag, truncateBlock)
	}
	insertLifecyclePage(h, tag, bitmap.Truncate, truncateBlock)
}

func firstBlockOf(block uint32) uint32 {
	return (block / bitmap.BlocksPerPage) * bitmap.BlocksPerPage
}

func setBit(h *pagehash.Hash, tag reltag.PageTag, block uint32) {
	first := firstBlockOf(block)
	p := h.FindPage(tag, first)
	if p == nil {
		hdr := bitmap.Header{
			PageType:      bitmap.Modify,
			Rel:           tag.Rel,
			Fork:          tag.Fork,
			FirstBlock:    first,
			TruncateBlock: bitmap.InvalidBlock,
		}
		p = h.NewPage(hdr)
		h.InsertPage(tag, p)
	}
	p.Header.PageType |= bitmap.Modify
	p.SetBit(block)
}

func insertLifecyclePage(h *pagehash.Hash, tag reltag.PageTag, kind bitmap.Type, truncateBlock uint32) {
	hdr := bitmap.Header{
		PageType:      kind,
		Rel:           tag.Rel,
		Fork:          tag.Fork,
		FirstBlock:    bitmap.InvalidBlock,
		TruncateBlock: truncateBlock,
	}
	h.InsertPage(tag, h.NewPage(hdr))
}
