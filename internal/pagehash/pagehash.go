// Package pagehash implements the in-memory page hash of spec §4.D: an
// index from (RelNode, Fork) to an ordered set of bitmap pages covering
// distinct block ranges, with MRU reordering and the lifecycle operations
// (remove/truncate) that the extractor and merger both drive.
package pagehash

import (
	"fmt"
	"strings"

	"github.com/cbmengine/cbm/internal/bitmap"
	"github.com/cbmengine/cbm/internal/reltag"
)

// Entry is the ordered list of pages for one PageTag. Pages are kept in an
// arbitrary order with the most recently touched page floated to the head
// (a cache-locality optimization in the original; here a plain slice with
// linear scan, since per-tag bucket populations are small — spec §9).
type Entry struct {
	Pages []*bitmap.Page
}

// find returns the index of the page with the given FirstBlock, or -1.
func (e *Entry) find(firstBlock uint32) int {
	for i, p := range e.Pages {
		if p.Header.FirstBlock == firstBlock {
			return i
		}
	}
	return -1
}

// moveToFront relocates the page at index i to the head of the list.
func (e *Entry) moveToFront(i int) {
	if i == 0 {
		return
	}
	p := e.Pages[i]
	copy(e.Pages[1:i+1], e.Pages[:i])
	e.Pages[0] = p
}

// Hash is the live page hash, keyed by PageTag. It also owns the recycled
// free-page arena of spec §4.F/§5: pages flushed by the writer loop come
// back here instead of being handed to the garbage collector, up to a
// configurable high-watermark.
type Hash struct {
	entries map[reltag.PageTag]*Entry
	free    []*bitmap.Page
	maxFree int // -1 means unbounded (no recycling cap configured)
}

// New returns an empty page hash with no free-list cap.
func New() *Hash {
	return &Hash{entries: make(map[reltag.PageTag]*Entry), maxFree: -1}
}

// SetFreeListCap configures MAX_FREE_PAGES (spec §5's resource cap); n < 0
// means unbounded.
func (h *Hash) SetFreeListCap(n int) {
	h.maxFree = n
}

// NewPage returns a page carrying header hdr, reusing a zeroed page from
// the free list when one is available instead of allocating, mirroring
// the original's page-arena recycling.
func (h *Hash) NewPage(hdr bitmap.Header) *bitmap.Page {
	if n := len(h.free); n > 0 {
		p := h.free[n-1]
		h.free = h.free[:n-1]
		p.Header = hdr
		for i := range p.Bits {
			p.Bits[i] = 0
		}
		return p
	}
	return bitmap.NewPage(hdr)
}

// Recycle clears every entry, moving its pages to the free list for reuse
// by a later NewPage call. If the resulting free-list size would exceed
// the configured cap, the entire arena is released wholesale instead
// (spec §4.F step 9 / §5: "exceeding it releases the page arena entirely
// on the next cycle") rather than partially trimmed, matching the
// original's all-or-nothing release.
func (h *Hash) Recycle() {
	total := len(h.free)
	for _, e := range h.entries {
		total += len(e.Pages)
	}
	if h.maxFree >= 0 && total > h.maxFree {
		h.free = nil
		h.entries = make(map[reltag.PageTag]*Entry)
		return
	}
	for _, e := range h.entries {
		h.free = append(h.free, e.Pages...)
	}
	h.entries = make(map[reltag.PageTag]*Entry)
}

// FreeListLen reports how many pages currently sit in the recycled free
// list (test/diagnostic use).
func (h *Hash) FreeListLen() int { return len(h.free) }

// GetOrInsert returns the entry for tag, creating an empty one if absent.
func (h *Hash) GetOrInsert(tag reltag.PageTag) *Entry {
	e, ok := h.entries[tag]
	if !ok {
		e = &Entry{}
		h.entries[tag] = e
	}
	return e
}

// Get returns the entry for tag without creating one, and whether it
// exists.
func (h *Hash) Get(tag reltag.PageTag) (*Entry, bool) {
	e, ok := h.entries[tag]
	return e, ok
}

// FindPage looks up the page with the given FirstBlock within tag's entry,
// moving it to the head of the entry's list on a hit (MRU reordering).
func (h *Hash) FindPage(tag reltag.PageTag, firstBlock uint32) *bitmap.Page {
	e, ok := h.entries[tag]
	if !ok {
		return nil
	}
	i := e.find(firstBlock)
	if i < 0 {
		return nil
	}
	e.moveToFront(i)
	return e.Pages[0]
}

// InsertPage appends a newly created page at the head of tag's entry.
func (h *Hash) InsertPage(tag reltag.PageTag, p *bitmap.Page) {
	e := h.GetOrInsert(tag)
	e.Pages = append([]*bitmap.Page{p}, e.Pages...)
}

// RemoveTag frees all pages for tag and removes the entry.
func (h *Hash) RemoveTag(tag reltag.PageTag) {
	delete(h.entries, tag)
}

// RemoveTagKeepEntry frees tag's pages but keeps an empty entry present.
func (h *Hash) RemoveTagKeepEntry(tag reltag.PageTag) {
	if e, ok := h.entries[tag]; ok {
		e.Pages = nil
	}
}

// RemoveRestForks removes every tag sharing rel but not equal to
// keepFork, used when a Main-fork drop must also drop Fsm/VisibilityMap/
// Init/column-store siblings (spec §4.E).
func (h *Hash) RemoveRestForks(rel reltag.RelNode, keepFork reltag.Fork) {
	for tag := range h.entries {
		if tag.Rel == rel && tag.Fork != keepFork {
			delete(h.entries, tag)
		}
	}
}

// RemoveDB removes every entry whose RelNode belongs to database (spc,
// db) — used for a database-scope drop.
func (h *Hash) RemoveDB(spc, db uint32) {
	for tag := range h.entries {
		if tag.Rel.SpcOID == spc && tag.Rel.DbOID == db {
			delete(h.entries, tag)
		}
	}
}

// RemoveTblspc removes every entry whose RelNode belongs to tablespace
// spc — used for a tablespace-scope drop.
func (h *Hash) RemoveTblspc(spc uint32) {
	for tag := range h.entries {
		if tag.Rel.SpcOID == spc {
			delete(h.entries, tag)
		}
	}
}

// TruncateTag applies the §4.D truncate rule for tag at truncateBlock:
// pages entirely beyond the truncation point are dropped; for the single
// boundary page (the one whose range straddles truncateBlock), bits below
// truncateBlock are preserved and everything at or above is cleared, or
// the whole page is dropped if nothing below truncateBlock was set.
// TruncateTag only has defined behavior for Main/VisibilityMap forks of a
// valid relation (reltag.PageTag.TruncatableFork); callers are expected to
// have already checked that.
func (h *Hash) TruncateTag(tag reltag.PageTag, truncateBlock uint32) {
	e, ok := h.entries[tag]
	if !ok {
		return
	}

	kept := e.Pages[:0]
	for _, p := range e.Pages {
		pageEnd := p.Header.FirstBlock + bitmap.BlocksPerPage
		if p.Header.FirstBlock >= truncateBlock {
			// entirely beyond the truncation point
			continue
		}
		if pageEnd <= truncateBlock {
			// entirely below it: untouched
			kept = append(kept, p)
			continue
		}
		// boundary page
		if p.AnyBitBelow(truncateBlock) {
			p.ClearBitsFrom(truncateBlock)
			kept = append(kept, p)
		}
		// else: nothing below the cut, drop the page
	}
	e.Pages = kept
}

// AllTags returns every tag currently present, in no particular order.
func (h *Hash) AllTags() []reltag.PageTag {
	tags := make([]reltag.PageTag, 0, len(h.entries))
	for tag := range h.entries {
		tags = append(tags, tag)
	}
	return tags
}

// TotalPages returns the total number of pages resident across all
// entries — used by the writer loop to detect a cycle that produced no
// page and so needs a Dummy page.
func (h *Hash) TotalPages() int {
	n := 0
	for _, e := range h.entries {
		n += len(e.Pages)
	}
	return n
}

// DebugString renders a one-line-per-tag summary of the live hash table,
// mirroring the original's elevel-gated PrintCBMHashTab dump; callers gate
// it behind their own logger's debug level rather than an elevel
// parameter (spec SUPPLEMENTED FEATURES).
func (h *Hash) DebugString() string {
	var b strings.Builder
	for tag, e := range h.entries {
		fmt.Fprintf(&b, "%s: %d page(s)\n", tag, len(e.Pages))
	}
	return b.String()
}

// Reset discards every entry, returning the hash to empty (used by the
// writer loop on needs_reset).
func (h *Hash) Reset() {
	h.entries = make(map[reltag.PageTag]*Entry)
}
