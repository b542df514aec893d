// Package reltag defines the identity types the change block map is keyed
// by: a relation's physical identity (RelNode), the fork within it, and the
// (RelNode, Fork) pair that is the primary key of the page hash.
package reltag

import "fmt"

// InvalidOid is PostgreSQL's sentinel for "no OID" (also used to mark
// tablespace-wide and database-wide scopes in a RelNode).
const InvalidOid uint32 = 0

// RelNode is a relation's physical identity. Invalid field values carry
// scope meaning: DbOID == InvalidOid with RelOID == InvalidOid denotes a
// tablespace-wide scope; RelOID == InvalidOid alone denotes a database-wide
// scope.
type RelNode struct {
	SpcOID uint32
	DbOID  uint32
	RelOID uint32
	Bucket int32 // reserved, -1 when unused
}

// Valid reports whether n identifies an actual relation (as opposed to a
// tablespace- or database-scope marker, or the reserved dummy node).
func (n RelNode) Valid() bool {
	return n.RelOID != InvalidOid
}

// IsDummy reports whether n is the reserved all-invalid node used by the
// Dummy page tag.
func (n RelNode) IsDummy() bool {
	return n.SpcOID == InvalidOid && n.DbOID == InvalidOid && n.RelOID == InvalidOid
}

// TablespaceScope builds a RelNode naming an entire tablespace.
func TablespaceScope(spc uint32) RelNode {
	return RelNode{SpcOID: spc, DbOID: InvalidOid, RelOID: InvalidOid, Bucket: -1}
}

// DatabaseScope builds a RelNode naming an entire database.
func DatabaseScope(spc, db uint32) RelNode {
	return RelNode{SpcOID: spc, DbOID: db, RelOID: InvalidOid, Bucket: -1}
}

func (n RelNode) String() string {
	return fmt.Sprintf("%d/%d/%d", n.SpcOID, n.DbOID, n.RelOID)
}

// Fork is a small integer tag distinguishing a relation's forks. Values
// >= ForkColumnStoreBase encode a column-store fork for a given attribute.
type Fork int32

const (
	InvalidFork Fork = -1
	Main        Fork = 0
	Fsm         Fork = 1
	VisibilityMap Fork = 2
	Init        Fork = 3
	// ForkColumnStoreBase is the first value denoting a column-store fork.
	// Fork(ForkColumnStoreBase + attno) addresses the CU-store fork for
	// attribute number attno.
	ForkColumnStoreBase Fork = 4
)

// BlockAddressable reports whether the fork refers to block-addressable
// storage; the WAL extractor rejects records referencing forks that fail
// this check.
func (f Fork) BlockAddressable() bool {
	return f >= Main
}

// ColumnStoreAttno returns the attribute number encoded by a column-store
// fork, and whether f is in fact a column-store fork.
func (f Fork) ColumnStoreAttno() (int32, bool) {
	if f < ForkColumnStoreBase {
		return 0, false
	}
	return int32(f - ForkColumnStoreBase), true
}

func (f Fork) String() string {
	switch {
	case f == InvalidFork:
		return "invalid"
	case f == Main:
		return "main"
	case f == Fsm:
		return "fsm"
	case f == VisibilityMap:
		return "vm"
	case f == Init:
		return "init"
	case f >= ForkColumnStoreBase:
		attno, _ := f.ColumnStoreAttno()
		return fmt.Sprintf("cu%d", attno)
	default:
		return fmt.Sprintf("fork(%d)", int32(f))
	}
}

// PageTag is the primary key of the page hash: a (RelNode, Fork) pair.
type PageTag struct {
	Rel  RelNode
	Fork Fork
}

// Dummy is the reserved tag representing "parse advanced but no changes
// observed". It is carried by the lifecycle page a cycle emits when it
// produces no other pages, so the LSN chain stays contiguous.
var Dummy = PageTag{Rel: RelNode{Bucket: -1}, Fork: InvalidFork}

// IsDummy reports whether t is the reserved Dummy tag.
func (t PageTag) IsDummy() bool {
	return t.Rel.IsDummy() && t.Fork == InvalidFork
}

// TruncatableFork reports whether truncate semantics (§4.D) apply to fork f
// — only Main and VisibilityMap, and only for a valid (non-scope) relation.
func (t PageTag) TruncatableFork() bool {
	if !t.Rel.Valid() {
		return false
	}
	return t.Fork == Main || t.Fork == VisibilityMap
}

func (t PageTag) String() string {
	return fmt.Sprintf("%s/%s", t.Rel, t.Fork)
}
