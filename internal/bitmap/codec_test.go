package bitmap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/reltag"
)

func modifyHeader(rel reltag.RelNode, fork reltag.Fork, firstBlock uint32, start, end lsn.LSN) Header {
	return Header{
		PageType:   Modify,
		Rel:        rel,
		Fork:       fork,
		FirstBlock: firstBlock,
		TruncateBlock: InvalidBlock,
		BatchStart: start,
		BatchEnd:   end,
	}
}

// TestRoundTrip exercises P6: encode(decode(page)) == page.
func TestRoundTrip(t *testing.T) {
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}
	h := modifyHeader(rel, reltag.Main, 0, lsn.FromHalves(0, 0x100), lsn.FromHalves(0, 0x180))
	h.IsLastInBatch = true

	p := NewPage(h)
	p.SetBit(42)

	encoded := Encode(p.Header, p.Bits)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	reEncoded := Encode(decoded.Header, decoded.Bits)
	if !bytes.Equal(encoded, reEncoded) {
		t.Error("round trip encode(decode(page)) != page")
	}
	if !decoded.BitSet(42) {
		t.Error("decoded page lost bit 42")
	}
}

func TestCRCMismatchRejected(t *testing.T) {
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}
	h := modifyHeader(rel, reltag.Main, 0, lsn.FromHalves(0, 0x100), lsn.FromHalves(0, 0x180))
	p := NewPage(h)
	encoded := Encode(p.Header, p.Bits)
	encoded[headerSize] ^= 0xFF // corrupt a payload byte without updating CRC

	if _, err := Decode(encoded); !errors.Is(err, ErrCorruptPage) {
		t.Errorf("Decode corrupted page: err = %v, want ErrCorruptPage", err)
	}
}

func TestDecodeRejectsBadBatchRange(t *testing.T) {
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}
	h := modifyHeader(rel, reltag.Main, 0, lsn.FromHalves(0, 0x180), lsn.FromHalves(0, 0x100))
	p := NewPage(h)
	encoded := Encode(p.Header, p.Bits)

	if _, err := Decode(encoded); !errors.Is(err, ErrCorruptPage) {
		t.Errorf("batch_end <= batch_start: err = %v, want ErrCorruptPage", err)
	}
}

func TestDecodeRejectsFirstBlockValidWrongFlag(t *testing.T) {
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}
	h := Header{
		PageType:      Drop,
		Rel:           rel,
		Fork:          reltag.Main,
		FirstBlock:    42,
		TruncateBlock: InvalidBlock,
		BatchStart:    lsn.FromHalves(0, 0x100),
		BatchEnd:      lsn.FromHalves(0, 0x180),
	}
	p := NewPage(h)
	encoded := Encode(p.Header, p.Bits)

	if _, err := Decode(encoded); !errors.Is(err, ErrCorruptPage) {
		t.Errorf("first_block valid + Drop flag: err = %v, want ErrCorruptPage", err)
	}
}

func TestDecodeRejectsLifecyclePageWithNoFlag(t *testing.T) {
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}
	h := Header{
		PageType:      0,
		Rel:           rel,
		Fork:          reltag.Main,
		FirstBlock:    InvalidBlock,
		TruncateBlock: InvalidBlock,
		BatchStart:    lsn.FromHalves(0, 0x100),
		BatchEnd:      lsn.FromHalves(0, 0x180),
	}
	p := NewPage(h)
	encoded := Encode(p.Header, p.Bits)

	if _, err := Decode(encoded); !errors.Is(err, ErrCorruptPage) {
		t.Errorf("no first_block + no flags on non-dummy tag: err = %v, want ErrCorruptPage", err)
	}
}

func TestDecodeAcceptsDummyPage(t *testing.T) {
	h := Header{
		PageType:      0,
		Rel:           reltag.RelNode{Bucket: -1},
		Fork:          reltag.InvalidFork,
		FirstBlock:    InvalidBlock,
		TruncateBlock: InvalidBlock,
		BatchStart:    lsn.FromHalves(0, 0x100),
		BatchEnd:      lsn.FromHalves(0, 0x180),
		IsLastInBatch: true,
	}
	p := NewPage(h)
	encoded := Encode(p.Header, p.Bits)

	if _, err := Decode(encoded); err != nil {
		t.Errorf("Decode(dummy page): %v, want nil error", err)
	}
}

func TestDecodeRejectsTruncateBlockMismatch(t *testing.T) {
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}
	h := Header{
		PageType:      Truncate,
		Rel:           rel,
		Fork:          reltag.Main,
		FirstBlock:    InvalidBlock,
		TruncateBlock: InvalidBlock, // should be valid since Truncate set
		BatchStart:    lsn.FromHalves(0, 0x100),
		BatchEnd:      lsn.FromHalves(0, 0x180),
	}
	p := NewPage(h)
	encoded := Encode(p.Header, p.Bits)

	if _, err := Decode(encoded); !errors.Is(err, ErrCorruptPage) {
		t.Errorf("Truncate set but truncate_block invalid: err = %v, want ErrCorruptPage", err)
	}
}

func TestSetBitsOrdering(t *testing.T) {
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}
	h := modifyHeader(rel, reltag.Main, 100, lsn.FromHalves(0, 1), lsn.FromHalves(0, 2))
	p := NewPage(h)
	p.SetBit(105)
	p.SetBit(101)
	p.SetBit(200)

	got := p.SetBits()
	want := []uint32{101, 105, 200}
	if len(got) != len(want) {
		t.Fatalf("SetBits() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SetBits()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestClearBitsFromAndAnyBitBelow(t *testing.T) {
	rel := reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}
	h := modifyHeader(rel, reltag.Main, 0, lsn.FromHalves(0, 1), lsn.FromHalves(0, 2))
	p := NewPage(h)
	p.SetBit(10)
	p.SetBit(70)

	if !p.AnyBitBelow(64) {
		t.Error("AnyBitBelow(64) = false, want true (bit 10 set)")
	}

	p.ClearBitsFrom(64)
	if p.BitSet(70) {
		t.Error("ClearBitsFrom(64) left bit 70 set")
	}
	if !p.BitSet(10) {
		t.Error("ClearBitsFrom(64) cleared bit 10, which is below the truncate point")
	}
}
