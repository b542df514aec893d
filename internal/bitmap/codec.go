package bitmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/reltag"
)

// ErrCorruptPage is returned by Decode when a page fails any structural or
// CRC check.
var ErrCorruptPage = errors.New("bitmap: corrupt page")

// castagnoli is PostgreSQL's CRC-32C polynomial, matching pg_crc32c.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crcOffset is where CRC coverage begins: the is_last_in_batch field,
// skipping only the page_crc field itself (spec §4.A).
const crcOffset = 4

// CRC computes the CRC-32C of a full-size encoded page, covering
// bytes[crcOffset:] (header from is_last_in_batch onward, plus payload).
func CRC(encoded []byte) uint32 {
	return crc32.Checksum(encoded[crcOffset:], castagnoli)
}

// Encode serializes header and bits into a PageSize-byte page, computing
// and stamping the CRC. len(bits) must equal PageSize-headerSize; Encode
// panics otherwise, as this is always a programmer error (bitmap payloads
// are always allocated via NewPage).
func Encode(h Header, bits []byte) []byte {
	if len(bits) != PageSize-headerSize {
		panic(fmt.Sprintf("bitmap: Encode: bad payload length %d, want %d", len(bits), PageSize-headerSize))
	}

	buf := make([]byte, PageSize)

	if h.IsLastInBatch {
		buf[4] = 1
	}
	buf[5] = byte(h.PageType)
	binary.LittleEndian.PutUint32(buf[8:12], h.Rel.SpcOID)
	binary.LittleEndian.PutUint32(buf[12:16], h.Rel.DbOID)
	binary.LittleEndian.PutUint32(buf[16:20], h.Rel.RelOID)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Rel.Bucket))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.Fork))
	binary.LittleEndian.PutUint32(buf[28:32], h.FirstBlock)
	binary.LittleEndian.PutUint32(buf[32:36], h.TruncateBlock)
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.BatchStart))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.BatchEnd))

	copy(buf[headerSize:], bits)

	crc := CRC(buf)
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	return buf
}

// Decode parses and validates a PageSize-byte encoded page, rejecting the
// malformed cases enumerated in spec §4.A. The Dummy tag (all-invalid
// RelNode, Fork == InvalidFork) is exempt from the lifecycle-flag and
// first-block-vs-flag checks, since it carries neither a bitmap nor a
// lifecycle flag by design.
func Decode(encoded []byte) (*Page, error) {
	if len(encoded) != PageSize {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrCorruptPage, len(encoded), PageSize)
	}

	wantCRC := binary.LittleEndian.Uint32(encoded[0:4])
	gotCRC := CRC(encoded)
	if gotCRC != wantCRC {
		return nil, fmt.Errorf("%w: crc mismatch: got %08x want %08x", ErrCorruptPage, gotCRC, wantCRC)
	}

	h := Header{
		IsLastInBatch: encoded[4] != 0,
		PageType:      Type(encoded[5]),
		Rel: reltag.RelNode{
			SpcOID: binary.LittleEndian.Uint32(encoded[8:12]),
			DbOID:  binary.LittleEndian.Uint32(encoded[12:16]),
			RelOID: binary.LittleEndian.Uint32(encoded[16:20]),
			Bucket: int32(binary.LittleEndian.Uint32(encoded[20:24])),
		},
		Fork:          reltag.Fork(int32(binary.LittleEndian.Uint32(encoded[24:28]))),
		FirstBlock:    binary.LittleEndian.Uint32(encoded[28:32]),
		TruncateBlock: binary.LittleEndian.Uint32(encoded[32:36]),
		BatchStart:    lsn.LSN(binary.LittleEndian.Uint64(encoded[40:48])),
		BatchEnd:      lsn.LSN(binary.LittleEndian.Uint64(encoded[48:56])),
		CRC:           wantCRC,
	}

	if err := validateHeader(h); err != nil {
		return nil, err
	}

	bits := make([]byte, PageSize-headerSize)
	copy(bits, encoded[headerSize:])

	return &Page{Header: h, Bits: bits}, nil
}

func validateHeader(h Header) error {
	if h.BatchEnd <= h.BatchStart {
		return fmt.Errorf("%w: batch_end_lsn %s <= batch_start_lsn %s", ErrCorruptPage, h.BatchEnd, h.BatchStart)
	}

	isDummy := h.Tag().IsDummy()

	if !isDummy {
		if h.PageType != 0 && h.Rel.IsDummy() {
			return fmt.Errorf("%w: lifecycle/modify flags set on dummy RelNode", ErrCorruptPage)
		}

		if h.FirstBlock != InvalidBlock && h.PageType != Modify {
			return fmt.Errorf("%w: first_block valid but page_type %v != Modify", ErrCorruptPage, h.PageType)
		}

		if h.FirstBlock == InvalidBlock && !h.PageType.Has(Drop) && !h.PageType.Has(Truncate) && !h.PageType.Has(Create) {
			return fmt.Errorf("%w: first_block invalid but no lifecycle flag set", ErrCorruptPage)
		}
	}

	truncateSet := h.PageType.Has(Truncate)
	truncateValid := h.TruncateBlock != InvalidBlock
	if truncateSet != truncateValid {
		return fmt.Errorf("%w: truncate_block validity %v does not match Truncate flag %v", ErrCorruptPage, truncateValid, truncateSet)
	}

	return nil
}
