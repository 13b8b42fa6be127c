package ondisk

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blobstore-go/blobstore/internal/constants"
)

// MdPage is one page in a blob's metadata chain: a header, a descriptor
// TLV area, a next-page link, and a trailing CRC.
type MdPage struct {
	ID           uint64
	SequenceNum  uint32
	Reserved     uint32
	Descriptors  [constants.DescriptorsAreaSize]byte
	Next         uint32
	Crc          uint32
}

// NewMdPage returns an MdPage stamped with id and sequence number, chain
// terminated (Next = InvalidPage) until the caller wires it into a chain.
func NewMdPage(id uint64, sequenceNum uint32) *MdPage {
	return &MdPage{ID: id, SequenceNum: sequenceNum, Next: constants.InvalidPage}
}

// Marshal serializes the page with its CRC computed over the
// zero-CRC'd buffer.
func (p *MdPage) Marshal() ([]byte, error) {
	cp := *p
	cp.Crc = 0
	buf := &bytes.Buffer{}
	buf.Grow(PageSize)
	if err := binary.Write(buf, binary.LittleEndian, &cp); err != nil {
		return nil, fmt.Errorf("ondisk: marshal md page: %w", err)
	}
	if buf.Len() != PageSize {
		return nil, fmt.Errorf("ondisk: md page marshaled to %d bytes, want %d", buf.Len(), PageSize)
	}
	out := buf.Bytes()
	crc := Checksum(out)
	binary.LittleEndian.PutUint32(out[PageSize-4:], crc)
	return out, nil
}

// UnmarshalMdPage parses and CRC-validates a metadata page.
func UnmarshalMdPage(page []byte) (*MdPage, error) {
	if len(page) != PageSize {
		return nil, fmt.Errorf("ondisk: md page is %d bytes, want %d", len(page), PageSize)
	}
	p := &MdPage{}
	if err := binary.Read(bytes.NewReader(page), binary.LittleEndian, p); err != nil {
		return nil, fmt.Errorf("ondisk: unmarshal md page: %w", err)
	}
	wantCRC := p.Crc
	zeroed := make([]byte, len(page))
	copy(zeroed, page)
	binary.LittleEndian.PutUint32(zeroed[PageSize-4:], 0)
	if got := Checksum(zeroed); got != wantCRC {
		return nil, fmt.Errorf("ondisk: md page crc mismatch: got %#x want %#x", got, wantCRC)
	}
	return p, nil
}
