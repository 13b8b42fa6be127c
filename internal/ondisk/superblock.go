// Package ondisk defines the byte-exact on-disk structures of the
// blobstore: the superblock, metadata pages, and the descriptor TLV
// scheme (spec §3, §4.D), plus their CRC32C checksums (spec §4.K).
//
// Every type here is packed with encoding/binary in declaration order;
// fields are fixed-size (uintN or byte arrays) so Go's struct padding
// never leaks into the wire format, the same approach the pack's ext4
// readers use for their superblocks.
package ondisk

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blobstore-go/blobstore/internal/constants"
)

// PageSize is re-exported for callers that only import ondisk.
const PageSize = constants.PageSize

const superblockReservedSize = PageSize - 92 - 4 // fixed fields + crc trailer

// Superblock is the fixed-layout page 0 of every blobstore device.
type Superblock struct {
	Signature            [constants.SignatureLength]byte
	Version              uint32
	Length               uint32
	Clean                uint32
	SuperBlob            uint64
	ClusterSize          uint32
	UsedPageMaskStart    uint32
	UsedPageMaskLen      uint32
	UsedClusterMaskStart uint32
	UsedClusterMaskLen   uint32
	UsedBlobIDMaskStart  uint32
	UsedBlobIDMaskLen    uint32
	MdStart              uint32
	MdLen                uint32
	BsType               [constants.BsTypeLength]byte
	Size                 uint64
	IoUnitSize           uint32
	Reserved             [superblockReservedSize]byte
	Crc                  uint32
}

// NewSuperblock returns a Superblock with the signature and version
// stamped, ready for the caller to fill in layout offsets.
func NewSuperblock() *Superblock {
	sb := &Superblock{Version: constants.SuperblockVersion, Length: PageSize}
	copy(sb.Signature[:], constants.Signature)
	return sb
}

// Marshal serializes the superblock to an exact PageSize buffer with the
// CRC computed over the page with the Crc field zeroed.
func (sb *Superblock) Marshal() ([]byte, error) {
	cp := *sb
	cp.Crc = 0
	buf := &bytes.Buffer{}
	buf.Grow(PageSize)
	if err := binary.Write(buf, binary.LittleEndian, &cp); err != nil {
		return nil, fmt.Errorf("ondisk: marshal superblock: %w", err)
	}
	if buf.Len() != PageSize {
		return nil, fmt.Errorf("ondisk: superblock marshaled to %d bytes, want %d", buf.Len(), PageSize)
	}
	crc := Checksum(buf.Bytes())
	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[PageSize-4:], crc)
	return out, nil
}

// UnmarshalSuperblock parses and CRC-validates a page 0 buffer.
func UnmarshalSuperblock(page []byte) (*Superblock, error) {
	if len(page) != PageSize {
		return nil, fmt.Errorf("ondisk: superblock page is %d bytes, want %d", len(page), PageSize)
	}
	sb := &Superblock{}
	if err := binary.Read(bytes.NewReader(page), binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("ondisk: unmarshal superblock: %w", err)
	}
	wantCRC := sb.Crc
	zeroed := make([]byte, len(page))
	copy(zeroed, page)
	binary.LittleEndian.PutUint32(zeroed[PageSize-4:], 0)
	if got := Checksum(zeroed); got != wantCRC {
		return nil, fmt.Errorf("ondisk: superblock crc mismatch: got %#x want %#x", got, wantCRC)
	}
	return sb, nil
}

// SignatureValid reports whether the page's signature matches this
// implementation's expected magic.
func (sb *Superblock) SignatureValid() bool {
	return string(sb.Signature[:]) == constants.Signature
}
