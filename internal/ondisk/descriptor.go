package ondisk

import (
	"encoding/binary"
	"fmt"

	"github.com/blobstore-go/blobstore/internal/constants"
)

// descriptorHeaderSize is the TLV header: 1 byte type + 4 byte length.
const descriptorHeaderSize = 5

// Extent is one on-disk (cluster_idx, length_in_clusters) run.
type Extent struct {
	ClusterIdx uint32
	Length     uint32
}

// XattrRecord is one on-disk xattr TLV payload, public or internal
// depending on which descriptor type it was read from / will be written as.
type XattrRecord struct {
	Internal bool
	Name     string
	Value    []byte
}

// Flags is the on-disk payload of a Flags descriptor: the three
// per-blob bitfields that gate read-only state and forward
// compatibility (spec §3, §9 "Bitfield flags").
type Flags struct {
	Invalid uint64
	DataRO  uint64
	MdRO    uint64
}

// DescriptorWriter appends TLV descriptors into a fixed-size page area,
// refusing writes that would overflow it. The area is assumed
// zero-initialized, so an untouched tail already reads back as a
// Padding(length=0) terminator — no explicit finish step is required.
type DescriptorWriter struct {
	area []byte
	pos  int
}

// NewDescriptorWriter wraps a zeroed descriptor area for appending.
func NewDescriptorWriter(area []byte) *DescriptorWriter {
	return &DescriptorWriter{area: area}
}

// Area returns the underlying descriptor-area buffer, including any
// bytes written so far, for copying into an MdPage.
func (w *DescriptorWriter) Area() []byte { return w.area }

// Remaining returns the number of free bytes left in the area.
func (w *DescriptorWriter) Remaining() int {
	return len(w.area) - w.pos
}

// Fits reports whether a descriptor with the given payload length can
// still be appended.
func (w *DescriptorWriter) Fits(payloadLen int) bool {
	return w.Remaining() >= descriptorHeaderSize+payloadLen
}

func (w *DescriptorWriter) writeHeader(kind uint8, payloadLen int) []byte {
	w.area[w.pos] = kind
	binary.LittleEndian.PutUint32(w.area[w.pos+1:], uint32(payloadLen))
	w.pos += descriptorHeaderSize
	payload := w.area[w.pos : w.pos+payloadLen]
	w.pos += payloadLen
	return payload
}

// WriteExtents writes the given extents, already run-length encoded by
// the caller, as one descriptor.
// Returns false (no error) if it does not fit, so callers can roll to a
// new page and retry, per spec §4.F step 2.
func (w *DescriptorWriter) WriteExtents(extents []Extent) (bool, error) {
	payloadLen := len(extents) * 8
	if payloadLen == 0 {
		return true, nil
	}
	if !w.Fits(payloadLen) {
		return false, nil
	}
	payload := w.writeHeader(constants.DescriptorExtent, payloadLen)
	for i, e := range extents {
		binary.LittleEndian.PutUint32(payload[i*8:], e.ClusterIdx)
		binary.LittleEndian.PutUint32(payload[i*8+4:], e.Length)
	}
	return true, nil
}

// WriteXattr appends one xattr TLV (public or internal). Returns false if
// it does not fit; large xattrs whose encoded form exceeds the entire
// descriptor area can never fit and are rejected by the caller as
// -ENOMEM per spec §4.F step 2.
func (w *DescriptorWriter) WriteXattr(x XattrRecord) (bool, error) {
	if len(x.Name) > 0xFFFF || len(x.Value) > 0xFFFF {
		return false, fmt.Errorf("ondisk: xattr %q too large to encode", x.Name)
	}
	payloadLen := 4 + len(x.Name) + len(x.Value)
	if !w.Fits(payloadLen) {
		return false, nil
	}
	kind := constants.DescriptorXattrPublic
	if x.Internal {
		kind = constants.DescriptorXattrInternal
	}
	payload := w.writeHeader(kind, payloadLen)
	binary.LittleEndian.PutUint16(payload[0:], uint16(len(x.Name)))
	binary.LittleEndian.PutUint16(payload[2:], uint16(len(x.Value)))
	copy(payload[4:], x.Name)
	copy(payload[4+len(x.Name):], x.Value)
	return true, nil
}

// WriteFlags appends the blob's flag bitfields as one descriptor.
func (w *DescriptorWriter) WriteFlags(f Flags) (bool, error) {
	const payloadLen = 24
	if !w.Fits(payloadLen) {
		return false, nil
	}
	payload := w.writeHeader(constants.DescriptorFlags, payloadLen)
	binary.LittleEndian.PutUint64(payload[0:], f.Invalid)
	binary.LittleEndian.PutUint64(payload[8:], f.DataRO)
	binary.LittleEndian.PutUint64(payload[16:], f.MdRO)
	return true, nil
}

// ParseResult carries the decoded content of one metadata page's
// descriptor area.
type ParseResult struct {
	Extents          []Extent
	Xattrs           []XattrRecord
	Flags            *Flags
	StoppedOnUnknown bool // an unknown, non-Padding type ended parsing early
}

// ParseDescriptors walks a descriptor area until a Padding descriptor
// (of any length), end of area, or an unrecognized descriptor type (which
// stops parsing of the remainder per spec §4.F step 3 "unknown type
// terminates parsing of the current page").
func ParseDescriptors(area []byte) (ParseResult, error) {
	var res ParseResult
	pos := 0
	for pos < len(area) {
		if pos+descriptorHeaderSize > len(area) {
			break
		}
		kind := area[pos]
		length := binary.LittleEndian.Uint32(area[pos+1:])
		if kind == constants.DescriptorPadding {
			break
		}
		if pos+descriptorHeaderSize+int(length) > len(area) {
			return res, fmt.Errorf("ondisk: descriptor at %d claims length %d past area end", pos, length)
		}
		payload := area[pos+descriptorHeaderSize : pos+descriptorHeaderSize+int(length)]
		switch kind {
		case constants.DescriptorExtent:
			if len(payload)%8 != 0 {
				return res, fmt.Errorf("ondisk: extent descriptor payload %d not a multiple of 8", len(payload))
			}
			for i := 0; i+8 <= len(payload); i += 8 {
				res.Extents = append(res.Extents, Extent{
					ClusterIdx: binary.LittleEndian.Uint32(payload[i:]),
					Length:     binary.LittleEndian.Uint32(payload[i+4:]),
				})
			}
		case constants.DescriptorFlags:
			if len(payload) != 24 {
				return res, fmt.Errorf("ondisk: flags descriptor payload %d, want 24", len(payload))
			}
			res.Flags = &Flags{
				Invalid: binary.LittleEndian.Uint64(payload[0:]),
				DataRO:  binary.LittleEndian.Uint64(payload[8:]),
				MdRO:    binary.LittleEndian.Uint64(payload[16:]),
			}
		case constants.DescriptorXattrPublic, constants.DescriptorXattrInternal:
			if len(payload) < 4 {
				return res, fmt.Errorf("ondisk: xattr descriptor payload too short")
			}
			nameLen := int(binary.LittleEndian.Uint16(payload[0:]))
			valueLen := int(binary.LittleEndian.Uint16(payload[2:]))
			if 4+nameLen+valueLen > len(payload) {
				return res, fmt.Errorf("ondisk: xattr descriptor name/value overruns payload")
			}
			name := string(payload[4 : 4+nameLen])
			value := append([]byte(nil), payload[4+nameLen:4+nameLen+valueLen]...)
			res.Xattrs = append(res.Xattrs, XattrRecord{
				Internal: kind == constants.DescriptorXattrInternal,
				Name:     name,
				Value:    value,
			})
		default:
			res.StoppedOnUnknown = true
			return res, nil
		}
		pos += descriptorHeaderSize + int(length)
	}
	return res, nil
}
