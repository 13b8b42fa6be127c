package ondisk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blobstore-go/blobstore/internal/constants"
)

func TestSuperblockMarshalRoundTrip(t *testing.T) {
	sb := NewSuperblock()
	sb.ClusterSize = 1 << 20
	sb.Size = 64 << 20
	sb.MdStart = 4
	sb.MdLen = 32

	buf, err := sb.Marshal()
	require.NoError(t, err)
	require.Len(t, buf, PageSize)

	got, err := UnmarshalSuperblock(buf)
	require.NoError(t, err)
	require.True(t, got.SignatureValid())
	require.Equal(t, sb.ClusterSize, got.ClusterSize)
	require.Equal(t, sb.Size, got.Size)
	require.Equal(t, sb.MdStart, got.MdStart)
	require.Equal(t, sb.MdLen, got.MdLen)
}

func TestSuperblockCorruptionDetected(t *testing.T) {
	sb := NewSuperblock()
	buf, err := sb.Marshal()
	require.NoError(t, err)

	buf[50] ^= 0xff
	_, err = UnmarshalSuperblock(buf)
	require.Error(t, err)
}

func TestSuperblockSignatureMismatch(t *testing.T) {
	sb := NewSuperblock()
	copy(sb.Signature[:], "XXXXXXXX")
	buf, err := sb.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalSuperblock(buf)
	require.NoError(t, err)
	require.False(t, got.SignatureValid())
}

func TestMdPageMarshalRoundTrip(t *testing.T) {
	p := NewMdPage(12345, 2)
	copy(p.Descriptors[:], []byte{1, 2, 3})

	buf, err := p.Marshal()
	require.NoError(t, err)
	require.Len(t, buf, PageSize)

	got, err := UnmarshalMdPage(buf)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, p.SequenceNum, got.SequenceNum)
	require.Equal(t, constants.InvalidPage, got.Next)
	require.Equal(t, p.Descriptors, got.Descriptors)
}

func TestMdPageCorruptionDetected(t *testing.T) {
	p := NewMdPage(1, 0)
	buf, err := p.Marshal()
	require.NoError(t, err)

	buf[100] ^= 0xff
	_, err = UnmarshalMdPage(buf)
	require.Error(t, err)
}

func TestDescriptorWriterExtentsRoundTrip(t *testing.T) {
	area := make([]byte, constants.DescriptorsAreaSize)
	w := NewDescriptorWriter(area)

	extents := []Extent{{ClusterIdx: 5, Length: 2}, {ClusterIdx: 10, Length: 1}}
	ok, err := w.WriteExtents(extents)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := ParseDescriptors(w.Area())
	require.NoError(t, err)
	require.Equal(t, extents, res.Extents)
}

func TestDescriptorWriterXattrRoundTrip(t *testing.T) {
	area := make([]byte, constants.DescriptorsAreaSize)
	w := NewDescriptorWriter(area)

	ok, err := w.WriteXattr(XattrRecord{Name: "user.tag", Value: []byte("hello")})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = w.WriteXattr(XattrRecord{Internal: true, Name: "blobstore.internal.parent_id", Value: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	require.NoError(t, err)
	require.True(t, ok)

	res, err := ParseDescriptors(w.Area())
	require.NoError(t, err)
	require.Len(t, res.Xattrs, 2)
	require.Equal(t, "user.tag", res.Xattrs[0].Name)
	require.Equal(t, []byte("hello"), res.Xattrs[0].Value)
	require.False(t, res.Xattrs[0].Internal)
	require.True(t, res.Xattrs[1].Internal)
}

func TestDescriptorWriterFlagsRoundTrip(t *testing.T) {
	area := make([]byte, constants.DescriptorsAreaSize)
	w := NewDescriptorWriter(area)

	ok, err := w.WriteFlags(Flags{Invalid: 1, DataRO: 0, MdRO: 1})
	require.NoError(t, err)
	require.True(t, ok)

	res, err := ParseDescriptors(w.Area())
	require.NoError(t, err)
	require.NotNil(t, res.Flags)
	require.Equal(t, uint64(1), res.Flags.Invalid)
	require.Equal(t, uint64(0), res.Flags.DataRO)
	require.Equal(t, uint64(1), res.Flags.MdRO)
}

func TestDescriptorWriterRefusesOverflow(t *testing.T) {
	area := make([]byte, 16)
	w := NewDescriptorWriter(area)

	extents := make([]Extent, 100)
	ok, err := w.WriteExtents(extents)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseDescriptorsStopsOnUnknownType(t *testing.T) {
	area := make([]byte, constants.DescriptorsAreaSize)
	area[0] = 0xFE // unrecognized descriptor type
	area[1] = 0
	area[2] = 0
	area[3] = 0
	area[4] = 0

	res, err := ParseDescriptors(area)
	require.NoError(t, err)
	require.True(t, res.StoppedOnUnknown)
	require.Empty(t, res.Extents)
}

func TestChecksumDeterministic(t *testing.T) {
	buf := []byte("blobstore metadata page contents")
	require.Equal(t, Checksum(buf), Checksum(buf))
	require.NotEqual(t, Checksum(buf), Checksum(append(append([]byte(nil), buf...), 0)))
}
