// Package constants centralizes the fixed sizes and default tunables that
// the on-disk layout and the blobstore's allocator math depend on.
package constants

const (
	// PageSize is the fixed metadata and I/O granularity of the blobstore.
	PageSize = 4096

	// DefaultClusterSize is the default allocation unit (1 MiB).
	DefaultClusterSize = 1 << 20

	// MinClusterSizePages is the minimum number of pages a cluster may span.
	MinClusterSizePages = 2

	// DefaultNumMdPages is used when an option struct leaves NumMdPages unset
	// and the caller relies on the device size to determine it instead.
	DefaultNumMdPages = 0

	// DefaultMaxMdOps is the default per-channel request-set pool size on the
	// metadata I/O device.
	DefaultMaxMdOps = 32

	// DefaultMaxChannelOps is the default per-channel request-set pool size on
	// the data I/O device.
	DefaultMaxChannelOps = 512

	// BsTypeLength is the fixed width of the Blobstore's bstype field.
	BsTypeLength = 16

	// SignatureLength is the width of the superblock signature field.
	SignatureLength = 8

	// Signature identifies a page 0 as a blobstore superblock.
	Signature = "SPDKBLOB"

	// SuperblockVersion is the on-disk format version this implementation
	// writes. Version 2 (no used-blobid mask) is still readable; see
	// Load's compatibility path.
	SuperblockVersion = 3

	// CompatVersionNoBlobidMask is the last version that omits the
	// used-blobid mask from the superblock.
	CompatVersionNoBlobidMask = 2

	// BlobIDSentinelHigh occupies the high 32 bits of every BlobId so that
	// id == page_idx can never be accidentally true.
	BlobIDSentinelHigh = uint64(0xC0FFEE00)

	// InvalidPage marks the end of a metadata page chain.
	InvalidPage = ^uint32(0)

	// RootMdPageIndex is the fixed md-page index of the blobstore superblock.
	RootMdPageIndex = 0

	// DescriptorsAreaSize is the payload budget of one metadata page,
	// i.e. PageSize minus the page header and the trailing next+crc.
	DescriptorsAreaSize = PageSize - mdPageHeaderSize - mdPageTrailerSize

	mdPageHeaderSize  = 16 // id(8) + sequence_num(4) + reserved(4)
	mdPageTrailerSize = 8  // next(4) + crc(4)
)

// Descriptor type tags, matching the on-disk TLV scheme in spec §3/§4.D.
const (
	DescriptorPadding      = uint8(0)
	DescriptorExtent       = uint8(1)
	DescriptorXattrPublic  = uint8(2)
	DescriptorXattrInternal = uint8(3)
	DescriptorFlags        = uint8(4)
	DescriptorSnapshotRef  = uint8(5)
	DescriptorExtentV2     = uint8(6)
)

// MaskHeaderSize is the width of the {type:u8, length_bits:u32} header
// every on-disk mask page carries ahead of its packed bit array (spec
// §3's Mask page layout).
const MaskHeaderSize = 5

// Mask type tags, matching original_source's SPDK_MD_MASK_TYPE_* values;
// MaskTypeUsedBlobIDs has no original_source counterpart (the used-blobid
// mask is this implementation's own v3 superblock addition, see
// DESIGN.md) so it continues the sequence rather than reusing a number.
const (
	MaskTypeUsedPages    = uint8(0)
	MaskTypeUsedClusters = uint8(1)
	MaskTypeUsedBlobIDs  = uint8(2)
)

// Flag bits within the three per-blob bitfields (invalid/data_ro/md_ro).
const (
	FlagThinProvision = uint64(1) << 0
	FlagClearWithUnmap = uint64(1) << 1
)

// Internal xattr names, private to the blobstore (never surfaced through
// the public xattr API).
const (
	InternalXattrClearMethod = "blobstore.internal.clear_method"

	// InternalXattrParentID stores a snapshot/clone's parent BlobId as an
	// 8-byte little-endian value. Reusing the existing xattr TLV codec
	// for this avoids a near-duplicate SnapshotRef descriptor type for a
	// single uint64 payload.
	InternalXattrParentID = "blobstore.internal.parent_id"
)
