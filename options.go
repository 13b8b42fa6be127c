package blobstore

import (
	"github.com/blobstore-go/blobstore/internal/constants"
	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// ClearMethod names how a blob's newly allocated clusters are to be
// made to read as zero before first write. The value is recorded only:
// CreateBlob stores a non-default value as an internal xattr, and no
// allocation path issues an unmap or write_zeroes because of it.
type ClearMethod int

const (
	// ClearDefault leaves clusters as the device returns them (only
	// safe when the device is known pre-zeroed, e.g. right after init's
	// whole-device unmap).
	ClearDefault ClearMethod = iota
	// ClearWithUnmap names unmap as the clear method.
	ClearWithUnmap
	// ClearWithWriteZeroes names write_zeroes as the clear method.
	ClearWithWriteZeroes
)

// Options configures Init and Load.
type Options struct {
	// ClusterSize is the allocation unit in bytes. Must be a multiple
	// of PageSize and at least MinClusterSizePages pages. Zero selects
	// constants.DefaultClusterSize.
	ClusterSize uint32

	// NumMdPages bounds the metadata region. Zero lets Init size it
	// from the device (a conservative fraction of total clusters);
	// Load ignores it and reads the value recorded in the superblock.
	NumMdPages uint32

	// MaxMdOps and MaxChannelOps size the per-channel RequestSet pools
	// for the metadata and data IoDevices respectively.
	MaxMdOps      int
	MaxChannelOps int

	// BsType is compared against the superblock's recorded bstype on
	// Load when non-empty; Init stamps it unconditionally.
	BsType string

	// ClearMethod is carried in the options but not read by Init, Load
	// or any allocation path; newly claimed clusters are not cleared.
	ClearMethod ClearMethod

	// IterCb, if set, is invoked once per blob discovered while Load
	// walks the used-md-page mask (spec §4.G.load step 9). The blob
	// passed in is open only for the duration of the callback.
	IterCb func(b *Blob)

	// Logger and Observer default to a no-op-free zerolog logger and a
	// discarding observer respectively when left nil.
	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// withDefaults returns a copy of o with zero-valued fields replaced by
// their defaults.
func (o Options) withDefaults() Options {
	if o.ClusterSize == 0 {
		o.ClusterSize = constants.DefaultClusterSize
	}
	if o.MaxMdOps == 0 {
		o.MaxMdOps = constants.DefaultMaxMdOps
	}
	if o.MaxChannelOps == 0 {
		o.MaxChannelOps = constants.DefaultMaxChannelOps
	}
	if o.Observer == nil {
		o.Observer = NoOpObserver{}
	}
	return o
}

// CreateBlobOpts configures CreateBlob.
type CreateBlobOpts struct {
	// NumClusters sets the blob's initial size in clusters and, unless
	// ThinProvision is set, allocates them; a thin blob gets the same
	// size with every cluster left for the write path to allocate.
	NumClusters uint64

	// ThinProvision marks the blob so that resize and create leave its
	// cluster array unallocated (LBA 0, "fall through to parent")
	// until a write actually touches a given cluster.
	ThinProvision bool

	// ClearMethod, when non-default, is stored on the blob as an
	// internal xattr; it does not change how the blob's clusters are
	// allocated.
	ClearMethod ClearMethod

	// Xattrs are applied immediately after the blob is allocated. They
	// come from a map, so the order in which they are stored is not
	// defined.
	Xattrs map[string][]byte
}

// OpenBlobOpts configures OpenBlob.
type OpenBlobOpts struct {
	// ReadOnly marks the in-memory blob read-only. Every handle OpenBlob
	// returns for one id is the same *Blob, so the restriction applies
	// to all of them until the last close; it does not set the blob's
	// on-disk data_ro/md_ro flags.
	ReadOnly bool
}
