package blobstore

import (
	"sync"
	"syscall"

	"github.com/blobstore-go/blobstore/internal/constants"
	"github.com/blobstore-go/blobstore/internal/interfaces"
	"github.com/blobstore-go/blobstore/internal/requests"
)

// BlobID identifies a blob. Its low 32 bits are the index of its root
// metadata page; its high 32 bits are a fixed non-zero sentinel so that
// id == page_idx can never be accidentally true.
type BlobID uint64

// InvalidBlobID is returned where the spec calls for "no such blob",
// e.g. an unset super-blob or parent-snapshot pointer.
const InvalidBlobID BlobID = 0

func blobIDFromPage(pageIdx uint32) BlobID {
	return BlobID(constants.BlobIDSentinelHigh)<<32 | BlobID(pageIdx)
}

func pageFromBlobID(id BlobID) uint32 {
	return uint32(id)
}

// BlobState is a blob's position in the Loading/Clean/Dirty/Syncing
// state machine (spec §4.E).
type BlobState int

const (
	StateLoading BlobState = iota
	StateClean
	StateDirty
	StateSyncing
)

func (s BlobState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// xattrEntry is one insertion-ordered {name, value} pair.
type xattrEntry struct {
	Name  string
	Value []byte
}

// MutableData is the dual clean/active snapshot of a blob's clusters
// and metadata-page chain (spec §3).
type MutableData struct {
	NumClusters      uint64
	Clusters         []uint64 // LBA per logical cluster; 0 = unallocated / fall through to parent
	ClusterArraySize uint64   // capacity, >= NumClusters until the next persist truncates it
	Pages            []uint32 // metadata page indices in chain order; Pages[0] is always the root page
}

func (m MutableData) clone() MutableData {
	return MutableData{
		NumClusters:      m.NumClusters,
		Clusters:         append([]uint64(nil), m.Clusters...),
		ClusterArraySize: m.ClusterArraySize,
		Pages:            append([]uint32(nil), m.Pages...),
	}
}

// Blob is the in-memory handle to one open blob. The source threads all
// metadata mutation through a single-threaded executor and so needs no
// locking; a Go port has real goroutines (a data I/O channel and the
// metadata path can run concurrently), so Blob carries its own mutex
// guarding everything below bs/id.
type Blob struct {
	bs *Blobstore
	id BlobID

	mu      sync.Mutex
	openRef int
	state   BlobState
	active  MutableData
	clean   MutableData

	xattrs         []xattrEntry
	xattrsInternal []xattrEntry

	invalidFlags uint64
	dataRoFlags  uint64
	mdRoFlags    uint64
	dataRO       bool
	mdRO         bool

	parentID      BlobID
	backBsDev     interfaces.BsDev
	backingParent *Blob

	// frozenRefcnt gates user I/O during snapshot creation (spec §5).
	// The source keys the wait-list by channel; this port merges every
	// channel's queued ops into one per-blob FIFO, which preserves the
	// user-visible "replay in submission order once unfrozen" behavior
	// since cross-channel ordering was never guaranteed anyway.
	frozenRefcnt int32
	queuedIO     []*gatedOp
}

// gatedOp pairs a deferred user-op record (kept for Kind/offset
// bookkeeping and completion plumbing) with the closure that actually
// performs the I/O once the blob thaws.
type gatedOp struct {
	op      *requests.UserOp
	perform func() error
}

// ID returns the blob's identifier.
func (b *Blob) ID() BlobID { return b.id }

func (b *Blob) lockedState() BlobState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsReadOnly reports whether writes to this blob's data are rejected.
func (b *Blob) IsReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dataRO
}

// IsThinProvisioned reports whether clusters are allocated lazily on
// first write rather than eagerly at resize.
func (b *Blob) IsThinProvisioned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidFlags&constants.FlagThinProvision != 0
}

// IsSnapshot reports whether this blob's data and metadata are both
// read-only, the state CreateSnapshot and SetReadOnly leave a blob in.
// Whether the blob has a parent of its own is not considered.
func (b *Blob) IsSnapshot() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mdRO && b.dataRO
}

// IsClone reports whether this blob has a parent snapshot and is not
// itself read-only: a blob made by CreateClone, or a source blob after
// CreateSnapshot has moved its clusters into the snapshot.
func (b *Blob) IsClone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parentID != InvalidBlobID && !(b.mdRO && b.dataRO)
}

// NumClusters returns the blob's current logical cluster count.
func (b *Blob) NumClusters() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active.NumClusters
}

// ParentID returns the blob's parent snapshot id, or InvalidBlobID.
func (b *Blob) ParentID() BlobID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parentID
}

// BlockCount implements interfaces.BlobReader: the blob's size
// expressed in the owning blobstore's underlying device blocks.
func (b *Blob) BlockCount() uint64 {
	b.mu.Lock()
	n := b.active.NumClusters
	b.mu.Unlock()
	return n * uint64(b.bs.pagesPerCluster) * uint64(b.bs.blocksPerPage)
}

// BlockLen implements interfaces.BlobReader.
func (b *Blob) BlockLen() uint32 { return b.bs.dev.BlockLen() }

// ReadAt implements interfaces.BlobReader for use as a BlobBsDev's
// wrapped target: a byte-offset read translated through this blob's own
// data path, bypassing the frozen-I/O gate (a blob backing a snapshot
// is never itself frozen while acting purely as read-through storage).
// The caller's Channel names only where the request originated, not
// which device channel to use: a parent blob always lives on the same
// Blobstore as its clone, so the read is issued on the blobstore's own
// metadata channel rather than threading a second data channel through
// the backing-device chain.
func (b *Blob) ReadAt(_ interfaces.Channel, buf []byte, offset uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	blockLen := uint64(b.bs.dev.BlockLen())
	if blockLen == 0 || offset%blockLen != 0 {
		cb(cbArg, syscall.EINVAL)
		return
	}
	lba := offset / blockLen
	count := uint64(len(buf)) / blockLen
	b.readRaw(b.bs.mdChan, buf, lba, count, func(err error) { cb(cbArg, err) })
}

// readRaw performs a raw, ungated block-range read through this blob's
// own cluster array: the same path doReadBlob drives for ReadBlob
// (cluster lookup, fall-through to a backing device or zero-fill for any
// unallocated cluster), minus the frozen-I/O gate ReadBlob wraps it in —
// a blob acting purely as another blob's backing store (via
// bsdev.BlobBsDev) is never itself frozen while serving that role, so
// there is nothing to gate against. lba/count are in the owning device's
// own blocks, as passed by ReadAt; every caller of BlobBsDev.Read
// produces a page-aligned range (planSegments never splits a fall
// -through segment mid-page), so translating back to io units is exact.
func (b *Blob) readRaw(ch *channelHandle, buf []byte, lba, count uint64, done func(error)) {
	bs := b.bs
	blocksPerPage := uint64(bs.blocksPerPage)
	if blocksPerPage == 0 || lba%blocksPerPage != 0 || count%blocksPerPage != 0 {
		done(NewBlobError("read_raw", uint64(b.id), KindBadArgument, syscall.EINVAL, "range is not page-aligned"))
		return
	}
	done(bs.doReadBlob(b, &Channel{h: ch}, buf, lba/blocksPerPage, count/blocksPerPage))
}

// Close implements interfaces.BlobReader; it is what BlobBsDev.Destroy
// calls when a snapshot chain link is torn down.
func (b *Blob) Close(cbArg interface{}, cb interfaces.CompletionFunc) {
	err := b.bs.CloseBlob(b)
	cb(cbArg, err)
}

var _ interfaces.BlobReader = (*Blob)(nil)
