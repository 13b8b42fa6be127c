// Package blobstore implements an embedded, persistent storage engine
// that carves a block device into variable-size blobs, presenting
// scattered physical clusters as one contiguous logical range per blob.
package blobstore

import (
	"encoding/binary"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/blobstore-go/blobstore/internal/bitmap"
	"github.com/blobstore-go/blobstore/internal/constants"
	"github.com/blobstore-go/blobstore/internal/interfaces"
	"github.com/blobstore-go/blobstore/internal/logging"
	"github.com/blobstore-go/blobstore/internal/ondisk"
	"github.com/blobstore-go/blobstore/internal/requests"
)

// channelHandle is the internal plumbing behind both the metadata
// channel the Blobstore keeps for itself and every data Channel handed
// out through AllocIOChannel: an underlying BsDev channel paired with a
// request engine sized for that channel's endpoint.
type channelHandle struct {
	dev      interfaces.BsDev
	devCh    interfaces.Channel
	engine   *requests.Engine
	observer interfaces.Observer
}

func (c *channelHandle) Device() interfaces.BsDev { return c.dev }

// Channel is a data I/O handle obtained from AllocIOChannel. It must be
// released with FreeIOChannel and used only for blob data operations
// (§4.H), never for metadata mutation.
type Channel struct {
	h *channelHandle
}

// await bridges one BsDev-style completion callback into a blocking
// call, the seam between this package's synchronous public API and the
// request engine's async internals.
func await(submit func(done func(error))) error {
	result := make(chan error, 1)
	submit(func(err error) { result <- err })
	return <-result
}

// Blobstore is the process-wide, device-spanning container owning all
// open blobs, the two allocator bitmaps, and the metadata/data channel
// pools (spec §3 "Blobstore", §4.G).
type Blobstore struct {
	mu sync.Mutex

	dev  interfaces.BsDev
	opts Options

	clusterSize     uint32
	pagesPerCluster uint32
	blocksPerPage   uint32
	totalClusters   uint64
	size            uint64 // recorded device size in bytes

	usedClusters *bitmap.Bitmap
	usedMdPages  *bitmap.Bitmap
	usedBlobIDs  *bitmap.Bitmap // subset of usedMdPages: root pages only

	usedPageMaskStart, usedPageMaskLen       uint32
	usedClusterMaskStart, usedClusterMaskLen uint32
	usedBlobIDMaskStart, usedBlobIDMaskLen   uint32
	mdStart, mdLen                           uint32

	superBlob BlobID

	blobs map[BlobID]*Blob

	// instanceID is attached to the log lines Init and Load emit and
	// returned by InstanceID, distinguishing this Blobstore from any other
	// instance sharing the process; other log lines and the metrics carry
	// no such field (spec has no on-disk counterpart; it is process-local).
	instanceID string

	mdChan *channelHandle

	mdThreadRegistered bool

	logger   interfaces.Logger
	observer interfaces.Observer
}

func maskLenPages(bits uint64) uint32 {
	bytesNeeded := constants.MaskHeaderSize + (bits+7)/8
	pages := (bytesNeeded + constants.PageSize - 1) / constants.PageSize
	if pages < 1 {
		pages = 1
	}
	return uint32(pages)
}

func defaultNumMdPages(totalClusters uint64) uint32 {
	n := totalClusters / 4
	if n < 32 {
		n = 32
	}
	return uint32(n)
}

// Init formats dev as a fresh, empty blobstore and returns a handle
// ready for blob creation (spec §4.G.init).
func Init(dev interfaces.BsDev, opts Options) (*Blobstore, error) {
	opts = opts.withDefaults()
	blockLen := dev.BlockLen()
	if blockLen == 0 || constants.PageSize%blockLen != 0 {
		return nil, NewError("init", KindBadArgument, syscall.EINVAL, "page size not a multiple of device block length")
	}
	if opts.ClusterSize <= constants.PageSize || opts.ClusterSize%constants.PageSize != 0 {
		return nil, NewError("init", KindBadArgument, syscall.EINVAL, "cluster size must be a page-aligned multiple greater than the page size")
	}

	bs := &Blobstore{
		dev:             dev,
		opts:            opts,
		clusterSize:     opts.ClusterSize,
		pagesPerCluster: opts.ClusterSize / constants.PageSize,
		blocksPerPage:   constants.PageSize / blockLen,
		blobs:           make(map[BlobID]*Blob),
		instanceID:      uuid.NewString(),
		logger:          resolveLogger(opts),
		observer:        opts.Observer,
	}

	totalBlocks := dev.BlockCount()
	sizeBytes := totalBlocks * uint64(blockLen)
	bs.size = sizeBytes
	bs.totalClusters = sizeBytes / uint64(bs.clusterSize)

	numMdPages := opts.NumMdPages
	if numMdPages == 0 {
		numMdPages = defaultNumMdPages(bs.totalClusters)
	}

	bs.usedPageMaskLen = maskLenPages(uint64(numMdPages))
	bs.usedClusterMaskLen = maskLenPages(bs.totalClusters)
	bs.usedBlobIDMaskLen = bs.usedPageMaskLen

	bs.usedPageMaskStart = 1
	bs.usedClusterMaskStart = bs.usedPageMaskStart + bs.usedPageMaskLen
	bs.usedBlobIDMaskStart = bs.usedClusterMaskStart + bs.usedClusterMaskLen
	bs.mdStart = bs.usedBlobIDMaskStart + bs.usedBlobIDMaskLen
	bs.mdLen = numMdPages

	bs.usedClusters = bitmap.New(uint(bs.totalClusters))
	bs.usedMdPages = bitmap.New(uint(numMdPages))
	bs.usedBlobIDs = bitmap.New(uint(numMdPages))

	mdRegionPages := uint64(bs.mdStart) + uint64(bs.mdLen)
	mdRegionClusters := (mdRegionPages*constants.PageSize + uint64(bs.clusterSize) - 1) / uint64(bs.clusterSize)
	if mdRegionClusters > bs.totalClusters {
		return nil, NewError("init", KindResourceExhausted, syscall.ENOMEM, "device too small for the metadata region")
	}
	for i := uint64(0); i < mdRegionClusters; i++ {
		bs.usedClusters.Set(uint(i))
	}

	devCh, err := dev.CreateChannel()
	if err != nil {
		return nil, WrapDeviceError("init", err)
	}
	bs.mdChan = &channelHandle{dev: dev, devCh: devCh, engine: requests.NewEngine(opts.MaxMdOps), observer: bs.observer}

	if err := await(func(done func(error)) {
		dev.Unmap(devCh, 0, totalBlocks, nil, func(_ interface{}, err error) { done(WrapDeviceError("init", err)) })
	}); err != nil {
		return nil, err
	}

	sb := ondisk.NewSuperblock()
	sb.Clean = 0
	sb.SuperBlob = uint64(InvalidBlobID)
	sb.ClusterSize = bs.clusterSize
	sb.UsedPageMaskStart = bs.usedPageMaskStart
	sb.UsedPageMaskLen = bs.usedPageMaskLen
	sb.UsedClusterMaskStart = bs.usedClusterMaskStart
	sb.UsedClusterMaskLen = bs.usedClusterMaskLen
	sb.UsedBlobIDMaskStart = bs.usedBlobIDMaskStart
	sb.UsedBlobIDMaskLen = bs.usedBlobIDMaskLen
	sb.MdStart = bs.mdStart
	sb.MdLen = bs.mdLen
	sb.Size = sizeBytes
	sb.IoUnitSize = constants.PageSize
	copy(sb.BsType[:], opts.BsType)

	if err := bs.writeSuperblock(sb); err != nil {
		return nil, err
	}

	bs.logger.Info("blobstore initialized", map[string]interface{}{
		"instance_id": bs.instanceID, "total_clusters": bs.totalClusters, "md_len": bs.mdLen, "cluster_size": bs.clusterSize,
	})
	return bs, nil
}

// InstanceID returns the process-local identifier generated for this
// Blobstore at Init or Load time, stamped on its log lines.
func (bs *Blobstore) InstanceID() string { return bs.instanceID }

func resolveLogger(opts Options) interfaces.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return logging.Default().WithComponent("blobstore")
}

func (bs *Blobstore) writeSuperblock(sb *ondisk.Superblock) error {
	buf, err := sb.Marshal()
	if err != nil {
		return NewError("write_superblock", KindBadArgument, syscall.EINVAL, err.Error())
	}
	return await(func(done func(error)) {
		bs.dev.Write(bs.mdChan.devCh, buf, 0, uint64(bs.blocksPerPage), nil, func(_ interface{}, err error) {
			done(WrapDeviceError("write_superblock", err))
		})
	})
}

func (bs *Blobstore) readPage(ch *channelHandle, lba uint64) ([]byte, error) {
	buf := make([]byte, constants.PageSize)
	err := await(func(done func(error)) {
		bs.dev.Read(ch.devCh, buf, lba, uint64(bs.blocksPerPage), nil, func(_ interface{}, err error) {
			done(WrapDeviceError("read_page", err))
		})
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (bs *Blobstore) writePage(ch *channelHandle, lba uint64, buf []byte) error {
	return await(func(done func(error)) {
		bs.dev.Write(ch.devCh, buf, lba, uint64(bs.blocksPerPage), nil, func(_ interface{}, err error) {
			done(WrapDeviceError("write_page", err))
		})
	})
}

// writeMask serializes m as a spec §3 Mask page: a {type:u8, length_bits:u32}
// header (little-endian) immediately followed by the packed bit array,
// zero-padded out to the whole pages reserved for this mask region.
func (bs *Blobstore) writeMask(startPage uint32, maskType uint8, m *bitmap.Bitmap) error {
	raw := m.ToMask()
	padded := make([]byte, uint64(bs.usedMaskLenFor(startPage))*constants.PageSize)
	padded[0] = maskType
	binary.LittleEndian.PutUint32(padded[1:5], uint32(m.Capacity()))
	copy(padded[constants.MaskHeaderSize:], raw)
	for i := 0; i < len(padded); i += constants.PageSize {
		lba := bs.pageToLBA(startPage) + uint64(i/constants.PageSize)*uint64(bs.blocksPerPage)
		if err := bs.writePage(bs.mdChan, lba, padded[i:i+constants.PageSize]); err != nil {
			return err
		}
	}
	return nil
}

// usedMaskLenFor looks up how many pages were reserved for the mask
// starting at startPage, so writeMask/readMask can compute how much to
// pad/read without a third parameter at every call site.
func (bs *Blobstore) usedMaskLenFor(startPage uint32) uint32 {
	switch startPage {
	case bs.usedPageMaskStart:
		return bs.usedPageMaskLen
	case bs.usedClusterMaskStart:
		return bs.usedClusterMaskLen
	case bs.usedBlobIDMaskStart:
		return bs.usedBlobIDMaskLen
	default:
		return 1
	}
}

// readMaskBytes reads lenPages worth of a mask region starting at
// startPage, validates the spec §3 {type, length_bits} header against
// wantType, and returns the mask's packed bit bytes (header stripped)
// along with the on-disk length_bits.
func (bs *Blobstore) readMaskBytes(startPage, lenPages uint32, wantType uint8) ([]byte, uint32, error) {
	raw := make([]byte, 0, uint64(lenPages)*constants.PageSize)
	for i := uint32(0); i < lenPages; i++ {
		lba := bs.pageToLBA(startPage + i)
		page, err := bs.readPage(bs.mdChan, lba)
		if err != nil {
			return nil, 0, err
		}
		raw = append(raw, page...)
	}
	if len(raw) < constants.MaskHeaderSize {
		return nil, 0, NewError("read_mask", KindInvalidState, syscall.EILSEQ, "mask region too small for its header")
	}
	gotType := raw[0]
	if gotType != wantType {
		return nil, 0, NewError("read_mask", KindInvalidState, syscall.EILSEQ, "mask page type mismatch")
	}
	lengthBits := binary.LittleEndian.Uint32(raw[1:constants.MaskHeaderSize])
	return raw[constants.MaskHeaderSize:], lengthBits, nil
}

// GetClusterSize returns the blobstore's cluster size in bytes.
func (bs *Blobstore) GetClusterSize() uint32 { return bs.clusterSize }

// GetPageSize returns the fixed metadata/IO page size.
func (bs *Blobstore) GetPageSize() uint32 { return constants.PageSize }

// GetIoUnitSize returns the minimum I/O granularity exposed to callers.
func (bs *Blobstore) GetIoUnitSize() uint32 { return constants.PageSize }

// FreeClusterCount returns the number of clusters not currently claimed.
func (bs *Blobstore) FreeClusterCount() uint64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return uint64(bs.usedClusters.FreeCount())
}

// TotalDataClusterCount returns the total cluster count of the device,
// including those claimed by the metadata region itself.
func (bs *Blobstore) TotalDataClusterCount() uint64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.totalClusters
}

// RegisterMdThread designates the calling goroutine's logical identity
// as the metadata executor. This port serializes all metadata mutation
// through Blobstore.mu and every Blob's own mutex regardless, so
// registration here is bookkeeping for API parity with the source
// rather than a precondition for correctness.
func (bs *Blobstore) RegisterMdThread() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.mdThreadRegistered {
		return NewError("register_md_thread", KindBusy, syscall.EBUSY, "an md thread is already registered")
	}
	bs.mdThreadRegistered = true
	return nil
}

// UnregisterMdThread releases the md-thread registration.
func (bs *Blobstore) UnregisterMdThread() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if !bs.mdThreadRegistered {
		return NewError("unregister_md_thread", KindInvalidState, syscall.EINVAL, "no md thread is registered")
	}
	bs.mdThreadRegistered = false
	return nil
}

// AllocIOChannel opens a new data-path Channel backed by its own
// request-set pool (sized by Options.MaxChannelOps).
func (bs *Blobstore) AllocIOChannel() (*Channel, error) {
	devCh, err := bs.dev.CreateChannel()
	if err != nil {
		return nil, WrapDeviceError("alloc_io_channel", err)
	}
	return &Channel{h: &channelHandle{dev: bs.dev, devCh: devCh, engine: requests.NewEngine(bs.opts.MaxChannelOps), observer: bs.observer}}, nil
}

// FreeIOChannel releases a Channel obtained from AllocIOChannel.
func (bs *Blobstore) FreeIOChannel(ch *Channel) {
	bs.dev.DestroyChannel(ch.h.devCh)
}

// SetSuper designates id as the blobstore's super-blob; persisted to
// the superblock on the next Unload.
func (bs *Blobstore) SetSuper(id BlobID) {
	bs.mu.Lock()
	bs.superBlob = id
	bs.mu.Unlock()
}

// GetSuper returns the designated super-blob id, or InvalidBlobID if
// none was ever set.
func (bs *Blobstore) GetSuper() BlobID {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.superBlob
}

// Unload persists the allocator bitmaps, marks the superblock clean,
// and releases the blobstore's own resources. It refuses while any
// blob is still open (spec §4.G.unload).
func (bs *Blobstore) Unload() error {
	bs.mu.Lock()
	for _, b := range bs.blobs {
		if b.openRef > 0 {
			bs.mu.Unlock()
			return NewError("unload", KindBusy, syscall.EBUSY, "blobs still open")
		}
	}
	bs.mu.Unlock()

	if err := bs.writeMask(bs.usedPageMaskStart, constants.MaskTypeUsedPages, bs.usedMdPages); err != nil {
		return err
	}
	if err := bs.writeMask(bs.usedClusterMaskStart, constants.MaskTypeUsedClusters, bs.usedClusters); err != nil {
		return err
	}
	if err := bs.writeMask(bs.usedBlobIDMaskStart, constants.MaskTypeUsedBlobIDs, bs.usedBlobIDs); err != nil {
		return err
	}

	sb := ondisk.NewSuperblock()
	sb.Clean = 1
	sb.SuperBlob = uint64(bs.GetSuper())
	sb.ClusterSize = bs.clusterSize
	sb.UsedPageMaskStart = bs.usedPageMaskStart
	sb.UsedPageMaskLen = bs.usedPageMaskLen
	sb.UsedClusterMaskStart = bs.usedClusterMaskStart
	sb.UsedClusterMaskLen = bs.usedClusterMaskLen
	sb.UsedBlobIDMaskStart = bs.usedBlobIDMaskStart
	sb.UsedBlobIDMaskLen = bs.usedBlobIDMaskLen
	sb.MdStart = bs.mdStart
	sb.MdLen = bs.mdLen
	sb.Size = bs.size
	sb.IoUnitSize = constants.PageSize
	copy(sb.BsType[:], bs.opts.BsType)

	if err := bs.writeSuperblock(sb); err != nil {
		return err
	}

	bs.dev.DestroyChannel(bs.mdChan.devCh)
	bs.logger.Info("blobstore unloaded", nil)
	return nil
}

// Destroy erases the superblock, making the device unloadable until
// re-initialized.
func (bs *Blobstore) Destroy() error {
	zero := make([]byte, constants.PageSize)
	if err := bs.writePage(bs.mdChan, 0, zero); err != nil {
		return err
	}
	bs.dev.DestroyChannel(bs.mdChan.devCh)
	bs.dev.Destroy()
	return nil
}
