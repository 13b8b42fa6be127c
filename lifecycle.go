package blobstore

import (
	"encoding/binary"
	"syscall"

	"github.com/blobstore-go/blobstore/internal/bsdev"
	"github.com/blobstore-go/blobstore/internal/constants"
	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// CreateBlob allocates a new blob's root metadata page and persists it,
// returning its id (spec §4.E create_blob). The caller must OpenBlob to
// obtain a usable handle.
func (bs *Blobstore) CreateBlob(opts CreateBlobOpts) (BlobID, error) {
	bs.mu.Lock()
	pageIdx, ok := bs.usedMdPages.FindFirstClear(0)
	if !ok {
		bs.mu.Unlock()
		return InvalidBlobID, NewError("create_blob", KindResourceExhausted, syscall.ENOMEM, "no free metadata page")
	}
	bs.usedMdPages.Set(pageIdx)
	bs.usedBlobIDs.Set(pageIdx)
	bs.mu.Unlock()

	id := blobIDFromPage(uint32(pageIdx))
	rollback := func() {
		bs.mu.Lock()
		if bs.usedMdPages.Get(pageIdx) {
			bs.usedMdPages.Clear(pageIdx)
		}
		if bs.usedBlobIDs.Get(pageIdx) {
			bs.usedBlobIDs.Clear(pageIdx)
		}
		bs.mu.Unlock()
	}

	b := &Blob{bs: bs, id: id, state: StateDirty, active: MutableData{Pages: []uint32{uint32(pageIdx)}}}
	if opts.ThinProvision {
		b.invalidFlags |= constants.FlagThinProvision
	}
	for name, value := range opts.Xattrs {
		b.xattrs = append(b.xattrs, xattrEntry{Name: name, Value: append([]byte(nil), value...)})
	}
	if opts.ClearMethod != ClearDefault {
		b.xattrsInternal = append(b.xattrsInternal, xattrEntry{Name: constants.InternalXattrClearMethod, Value: []byte{byte(opts.ClearMethod)}})
	}

	if opts.NumClusters > 0 {
		if err := bs.resizeBlobLocked(b, opts.NumClusters); err != nil {
			rollback()
			return InvalidBlobID, err
		}
	}

	if err := bs.persistBlob(b, false); err != nil {
		rollback()
		return InvalidBlobID, err
	}
	return id, nil
}

// OpenBlob returns a live handle to id, loading it from disk on first
// open and incrementing open_ref on every subsequent open (spec
// §4.E open_blob).
func (bs *Blobstore) OpenBlob(id BlobID, opts OpenBlobOpts) (*Blob, error) {
	bs.mu.Lock()
	if b, ok := bs.blobs[id]; ok {
		bs.mu.Unlock()
		b.mu.Lock()
		b.openRef++
		if opts.ReadOnly {
			b.dataRO = true
			b.mdRO = true
		}
		b.mu.Unlock()
		return b, nil
	}
	pageIdx := pageFromBlobID(id)
	if !bs.usedBlobIDs.Get(uint(pageIdx)) {
		bs.mu.Unlock()
		return nil, NewBlobError("open_blob", uint64(id), KindNotFound, syscall.ENOENT, "no such blob")
	}
	bs.mu.Unlock()

	b := &Blob{bs: bs, id: id, state: StateLoading}
	if err := bs.loadBlob(b); err != nil {
		return nil, err
	}

	parentID := InvalidBlobID
	for i, x := range b.xattrsInternal {
		if x.Name == constants.InternalXattrParentID && len(x.Value) == 8 {
			parentID = BlobID(binary.LittleEndian.Uint64(x.Value))
			_ = i
		}
	}

	b.mu.Lock()
	b.openRef = 1
	b.parentID = parentID
	if opts.ReadOnly {
		b.dataRO = true
		b.mdRO = true
	}
	b.mu.Unlock()

	bs.mu.Lock()
	bs.blobs[id] = b
	bs.mu.Unlock()
	bs.observer.ObserveOpenBlobs(len(bs.blobs))
	return b, nil
}

// CloseBlob decrements open_ref; at zero it implicitly syncs a Dirty
// blob, releases any cached backing-device open ref, and forgets the
// in-memory handle (spec §4.E close_blob).
func (bs *Blobstore) CloseBlob(b *Blob) error {
	b.mu.Lock()
	if b.openRef == 0 {
		b.mu.Unlock()
		return NewBlobError("close_blob", uint64(b.id), KindBadFd, syscall.EBADF, "close of an already-closed blob")
	}
	b.openRef--
	remaining := b.openRef
	dirty := b.state == StateDirty
	b.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	if dirty {
		if err := bs.persistBlob(b, false); err != nil {
			return err
		}
	}

	b.mu.Lock()
	parent := b.backingParent
	b.backingParent = nil
	b.backBsDev = nil
	b.mu.Unlock()
	if parent != nil {
		_ = bs.CloseBlob(parent)
	}

	bs.mu.Lock()
	delete(bs.blobs, b.id)
	bs.mu.Unlock()
	bs.observer.ObserveOpenBlobs(len(bs.blobs))
	return nil
}

// ResizeBlob changes a blob's logical cluster count (spec §4.E resize_blob).
func (bs *Blobstore) ResizeBlob(b *Blob, n uint64) error {
	b.mu.Lock()
	switch b.state {
	case StateLoading, StateSyncing:
		b.mu.Unlock()
		return NewBlobError("resize_blob", uint64(b.id), KindBusy, syscall.EBUSY, "blob busy")
	}
	b.mu.Unlock()

	if err := bs.resizeBlobLocked(b, n); err != nil {
		return err
	}
	b.mu.Lock()
	b.state = StateDirty
	b.mu.Unlock()
	return nil
}

// resizeBlobLocked implements the two-pass capacity check described in
// spec §4.E: growth always verifies free-cluster capacity before
// mutating any state; only non-thin-provisioned blobs actually claim
// and record LBAs, thin blobs leave the grown range zeroed for
// allocate-on-write.
func (bs *Blobstore) resizeBlobLocked(b *Blob, n uint64) error {
	bs.mu.Lock()
	total := bs.totalClusters
	bs.mu.Unlock()
	if n > total {
		return NewBlobError("resize_blob", uint64(b.id), KindBadArgument, syscall.EINVAL, "requested size exceeds device capacity")
	}

	b.mu.Lock()
	cur := b.active.NumClusters
	arrSize := b.active.ClusterArraySize
	thin := b.invalidFlags&constants.FlagThinProvision != 0
	b.mu.Unlock()

	if n == cur {
		return nil
	}
	if n <= arrSize {
		b.mu.Lock()
		b.active.NumClusters = n
		b.mu.Unlock()
		return nil
	}

	grow := n - cur
	bs.mu.Lock()
	found := make([]uint32, 0, grow)
	cursor := uint(0)
	for uint64(len(found)) < grow {
		idx, has := bs.usedClusters.FindFirstClear(cursor)
		if !has {
			bs.mu.Unlock()
			return NewBlobError("resize_blob", uint64(b.id), KindResourceExhausted, syscall.ENOMEM, "not enough free clusters")
		}
		found = append(found, uint32(idx))
		cursor = idx + 1
	}
	if !thin {
		for _, idx := range found {
			bs.usedClusters.Set(uint(idx))
		}
	}
	bs.mu.Unlock()

	b.mu.Lock()
	if thin {
		for i := uint64(0); i < grow; i++ {
			b.active.Clusters = append(b.active.Clusters, 0)
		}
	} else {
		for _, idx := range found {
			b.active.Clusters = append(b.active.Clusters, bs.clusterToLBA(idx))
		}
	}
	b.active.NumClusters = n
	b.active.ClusterArraySize = uint64(len(b.active.Clusters))
	b.mu.Unlock()
	return nil
}

// SyncBlob persists a Dirty blob; a Clean blob completes immediately
// (spec §4.E sync_blob).
func (bs *Blobstore) SyncBlob(b *Blob) error {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	switch state {
	case StateClean:
		return nil
	case StateLoading, StateSyncing:
		return NewBlobError("sync_blob", uint64(b.id), KindBusy, syscall.EBUSY, "blob busy")
	}
	return bs.persistBlob(b, false)
}

// DeleteBlob removes a blob, refusing while it is held open by another
// caller or has any clone referencing it (spec §4.E delete_blob).
func (bs *Blobstore) DeleteBlob(id BlobID) error {
	bs.mu.Lock()
	existing, alreadyOpen := bs.blobs[id]
	bs.mu.Unlock()
	if alreadyOpen {
		existing.mu.Lock()
		ref := existing.openRef
		existing.mu.Unlock()
		if ref > 0 {
			return NewBlobError("delete_blob", uint64(id), KindBusy, syscall.EBUSY, "blob is open")
		}
	}

	b, err := bs.OpenBlob(id, OpenBlobOpts{})
	if err != nil {
		return err
	}

	hasClone, err := bs.hasOpenOrOnDiskClone(id)
	if err != nil {
		_ = bs.CloseBlob(b)
		return err
	}
	if hasClone {
		_ = bs.CloseBlob(b)
		return NewBlobError("delete_blob", uint64(id), KindBusy, syscall.EBUSY, "blob has clones")
	}

	if err := bs.resizeBlobLocked(b, 0); err != nil {
		_ = bs.CloseBlob(b)
		return err
	}
	if err := bs.persistBlob(b, true); err != nil {
		_ = bs.CloseBlob(b)
		return err
	}

	return bs.CloseBlob(b)
}

// hasOpenOrOnDiskClone reports whether any blob is currently parented
// at id, since a clone relationship must be visible even when the
// clone itself is not currently open.
func (bs *Blobstore) hasOpenOrOnDiskClone(id BlobID) (bool, error) {
	clones, err := bs.GetClones(id)
	if err != nil {
		return false, err
	}
	return len(clones) > 0, nil
}

// ensureBackingDev resolves and caches the BsDev a blob's unallocated
// clusters fall through to: the wrapped parent snapshot when parent_id
// is set, the shared zeroes device for a thin-provisioned blob with no
// parent, or nil when the blob is neither.
func (b *Blob) ensureBackingDev() (interfaces.BsDev, error) {
	b.mu.Lock()
	if b.backBsDev != nil {
		dev := b.backBsDev
		b.mu.Unlock()
		return dev, nil
	}
	parentID := b.parentID
	thin := b.invalidFlags&constants.FlagThinProvision != 0
	b.mu.Unlock()

	if parentID == InvalidBlobID {
		if !thin {
			return nil, nil
		}
		dev := bsdev.Zeroes()
		b.mu.Lock()
		b.backBsDev = dev
		b.mu.Unlock()
		return dev, nil
	}

	parent, err := b.bs.OpenBlob(parentID, OpenBlobOpts{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	dev := bsdev.NewBlobBsDev(parent)
	b.mu.Lock()
	b.backingParent = parent
	b.backBsDev = dev
	b.mu.Unlock()
	return dev, nil
}
