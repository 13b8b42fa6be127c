package blobstore

import (
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/blobstore-go/blobstore/internal/constants"
	"github.com/blobstore-go/blobstore/internal/requests"
)

// clonesProbeConcurrency bounds how many candidate blobs GetClones opens
// at once; each open is its own metadata-page read plus a channel
// round-trip, so fanning every candidate out at once would let a large
// blobstore with few clones flood the device queue for no benefit.
const clonesProbeConcurrency = 8

// CreateSnapshot freezes original, carves its current cluster ownership
// off into a new read-only blob, and rewires original to reference that
// snapshot as its parent with its cluster array reset to unallocated
// (spec §4.I create_snapshot). original keeps its id, matching the
// source's guarantee that existing handles stay valid across a
// snapshot; only the freshly allocated blob id names the frozen data.
func (bs *Blobstore) CreateSnapshot(original *Blob, xattrs map[string][]byte) (BlobID, error) {
	original.mu.Lock()
	if original.state == StateLoading || original.state == StateSyncing {
		original.mu.Unlock()
		return InvalidBlobID, NewBlobError("create_snapshot", uint64(original.id), KindBusy, syscall.EBUSY, "blob busy")
	}
	original.mu.Unlock()

	original.freeze()
	defer original.thaw()

	if err := bs.persistBlob(original, false); err != nil {
		return InvalidBlobID, err
	}

	original.mu.Lock()
	snapshotClusters := append([]uint64(nil), original.active.Clusters...)
	numClusters := original.active.NumClusters
	grandParentID := original.parentID
	original.mu.Unlock()

	snapshotID, err := bs.createBackingBlob(snapshotClusters, numClusters, grandParentID, true, xattrs)
	if err != nil {
		return InvalidBlobID, err
	}

	original.mu.Lock()
	for i := range original.active.Clusters {
		original.active.Clusters[i] = 0
	}
	original.parentID = snapshotID
	original.backBsDev = nil
	original.backingParent = nil
	original.state = StateDirty
	original.mu.Unlock()

	if err := bs.persistBlob(original, false); err != nil {
		return InvalidBlobID, err
	}
	return snapshotID, nil
}

// CreateClone allocates a new, writable, fully thin-provisioned blob
// whose reads fall through to parentID until each cluster is written
// (spec §4.I create_clone). parentID must name a read-only blob.
func (bs *Blobstore) CreateClone(parentID BlobID, xattrs map[string][]byte) (BlobID, error) {
	parent, err := bs.OpenBlob(parentID, OpenBlobOpts{})
	if err != nil {
		return InvalidBlobID, err
	}
	defer bs.CloseBlob(parent)
	if !parent.IsSnapshot() {
		return InvalidBlobID, NewBlobError("create_clone", uint64(parentID), KindBadArgument, syscall.EINVAL, "clone parent must be read-only")
	}

	clusters := make([]uint64, parent.NumClusters())
	return bs.createBackingBlob(clusters, uint64(len(clusters)), parentID, false, xattrs)
}

// createBackingBlob is the shared low-level constructor behind
// CreateSnapshot and CreateClone: it claims a root metadata page and
// persists a blob whose cluster array and parent linkage are supplied
// directly, bypassing ResizeBlob's free-cluster allocation since the
// clusters either already belong to the caller (snapshot) or are left
// entirely unallocated (clone).
func (bs *Blobstore) createBackingBlob(clusters []uint64, numClusters uint64, parentID BlobID, readOnly bool, xattrs map[string][]byte) (BlobID, error) {
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
	b := &Blob{
		bs: bs, id: id, state: StateDirty, parentID: parentID,
		active: MutableData{
			NumClusters:      numClusters,
			Clusters:         clusters,
			ClusterArraySize: uint64(len(clusters)),
			Pages:            []uint32{uint32(pageIdx)},
		},
	}
	if readOnly {
		b.dataRoFlags = 1
		b.mdRoFlags = 1
		b.dataRO = true
		b.mdRO = true
	}
	for name, value := range xattrs {
		b.xattrs = append(b.xattrs, xattrEntry{Name: name, Value: append([]byte(nil), value...)})
	}

	if err := bs.persistBlob(b, false); err != nil {
		bs.mu.Lock()
		bs.usedMdPages.Clear(pageIdx)
		bs.usedBlobIDs.Clear(pageIdx)
		bs.mu.Unlock()
		return InvalidBlobID, err
	}
	return id, nil
}

// Inflate materializes every cluster b currently shares with any
// ancestor, then clears its parent link entirely: b becomes
// self-contained and the whole ancestor chain above it becomes free to
// delete (spec §4.I inflate).
func (bs *Blobstore) Inflate(b *Blob, ch *Channel) error {
	return bs.materializeAndReparent(b, ch, InvalidBlobID)
}

// DecoupleParent materializes every cluster b still reads through its
// backing chain, then re-parents b one level up the chain, to its
// parent's own parent or to none (spec §4.I decouple_parent). It shares
// materializeAndReparent with Inflate, so the copy is not limited to
// clusters the immediate parent owns: holes that read through to a
// grandparent are copied as well.
func (bs *Blobstore) DecoupleParent(b *Blob, ch *Channel) error {
	parentID := b.ParentID()
	if parentID == InvalidBlobID {
		return NewBlobError("decouple_parent", uint64(b.id), KindBadArgument, syscall.EINVAL, "blob has no parent")
	}
	parent, err := bs.OpenBlob(parentID, OpenBlobOpts{ReadOnly: true})
	if err != nil {
		return err
	}
	grandParentID := parent.ParentID()
	if err := bs.CloseBlob(parent); err != nil {
		return err
	}
	return bs.materializeAndReparent(b, ch, grandParentID)
}

func (bs *Blobstore) materializeAndReparent(b *Blob, ch *Channel, newParentID BlobID) error {
	b.mu.Lock()
	n := len(b.active.Clusters)
	b.mu.Unlock()

	for i := 0; i < n; i++ {
		if err := bs.materializeCluster(b, ch, i); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.parentID = newParentID
	b.backBsDev = nil
	b.backingParent = nil
	b.state = StateDirty
	b.mu.Unlock()
	return bs.persistBlob(b, false)
}

// materializeCluster allocates and populates a real cluster for logical
// cluster i if it is still a hole, copying the full cluster's content
// from the blob's current backing chain first so no byte the caller
// never wrote changes value.
func (bs *Blobstore) materializeCluster(b *Blob, ch *Channel, i int) error {
	b.mu.Lock()
	alreadyAllocated := b.active.Clusters[i] != 0
	b.mu.Unlock()
	if alreadyAllocated {
		return nil
	}

	backDev, err := b.ensureBackingDev()
	if err != nil {
		return err
	}

	bs.mu.Lock()
	newIdx, ok := bs.usedClusters.FindFirstClear(0)
	if !ok {
		bs.mu.Unlock()
		return NewBlobError("materialize_cluster", uint64(b.id), KindResourceExhausted, syscall.ENOMEM, "no free cluster")
	}
	bs.usedClusters.Set(newIdx)
	bs.mu.Unlock()
	newLBA := bs.clusterToLBA(uint32(newIdx))

	content := make([]byte, bs.clusterSize)
	if backDev != nil {
		clusterStart := uint64(i) * uint64(bs.pagesPerCluster)
		segs := bs.planSegments([]uint64{0}, true, 0, uint64(bs.pagesPerCluster))
		for idx := range segs {
			segs[idx].byteOff += clusterStart * constants.PageSize
		}
		if err := runBacking(backDev, content, segs); err != nil {
			bs.releaseCluster(newIdx)
			return WrapDeviceError("materialize_cluster", err)
		}
	}

	if err := runBatch(ch, func(batch *requests.Batch) {
		batch.Write(content, newLBA, uint64(bs.pagesPerCluster)*uint64(bs.blocksPerPage))
	}); err != nil {
		bs.releaseCluster(newIdx)
		return WrapDeviceError("materialize_cluster", err)
	}

	b.mu.Lock()
	b.active.Clusters[i] = newLBA
	b.mu.Unlock()
	return nil
}

// GetParentSnapshot returns b's parent blob id, or InvalidBlobID if b
// has none (spec §4.I get_parent_blob).
func (bs *Blobstore) GetParentSnapshot(b *Blob) BlobID {
	return b.ParentID()
}

// GetClones returns the ids of every blob currently parented at id
// (spec §4.I get_clones); on-disk-only clones are discovered the same
// way DeleteBlob's clone check does, by transiently opening every used
// blob id. Candidates already cached in bs.blobs are checked inline;
// the rest are probed concurrently, up to clonesProbeConcurrency at a
// time, since each probe is an independent metadata-page round trip.
func (bs *Blobstore) GetClones(id BlobID) ([]BlobID, error) {
	bs.mu.Lock()
	blobIDs := bs.usedBlobIDs
	bs.mu.Unlock()

	var mu sync.Mutex
	var out []BlobID
	var g errgroup.Group
	g.SetLimit(clonesProbeConcurrency)

	for i, ok := blobIDs.FindFirstSet(0); ok; i, ok = blobIDs.FindFirstSet(i + 1) {
		candidateID := blobIDFromPage(uint32(i))
		if candidateID == id {
			continue
		}

		bs.mu.Lock()
		cached, open := bs.blobs[candidateID]
		bs.mu.Unlock()
		if open {
			if cached.ParentID() == id {
				mu.Lock()
				out = append(out, candidateID)
				mu.Unlock()
			}
			continue
		}

		g.Go(func() error {
			b, err := bs.OpenBlob(candidateID, OpenBlobOpts{ReadOnly: true})
			if err != nil {
				return nil
			}
			isClone := b.ParentID() == id
			if err := bs.CloseBlob(b); err != nil {
				return err
			}
			if isClone {
				mu.Lock()
				out = append(out, candidateID)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
