package blobstore

import (
	"encoding/binary"
	"syscall"

	"github.com/blobstore-go/blobstore/internal/constants"
	"github.com/blobstore-go/blobstore/internal/ondisk"
)

// persistBlob serializes a blob's active metadata to disk, following
// spec §4.F's ordering guarantee: every continuation page is durable
// before the root page is rewritten, so a crash mid-persist always
// leaves the previous, still-valid chain reachable from the root.
func (bs *Blobstore) persistBlob(b *Blob, deleting bool) error {
	b.mu.Lock()
	if b.state == StateSyncing {
		b.mu.Unlock()
		return NewBlobError("sync_blob", uint64(b.id), KindBusy, syscall.EBUSY, "persist already in progress")
	}
	prevState := b.state
	b.state = StateSyncing
	active := b.active.clone()
	clean := b.clean.clone()
	xattrs := append([]xattrEntry(nil), b.xattrs...)
	xattrsInternal := dropParentIDXattr(b.xattrsInternal)
	if b.parentID != InvalidBlobID {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(b.parentID))
		xattrsInternal = append(xattrsInternal, xattrEntry{Name: constants.InternalXattrParentID, Value: buf[:]})
	}
	invalidFlags, dataRoFlags, mdRoFlags := b.invalidFlags, b.dataRoFlags, b.mdRoFlags
	id := b.id
	b.mu.Unlock()

	newActive, err := bs.doPersist(id, deleting, active, clean, xattrs, xattrsInternal, invalidFlags, dataRoFlags, mdRoFlags)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.state = prevState
		if b.state == StateLoading {
			b.state = StateDirty
		}
		return err
	}
	b.active = newActive
	b.clean = newActive.clone()
	b.state = StateClean
	return nil
}

// dropParentIDXattr strips any existing parent-id entry from a copied
// internal-xattr slice so persistBlob can recompute it fresh from
// b.parentID on every persist rather than trusting a stale copy.
func dropParentIDXattr(xattrs []xattrEntry) []xattrEntry {
	out := make([]xattrEntry, 0, len(xattrs))
	for _, x := range xattrs {
		if x.Name == constants.InternalXattrParentID {
			continue
		}
		out = append(out, x)
	}
	return out
}

// pageBuilder accumulates descriptor pages, opening a new one whenever
// the current page's descriptor area is full.
type pageBuilder struct {
	writers []*ondisk.DescriptorWriter
}

func (pb *pageBuilder) current() *ondisk.DescriptorWriter {
	if len(pb.writers) == 0 {
		pb.writers = append(pb.writers, ondisk.NewDescriptorWriter(make([]byte, constants.DescriptorsAreaSize)))
	}
	return pb.writers[len(pb.writers)-1]
}

func (pb *pageBuilder) newPage() *ondisk.DescriptorWriter {
	w := ondisk.NewDescriptorWriter(make([]byte, constants.DescriptorsAreaSize))
	pb.writers = append(pb.writers, w)
	return w
}

// write retries writeFn on a fresh page when the current one is full;
// per spec §4.F step 2, a descriptor that still does not fit an empty
// page is too large to ever persist.
func (pb *pageBuilder) write(writeFn func(*ondisk.DescriptorWriter) (bool, error)) error {
	ok, err := writeFn(pb.current())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	ok, err = writeFn(pb.newPage())
	if err != nil {
		return err
	}
	if !ok {
		return syscall.ENOMEM
	}
	return nil
}

func (bs *Blobstore) doPersist(
	id BlobID, deleting bool,
	active, clean MutableData,
	xattrs, xattrsInternal []xattrEntry,
	invalidFlags, dataRoFlags, mdRoFlags uint64,
) (MutableData, error) {
	if deleting {
		if err := bs.persistUnmapPages(clean.Pages, true); err != nil {
			return MutableData{}, err
		}
		if err := bs.persistUnmapClusters(clean.Clusters, 0); err != nil {
			return MutableData{}, err
		}
		return MutableData{}, nil
	}

	pb := &pageBuilder{}
	for _, x := range xattrs {
		xx := x
		if err := pb.write(func(w *ondisk.DescriptorWriter) (bool, error) {
			return w.WriteXattr(ondisk.XattrRecord{Name: xx.Name, Value: xx.Value})
		}); err != nil {
			return MutableData{}, err
		}
	}
	for _, x := range xattrsInternal {
		xx := x
		if err := pb.write(func(w *ondisk.DescriptorWriter) (bool, error) {
			return w.WriteXattr(ondisk.XattrRecord{Internal: true, Name: xx.Name, Value: xx.Value})
		}); err != nil {
			return MutableData{}, err
		}
	}
	if invalidFlags != 0 || dataRoFlags != 0 || mdRoFlags != 0 {
		if err := pb.write(func(w *ondisk.DescriptorWriter) (bool, error) {
			return w.WriteFlags(ondisk.Flags{Invalid: invalidFlags, DataRO: dataRoFlags, MdRO: mdRoFlags})
		}); err != nil {
			return MutableData{}, err
		}
	}
	extents := bs.runLengthEncodeClusters(active.Clusters[:active.NumClusters])
	if len(extents) > 0 {
		if err := pb.write(func(w *ondisk.DescriptorWriter) (bool, error) {
			return w.WriteExtents(toOndiskExtents(extents))
		}); err != nil {
			return MutableData{}, err
		}
	}

	numPages := len(pb.writers)
	if numPages == 0 {
		numPages = 1 // an empty blob still has its root page
		pb.current()
	}

	newPages := make([]uint32, numPages)
	newPages[0] = pageFromBlobID(id)
	if numPages > 1 {
		extra, err := bs.allocMdPages(numPages - 1)
		if err != nil {
			return MutableData{}, syscall.ENOMEM
		}
		copy(newPages[1:], extra)
	}

	mdPages := make([]*ondisk.MdPage, numPages)
	for i := 0; i < numPages; i++ {
		mp := ondisk.NewMdPage(uint64(id), uint32(i))
		copy(mp.Descriptors[:], pb.writers[i].Area())
		if i == numPages-1 {
			mp.Next = constants.InvalidPage
		} else {
			mp.Next = newPages[i+1]
		}
		mdPages[i] = mp
	}

	if numPages > 1 {
		if err := bs.writeChildren(mdPages[1:], newPages[1:]); err != nil {
			bs.releaseMdPages(newPages[1:])
			return MutableData{}, err
		}
	}
	rootBuf, err := mdPages[0].Marshal()
	if err != nil {
		bs.releaseMdPages(newPages[1:])
		return MutableData{}, err
	}
	if err := bs.writePage(bs.mdChan, bs.pageToLBA(newPages[0]), rootBuf); err != nil {
		bs.releaseMdPages(newPages[1:])
		return MutableData{}, err
	}

	if err := bs.persistUnmapPages(clean.Pages, false); err != nil {
		return MutableData{}, err
	}
	if err := bs.persistUnmapClusters(active.Clusters, active.NumClusters); err != nil {
		return MutableData{}, err
	}

	newActive := MutableData{
		NumClusters:      active.NumClusters,
		Clusters:         active.Clusters[:active.NumClusters],
		ClusterArraySize: active.NumClusters,
		Pages:            newPages,
	}
	return newActive, nil
}

// writeChildren persists every non-root page before the caller writes
// the root, guaranteeing the ordering property in spec §4.F step 5.
func (bs *Blobstore) writeChildren(pages []*ondisk.MdPage, indices []uint32) error {
	type result struct {
		err error
	}
	results := make(chan result, len(pages))
	for i, mp := range pages {
		buf, err := mp.Marshal()
		if err != nil {
			return err
		}
		lba := bs.pageToLBA(indices[i])
		go func(buf []byte, lba uint64) {
			results <- result{err: bs.writePage(bs.mdChan, lba, buf)}
		}(buf, lba)
	}
	var firstErr error
	for range pages {
		if r := <-results; r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return firstErr
}

// allocMdPages reserves n previously-unused metadata page indices via
// the spec's two-pass scheme: scan for n free slots without mutating
// the bitmap, then commit them all at once so a mid-scan failure never
// leaves partially-claimed state.
func (bs *Blobstore) allocMdPages(n int) ([]uint32, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	found := make([]uint32, 0, n)
	cursor := uint(0)
	for len(found) < n {
		idx, ok := bs.usedMdPages.FindFirstClear(cursor)
		if !ok {
			return nil, syscall.ENOMEM
		}
		found = append(found, uint32(idx))
		cursor = idx + 1
	}
	for _, idx := range found {
		bs.usedMdPages.Set(uint(idx))
	}
	return found, nil
}

func (bs *Blobstore) releaseMdPages(indices []uint32) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, idx := range indices {
		if bs.usedMdPages.Get(uint(idx)) {
			bs.usedMdPages.Clear(uint(idx))
		}
	}
}

// persistUnmapPages releases every continuation page in oldPages
// (oldPages[1:]) since a persist always allocates a fresh chain; when
// root is true (a delete), the root page (oldPages[0]) is released too.
func (bs *Blobstore) persistUnmapPages(oldPages []uint32, root bool) error {
	if len(oldPages) == 0 {
		return nil
	}
	start := 1
	if root {
		start = 0
	}
	bs.mu.Lock()
	var toUnmap []uint32
	for i := start; i < len(oldPages); i++ {
		idx := oldPages[i]
		if bs.usedMdPages.Get(uint(idx)) {
			bs.usedMdPages.Clear(uint(idx))
			toUnmap = append(toUnmap, idx)
		}
	}
	if root && len(oldPages) > 0 && bs.usedBlobIDs.Get(uint(oldPages[0])) {
		bs.usedBlobIDs.Clear(uint(oldPages[0]))
	}
	bs.mu.Unlock()

	for _, idx := range toUnmap {
		if err := await(func(done func(error)) {
			bs.dev.Unmap(bs.mdChan.devCh, bs.pageToLBA(idx), uint64(bs.blocksPerPage), nil, func(_ interface{}, err error) {
				done(WrapDeviceError("persist_unmap_pages", err))
			})
		}); err != nil {
			return err
		}
	}
	return nil
}

// persistUnmapClusters releases clusters beyond keepCount from a
// truncated cluster array, coalescing adjacent LBA runs into single
// unmap calls.
func (bs *Blobstore) persistUnmapClusters(clusters []uint64, keepCount uint64) error {
	if keepCount >= uint64(len(clusters)) {
		return nil
	}
	tail := clusters[keepCount:]
	bs.mu.Lock()
	type run struct{ startLBA, count uint64 }
	var runs []run
	var cur *run
	for _, lba := range tail {
		if lba == 0 {
			continue // never allocated; nothing to release
		}
		idx := bs.lbaToClusterIdx(lba)
		if bs.usedClusters.Get(uint(idx)) {
			bs.usedClusters.Clear(uint(idx))
		}
		blocks := uint64(bs.pagesPerCluster) * uint64(bs.blocksPerPage)
		if cur != nil && cur.startLBA+cur.count == lba {
			cur.count += blocks
		} else {
			runs = append(runs, run{startLBA: lba, count: blocks})
			cur = &runs[len(runs)-1]
		}
	}
	bs.mu.Unlock()

	for _, r := range runs {
		if err := await(func(done func(error)) {
			bs.dev.Unmap(bs.mdChan.devCh, r.startLBA, r.count, nil, func(_ interface{}, err error) {
				done(WrapDeviceError("persist_unmap_clusters", err))
			})
		}); err != nil {
			return err
		}
	}
	return nil
}

type clusterRun struct {
	clusterIdx uint32
	length     uint32
}

// runLengthEncodeClusters collapses a logical cluster→LBA array into
// (cluster_idx, length) runs. A zero LBA (unallocated, thin) is encoded
// with cluster_idx 0: physical cluster 0 always falls inside the
// metadata region claimed at Init and so can never be a real data
// cluster, making it a safe, unambiguous "hole" sentinel (see DESIGN.md).
func (bs *Blobstore) runLengthEncodeClusters(clusters []uint64) []clusterRun {
	var out []clusterRun
	i := 0
	for i < len(clusters) {
		j := i + 1
		if clusters[i] == 0 {
			for j < len(clusters) && clusters[j] == 0 {
				j++
			}
			out = append(out, clusterRun{clusterIdx: 0, length: uint32(j - i)})
		} else {
			startIdx := bs.lbaToClusterIdx(clusters[i])
			for j < len(clusters) && clusters[j] != 0 && bs.lbaToClusterIdx(clusters[j]) == startIdx+uint32(j-i) {
				j++
			}
			out = append(out, clusterRun{clusterIdx: startIdx, length: uint32(j - i)})
		}
		i = j
	}
	return out
}

func toOndiskExtents(runs []clusterRun) []ondisk.Extent {
	out := make([]ondisk.Extent, len(runs))
	for i, r := range runs {
		out[i] = ondisk.Extent{ClusterIdx: r.clusterIdx, Length: r.length}
	}
	return out
}
