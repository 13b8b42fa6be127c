package blobstore

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blobstore-go/blobstore/backend"
	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// testClusterSize is two pages, the minimum legal cluster size, so
// small test devices still exercise multi-page clusters.
const testClusterSize = 2 * 4096

func newTestDevice(t *testing.T, numClusters uint64) *backend.Memory {
	t.Helper()
	return backend.NewMemory(int64(numClusters)*testClusterSize, 512)
}

func mustInit(t *testing.T, numClusters uint64) (*Blobstore, *backend.Memory) {
	t.Helper()
	dev := newTestDevice(t, numClusters)
	bs, err := Init(dev, Options{ClusterSize: testClusterSize, NumMdPages: 8})
	require.NoError(t, err)
	return bs, dev
}

func TestInitLoadRoundTrip(t *testing.T) {
	bs, dev := mustInit(t, 20)
	free := bs.FreeClusterCount()
	require.Greater(t, free, uint64(0))
	require.Less(t, free, bs.TotalDataClusterCount(), "the metadata region itself must claim some clusters")

	id, err := bs.CreateBlob(CreateBlobOpts{NumClusters: 2})
	require.NoError(t, err)
	bs.SetSuper(id)
	require.NoError(t, bs.Unload())

	bs2, err := Load(dev, Options{})
	require.NoError(t, err)
	require.Equal(t, id, bs2.GetSuper())
	require.Equal(t, bs.TotalDataClusterCount(), bs2.TotalDataClusterCount())
	require.NoError(t, bs2.Unload())
}

func TestCreateOpenWriteReadBlob(t *testing.T) {
	bs, _ := mustInit(t, 20)

	id, err := bs.CreateBlob(CreateBlobOpts{NumClusters: 2})
	require.NoError(t, err)

	b, err := bs.OpenBlob(id, OpenBlobOpts{})
	require.NoError(t, err)

	ch, err := bs.AllocIOChannel()
	require.NoError(t, err)
	defer bs.FreeIOChannel(ch)

	pages := b.NumClusters() * uint64(bs.GetClusterSize()) / uint64(bs.GetPageSize())
	write := bytes.Repeat([]byte{0x42}, int(pages*uint64(bs.GetPageSize())))
	require.NoError(t, bs.WriteBlob(b, ch, write, 0, pages))

	read := make([]byte, len(write))
	require.NoError(t, bs.ReadBlob(b, ch, read, 0, pages))
	require.Equal(t, write, read)

	require.NoError(t, bs.CloseBlob(b))
	require.NoError(t, bs.DeleteBlob(id))
}

func TestThinProvisionReadsAsZeroBeforeWrite(t *testing.T) {
	bs, _ := mustInit(t, 20)

	id, err := bs.CreateBlob(CreateBlobOpts{NumClusters: 2, ThinProvision: true})
	require.NoError(t, err)
	b, err := bs.OpenBlob(id, OpenBlobOpts{})
	require.NoError(t, err)
	require.True(t, b.IsThinProvisioned())

	ch, err := bs.AllocIOChannel()
	require.NoError(t, err)
	defer bs.FreeIOChannel(ch)

	pages := b.NumClusters() * uint64(bs.GetClusterSize()) / uint64(bs.GetPageSize())
	read := bytes.Repeat([]byte{0xFF}, int(pages*uint64(bs.GetPageSize())))
	require.NoError(t, bs.ReadBlob(b, ch, read, 0, pages))
	require.Equal(t, make([]byte, len(read)), read, "an unallocated thin cluster with no parent must read back as zero")

	require.NoError(t, bs.CloseBlob(b))
}

func TestResizeBlobRejectsOversizeRequest(t *testing.T) {
	bs, _ := mustInit(t, 20)
	id, err := bs.CreateBlob(CreateBlobOpts{})
	require.NoError(t, err)
	b, err := bs.OpenBlob(id, OpenBlobOpts{})
	require.NoError(t, err)

	err = bs.ResizeBlob(b, bs.TotalDataClusterCount()+1)
	require.Error(t, err)
	require.True(t, IsKind(err, KindBadArgument))
}

func TestSnapshotPreservesDataAndCloneReadsThrough(t *testing.T) {
	bs, _ := mustInit(t, 20)

	origID, err := bs.CreateBlob(CreateBlobOpts{NumClusters: 1})
	require.NoError(t, err)
	orig, err := bs.OpenBlob(origID, OpenBlobOpts{})
	require.NoError(t, err)

	ch, err := bs.AllocIOChannel()
	require.NoError(t, err)
	defer bs.FreeIOChannel(ch)

	pages := orig.NumClusters() * uint64(bs.GetClusterSize()) / uint64(bs.GetPageSize())
	payload := bytes.Repeat([]byte{0x7A}, int(pages*uint64(bs.GetPageSize())))
	require.NoError(t, bs.WriteBlob(orig, ch, payload, 0, pages))

	snapID, err := bs.CreateSnapshot(orig, nil)
	require.NoError(t, err)
	require.Equal(t, origID, orig.ID(), "the source blob keeps its id across a snapshot")
	require.Equal(t, snapID, orig.ParentID())

	origRead := make([]byte, len(payload))
	require.NoError(t, bs.ReadBlob(orig, ch, origRead, 0, pages))
	require.Equal(t, payload, origRead, "original must still read its own data, now served through the snapshot parent")

	cloneID, err := bs.CreateClone(snapID, nil)
	require.NoError(t, err)
	clone, err := bs.OpenBlob(cloneID, OpenBlobOpts{})
	require.NoError(t, err)
	require.True(t, clone.IsClone())

	cloneRead := make([]byte, len(payload))
	require.NoError(t, bs.ReadBlob(clone, ch, cloneRead, 0, pages))
	require.Equal(t, payload, cloneRead, "a fresh clone must read through to the parent snapshot's data")

	overwrite := bytes.Repeat([]byte{0x11}, int(pages*uint64(bs.GetPageSize())))
	require.NoError(t, bs.WriteBlob(clone, ch, overwrite, 0, pages))

	snapReread := make([]byte, len(payload))
	snap, err := bs.OpenBlob(snapID, OpenBlobOpts{ReadOnly: true})
	require.NoError(t, err)
	require.NoError(t, bs.ReadBlob(snap, ch, snapReread, 0, pages))
	require.Equal(t, payload, snapReread, "writing through a clone must never mutate the shared parent snapshot")

	require.NoError(t, bs.CloseBlob(snap))
	require.NoError(t, bs.CloseBlob(clone))
	require.NoError(t, bs.CloseBlob(orig))
}

func TestInflateMaterializesAndClearsParent(t *testing.T) {
	bs, _ := mustInit(t, 20)

	baseID, err := bs.CreateBlob(CreateBlobOpts{NumClusters: 1})
	require.NoError(t, err)
	base, err := bs.OpenBlob(baseID, OpenBlobOpts{})
	require.NoError(t, err)

	ch, err := bs.AllocIOChannel()
	require.NoError(t, err)
	defer bs.FreeIOChannel(ch)

	pages := base.NumClusters() * uint64(bs.GetClusterSize()) / uint64(bs.GetPageSize())
	payload := bytes.Repeat([]byte{0x5c}, int(pages*uint64(bs.GetPageSize())))
	require.NoError(t, bs.WriteBlob(base, ch, payload, 0, pages))

	snapID, err := bs.CreateSnapshot(base, nil)
	require.NoError(t, err)

	cloneID, err := bs.CreateClone(snapID, nil)
	require.NoError(t, err)
	clone, err := bs.OpenBlob(cloneID, OpenBlobOpts{})
	require.NoError(t, err)
	require.Equal(t, snapID, clone.ParentID())

	require.NoError(t, bs.Inflate(clone, ch))
	require.Equal(t, InvalidBlobID, clone.ParentID())

	read := make([]byte, len(payload))
	require.NoError(t, bs.ReadBlob(clone, ch, read, 0, pages))
	require.Equal(t, payload, read, "inflate must preserve the data the clone inherited before materializing it")

	require.NoError(t, bs.CloseBlob(clone))
	require.NoError(t, bs.CloseBlob(base))
}

func TestDeleteBlobRejectsWhileOpen(t *testing.T) {
	bs, _ := mustInit(t, 20)

	id, err := bs.CreateBlob(CreateBlobOpts{})
	require.NoError(t, err)
	b, err := bs.OpenBlob(id, OpenBlobOpts{})
	require.NoError(t, err)

	err = bs.DeleteBlob(id)
	require.Error(t, err)
	require.True(t, IsKind(err, KindBusy))

	require.NoError(t, bs.CloseBlob(b))
	require.NoError(t, bs.DeleteBlob(id))
}

func TestDeleteBlobRejectsWithClone(t *testing.T) {
	bs, _ := mustInit(t, 20)

	origID, err := bs.CreateBlob(CreateBlobOpts{NumClusters: 1})
	require.NoError(t, err)
	orig, err := bs.OpenBlob(origID, OpenBlobOpts{})
	require.NoError(t, err)

	snapID, err := bs.CreateSnapshot(orig, nil)
	require.NoError(t, err)
	require.NoError(t, bs.CloseBlob(orig))

	cloneID, err := bs.CreateClone(snapID, nil)
	require.NoError(t, err)

	err = bs.DeleteBlob(snapID)
	require.Error(t, err)
	require.True(t, IsKind(err, KindBusy))

	clone, err := bs.OpenBlob(cloneID, OpenBlobOpts{})
	require.NoError(t, err)
	require.NoError(t, bs.CloseBlob(clone))
	require.NoError(t, bs.DeleteBlob(cloneID))
	// The snapshotted source is itself parented at the snapshot, so it
	// must go too before the snapshot is free to delete.
	require.NoError(t, bs.DeleteBlob(origID))
	require.NoError(t, bs.DeleteBlob(snapID))
}

func TestXattrSetGetRemove(t *testing.T) {
	bs, _ := mustInit(t, 20)
	id, err := bs.CreateBlob(CreateBlobOpts{})
	require.NoError(t, err)
	b, err := bs.OpenBlob(id, OpenBlobOpts{})
	require.NoError(t, err)

	require.NoError(t, bs.SetXattr(b, "user.tag", []byte("v1")))
	val, err := bs.GetXattrValue(b, "user.tag")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
	require.Equal(t, []string{"user.tag"}, bs.GetXattrNames(b))

	require.NoError(t, bs.RemoveXattr(b, "user.tag"))
	_, err = bs.GetXattrValue(b, "user.tag")
	require.True(t, IsKind(err, KindNotFound))

	require.NoError(t, bs.CloseBlob(b))
}

func TestIteratorWalksEveryBlob(t *testing.T) {
	bs, _ := mustInit(t, 20)
	var ids []BlobID
	for i := 0; i < 3; i++ {
		id, err := bs.CreateBlob(CreateBlobOpts{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	it, err := bs.IterFirst()
	require.NoError(t, err)
	defer it.Close()

	seen := make(map[BlobID]bool)
	for b := it.Blob(); b != nil; b = it.Blob() {
		seen[b.ID()] = true
		more, err := it.Next()
		require.NoError(t, err)
		if !more {
			break
		}
	}
	for _, id := range ids {
		require.True(t, seen[id])
	}
}

func TestUnloadRefusesWhileBlobsOpen(t *testing.T) {
	bs, _ := mustInit(t, 20)
	id, err := bs.CreateBlob(CreateBlobOpts{})
	require.NoError(t, err)
	b, err := bs.OpenBlob(id, OpenBlobOpts{})
	require.NoError(t, err)

	err = bs.Unload()
	require.Error(t, err)
	require.True(t, IsKind(err, KindBusy))

	require.NoError(t, bs.CloseBlob(b))
	require.NoError(t, bs.Unload())
}

// deferredUnmapDevice wraps Memory so a test can hold one Unmap call
// in flight, forcing a second concurrent request onto the engine's
// ENOMEM wait-queue (spec §4.H retry path).
type deferredUnmapDevice struct {
	*backend.Memory
	gate  chan struct{}
	calls int32 // Init's own whole-device unmap is call 0 and passes straight through
}

type deferredUnmapChannel struct {
	dev   *deferredUnmapDevice
	inner interfaces.Channel
}

func (c *deferredUnmapChannel) Device() interfaces.BsDev { return c.dev }

// CreateChannel must be overridden explicitly: the embedded *Memory's
// CreateChannel (otherwise promoted) would hand back a channel whose
// Device() points at the inner Memory, bypassing the Unmap override
// below entirely.
func (d *deferredUnmapDevice) CreateChannel() (interfaces.Channel, error) {
	inner, err := d.Memory.CreateChannel()
	if err != nil {
		return nil, err
	}
	return &deferredUnmapChannel{dev: d, inner: inner}, nil
}

func (d *deferredUnmapDevice) Unmap(_ interfaces.Channel, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	if atomic.AddInt32(&d.calls, 1) > 1 {
		<-d.gate
	}
	d.Memory.Unmap(nil, lba, count, cbArg, cb)
}

var _ interfaces.BsDev = (*deferredUnmapDevice)(nil)

func TestUnmapBlobEnomemRetryThroughPool(t *testing.T) {
	inner := newTestDevice(t, 20)
	dev := &deferredUnmapDevice{Memory: inner, gate: make(chan struct{})}

	bs, err := Init(dev, Options{ClusterSize: testClusterSize, NumMdPages: 8, MaxChannelOps: 1})
	require.NoError(t, err)

	id, err := bs.CreateBlob(CreateBlobOpts{NumClusters: 2})
	require.NoError(t, err)
	b, err := bs.OpenBlob(id, OpenBlobOpts{})
	require.NoError(t, err)

	ch, err := bs.AllocIOChannel()
	require.NoError(t, err)
	defer bs.FreeIOChannel(ch)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	// Both goroutines race to acquire the channel's single request-set
	// slot; whichever loses gets ENOMEM and parks on the engine's
	// wait-queue until the winner's Unmap call unblocks below. Either
	// ordering must finish cleanly once the gate closes.
	go func() {
		defer wg.Done()
		errs[0] = bs.UnmapBlob(b, ch, 0, 1)
	}()
	go func() {
		defer wg.Done()
		errs[1] = bs.UnmapBlob(b, ch, 1, 1)
	}()

	close(dev.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NoError(t, bs.CloseBlob(b))
}
