package bsdev

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blobstore-go/blobstore/internal/interfaces"
)

func TestZeroesDevReadsAlwaysZero(t *testing.T) {
	z := Zeroes()
	ch, err := z.CreateChannel()
	require.NoError(t, err)
	require.True(t, z.IsZeroes(0, 1<<20))

	buf := []byte{1, 2, 3, 4}
	var gotErr error
	z.Read(ch, buf, 0, 1, nil, func(_ interface{}, err error) { gotErr = err })
	require.NoError(t, gotErr)
	require.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestZeroesDevRejectsMutation(t *testing.T) {
	z := Zeroes()
	ch, _ := z.CreateChannel()

	var gotErr error
	z.Write(ch, []byte{1}, 0, 1, nil, func(_ interface{}, err error) { gotErr = err })
	require.ErrorIs(t, gotErr, syscall.EPERM)

	gotErr = nil
	z.Unmap(ch, 0, 1, nil, func(_ interface{}, err error) { gotErr = err })
	require.ErrorIs(t, gotErr, syscall.EPERM)
}

// fakeBlob is a minimal interfaces.BlobReader backing a fixed byte
// buffer, standing in for a real *blobstore.Blob in isolation from the
// root package (which itself imports bsdev, so a direct dependency
// would cycle).
type fakeBlob struct {
	data   []byte
	closed bool
}

func (f *fakeBlob) ReadAt(_ interfaces.Channel, buf []byte, offset uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	n := copy(buf, f.data[offset:])
	if n < len(buf) {
		cb(cbArg, syscall.EINVAL)
		return
	}
	cb(cbArg, nil)
}

func (f *fakeBlob) Close(cbArg interface{}, cb interfaces.CompletionFunc) {
	f.closed = true
	cb(cbArg, nil)
}

func (f *fakeBlob) BlockCount() uint64 { return uint64(len(f.data)) / 512 }
func (f *fakeBlob) BlockLen() uint32   { return 512 }

func TestBlobBsDevReadForwardsToWrappedBlob(t *testing.T) {
	blob := &fakeBlob{data: make([]byte, 4096)}
	copy(blob.data[512:], []byte("cluster-payload"))

	dev := NewBlobBsDev(blob)
	ch, err := dev.CreateChannel()
	require.NoError(t, err)
	require.Equal(t, ch.Device(), dev)

	buf := make([]byte, 512)
	var gotErr error
	dev.Read(ch, buf, 1, 1, nil, func(_ interface{}, err error) { gotErr = err })
	require.NoError(t, gotErr)
	require.Contains(t, string(buf), "cluster-payload")
}

func TestBlobBsDevRejectsMutation(t *testing.T) {
	dev := NewBlobBsDev(&fakeBlob{data: make([]byte, 512)})
	ch, _ := dev.CreateChannel()

	var gotErr error
	dev.Write(ch, make([]byte, 512), 0, 1, nil, func(_ interface{}, err error) { gotErr = err })
	require.ErrorIs(t, gotErr, syscall.EPERM)

	gotErr = nil
	dev.WriteZeroes(ch, 0, 1, nil, func(_ interface{}, err error) { gotErr = err })
	require.ErrorIs(t, gotErr, syscall.EPERM)
}

func TestBlobBsDevDestroyClosesWrappedBlob(t *testing.T) {
	blob := &fakeBlob{data: make([]byte, 512)}
	dev := NewBlobBsDev(blob)
	dev.Destroy()
	require.True(t, blob.closed)
}

func TestBlobBsDevReadvWalksEachIOVInOrder(t *testing.T) {
	blob := &fakeBlob{data: make([]byte, 4096)}
	copy(blob.data[0:], []byte("AAAA"))
	copy(blob.data[512:], []byte("BBBB"))

	dev := NewBlobBsDev(blob)
	ch, _ := dev.CreateChannel()

	iov0 := make([]byte, 512)
	iov1 := make([]byte, 512)
	var gotErr error
	dev.Readv(ch, [][]byte{iov0, iov1}, 0, 2, nil, func(_ interface{}, err error) { gotErr = err })
	require.NoError(t, gotErr)
	require.Contains(t, string(iov0), "AAAA")
	require.Contains(t, string(iov1), "BBBB")
}
