package backend

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenFileCreatesAndSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.img")
	d, err := OpenFile(path, 4096, 512)
	require.NoError(t, err)
	defer d.Destroy()

	require.Equal(t, uint64(8), d.BlockCount())
	require.Equal(t, uint32(512), d.BlockLen())
}

func TestOpenFileDoesNotShrinkExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.img")
	d1, err := OpenFile(path, 8192, 512)
	require.NoError(t, err)
	d1.Destroy()

	d2, err := OpenFile(path, 4096, 512)
	require.NoError(t, err)
	defer d2.Destroy()

	info, err := d2.f.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(8192), info.Size())
}

func TestFileReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.img")
	d, err := OpenFile(path, 4096, 512)
	require.NoError(t, err)
	defer d.Destroy()
	ch, err := d.CreateChannel()
	require.NoError(t, err)

	write := make([]byte, 512)
	for i := range write {
		write[i] = byte(i)
	}
	var writeErr error
	d.Write(ch, write, 3, 1, nil, func(_ interface{}, err error) { writeErr = err })
	require.NoError(t, writeErr)

	read := make([]byte, 512)
	var readErr error
	d.Read(ch, read, 3, 1, nil, func(_ interface{}, err error) { readErr = err })
	require.NoError(t, readErr)
	require.Equal(t, write, read)
}

func TestFileReadvWritev(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.img")
	d, err := OpenFile(path, 4096, 512)
	require.NoError(t, err)
	defer d.Destroy()
	ch, err := d.CreateChannel()
	require.NoError(t, err)

	a := make([]byte, 512)
	b := make([]byte, 512)
	for i := range a {
		a[i] = 0xAA
	}
	for i := range b {
		b[i] = 0xBB
	}

	var writevErr error
	d.Writev(ch, [][]byte{a, b}, 0, 2, nil, func(_ interface{}, err error) { writevErr = err })
	require.NoError(t, writevErr)

	ra := make([]byte, 512)
	rb := make([]byte, 512)
	var readvErr error
	d.Readv(ch, [][]byte{ra, rb}, 0, 2, nil, func(_ interface{}, err error) { readvErr = err })
	require.NoError(t, readvErr)
	require.Equal(t, a, ra)
	require.Equal(t, b, rb)
}

func TestFileUnmapAndWriteZeroesZeroFill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.img")
	d, err := OpenFile(path, 4096, 512)
	require.NoError(t, err)
	defer d.Destroy()
	ch, err := d.CreateChannel()
	require.NoError(t, err)

	fill := make([]byte, 512)
	for i := range fill {
		fill[i] = 0xCD
	}
	d.Write(ch, fill, 0, 1, nil, func(interface{}, error) {})
	d.Unmap(ch, 0, 1, nil, func(interface{}, error) {})

	back := make([]byte, 512)
	d.Read(ch, back, 0, 1, nil, func(interface{}, error) {})
	require.Equal(t, make([]byte, 512), back)

	d.Write(ch, fill, 0, 1, nil, func(interface{}, error) {})
	d.WriteZeroes(ch, 0, 1, nil, func(interface{}, error) {})
	d.Read(ch, back, 0, 1, nil, func(interface{}, error) {})
	require.Equal(t, make([]byte, 512), back)
}

func TestFileFlushSyncsSuccessfully(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.img")
	d, err := OpenFile(path, 4096, 512)
	require.NoError(t, err)
	defer d.Destroy()
	ch, err := d.CreateChannel()
	require.NoError(t, err)

	var flushErr error
	d.Flush(ch, nil, func(_ interface{}, err error) { flushErr = err })
	require.NoError(t, flushErr)
}

func TestMapIOErrTranslatesErrno(t *testing.T) {
	require.NoError(t, mapIOErr(nil))
	require.Equal(t, syscall.ENOENT, mapIOErr(&os.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}))
	require.Equal(t, syscall.EIO, mapIOErr(assertError{}))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
