package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	m := NewMemory(4096, 512)
	defer m.Destroy()
	ch, err := m.CreateChannel()
	require.NoError(t, err)
	require.Equal(t, uint64(8), m.BlockCount())
	require.Equal(t, uint32(512), m.BlockLen())

	data := []byte("the quick brown fox jumps over the lazy dog....")
	write := make([]byte, 512)
	copy(write, data)

	var writeErr error
	m.Write(ch, write, 2, 1, nil, func(_ interface{}, err error) { writeErr = err })
	require.NoError(t, writeErr)

	read := make([]byte, 512)
	var readErr error
	m.Read(ch, read, 2, 1, nil, func(_ interface{}, err error) { readErr = err })
	require.NoError(t, readErr)
	require.Equal(t, write, read)
}

func TestMemoryReadWriteOutOfRange(t *testing.T) {
	m := NewMemory(4096, 512)
	defer m.Destroy()
	ch, err := m.CreateChannel()
	require.NoError(t, err)

	buf := make([]byte, 512)
	var readErr error
	m.Read(ch, buf, 100, 1, nil, func(_ interface{}, err error) { readErr = err })
	require.Error(t, readErr)

	var writeErr error
	m.Write(ch, buf, 100, 1, nil, func(_ interface{}, err error) { writeErr = err })
	require.Error(t, writeErr)
}

func TestMemoryReadvWritev(t *testing.T) {
	m := NewMemory(4096, 512)
	defer m.Destroy()
	ch, err := m.CreateChannel()
	require.NoError(t, err)

	a := make([]byte, 512)
	b := make([]byte, 512)
	for i := range a {
		a[i] = 0x11
	}
	for i := range b {
		b[i] = 0x22
	}

	var writevErr error
	m.Writev(ch, [][]byte{a, b}, 0, 2, nil, func(_ interface{}, err error) { writevErr = err })
	require.NoError(t, writevErr)

	ra := make([]byte, 512)
	rb := make([]byte, 512)
	var readvErr error
	m.Readv(ch, [][]byte{ra, rb}, 0, 2, nil, func(_ interface{}, err error) { readvErr = err })
	require.NoError(t, readvErr)
	require.Equal(t, a, ra)
	require.Equal(t, b, rb)
}

func TestMemoryUnmapAndWriteZeroesZeroFill(t *testing.T) {
	m := NewMemory(4096, 512)
	defer m.Destroy()
	ch, err := m.CreateChannel()
	require.NoError(t, err)

	fill := make([]byte, 512)
	for i := range fill {
		fill[i] = 0xAB
	}
	m.Write(ch, fill, 0, 1, nil, func(interface{}, error) {})

	m.Unmap(ch, 0, 1, nil, func(interface{}, error) {})

	back := make([]byte, 512)
	m.Read(ch, back, 0, 1, nil, func(interface{}, error) {})
	require.Equal(t, make([]byte, 512), back)

	m.Write(ch, fill, 0, 1, nil, func(interface{}, error) {})
	m.WriteZeroes(ch, 0, 1, nil, func(interface{}, error) {})
	m.Read(ch, back, 0, 1, nil, func(interface{}, error) {})
	require.Equal(t, make([]byte, 512), back)
}

func TestMemoryFlushIsNoOpSuccess(t *testing.T) {
	m := NewMemory(4096, 512)
	defer m.Destroy()
	ch, err := m.CreateChannel()
	require.NoError(t, err)

	var flushErr error
	m.Flush(ch, nil, func(_ interface{}, err error) { flushErr = err })
	require.NoError(t, flushErr)
}

func TestMemoryShardBoundaryCrossingWrite(t *testing.T) {
	// sizeBytes spans multiple shardSize (64KiB) regions so the write
	// exercises the multi-shard lock-range path in shardRange.
	m := NewMemory(256*1024, 512)
	defer m.Destroy()
	ch, err := m.CreateChannel()
	require.NoError(t, err)

	blocksPerShard := shardSize / 512
	count := uint64(blocksPerShard) * 3
	buf := make([]byte, count*512)
	for i := range buf {
		buf[i] = byte(i)
	}

	var writeErr error
	m.Write(ch, buf, 0, count, nil, func(_ interface{}, err error) { writeErr = err })
	require.NoError(t, writeErr)

	back := make([]byte, count*512)
	var readErr error
	m.Read(ch, back, 0, count, nil, func(_ interface{}, err error) { readErr = err })
	require.NoError(t, readErr)
	require.Equal(t, buf, back)
}
