// Package backend provides concrete BsDev implementations: an
// in-memory device for tests and ephemeral stores, and a file-backed
// device for anything that needs to survive a process restart.
package backend

import (
	"sync"
	"syscall"

	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// shardSize bounds the lock granularity of Memory: large enough to
// keep per-op lock overhead low, small enough that concurrent channels
// touching different regions rarely contend.
const shardSize = 64 * 1024

// Memory is a RAM-backed BsDev. It completes every operation
// synchronously, before the call that issued it returns; this is a
// valid BsDev (the contract only requires the completion signature, not
// that completion be deferred) and makes it a convenient test device.
type Memory struct {
	data     []byte
	blockLen uint32
	blockCnt uint64
	shards   []sync.RWMutex
}

// NewMemory allocates a Memory device of sizeBytes, addressed in
// blockLen-sized blocks.
func NewMemory(sizeBytes int64, blockLen uint32) *Memory {
	numShards := (sizeBytes + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:     make([]byte, sizeBytes),
		blockLen: blockLen,
		blockCnt: uint64(sizeBytes) / uint64(blockLen),
		shards:   make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

type memoryChannel struct{ dev *Memory }

func (c *memoryChannel) Device() interfaces.BsDev { return c.dev }

func (m *Memory) CreateChannel() (interfaces.Channel, error) {
	return &memoryChannel{dev: m}, nil
}

func (m *Memory) DestroyChannel(interfaces.Channel) {}

// Destroy releases the backing buffer.
func (m *Memory) Destroy() { m.data = nil }

func (m *Memory) BlockCount() uint64 { return m.blockCnt }
func (m *Memory) BlockLen() uint32   { return m.blockLen }

func (m *Memory) IsZeroes(uint64, uint64) bool { return false }

func (m *Memory) span(lba, count uint64) (off, n int64, ok bool) {
	off = int64(lba) * int64(m.blockLen)
	n = int64(count) * int64(m.blockLen)
	return off, n, off >= 0 && n >= 0 && off+n <= int64(len(m.data))
}

func (m *Memory) Read(_ interfaces.Channel, buf []byte, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	off, n, ok := m.span(lba, count)
	if !ok {
		cb(cbArg, syscall.EINVAL)
		return
	}
	start, end := m.shardRange(off, n)
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	copy(buf, m.data[off:off+n])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	cb(cbArg, nil)
}

func (m *Memory) Write(_ interfaces.Channel, buf []byte, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	off, n, ok := m.span(lba, count)
	if !ok {
		cb(cbArg, syscall.EINVAL)
		return
	}
	start, end := m.shardRange(off, n)
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	copy(m.data[off:off+n], buf)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	cb(cbArg, nil)
}

func (m *Memory) Readv(ch interfaces.Channel, iovs [][]byte, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	off, n, ok := m.span(lba, count)
	if !ok {
		cb(cbArg, syscall.EINVAL)
		return
	}
	start, end := m.shardRange(off, n)
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	pos := off
	for _, iov := range iovs {
		copy(iov, m.data[pos:pos+int64(len(iov))])
		pos += int64(len(iov))
	}
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	cb(cbArg, nil)
}

func (m *Memory) Writev(ch interfaces.Channel, iovs [][]byte, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	off, n, ok := m.span(lba, count)
	if !ok {
		cb(cbArg, syscall.EINVAL)
		return
	}
	start, end := m.shardRange(off, n)
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	pos := off
	for _, iov := range iovs {
		copy(m.data[pos:pos+int64(len(iov))], iov)
		pos += int64(len(iov))
	}
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	cb(cbArg, nil)
}

func (m *Memory) Unmap(_ interfaces.Channel, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	m.zero(lba, count)
	cb(cbArg, nil)
}

func (m *Memory) WriteZeroes(_ interfaces.Channel, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	m.zero(lba, count)
	cb(cbArg, nil)
}

func (m *Memory) zero(lba, count uint64) {
	off, n, ok := m.span(lba, count)
	if !ok {
		return
	}
	start, end := m.shardRange(off, n)
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	clear(m.data[off : off+n])
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
}

func (m *Memory) Flush(_ interfaces.Channel, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, nil)
}

var _ interfaces.BsDev = (*Memory)(nil)
