package backend

import (
	"os"
	"syscall"

	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// File is a regular-file-backed BsDev. os.File's ReadAt/WriteAt are
// safe for concurrent use by multiple goroutines since they operate on
// an explicit offset rather than the file's cursor, so no locking is
// needed here the way Memory needs shard locks.
type File struct {
	f        *os.File
	blockLen uint32
	blockCnt uint64
}

// OpenFile opens (or creates) path and sizes it to sizeBytes if it is
// not already at least that large, then wraps it as a BsDev addressed
// in blockLen-sized blocks.
func OpenFile(path string, sizeBytes int64, blockLen uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < sizeBytes {
		if err := f.Truncate(sizeBytes); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &File{f: f, blockLen: blockLen, blockCnt: uint64(sizeBytes) / uint64(blockLen)}, nil
}

type fileChannel struct{ dev *File }

func (c *fileChannel) Device() interfaces.BsDev { return c.dev }

func (d *File) CreateChannel() (interfaces.Channel, error) {
	return &fileChannel{dev: d}, nil
}

func (d *File) DestroyChannel(interfaces.Channel) {}

// Destroy closes the underlying file.
func (d *File) Destroy() { d.f.Close() }

func (d *File) BlockCount() uint64 { return d.blockCnt }
func (d *File) BlockLen() uint32   { return d.blockLen }

func (d *File) IsZeroes(uint64, uint64) bool { return false }

func (d *File) span(lba, count uint64) (off, n int64) {
	return int64(lba) * int64(d.blockLen), int64(count) * int64(d.blockLen)
}

func (d *File) Read(_ interfaces.Channel, buf []byte, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	off, _ := d.span(lba, count)
	_, err := d.f.ReadAt(buf, off)
	cb(cbArg, mapIOErr(err))
}

func (d *File) Write(_ interfaces.Channel, buf []byte, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	off, _ := d.span(lba, count)
	_, err := d.f.WriteAt(buf, off)
	cb(cbArg, mapIOErr(err))
}

func (d *File) Readv(_ interfaces.Channel, iovs [][]byte, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	off, _ := d.span(lba, count)
	pos := off
	for _, iov := range iovs {
		if _, err := d.f.ReadAt(iov, pos); err != nil {
			cb(cbArg, mapIOErr(err))
			return
		}
		pos += int64(len(iov))
	}
	cb(cbArg, nil)
}

func (d *File) Writev(_ interfaces.Channel, iovs [][]byte, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	off, _ := d.span(lba, count)
	pos := off
	for _, iov := range iovs {
		if _, err := d.f.WriteAt(iov, pos); err != nil {
			cb(cbArg, mapIOErr(err))
			return
		}
		pos += int64(len(iov))
	}
	cb(cbArg, nil)
}

// Unmap zero-fills the region; a plain file has no hole-punching
// primitive available without platform-specific fallocate flags, and
// the blobstore only relies on unmap to make the region read as zero.
func (d *File) Unmap(_ interfaces.Channel, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	d.WriteZeroes(nil, lba, count, cbArg, cb)
}

func (d *File) WriteZeroes(_ interfaces.Channel, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	off, n := d.span(lba, count)
	zeros := make([]byte, n)
	_, err := d.f.WriteAt(zeros, off)
	cb(cbArg, mapIOErr(err))
}

func (d *File) Flush(_ interfaces.Channel, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, mapIOErr(d.f.Sync()))
}

func mapIOErr(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno
		}
	}
	return syscall.EIO
}

var _ interfaces.BsDev = (*File)(nil)
