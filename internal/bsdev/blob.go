package bsdev

import (
	"syscall"

	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// BlobBsDev adapts an open, read-only blob into a BsDev so it can back
// a clone or inflate-in-progress blob the same way any other device
// would. Reads forward to the wrapped blob's data path; every mutating
// operation is rejected with EPERM. Destroy closes the wrapped blob,
// releasing the open-handle reference that keeps it alive.
type BlobBsDev struct {
	blob interfaces.BlobReader
}

// NewBlobBsDev wraps an already-open blob.
func NewBlobBsDev(blob interfaces.BlobReader) *BlobBsDev {
	return &BlobBsDev{blob: blob}
}

type blobChannel struct{ dev *BlobBsDev }

func (c *blobChannel) Device() interfaces.BsDev { return c.dev }

func (b *BlobBsDev) CreateChannel() (interfaces.Channel, error) {
	return &blobChannel{dev: b}, nil
}

func (b *BlobBsDev) DestroyChannel(interfaces.Channel) {}

// Destroy closes the wrapped blob, dropping the reference that was
// keeping it open on behalf of this adapter.
func (b *BlobBsDev) Destroy() {
	b.blob.Close(nil, func(interface{}, error) {})
}

func (b *BlobBsDev) BlockCount() uint64 { return b.blob.BlockCount() }
func (b *BlobBsDev) BlockLen() uint32   { return b.blob.BlockLen() }

// IsZeroes is conservative: the wrapped blob may itself have
// unallocated regions backed by its own parent, but determining that
// without issuing a read would require exposing more of its internals
// than this adapter needs; callers that care use Read directly.
func (b *BlobBsDev) IsZeroes(uint64, uint64) bool { return false }

func (b *BlobBsDev) Read(ch interfaces.Channel, buf []byte, lba, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	offset := lba * uint64(b.blob.BlockLen())
	b.blob.ReadAt(ch, buf, offset, cbArg, cb)
}

func (b *BlobBsDev) Readv(ch interfaces.Channel, iovs [][]byte, lba, count uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	offset := lba * uint64(b.blob.BlockLen())
	pos := 0
	var walk func(idx int, off uint64, err error)
	walk = func(idx int, off uint64, err error) {
		if err != nil || idx == len(iovs) {
			cb(cbArg, err)
			return
		}
		iov := iovs[idx]
		b.blob.ReadAt(ch, iov, off, nil, func(_ interface{}, err error) {
			walk(idx+1, off+uint64(len(iov)), err)
		})
		pos += len(iov)
	}
	walk(0, offset, nil)
}

func (b *BlobBsDev) Write(_ interfaces.Channel, _ []byte, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, syscall.EPERM)
}

func (b *BlobBsDev) Writev(_ interfaces.Channel, _ [][]byte, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, syscall.EPERM)
}

func (b *BlobBsDev) Unmap(_ interfaces.Channel, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, syscall.EPERM)
}

func (b *BlobBsDev) WriteZeroes(_ interfaces.Channel, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, syscall.EPERM)
}

func (b *BlobBsDev) Flush(_ interfaces.Channel, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, nil)
}
