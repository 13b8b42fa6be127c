package bsdev

import (
	"syscall"

	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// ZeroesDev is the shared, infinite-length backing device consulted for
// reads of thin-provisioned, unallocated clusters. It is a singleton:
// all blobs with no explicit backing share the same instance.
type ZeroesDev struct{}

var shared = &ZeroesDev{}

// Zeroes returns the process-wide ZeroesDev instance.
func Zeroes() *ZeroesDev { return shared }

type zeroesChannel struct{ dev *ZeroesDev }

func (c *zeroesChannel) Device() interfaces.BsDev { return c.dev }

func (z *ZeroesDev) CreateChannel() (interfaces.Channel, error) {
	return &zeroesChannel{dev: z}, nil
}

func (z *ZeroesDev) DestroyChannel(interfaces.Channel) {}

// Destroy is a no-op; the zeroes device outlives any one blobstore.
func (z *ZeroesDev) Destroy() {}

// BlockCount reports the maximum addressable LBA, effectively unbounded
// for this device's purpose.
func (z *ZeroesDev) BlockCount() uint64 { return ^uint64(0) }

func (z *ZeroesDev) BlockLen() uint32 { return 0 }

// IsZeroes is always true: every LBA on this device reads as zero.
func (z *ZeroesDev) IsZeroes(uint64, uint64) bool { return true }

func (z *ZeroesDev) Read(_ interfaces.Channel, buf []byte, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	for i := range buf {
		buf[i] = 0
	}
	cb(cbArg, nil)
}

func (z *ZeroesDev) Readv(_ interfaces.Channel, iovs [][]byte, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	for _, iov := range iovs {
		for i := range iov {
			iov[i] = 0
		}
	}
	cb(cbArg, nil)
}

func (z *ZeroesDev) Write(_ interfaces.Channel, _ []byte, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, syscall.EPERM)
}

func (z *ZeroesDev) Writev(_ interfaces.Channel, _ [][]byte, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, syscall.EPERM)
}

func (z *ZeroesDev) Unmap(_ interfaces.Channel, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, syscall.EPERM)
}

func (z *ZeroesDev) WriteZeroes(_ interfaces.Channel, _, _ uint64, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, syscall.EPERM)
}

func (z *ZeroesDev) Flush(_ interfaces.Channel, cbArg interface{}, cb interfaces.CompletionFunc) {
	cb(cbArg, nil)
}
