// Package interfaces holds the contracts shared between the root
// package and the internal I/O machinery. Keeping them here, separate
// from both sides, avoids an import cycle between the blobstore type
// and the packages that drive its device and metrics.
package interfaces

// CompletionFunc is invoked exactly once when an async BsDev operation
// finishes. err is nil on success. The blobstore treats every non-nil
// err, ENOMEM included, as the final result of that call; a completion
// with ENOMEM is not queued or resubmitted. Only exhaustion of a
// channel's request-set pool is retried.
type CompletionFunc func(cbArg interface{}, err error)

// Channel is a per-executor handle bound to one BsDev. Operations
// submitted on the same channel complete in FIFO order for overlapping
// LBA regions; across channels no ordering is guaranteed.
type Channel interface {
	Device() BsDev
}

// BsDev is the uniform async block-device contract the blobstore drives
// every metadata and data I/O through. All mutating and read operations
// are asynchronous; cbArg is returned to cb uninterpreted so callers can
// thread request-local state through without a closure allocation.
type BsDev interface {
	CreateChannel() (Channel, error)
	DestroyChannel(ch Channel)
	Destroy()

	BlockCount() uint64
	BlockLen() uint32

	// IsZeroes hints that a region is known to read as zero, letting a
	// caller skip issuing a Read it already knows the answer to.
	IsZeroes(lba uint64, count uint64) bool

	Read(ch Channel, buf []byte, lba, count uint64, cbArg interface{}, cb CompletionFunc)
	Write(ch Channel, buf []byte, lba, count uint64, cbArg interface{}, cb CompletionFunc)
	Readv(ch Channel, iovs [][]byte, lba, count uint64, cbArg interface{}, cb CompletionFunc)
	Writev(ch Channel, iovs [][]byte, lba, count uint64, cbArg interface{}, cb CompletionFunc)
	Unmap(ch Channel, lba, count uint64, cbArg interface{}, cb CompletionFunc)
	WriteZeroes(ch Channel, lba, count uint64, cbArg interface{}, cb CompletionFunc)
	Flush(ch Channel, cbArg interface{}, cb CompletionFunc)
}

// BlobReader is the minimal read-only surface a BlobBsDev needs from an
// open blob. The root package's Blob type implements it; defining it
// here (rather than importing the root package) keeps internal/bsdev
// free of an import cycle back to the package that constructs it.
type BlobReader interface {
	ReadAt(ch Channel, buf []byte, offset uint64, cbArg interface{}, cb CompletionFunc)
	Close(cbArg interface{}, cb CompletionFunc)
	BlockCount() uint64
	BlockLen() uint32
}

// Logger is the structured logging surface the rest of the module is
// written against; internal/logging provides the zerolog-backed
// implementation.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
}

// Observer receives metrics events from the I/O path. Implementations
// must be safe to call from the metadata executor goroutine and from
// any channel goroutine concurrently.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveUnmap(bytes uint64, latencyNs uint64, success bool)
	ObserveWriteZeroes(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveENOMEMRetry()
	ObserveWaitQueueDepth(depth int)
	ObserveOpenBlobs(count int)
}
