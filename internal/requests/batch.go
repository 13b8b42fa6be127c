package requests

import (
	"sync"
	"syscall"

	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// BatchCompletion fires once, when a batch's outstanding op count has
// dropped to zero and it has been closed.
type BatchCompletion func(arg interface{}, err error)

// Batch fans a variable number of ops out over one request set and
// fires its completion only once every op has completed and the
// caller has called Close. The first non-zero error among the ops
// becomes the batch's result; later errors are discarded.
type Batch struct {
	engine  *Engine
	channel interfaces.Channel
	arg     interface{}
	doneCB  BatchCompletion

	mu          sync.Mutex
	outstanding int
	closed      bool
	lastErr     error
	fired       bool
}

// BatchOpen allocates a request set and returns a Batch bound to ch.
// Returns (nil, syscall.ENOMEM) if the pool is exhausted.
func (e *Engine) BatchOpen(ch interfaces.Channel, arg interface{}, cb BatchCompletion) (*Batch, error) {
	if !e.pool.TryAcquire() {
		return nil, syscall.ENOMEM
	}
	return &Batch{engine: e, channel: ch, arg: arg, doneCB: cb}, nil
}

func (b *Batch) dev() interfaces.BsDev { return b.channel.Device() }

func (b *Batch) begin() {
	b.mu.Lock()
	b.outstanding++
	b.mu.Unlock()
}

func (b *Batch) opDone(err error) {
	b.mu.Lock()
	if err != nil && b.lastErr == nil {
		b.lastErr = err
	}
	b.outstanding--
	fire := b.outstanding == 0 && b.closed && !b.fired
	if fire {
		b.fired = true
	}
	lastErr := b.lastErr
	b.mu.Unlock()
	if fire {
		b.finish(lastErr)
	}
}

func (b *Batch) finish(err error) {
	b.engine.pool.Release()
	b.doneCB(b.arg, err)
}

// Read submits one read as part of the batch.
func (b *Batch) Read(buf []byte, lba, count uint64) {
	b.begin()
	b.dev().Read(b.channel, buf, lba, count, nil, func(_ interface{}, err error) { b.opDone(err) })
}

// Write submits one write as part of the batch.
func (b *Batch) Write(buf []byte, lba, count uint64) {
	b.begin()
	b.dev().Write(b.channel, buf, lba, count, nil, func(_ interface{}, err error) { b.opDone(err) })
}

// Unmap submits one unmap as part of the batch.
func (b *Batch) Unmap(lba, count uint64) {
	b.begin()
	b.dev().Unmap(b.channel, lba, count, nil, func(_ interface{}, err error) { b.opDone(err) })
}

// WriteZeroes submits one write-zeroes as part of the batch.
func (b *Batch) WriteZeroes(lba, count uint64) {
	b.begin()
	b.dev().WriteZeroes(b.channel, lba, count, nil, func(_ interface{}, err error) { b.opDone(err) })
}

// Close marks the batch as having no further ops. Once every
// previously-submitted op has completed, the batch's completion fires.
func (b *Batch) Close() {
	b.mu.Lock()
	b.closed = true
	fire := b.outstanding == 0 && !b.fired
	if fire {
		b.fired = true
	}
	lastErr := b.lastErr
	b.mu.Unlock()
	if fire {
		b.finish(lastErr)
	}
}
