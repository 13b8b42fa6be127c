package requests

import (
	"syscall"

	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// Engine serves the sequence, batch, and user-op APIs for one channel
// out of a single shared request-set pool.
type Engine struct {
	pool *Pool
}

// NewEngine returns an Engine backed by a pool of the given capacity
// (max_md_ops for a metadata channel, max_channel_ops for a data
// channel).
func NewEngine(capacity int) *Engine {
	return &Engine{pool: NewPool(capacity)}
}

// WaitQueueDepth reports the engine's current ENOMEM wait-queue depth.
func (e *Engine) WaitQueueDepth() int { return e.pool.WaitQueueDepth() }

// SequenceCompletion is the overall completion a sequence was started
// with; it fires exactly once, when the sequence finishes.
type SequenceCompletion func(arg interface{}, err error)

// SeqOpCompletion is the per-call completion passed to an individual
// sequence_* op; it is invoked once that op's BsDev call completes.
type SeqOpCompletion func(seq *Sequence, err error)

// Sequence drives one BsDev op at a time to completion, threading the
// caller through manually: each sequence_* call's own completion
// decides whether to issue another op on the same sequence or call
// Finish.
type Sequence struct {
	engine  *Engine
	channel interfaces.Channel
	arg     interface{}
	doneCB  SequenceCompletion
}

// SequenceStart allocates a request set and returns a Sequence bound to
// ch. Returns (nil, syscall.ENOMEM) if the pool is exhausted; the
// caller is expected to retry via Pool.Enqueue (see EnqueueRetry).
func (e *Engine) SequenceStart(ch interfaces.Channel, arg interface{}, cb SequenceCompletion) (*Sequence, error) {
	if !e.pool.TryAcquire() {
		return nil, syscall.ENOMEM
	}
	return &Sequence{engine: e, channel: ch, arg: arg, doneCB: cb}, nil
}

// EnqueueRetry registers fn to run the next time this engine's pool
// frees a slot, implementing the ENOMEM retry path of spec §4.H: the
// same submission is re-attempted rather than failed outright.
func (e *Engine) EnqueueRetry(fn func()) {
	e.pool.Enqueue(fn)
}

func (s *Sequence) dev() interfaces.BsDev { return s.channel.Device() }

// Read submits one read on the sequence's channel.
func (s *Sequence) Read(buf []byte, lba, count uint64, cb SeqOpCompletion) {
	s.dev().Read(s.channel, buf, lba, count, nil, func(_ interface{}, err error) { cb(s, err) })
}

// Write submits one write on the sequence's channel.
func (s *Sequence) Write(buf []byte, lba, count uint64, cb SeqOpCompletion) {
	s.dev().Write(s.channel, buf, lba, count, nil, func(_ interface{}, err error) { cb(s, err) })
}

// Readv submits one vectored read on the sequence's channel.
func (s *Sequence) Readv(iovs [][]byte, lba, count uint64, cb SeqOpCompletion) {
	s.dev().Readv(s.channel, iovs, lba, count, nil, func(_ interface{}, err error) { cb(s, err) })
}

// Writev submits one vectored write on the sequence's channel.
func (s *Sequence) Writev(iovs [][]byte, lba, count uint64, cb SeqOpCompletion) {
	s.dev().Writev(s.channel, iovs, lba, count, nil, func(_ interface{}, err error) { cb(s, err) })
}

// Unmap submits one unmap on the sequence's channel.
func (s *Sequence) Unmap(lba, count uint64, cb SeqOpCompletion) {
	s.dev().Unmap(s.channel, lba, count, nil, func(_ interface{}, err error) { cb(s, err) })
}

// WriteZeroes submits one write-zeroes on the sequence's channel.
func (s *Sequence) WriteZeroes(lba, count uint64, cb SeqOpCompletion) {
	s.dev().WriteZeroes(s.channel, lba, count, nil, func(_ interface{}, err error) { cb(s, err) })
}

// Flush submits one flush on the sequence's channel.
func (s *Sequence) Flush(cb SeqOpCompletion) {
	s.dev().Flush(s.channel, nil, func(_ interface{}, err error) { cb(s, err) })
}

// Finish releases the sequence's request set and invokes the overall
// completion registered at SequenceStart with err.
func (s *Sequence) Finish(err error) {
	doneCB, arg := s.doneCB, s.arg
	s.engine.pool.Release()
	doneCB(arg, err)
}

// ToBatch converts the sequence into a batch, carrying over its pool
// slot and channel without an intervening release/acquire. Used when a
// single-step plan turns out to need fan-out (e.g. readv/writev
// splitting across cluster boundaries, spec §4.H).
func (s *Sequence) ToBatch(cb BatchCompletion) *Batch {
	return &Batch{engine: s.engine, channel: s.channel, arg: s.arg, doneCB: cb}
}
