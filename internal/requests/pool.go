// Package requests implements the sequence, batch, and user-op request
// primitives that compose multi-step async BsDev calls into a single
// completion, including the ENOMEM wait-queue that redrives a request
// once a pool slot frees.
package requests

import "sync"

// waiter is one entry on a Pool's ENOMEM wait-queue: a closure that
// re-attempts whatever allocation previously failed, invoked once a
// slot has been freed; it must claim that slot itself.
type waiter struct {
	retry func()
}

// Pool bounds the number of concurrently outstanding request sets on
// one channel, sized by the blobstore's configured max_md_ops or
// max_channel_ops. Exhaustion is signaled by TryAcquire returning
// false; callers enqueue a retry closure rather than treating it as a
// fatal error, per the ENOMEM-is-a-retry-signal policy.
type Pool struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []waiter
}

// NewPool returns a Pool with the given slot capacity.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity}
}

// TryAcquire reserves one slot if available.
func (p *Pool) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse >= p.capacity {
		return false
	}
	p.inUse++
	return true
}

// Release frees one slot. If a waiter is queued, it is popped and its
// retry closure invoked synchronously after the slot has been freed:
// the freed capacity is there for the waiter's own
// re-attempt (typically another TryAcquire) to claim, but nothing
// stops a concurrent caller from winning the race instead, in which
// case the waiter's retry observes ENOMEM again and re-enqueues.
func (p *Pool) Release() {
	p.mu.Lock()
	p.inUse--
	var next *waiter
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		next = &w
	}
	p.mu.Unlock()
	if next != nil {
		next.retry()
	}
}

// Enqueue registers retry to run the next time a slot is released.
// Used by a caller that just got ENOMEM from TryAcquire; if a slot was
// freed between that failure and this call, retry runs immediately
// instead, so the wake-up is never lost.
func (p *Pool) Enqueue(retry func()) {
	p.mu.Lock()
	if p.inUse < p.capacity {
		p.mu.Unlock()
		retry()
		return
	}
	p.waiters = append(p.waiters, waiter{retry: retry})
	p.mu.Unlock()
}

// WaitQueueDepth reports the number of requests currently queued on
// ENOMEM, surfaced through Observer.ObserveWaitQueueDepth.
func (p *Pool) WaitQueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// InUse reports the number of slots currently held.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
