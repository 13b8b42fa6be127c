// Package bitmap implements the resizable bit arrays used to track used
// clusters and used metadata pages (spec §4.C). It is a thin accounting
// layer over github.com/bits-and-blooms/bitset, which owns the actual
// word storage and grows it lazily as bits past the current length are
// set.
package bitmap

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Bitmap is a resizable bit array with first-free search and a running
// free-bit counter. It is not safe for concurrent use; callers serialize
// access through the metadata executor (spec §5).
type Bitmap struct {
	bits     *bitset.BitSet
	capacity uint
	freeBits uint
}

// New creates a Bitmap with the given initial capacity, all bits clear.
func New(capacity uint) *Bitmap {
	return &Bitmap{
		bits:     bitset.New(capacity),
		capacity: capacity,
		freeBits: capacity,
	}
}

// Capacity returns the number of addressable bits.
func (b *Bitmap) Capacity() uint {
	return b.capacity
}

// FreeCount returns the number of currently clear bits.
func (b *Bitmap) FreeCount() uint {
	return b.freeBits
}

// Resize grows or shrinks the logical capacity. Growing only extends the
// addressable range (new bits start clear); shrinking requires that every
// bit beyond the new capacity already be clear, matching the blobstore's
// own invariant that clusters/pages are released before the arrays that
// track them shrink.
func (b *Bitmap) Resize(newCapacity uint) error {
	if newCapacity == b.capacity {
		return nil
	}
	if newCapacity > b.capacity {
		b.freeBits += newCapacity - b.capacity
		b.capacity = newCapacity
		// bitset grows lazily on Set; touching the top bit and clearing it
		// forces storage to materialize the new range now rather than on
		// first use, so Test/NextClear see a consistent length immediately.
		if newCapacity > 0 {
			b.bits.Set(newCapacity - 1)
			b.bits.Clear(newCapacity - 1)
		}
		return nil
	}
	for i := newCapacity; i < b.capacity; i++ {
		if b.bits.Test(i) {
			return fmt.Errorf("bitmap: cannot shrink to %d, bit %d still set", newCapacity, i)
		}
	}
	b.capacity = newCapacity
	b.freeBits = b.countClear()
	return nil
}

func (b *Bitmap) countClear() uint {
	var n uint
	for i := uint(0); i < b.capacity; i++ {
		if !b.bits.Test(i) {
			n++
		}
	}
	return n
}

// Get reports whether bit i is set.
func (b *Bitmap) Get(i uint) bool {
	if i >= b.capacity {
		return false
	}
	return b.bits.Test(i)
}

// Set claims bit i. It is a programmer error to set an already-set bit or
// one past capacity; callers validate with Get first (spec §4.C
// claim_cluster asserts this).
func (b *Bitmap) Set(i uint) {
	if i >= b.capacity {
		panic(fmt.Sprintf("bitmap: Set(%d) out of range (capacity %d)", i, b.capacity))
	}
	if b.bits.Test(i) {
		panic(fmt.Sprintf("bitmap: Set(%d) already set", i))
	}
	b.bits.Set(i)
	b.freeBits--
}

// Clear releases bit i. Clearing an already-clear bit is a no-op error
// in the source semantics; we mirror that by panicking since it indicates
// a double-release bug in the caller.
func (b *Bitmap) Clear(i uint) {
	if i >= b.capacity {
		panic(fmt.Sprintf("bitmap: Clear(%d) out of range (capacity %d)", i, b.capacity))
	}
	if !b.bits.Test(i) {
		panic(fmt.Sprintf("bitmap: Clear(%d) already clear", i))
	}
	b.bits.Clear(i)
	b.freeBits++
}

// FindFirstClear returns the lowest clear bit at or after start, and false
// if none exists below capacity.
func (b *Bitmap) FindFirstClear(start uint) (uint, bool) {
	for i := start; i < b.capacity; i++ {
		if !b.bits.Test(i) {
			return i, true
		}
	}
	return 0, false
}

// FindFirstSet returns the lowest set bit at or after start, and false if
// none exists below capacity.
func (b *Bitmap) FindFirstSet(start uint) (uint, bool) {
	if start >= b.capacity {
		return 0, false
	}
	i, ok := b.bits.NextSet(start)
	if !ok || i >= b.capacity {
		return 0, false
	}
	return i, true
}

// SetFromMask loads bits from a serialized mask (as read from an on-disk
// mask page) and recomputes the free counter. Used by Blobstore.Load.
func (b *Bitmap) SetFromMask(mask []byte, lengthBits uint) {
	b.capacity = lengthBits
	b.bits = bitset.New(lengthBits)
	for i := uint(0); i < lengthBits; i++ {
		byteIdx := i / 8
		if byteIdx >= uint(len(mask)) {
			break
		}
		if mask[byteIdx]&(1<<(i%8)) != 0 {
			b.bits.Set(i)
		}
	}
	b.freeBits = b.countClear()
}

// ToMask serializes the bitmap into a byte slice suitable for an on-disk
// mask page (one bit per cluster/page, LSB-first within each byte).
func (b *Bitmap) ToMask() []byte {
	mask := make([]byte, (b.capacity+7)/8)
	for i := uint(0); i < b.capacity; i++ {
		if b.bits.Test(i) {
			mask[i/8] |= 1 << (i % 8)
		}
	}
	return mask
}
