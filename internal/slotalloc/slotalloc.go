// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package slotalloc tracks which hardware breakpoint/watchpoint/trigger
// slots are currently armed, for the Cortex-M FPB/DWT comparator banks and
// the RISC-V trigger module.
package slotalloc

import "github.com/boljen/go-bitmap"

// Bitmap records which of n hardware slots are in use.
type Bitmap struct {
	bm bitmap.Bitmap
	n  int
}

// New allocates a tracker for n hardware slots.
func New(n int) *Bitmap {
	return &Bitmap{bm: bitmap.New(n), n: n}
}

// Take reserves the lowest-indexed free slot, returning -1 if none remain.
func (b *Bitmap) Take() int {
	for i := 0; i < b.n; i++ {
		if !b.bm.Get(i) {
			b.bm.Set(i, true)
			return i
		}
	}
	return -1
}

// Free releases slot i.
func (b *Bitmap) Free(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.bm.Set(i, false)
}

// Size returns the number of hardware slots tracked.
func (b *Bitmap) Size() int {
	return b.n
}

// InUse reports whether slot i is currently reserved.
func (b *Bitmap) InUse(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bm.Get(i)
}
