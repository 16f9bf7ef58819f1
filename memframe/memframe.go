// Package memframe is the frame allocator (spec component C1): a flat
// bitmap over physical page numbers with first-fit contiguous allocation
// and an O(1) free-page fast-fail counter, grounded on the shape of
// biscuit's mem.Physmem_t (its Refpg_new/Refdown pair and the
// lockstep-maintained free count) but using spec.md §4.1's bitmap instead
// of biscuit's refcounted free list, since this kernel has no
// copy-on-write and therefore no need to refcount shared frames.
package memframe

import (
	"sync"

	"github.com/shard-kernel/shard/defs"
)

// PageShift and PageSize mirror biscuit's mem.PGSHIFT/mem.PGSIZE.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Frame is a page-aligned physical address, the Pa_t of this repo.
type Frame uintptr

// maxTrackedBytes bounds the bitmap to 4 GiB of physical memory, per
// spec.md §4.1 ("A flat bitmap of up to 4 GiB/4 KiB bits").
const maxTrackedBytes = 1 << 32
const maxPages = maxTrackedBytes / PageSize
const bitmapWords = maxPages / 64

// Range describes a byte-addressed physical memory range, the shape the
// firmware memory map (§6) and reserved regions are expressed in.
type Range struct {
	Addr Frame
	Len  uintptr
}

// Allocator is the bitmap frame allocator. One bit per page: 0 is free, 1
// is used. freePages is maintained in lockstep with the bitmap so
// out-of-memory fails fast without a bitmap scan (spec.md §4.1).
type Allocator struct {
	mu        sync.Mutex
	bitmap    [bitmapWords]uint64
	freePages int64
}

// New returns an allocator with every page marked used; call Init to seed
// it from a firmware memory map.
func New() *Allocator {
	a := &Allocator{}
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	return a
}

func pageOf(addr Frame) uint64 { return uint64(addr) >> PageShift }

func (a *Allocator) wordBit(page uint64) (word int, bit uint) {
	return int(page / 64), uint(page % 64)
}

func (a *Allocator) inRange(page uint64) bool { return page < maxPages }

// used reports whether a page is marked used. Caller holds a.mu.
func (a *Allocator) used(page uint64) bool {
	w, b := a.wordBit(page)
	return a.bitmap[w]&(1<<b) != 0
}

func (a *Allocator) setUsed(page uint64) {
	w, b := a.wordBit(page)
	a.bitmap[w] |= 1 << b
}

func (a *Allocator) setFree(page uint64) {
	w, b := a.wordBit(page)
	a.bitmap[w] &^= 1 << b
}

// Init marks every byte in the firmware-reported available ranges free,
// then re-reserves the low 1 MiB, the kernel image, and the firmware info
// blob, exactly as spec.md §4.1 requires. Available ranges are rounded
// inward (only fully-covered pages become free) so Init never frees a
// partial page; reserved ranges are rounded outward.
func (a *Allocator) Init(available []Range, kernelImage, infoBlob Range) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range available {
		start := (uint64(r.Addr) + PageSize - 1) / PageSize
		end := (uint64(r.Addr) + uint64(r.Len)) / PageSize
		for p := start; p < end && a.inRange(p); p++ {
			if a.used(p) {
				a.setFree(p)
				a.freePages++
			}
		}
	}
	a.reserveLocked(Range{Addr: 0, Len: 1 << 20})
	a.reserveLocked(kernelImage)
	a.reserveLocked(infoBlob)
}

func (a *Allocator) reserveLocked(r Range) {
	if r.Len == 0 {
		return
	}
	start := uint64(r.Addr) / PageSize
	end := (uint64(r.Addr) + uint64(r.Len) + PageSize - 1) / PageSize
	for p := start; p < end && a.inRange(p); p++ {
		if !a.used(p) {
			a.setUsed(p)
			a.freePages--
		}
	}
}

// ReserveRange reserves an arbitrary byte range, rounding outward so the
// reservation never frees pages a caller didn't ask to reserve.
func (a *Allocator) ReserveRange(addr Frame, size uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserveLocked(Range{Addr: addr, Len: size})
}

// FreeRange frees an arbitrary byte range, rounding inward so partially
// covered pages at either end stay reserved.
func (a *Allocator) FreeRange(addr Frame, size uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := (uint64(addr) + PageSize - 1) / PageSize
	end := (uint64(addr) + uint64(size)) / PageSize
	for p := start; p < end && a.inRange(p); p++ {
		if a.used(p) {
			a.setFree(p)
			a.freePages++
		}
	}
}

// Alloc returns the physical base of a run of exactly n contiguous free
// pages, or 0 with defs.ENOMEM if none exists. First-fit linear scan, per
// spec.md §4.1.
func (a *Allocator) Alloc(n int) (Frame, defs.Err_t) {
	if n <= 0 {
		return 0, defs.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freePages < int64(n) {
		return 0, defs.ENOMEM
	}

	run := 0
	var runStart uint64
	for p := uint64(0); p < maxPages; p++ {
		if !a.used(p) {
			if run == 0 {
				runStart = p
			}
			run++
			if run == n {
				for q := runStart; q < runStart+uint64(n); q++ {
					a.setUsed(q)
				}
				a.freePages -= int64(n)
				return Frame(runStart * PageSize), 0
			}
		} else {
			run = 0
		}
	}
	return 0, defs.ENOMEM
}

// Free marks n pages free starting at addr. Freeing an already-free page
// is a no-op, per spec.md §3/§4.1.
func (a *Allocator) Free(addr Frame, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := pageOf(addr)
	for p := start; p < start+uint64(n) && a.inRange(p); p++ {
		if a.used(p) {
			a.setFree(p)
			a.freePages++
		}
	}
}

// FreePages returns the count of zero bits in the bitmap (spec.md P1).
func (a *Allocator) FreePages() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freePages
}

// IsFree reports whether the page at addr is currently free; exported for
// the P1/P2 testable-property checks and for pagetable's Dmap-less unit
// tests that want ground truth without duplicating the bitmap.
func (a *Allocator) IsFree(addr Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.used(pageOf(addr))
}
