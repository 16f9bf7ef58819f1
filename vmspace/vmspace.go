// Package vmspace is the per-thread view of an address space: brk
// grow/shrink and the mmap cursor heuristic layered on top of
// pagetable.Manager, the half of biscuit's vm.Vm_t that isn't page-
// fault-driven (this kernel has no demand paging or CoW, so brk eagerly
// maps rather than leaving holes for Sys_pgfault to fill).
package vmspace

import (
	"github.com/shard-kernel/shard/defs"
	"github.com/shard-kernel/shard/memframe"
	"github.com/shard-kernel/shard/pagetable"
	"github.com/shard-kernel/shard/util"
)

// UserRegionBase is the lowest virtual address a user mapping may occupy,
// pinned by original_source's vmm.h.
const UserRegionBase = 0x0000008000000000

// UserStackTop is the fixed high virtual address a user stack's top is
// placed at, taken verbatim from original_source/include/vmm.h
// (USER_REGION_BASE + 0x7FFFFFF000).
const UserStackTop = UserRegionBase + 0x0000007FFFFFF000

// mmapBias pads an anonymous mmap's default base above the page-aligned
// brk end, taken verbatim from original_source/src/syscall.c's
// mmap_default_base.
const mmapBias = 0x01000000

// DefaultMMapBase returns the base an addr=0 anonymous mmap call should
// use given the address space's current brk end, per
// original_source/src/syscall.c's mmap_default_base.
func DefaultMMapBase(brkEnd uintptr) uintptr {
	return util.Roundup(brkEnd, uintptr(memframe.PageSize)) + mmapBias
}

// Space is one process's address-space handle: the shared root plus the
// brk and mmap bookkeeping that spec.md §3 attaches to a thread rather
// than to the page tables themselves.
type Space struct {
	Root        memframe.Frame
	BrkStart    uintptr
	BrkEnd      uintptr
	MMapCursor  uintptr
}

// SetBrk computes the current and new page-aligned ends and grows or
// shrinks the mapping to match, per spec.md §4.2. Growing maps zeroed
// anonymous pages with present|writable|user; shrinking unmaps and frees.
// It returns the achieved end and false if any frame allocation or
// mapping failed partway through growth (state up to the failure point
// is left in place, the failure propagates to the brk syscall as -1).
func SetBrk(mgr *pagetable.Manager, alloc *memframe.Allocator, sp *Space, newEnd uintptr) (uintptr, bool) {
	curPage := util.Roundup(sp.BrkEnd, uintptr(memframe.PageSize))
	newPage := util.Roundup(newEnd, uintptr(memframe.PageSize))

	switch {
	case newPage > curPage:
		for va := curPage; va < newPage; va += memframe.PageSize {
			pa, err := alloc.Alloc(1)
			if err != 0 {
				sp.BrkEnd = va
				return sp.BrkEnd, false
			}
			zero(mgr, pa)
			if merr := mgr.Map(sp.Root, va, pa, pagetable.Present|pagetable.Writable|pagetable.User); merr != 0 {
				alloc.Free(pa, 1)
				sp.BrkEnd = va
				return sp.BrkEnd, false
			}
		}
	case newPage < curPage:
		for va := newPage; va < curPage; va += memframe.PageSize {
			if pa := mgr.Unmap(sp.Root, va); pa != 0 {
				alloc.Free(pa, 1)
			}
		}
	}
	sp.BrkEnd = newEnd
	return newEnd, true
}

func zero(mgr *pagetable.Manager, pa memframe.Frame) {
	buf := mgr.Backing.Bytes(pa)
	for i := range buf {
		buf[i] = 0
	}
}

// MapUserStack maps a fresh, zeroed user stack of npages pages ending at
// UserStackTop into sp's address space, per spec.md §4.5 ("a user thread
// additionally allocates a user stack in the new address space at a
// fixed high virtual address").
func MapUserStack(mgr *pagetable.Manager, alloc *memframe.Allocator, sp *Space, npages int) defs.Err_t {
	base := UserStackTop - uintptr(npages)*memframe.PageSize
	for i := 0; i < npages; i++ {
		va := base + uintptr(i)*memframe.PageSize
		pa, err := alloc.Alloc(1)
		if err != 0 {
			unmapStackRange(mgr, alloc, sp, base, i)
			return err
		}
		zero(mgr, pa)
		if merr := mgr.Map(sp.Root, va, pa, pagetable.Present|pagetable.Writable|pagetable.User); merr != 0 {
			alloc.Free(pa, 1)
			unmapStackRange(mgr, alloc, sp, base, i)
			return merr
		}
	}
	return 0
}

// FreeUserStack releases the npages of user stack mapped by MapUserStack.
func FreeUserStack(mgr *pagetable.Manager, alloc *memframe.Allocator, sp *Space, npages int) {
	base := UserStackTop - uintptr(npages)*memframe.PageSize
	unmapStackRange(mgr, alloc, sp, base, npages)
}

func unmapStackRange(mgr *pagetable.Manager, alloc *memframe.Allocator, sp *Space, base uintptr, npages int) {
	for i := 0; i < npages; i++ {
		va := base + uintptr(i)*memframe.PageSize
		if pa := mgr.Unmap(sp.Root, va); pa != 0 {
			alloc.Free(pa, 1)
		}
	}
}

// New builds a Space over a freshly created user address space, with brk
// initialized to brk (both ends equal, per spec.md §4.5's thread-creation
// contract: "initializes brk_start=brk_end=brk from the ELF loader").
func New(mgr *pagetable.Manager, brk uintptr) (*Space, defs.Err_t) {
	root, err := mgr.CreateUserSpace()
	if err != 0 {
		return nil, err
	}
	return &Space{
		Root:       root,
		BrkStart:   brk,
		BrkEnd:     brk,
		MMapCursor: DefaultMMapBase(brk),
	}, 0
}
