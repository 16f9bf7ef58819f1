// Package pagetable is the address-space manager (spec component C2): a
// 4-level page-table walker with positional permission flags, reference-
// counted address-space roots, and TLB invalidation on every successful
// map/unmap. It is grounded on biscuit's vm/as.go and mem/mem.go (the
// PTE_P/PTE_W/PTE_U bit layout, Pmap_t as a 512-entry table, and
// Physmem_t.Pmap_new's "copy only the kernel entry" construction), adapted
// from biscuit's copy-on-write design: this kernel has no CoW, so
// there is no PTE_COW/PTE_WASCOW pair and no page-fault-driven allocation
// path — map/unmap are the only mutators.
package pagetable

import (
	"sync"
	"unsafe"

	"github.com/shard-kernel/shard/archio"
	"github.com/shard-kernel/shard/defs"
	"github.com/shard-kernel/shard/memframe"
)

// entries is the fixed fan-out of every level of the 4-level tree, the
// same length as biscuit's Pmap_t array.
const entries = 512

// Flags is the positional permission bitmask of spec.md §4.2. Bit
// positions follow the real x86_64 PTE encoding biscuit's PTE_*
// constants use, so a Flags value can be stored directly in the low/high
// bits of a page-table entry alongside its physical address.
type Flags uint64

const (
	Present      Flags = 1 << 0
	Writable     Flags = 1 << 1
	User         Flags = 1 << 2
	WriteThrough Flags = 1 << 3
	CacheDisable Flags = 1 << 4
	Accessed     Flags = 1 << 5
	Dirty        Flags = 1 << 6
	Huge         Flags = 1 << 7
	Global       Flags = 1 << 8
	NoExec       Flags = 1 << 63

	addrMask Flags = 0x000ffffffffff000
	flagMask Flags = ^addrMask
)

// entry packs a physical frame and its Flags exactly as a hardware PTE
// would, mirroring biscuit's Pa_t-as-both-address-and-flags encoding
// (mem.PTE_ADDR / mem.PGMASK).
type entry uint64

func pack(f memframe.Frame, fl Flags) entry {
	return entry(uint64(f)&uint64(addrMask) | uint64(fl))
}

func (e entry) frame() memframe.Frame { return memframe.Frame(uint64(e) & uint64(addrMask)) }
func (e entry) flags() Flags          { return Flags(uint64(e) & uint64(flagMask)) }
func (e entry) present() bool         { return e.flags()&Present != 0 }

// Table is one level of the tree: 512 entries, one 4 KiB page.
type Table [entries]entry

// Backing is the simulated physical memory every Table and data page
// lives in. A freestanding kernel addresses physical memory directly
// through a direct map (biscuit's Physmem_t.Dmap); since this kernel
// runs as a Go process rather than on bare iron, frames need real Go
// backing storage instead of an offset into already-mapped RAM, so
// Backing hands out a stable *[PageSize]byte per frame and reinterprets
// it as a *Table with unsafe.Pointer the same way biscuit's
// mem.pg2pmap does for its Pg_t/Pmap_t union.
type Backing struct {
	mu    sync.RWMutex
	pages map[memframe.Frame]*[memframe.PageSize]byte
}

// NewBacking returns an empty physical memory backing store.
func NewBacking() *Backing {
	return &Backing{pages: make(map[memframe.Frame]*[memframe.PageSize]byte)}
}

func (b *Backing) page(f memframe.Frame) *[memframe.PageSize]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pages[f]
	if !ok {
		p = &[memframe.PageSize]byte{}
		b.pages[f] = p
	}
	return p
}

// Bytes returns the backing content of frame f, zero-filled on first use.
func (b *Backing) Bytes(f memframe.Frame) *[memframe.PageSize]byte { return b.page(f) }

func (b *Backing) table(f memframe.Frame) *Table {
	return (*Table)(unsafe.Pointer(b.page(f)))
}

// Drop releases a frame's backing storage; called once a frame returns to
// the free pool so Backing doesn't retain memory for reused frames.
func (b *Backing) Drop(f memframe.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pages, f)
}

// Manager owns the frame allocator, physical backing store, and the
// shared kernel root; it is the singleton analogous to biscuit's
// package-level mem.Physmem.
type Manager struct {
	mu         sync.Mutex
	Alloc      *memframe.Allocator
	Backing    *Backing
	kernelRoot memframe.Frame
	refcnt     map[memframe.Frame]int32
}

// NewManager builds the kernel's identity-mapped root immediately, since
// spec.md's boot sequence brings up C2 (kernel identity map) before
// anything else runs.
func NewManager(alloc *memframe.Allocator, identityBytes uintptr) *Manager {
	m := &Manager{
		Alloc:   alloc,
		Backing: NewBacking(),
		refcnt:  make(map[memframe.Frame]int32),
	}
	m.kernelRoot = m.mustAllocTable()
	m.buildIdentityMap(identityBytes)
	m.refcnt[m.kernelRoot] = 1
	return m
}

func (m *Manager) mustAllocTable() memframe.Frame {
	f, err := m.Alloc.Alloc(1)
	if err != 0 {
		panic("pagetable: out of frames building kernel structures")
	}
	m.Backing.table(f) // force zero-init
	return f
}

// buildIdentityMap installs entry 0 of the kernel root (the first 512
// GiB) as supervisor-only, global, 2 MiB-huge entries covering
// identityBytes, per spec.md §3 ("Shared entry 0 ... maps the kernel
// identity range with supervisor-only, global, 2 MiB-huge entries").
func (m *Manager) buildIdentityMap(identityBytes uintptr) {
	const hugePageSize = 2 << 20
	pdpt := m.mustAllocTable()
	root := m.Backing.table(m.kernelRoot)
	root[0] = pack(pdpt, Present|Writable|Global)

	pdptTbl := m.Backing.table(pdpt)
	npd := (identityBytes + (1 << 30) - 1) >> 30
	for pdptIdx := uintptr(0); pdptIdx < npd && pdptIdx < entries; pdptIdx++ {
		pd := m.mustAllocTable()
		pdptTbl[pdptIdx] = pack(pd, Present|Writable|Global)
		pdTbl := m.Backing.table(pd)
		for pdIdx := 0; pdIdx < entries; pdIdx++ {
			phys := pdptIdx<<30 + uintptr(pdIdx)*hugePageSize
			if phys >= identityBytes {
				break
			}
			pdTbl[pdIdx] = pack(memframe.Frame(phys), Present|Writable|Huge|Global)
		}
	}
}

// KernelRoot returns the shared kernel root frame.
func (m *Manager) KernelRoot() memframe.Frame {
	return m.kernelRoot
}

// CreateUserSpace returns a fresh root whose entry 0 mirrors the kernel
// root, with its refcount initialized to 1, per spec.md §4.2.
func (m *Manager) CreateUserSpace() (memframe.Frame, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.Alloc.Alloc(1)
	if err != 0 {
		return 0, err
	}
	tbl := m.Backing.table(f)
	kroot := m.Backing.table(m.kernelRoot)
	tbl[0] = kroot[0]
	m.refcnt[f] = 1
	return f, 0
}

// Retain increments root's refcount. Panics if root is unknown, the same
// contract violation biscuit's Physmem_t refcount table enforces by
// indexing a fixed-size array.
func (m *Manager) Retain(root memframe.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refcnt[root]; !ok {
		panic("pagetable: retain of unknown root")
	}
	m.refcnt[root]++
}

// Release decrements root's refcount; at zero it destroys the address
// space as spec.md §3 defines: every page frame backing a leaf user
// mapping, every intermediate table, then the root itself. The kernel
// root is singular and is never freed (§3).
func (m *Manager) Release(root memframe.Frame) {
	if root == m.kernelRoot {
		return
	}
	m.mu.Lock()
	n, ok := m.refcnt[root]
	if !ok {
		m.mu.Unlock()
		panic("pagetable: release of unknown root")
	}
	n--
	if n > 0 {
		m.refcnt[root] = n
		m.mu.Unlock()
		return
	}
	delete(m.refcnt, root)
	m.mu.Unlock()

	m.destroy(root)
}

func (m *Manager) destroy(root memframe.Frame) {
	tbl := m.Backing.table(root)
	for i := 1; i < entries; i++ { // entry 0 is the shared kernel mapping, never freed
		e := tbl[i]
		if !e.present() {
			continue
		}
		if e.flags()&Huge != 0 {
			m.Alloc.Free(e.frame(), 1)
			m.Backing.Drop(e.frame())
			continue
		}
		m.destroyPDPT(e.frame())
	}
	m.Alloc.Free(root, 1)
	m.Backing.Drop(root)
}

func (m *Manager) destroyPDPT(f memframe.Frame) {
	tbl := m.Backing.table(f)
	for i := 0; i < entries; i++ {
		e := tbl[i]
		if !e.present() {
			continue
		}
		if e.flags()&Huge != 0 {
			m.Alloc.Free(e.frame(), 1)
			m.Backing.Drop(e.frame())
			continue
		}
		m.destroyPD(e.frame())
	}
	m.Alloc.Free(f, 1)
	m.Backing.Drop(f)
}

func (m *Manager) destroyPD(f memframe.Frame) {
	tbl := m.Backing.table(f)
	for i := 0; i < entries; i++ {
		e := tbl[i]
		if !e.present() {
			continue
		}
		if e.flags()&Huge != 0 {
			m.Alloc.Free(e.frame(), 1)
			m.Backing.Drop(e.frame())
			continue
		}
		m.destroyPT(e.frame())
	}
	m.Alloc.Free(f, 1)
	m.Backing.Drop(f)
}

func (m *Manager) destroyPT(f memframe.Frame) {
	tbl := m.Backing.table(f)
	for i := 0; i < entries; i++ {
		e := tbl[i]
		if !e.present() {
			continue
		}
		m.Alloc.Free(e.frame(), 1)
		m.Backing.Drop(e.frame())
	}
	m.Alloc.Free(f, 1)
	m.Backing.Drop(f)
}

// indices splits a canonical virtual address into its four level indices.
func indices(va uintptr) (pml4, pdpt, pd, pt int) {
	pml4 = int((va >> 39) & 0x1ff)
	pdpt = int((va >> 30) & 0x1ff)
	pd = int((va >> 21) & 0x1ff)
	pt = int((va >> 12) & 0x1ff)
	return
}

// walkCreate descends root to the leaf PT entry for va, allocating
// intermediate tables on demand with flags {present, writable, user} so
// parent tables dominate child permissions, per spec.md §4.2.
func (m *Manager) walkCreate(root memframe.Frame, va uintptr) (*Table, int, defs.Err_t) {
	p4i, p3i, p2i, p1i := indices(va)
	level := m.Backing.table(root)

	step := func(tbl *Table, idx int) (*Table, defs.Err_t) {
		e := tbl[idx]
		if e.present() {
			return m.Backing.table(e.frame()), 0
		}
		f, err := m.Alloc.Alloc(1)
		if err != 0 {
			return nil, err
		}
		m.Backing.table(f) // zero-init
		tbl[idx] = pack(f, Present|Writable|User)
		return m.Backing.table(f), 0
	}

	l3, err := step(level, p4i)
	if err != 0 {
		return nil, 0, err
	}
	l2, err := step(l3, p3i)
	if err != 0 {
		return nil, 0, err
	}
	l1, err := step(l2, p2i)
	if err != 0 {
		return nil, 0, err
	}
	return l1, p1i, 0
}

// Map installs a 4 KiB mapping of va to pa with flags, allocating
// intermediate tables on demand. Mapping over an already-present leaf
// fails (no silent overmapping), per spec.md §4.2.
func (m *Manager) Map(root memframe.Frame, va uintptr, pa memframe.Frame, flags Flags) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	pt, idx, err := m.walkCreate(root, va)
	if err != 0 {
		return err
	}
	if pt[idx].present() {
		return defs.EEXIST
	}
	pt[idx] = pack(pa, flags|Present)
	archio.InvalidatePage(va)
	return 0
}

// MapRange maps count contiguous 4 KiB pages starting at va to pa with
// flags. On any failure, already-installed mappings in this call are left
// in place (the caller is expected to tear down the whole address space
// on failure, as exec and brk do).
func (m *Manager) MapRange(root memframe.Frame, va uintptr, pa memframe.Frame, count int, flags Flags) defs.Err_t {
	for i := 0; i < count; i++ {
		off := uintptr(i) * memframe.PageSize
		if err := m.Map(root, va+off, memframe.Frame(uintptr(pa)+off), flags); err != 0 {
			return err
		}
	}
	return 0
}

// Unmap removes the leaf mapping at va and returns the physical address it
// referenced, or 0 if no mapping was present.
func (m *Manager) Unmap(root memframe.Frame, va uintptr) memframe.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	p4i, p3i, p2i, p1i := indices(va)
	level := m.Backing.table(root)

	descend := func(tbl *Table, idx int) (*Table, bool) {
		e := tbl[idx]
		if !e.present() {
			return nil, false
		}
		return m.Backing.table(e.frame()), true
	}

	l3, ok := descend(level, p4i)
	if !ok {
		return 0
	}
	l2, ok := descend(l3, p3i)
	if !ok {
		return 0
	}
	l1, ok := descend(l2, p2i)
	if !ok {
		return 0
	}
	e := l1[p1i]
	if !e.present() {
		return 0
	}
	l1[p1i] = 0
	archio.InvalidatePage(va)
	return e.frame()
}

// Resolve walks the table tree for va, honoring huge entries at the PDPT
// level (1 GiB pages) and the PD level (2 MiB pages), and returns the translated physical address
// and the flags of the entry that supplied it.
func (m *Manager) Resolve(root memframe.Frame, va uintptr) (memframe.Frame, Flags, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p4i, p3i, p2i, p1i := indices(va)
	l4 := m.Backing.table(root)

	e := l4[p4i]
	if !e.present() {
		return 0, 0, false
	}
	l3 := m.Backing.table(e.frame())

	e = l3[p3i]
	if !e.present() {
		return 0, 0, false
	}
	if e.flags()&Huge != 0 {
		const gib = 1 << 30
		base := e.frame()
		off := va & (gib - 1)
		return memframe.Frame(uintptr(base) + off), e.flags(), true
	}
	l2 := m.Backing.table(e.frame())

	e = l2[p2i]
	if !e.present() {
		return 0, 0, false
	}
	if e.flags()&Huge != 0 {
		const mib2 = 2 << 20
		base := e.frame()
		off := va & (mib2 - 1)
		return memframe.Frame(uintptr(base) + off), e.flags(), true
	}
	l1 := m.Backing.table(e.frame())

	e = l1[p1i]
	if !e.present() {
		return 0, 0, false
	}
	off := va & (memframe.PageSize - 1)
	return memframe.Frame(uintptr(e.frame()) + off), e.flags(), true
}
