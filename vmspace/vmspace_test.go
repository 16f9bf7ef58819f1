package vmspace

import (
	"testing"

	"github.com/shard-kernel/shard/memframe"
	"github.com/shard-kernel/shard/pagetable"
)

func newTestSpace(t *testing.T) (*pagetable.Manager, *memframe.Allocator, *Space) {
	t.Helper()
	alloc := memframe.New()
	alloc.Init([]memframe.Range{{Addr: 0, Len: 64 << 20}}, memframe.Range{}, memframe.Range{})
	mgr := pagetable.NewManager(alloc, 2<<20)

	const brk = UserRegionBase + (16 << 20)
	sp, err := New(mgr, brk)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	return mgr, alloc, sp
}

// Mirrors scenario 3: brk(0) -> v; brk(v+8192) -> v+8192; write every
// byte; brk(v) -> v; access above v then faults (fault path lives in
// trapcore/proc, not exercised here).
func TestBrkGrowWriteShrink(t *testing.T) {
	mgr, alloc, sp := newTestSpace(t)
	v := sp.BrkEnd
	before := alloc.FreePages()

	grown, ok := SetBrk(mgr, alloc, sp, v+8192)
	if !ok {
		t.Fatalf("SetBrk grow failed")
	}
	if grown != v+8192 {
		t.Fatalf("SetBrk grow returned %#x, want %#x", grown, v+8192)
	}
	// The first mapping in this region also allocates its PDPT, PD and PT,
	// so the grow costs 2 data frames plus 3 page-table frames.
	if got := alloc.FreePages(); got != before-5 {
		t.Fatalf("grow by 8192 bytes should consume 2 data frames and 3 table frames: before=%d after=%d", before, got)
	}

	for va := v; va < v+8192; va++ {
		pa, _, ok := mgr.Resolve(sp.Root, va)
		if !ok {
			t.Fatalf("va %#x not mapped after grow", va)
		}
		page := pa &^ (memframe.PageSize - 1)
		mgr.Backing.Bytes(page)[pa-page] = 0xAB
	}

	shrunk, ok := SetBrk(mgr, alloc, sp, v)
	if !ok {
		t.Fatalf("SetBrk shrink failed")
	}
	if shrunk != v {
		t.Fatalf("SetBrk shrink returned %#x, want %#x", shrunk, v)
	}
	// Unmap leaves the intermediate tables in place until the space is
	// destroyed, so only the 2 data frames come back.
	if got := alloc.FreePages(); got != before-3 {
		t.Fatalf("shrink back to v should release both data frames: before=%d after=%d", before, got)
	}
	if _, _, ok := mgr.Resolve(sp.Root, v); ok {
		t.Fatalf("address above shrunk brk is still mapped")
	}
}

func TestBrkGrowFailsWhenFramesExhausted(t *testing.T) {
	alloc := memframe.New()
	alloc.Init([]memframe.Range{{Addr: 0, Len: 4 << 20}}, memframe.Range{}, memframe.Range{})
	mgr := pagetable.NewManager(alloc, 2<<20)
	const brk = UserRegionBase
	sp, err := New(mgr, brk)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	// ask for far more than the small pool can back.
	_, ok := SetBrk(mgr, alloc, sp, brk+(64<<20))
	if ok {
		t.Fatalf("SetBrk grow succeeded against an exhausted pool")
	}
}
