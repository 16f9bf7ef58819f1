package pagetable

import (
	"testing"

	"github.com/shard-kernel/shard/memframe"
)

func newTestManager(t *testing.T) (*Manager, *memframe.Allocator) {
	t.Helper()
	alloc := memframe.New()
	alloc.Init([]memframe.Range{{Addr: 0, Len: 64 << 20}}, memframe.Range{}, memframe.Range{})
	m := NewManager(alloc, 2<<20) // one 2 MiB huge identity entry is enough for tests
	return m, alloc
}

func TestMapThenResolveDominates(t *testing.T) {
	m, alloc := newTestManager(t)
	root, err := m.CreateUserSpace()
	if err != 0 {
		t.Fatalf("CreateUserSpace: %v", err)
	}

	pa, err := alloc.Alloc(1)
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	const va = 0x0000008000000000 // user region base
	want := Present | Writable | User
	if err := m.Map(root, va, pa, want); err != 0 {
		t.Fatalf("Map: %v", err)
	}

	gotPA, gotFlags, ok := m.Resolve(root, va)
	if !ok {
		t.Fatalf("Resolve reported not-present after Map")
	}
	if gotPA != pa {
		t.Fatalf("Resolve returned pa=%#x, want %#x", gotPA, pa)
	}
	if gotFlags&want != want {
		t.Fatalf("Resolve flags %#x do not dominate mapped flags %#x", gotFlags, want)
	}
}

func TestMapOverPresentLeafFails(t *testing.T) {
	m, alloc := newTestManager(t)
	root, _ := m.CreateUserSpace()
	pa, _ := alloc.Alloc(1)
	const va = 0x0000008000000000

	if err := m.Map(root, va, pa, Present|Writable|User); err != 0 {
		t.Fatalf("first Map: %v", err)
	}
	if err := m.Map(root, va, pa, Present|Writable|User); err == 0 {
		t.Fatalf("second Map over a present leaf unexpectedly succeeded")
	}
}

func TestUnmapThenResolveNotPresent(t *testing.T) {
	m, alloc := newTestManager(t)
	root, _ := m.CreateUserSpace()
	pa, _ := alloc.Alloc(1)
	const va = 0x0000008000000000

	if err := m.Map(root, va, pa, Present|Writable|User); err != 0 {
		t.Fatalf("Map: %v", err)
	}
	got := m.Unmap(root, va)
	if got != pa {
		t.Fatalf("Unmap returned %#x, want %#x", got, pa)
	}
	if _, _, ok := m.Resolve(root, va); ok {
		t.Fatalf("Resolve still reports present after Unmap")
	}
}

func TestUnmapOfNonPresentReturnsZero(t *testing.T) {
	m, _ := newTestManager(t)
	root, _ := m.CreateUserSpace()
	if got := m.Unmap(root, 0x0000008000000000); got != 0 {
		t.Fatalf("Unmap of never-mapped va returned %#x, want 0", got)
	}
}

func TestReleaseDestroysWithoutLeakingIntermediateTables(t *testing.T) {
	m, alloc := newTestManager(t)

	// Counted before CreateUserSpace: Release frees the root frame too.
	before := alloc.FreePages()
	root, _ := m.CreateUserSpace()

	const n = 8
	bases := make([]memframe.Frame, n)
	for i := 0; i < n; i++ {
		pa, err := alloc.Alloc(1)
		if err != 0 {
			t.Fatalf("Alloc: %v", err)
		}
		bases[i] = pa
		va := uintptr(0x0000008000000000 + i*memframe.PageSize)
		if err := m.Map(root, va, pa, Present|Writable|User); err != 0 {
			t.Fatalf("Map: %v", err)
		}
	}

	m.Release(root)

	after := alloc.FreePages()
	if after != before {
		t.Fatalf("destroying the address space leaked frames: before=%d after=%d", before, after)
	}
}

func TestRetainKeepsRootAliveUntilMatchingRelease(t *testing.T) {
	m, _ := newTestManager(t)
	root, _ := m.CreateUserSpace()
	m.Retain(root)

	before := m.Alloc.FreePages()
	m.Release(root) // refcount 2 -> 1, must not destroy yet
	if got := m.Alloc.FreePages(); got != before {
		t.Fatalf("first Release (refcount still >0) changed FreePages: before=%d after=%d", before, got)
	}
	m.Release(root) // refcount 1 -> 0, now destroyed
}

func TestKernelRootNeverFreed(t *testing.T) {
	m, _ := newTestManager(t)
	kroot := m.KernelRoot()
	m.Release(kroot) // must be a no-op
	if _, _, ok := m.Resolve(kroot, 0); !ok {
		t.Fatalf("kernel identity mapping disappeared after Release on the kernel root")
	}
}
