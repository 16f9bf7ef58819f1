package pciscan

import (
	"testing"

	"github.com/shard-kernel/shard/archio"
)

// fakeBus stands in for a real chipset's config-space decoder: archio's
// simulated port space is a flat byte array with no per-device response
// logic, so exercising Enumerate/Bar0IOBase against it requires latching
// the address written to 0xCF8 and answering 0xCFC reads/writes from a
// register file keyed by (bus, slot, func, offset), the way real
// hardware's address/data port pair behaves.
type fakeBus struct {
	latched uint32
	regs    map[[4]uint8]uint32 // bus, slot, func, offset(&0xFC) -> value
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: make(map[[4]uint8]uint32)}
}

func (b *fakeBus) key() [4]uint8 {
	addr := b.latched
	bus := uint8(addr >> 16)
	slot := uint8(addr>>11) & 0x1F
	fn := uint8(addr>>8) & 0x7
	offset := uint8(addr & 0xFC)
	return [4]uint8{bus, slot, fn, offset}
}

func (b *fakeBus) put(bus, slot, fn, offset uint8, value uint32) {
	b.regs[[4]uint8{bus, slot, fn, offset & 0xFC}] = value
}

func (b *fakeBus) install(t *testing.T) {
	t.Helper()
	savedOutL, savedInL := archio.OutPortL, archio.InPortL
	archio.OutPortL = func(port uint16, v uint32) {
		if port == configAddress {
			b.latched = v
			return
		}
		if port == configData {
			b.regs[b.key()] = v
		}
	}
	archio.InPortL = func(port uint16) uint32 {
		if port != configData {
			return 0xFFFFFFFF
		}
		v, ok := b.regs[b.key()]
		if !ok {
			return 0xFFFFFFFF
		}
		return v
	}
	t.Cleanup(func() {
		archio.OutPortL, archio.InPortL = savedOutL, savedInL
	})
}

func TestEnumerateFindsSeededVirtioFunction(t *testing.T) {
	bus := newFakeBus()
	// Vendor 0x1AF4 (Red Hat / virtio), device 0x1001 (legacy virtio-blk),
	// single-function header, class 01/80 (mass storage, other), at
	// bus 0 slot 3 func 0.
	bus.put(0, 3, 0, 0x00, 0x1001<<16|0x1AF4)
	bus.put(0, 3, 0, 0x08, uint32(0x01)<<24|uint32(0x80)<<16)
	bus.put(0, 3, 0, 0x0E, 0x00)
	bus.install(t)

	dev, ok := FindFirst(0x1AF4, 0x1001)
	if !ok {
		t.Fatalf("FindFirst did not locate the seeded virtio function")
	}
	if dev.Bus != 0 || dev.Slot != 3 || dev.Func != 0 {
		t.Fatalf("dev = %+v, want bus 0 slot 3 func 0", dev)
	}
	if dev.ClassCode != 0x01 || dev.Subclass != 0x80 {
		t.Fatalf("dev class/subclass = %#x/%#x", dev.ClassCode, dev.Subclass)
	}
}

func TestEnumerateSkipsUnpopulatedSlots(t *testing.T) {
	bus := newFakeBus()
	bus.install(t)
	if devs := Enumerate(); len(devs) != 0 {
		t.Fatalf("Enumerate on an empty bus returned %+v", devs)
	}
}

func TestBar0IOBaseDecodesIOSpaceBAR(t *testing.T) {
	bus := newFakeBus()
	bus.put(0, 3, 0, 0x00, 0x1001<<16|0x1AF4)
	bus.put(0, 3, 0, 0x10, 0xC001) // I/O BAR (bit0 set) at port 0xC000
	bus.install(t)

	dev := Device{Bus: 0, Slot: 3, Func: 0}
	base, ok := Bar0IOBase(dev)
	if !ok {
		t.Fatalf("Bar0IOBase reported a non-I/O BAR")
	}
	if base != 0xC000 {
		t.Fatalf("base = %#x, want 0xC000", base)
	}
}

func TestBar0IOBaseRejectsMemoryMappedBAR(t *testing.T) {
	bus := newFakeBus()
	bus.put(0, 3, 0, 0x10, 0xFEBF0000) // bit0 clear: memory-space BAR
	bus.install(t)

	dev := Device{Bus: 0, Slot: 3, Func: 0}
	if _, ok := Bar0IOBase(dev); ok {
		t.Fatalf("Bar0IOBase accepted a memory-mapped BAR")
	}
}

func TestReadWrite32RoundTripsThroughFakeBus(t *testing.T) {
	bus := newFakeBus()
	bus.install(t)

	Write32(1, 2, 3, 0x10, 0xDEADBEEF)
	if got := Read32(1, 2, 3, 0x10); got != 0xDEADBEEF {
		t.Fatalf("Read32 = %#x, want 0xDEADBEEF", got)
	}
}
