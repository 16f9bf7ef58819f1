package virtio

import (
	"bytes"
	"testing"

	"github.com/shard-kernel/shard/memframe"
	"github.com/shard-kernel/shard/pagetable"
)

func newTestDevice(t *testing.T) *BlkDevice {
	t.Helper()
	alloc := memframe.New()
	alloc.Init([]memframe.Range{{Addr: 0, Len: 16 << 20}}, memframe.Range{}, memframe.Range{})
	backing := pagetable.NewBacking()
	d, err := Init(alloc, backing, 0xC000, 1024)
	if err != 0 {
		t.Fatalf("Init: %v", err)
	}
	return d
}

// P11 / scenario 4: write sector 42 then read it back, byte for byte.
func TestWriteThenReadSectorRoundTrips(t *testing.T) {
	d := newTestDevice(t)

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i % 256)
	}
	if !d.WriteSector(42, want) {
		t.Fatalf("WriteSector failed")
	}

	got := make([]byte, 512)
	if !d.ReadSector(42, got) {
		t.Fatalf("ReadSector failed")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back mismatch at sector 42")
	}
}

func TestReadUntouchedSectorIsZero(t *testing.T) {
	d := newTestDevice(t)
	got := make([]byte, 512)
	for i := range got {
		got[i] = 0xAA
	}
	if !d.ReadSector(7, got) {
		t.Fatalf("ReadSector failed")
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 on untouched sector", i, b)
		}
	}
}

func TestReadSectorPastCapacityFails(t *testing.T) {
	d := newTestDevice(t)
	buf := make([]byte, 512)
	if d.ReadSector(d.Capacity()+1, buf) {
		t.Fatalf("ReadSector past capacity should fail")
	}
}

func TestWrongBufferSizeFails(t *testing.T) {
	d := newTestDevice(t)
	if d.ReadSector(0, make([]byte, 10)) {
		t.Fatalf("ReadSector with short buffer should fail")
	}
	if d.WriteSector(0, make([]byte, 1024)) {
		t.Fatalf("WriteSector with oversized buffer should fail")
	}
}

func TestCapacityMatchesInitArgument(t *testing.T) {
	d := newTestDevice(t)
	if d.Capacity() != 1024 {
		t.Fatalf("Capacity() = %d, want 1024", d.Capacity())
	}
}

func TestMultipleSectorsIndependentlyAddressable(t *testing.T) {
	d := newTestDevice(t)
	a := bytes.Repeat([]byte{0x11}, 512)
	b := bytes.Repeat([]byte{0x22}, 512)
	if !d.WriteSector(1, a) || !d.WriteSector(2, b) {
		t.Fatalf("WriteSector failed")
	}
	got1, got2 := make([]byte, 512), make([]byte, 512)
	d.ReadSector(1, got1)
	d.ReadSector(2, got2)
	if !bytes.Equal(got1, a) || !bytes.Equal(got2, b) {
		t.Fatalf("sectors 1 and 2 interfered with each other")
	}
}
