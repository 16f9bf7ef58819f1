// Package archio models the handful of x86_64 primitives the assembly
// boot stubs and PCI I/O-port accesses would provide on real hardware:
// CR2/CR3 reads, port-mapped I/O, and per-page TLB invalidation. Each is
// a package-level function variable, the same "asm seam" pattern
// gopher-os uses (vmm.go's readCR2Fn/translateFn) so real assembly could
// overwrite these at init time on bare metal, and so tests can substitute
// fakes without touching callers.
package archio

import "github.com/shard-kernel/shard/kstats"

// ReadCR2Fn returns the faulting address recorded by the last page fault.
// Overwritten by the real CR2-reading trampoline on actual hardware.
type ReadCR2Fn func() uintptr

// ReadCR2 is the seam callers invoke; defaults to a stub returning 0,
// since this repo runs trap dispatch as Go code rather than on bare
// metal (there is no hardware CR2 register to read).
var ReadCR2 ReadCR2Fn = func() uintptr { return 0 }

// InPortB, InPortW, InPortL and OutPortB, OutPortW, OutPortL model the
// in/out instruction family used by the legacy virtio-pci register file
// (spec.md §6). Each is a seam over a simulated I/O address space rather
// than the real instruction, grounded on the same stand-in shape as
// gopher-os's cpu.ReadCR2.
type (
	InPortBFn  func(port uint16) uint8
	InPortWFn  func(port uint16) uint16
	InPortLFn  func(port uint16) uint32
	OutPortBFn func(port uint16, v uint8)
	OutPortWFn func(port uint16, v uint16)
	OutPortLFn func(port uint16, v uint32)
)

var ioSpace = newPortSpace()

var (
	InPortB  InPortBFn  = ioSpace.inB
	InPortW  InPortWFn  = ioSpace.inW
	InPortL  InPortLFn  = ioSpace.inL
	OutPortB OutPortBFn = ioSpace.outB
	OutPortW OutPortWFn = ioSpace.outW
	OutPortL OutPortLFn = ioSpace.outL
)

// portSpace is a simulated I/O-port address space: a flat byte array
// indexed by port number, standing in for the CPU's separate I/O address
// space since this kernel has no real ports to address.
type portSpace struct {
	bytes [1 << 16]byte
}

func newPortSpace() *portSpace { return &portSpace{} }

func (p *portSpace) inB(port uint16) uint8 { return p.bytes[port] }
func (p *portSpace) inW(port uint16) uint16 {
	return uint16(p.bytes[port]) | uint16(p.bytes[port+1])<<8
}
func (p *portSpace) inL(port uint16) uint32 {
	return uint32(p.bytes[port]) | uint32(p.bytes[port+1])<<8 |
		uint32(p.bytes[port+2])<<16 | uint32(p.bytes[port+3])<<24
}
func (p *portSpace) outB(port uint16, v uint8) { p.bytes[port] = v }
func (p *portSpace) outW(port uint16, v uint16) {
	p.bytes[port] = byte(v)
	p.bytes[port+1] = byte(v >> 8)
}
func (p *portSpace) outL(port uint16, v uint32) {
	p.bytes[port] = byte(v)
	p.bytes[port+1] = byte(v >> 8)
	p.bytes[port+2] = byte(v >> 16)
	p.bytes[port+3] = byte(v >> 24)
}

// InvalidatePageFn invalidates the TLB entry for a single virtual
// address on the current CPU, the asm seam behind pagetable's Map/Unmap
// calls (spec.md §4.2, "every successful map and unmap issues an
// invalidation for the affected virtual address on the current CPU").
type InvalidatePageFn func(va uintptr)

// InvalidatePage is the default seam: since this kernel has no real TLB,
// it only records that an invalidation was requested via kstats.
var InvalidatePage InvalidatePageFn = func(va uintptr) {
	_ = va
	kstats.TLBInvalidations.Inc()
}

// WriteCR3Fn loads a new address-space root into CR3, the asm seam
// behind proc's context switch (spec.md §4.5, "if the incoming address
// space root differs, CR3 is written").
type WriteCR3Fn func(root uintptr)

// WriteCR3 is the default seam: no hardware CR3 to load, so it only
// records that a space switch was requested via kstats.
var WriteCR3 WriteCR3Fn = func(root uintptr) {
	_ = root
	kstats.CR3Writes.Inc()
}

// SetRSP0Fn updates the TSS's RSP0 field to the top of the incoming
// thread's kernel stack, the asm/MMIO seam behind proc's context switch
// (spec.md §4.5, "the TSS RSP0 is updated to the top of the incoming
// stack").
type SetRSP0Fn func(rsp0 uintptr)

// SetRSP0 is the default seam: no hardware TSS to update, so it is a
// no-op stub real assembly would overwrite.
var SetRSP0 SetRSP0Fn = func(rsp0 uintptr) {}
