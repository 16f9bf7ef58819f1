// Package trapcore is the unified trap dispatcher (spec component C4): a
// single trap-frame type covering exceptions, IRQs, and the syscall soft
// interrupt, nesting-aware IRQ priority masking against the legacy PIC,
// and instruction decoding on kernel panics via golang.org/x/arch's
// x86asm decoder. Grounded on biscuit's runtime.trap dispatch shape
// (sibling repos in the pack carry no equivalent package; the trap-frame
// layout and priority-mask discipline instead follow
// original_source/src/ exactly, since spec.md's prose names the behavior
// precisely).
package trapcore

import (
	"fmt"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/shard-kernel/shard/archio"
	"github.com/shard-kernel/shard/klimits"
	"github.com/shard-kernel/shard/klog"
)

// Frame is the on-stack record built on every kernel entry (spec.md §3).
// UserRSP/UserSS are semantically optional: present iff the saved CS has
// ring-3 RPL. The type does not try to make that optionality
// type-checked, since the asm stub that would build this on real hardware
// writes raw bytes regardless.
type Frame struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	Rbp, Rdi, Rsi, Rdx, Rcx, Rbx, Rax    uint64

	Vector    uint64
	ErrorCode uint64

	RIP, CS, RFLAGS uint64
	UserRSP, UserSS uint64
}

// RPL3 reports whether the saved CS selector carries ring-3 privilege,
// i.e. whether UserRSP/UserSS are meaningful.
func (f *Frame) RPL3() bool { return f.CS&3 == 3 }

const (
	rescheduleVector = 0xF1
	syscallVector    = 0x80
	firstIRQVector   = 32
	lastIRQVector    = 47
)

// ExceptionHandlerFn handles one CPU exception vector (0..31).
type ExceptionHandlerFn func(f *Frame)

// IRQHandlerFn handles one legacy IRQ line (0..15) or the reschedule IPI.
type IRQHandlerFn func(f *Frame)

// SyscallHandlerFn routes vector 0x80 to C6.
type SyscallHandlerFn func(f *Frame)

// KillCallerFn terminates the current user thread with the given exit
// code, the dispatcher's hook into the scheduler's exit path (spec.md
// §4.4: a ring-3 exception kills the thread with code 128+vector).
type KillCallerFn func(code int)

// CodeAtFn returns up to a handful of bytes at a virtual address for
// instruction decoding on panic; nil if unavailable.
type CodeAtFn func(rip uint64) []byte

// Dispatcher routes a Frame to the correct handler class. Zero value is
// usable; handlers default to a kernel panic for exceptions and a
// once-per-line log for unhandled IRQs, per spec.md §4.4.
type Dispatcher struct {
	Exceptions [32]ExceptionHandlerFn
	IRQs       [16]IRQHandlerFn
	Reschedule IRQHandlerFn
	Syscall    SyscallHandlerFn
	KillCaller KillCallerFn
	CodeAt     CodeAtFn

	irq Priorities

	mu              sync.Mutex
	unhandledLogged [16]bool
}

// NewDispatcher returns a Dispatcher with default IRQ line priorities
// (each line's priority defaults to its line number, per spec.md §4.4).
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.irq.reset()
	return d
}

// Dispatch routes f by vector and returns the (possibly mutated) frame
// for the asm return path to restore.
func (d *Dispatcher) Dispatch(f *Frame) *Frame {
	switch {
	case f.Vector == syscallVector:
		if d.Syscall != nil {
			d.Syscall(f)
		}
	case f.Vector == rescheduleVector:
		d.runIRQ(int(f.Vector), f, d.Reschedule)
		sendEOIAPIC()
	case f.Vector >= firstIRQVector && f.Vector <= lastIRQVector:
		line := int(f.Vector) - firstIRQVector
		d.runIRQ(line, f, d.IRQs[line])
		sendEOIPIC(line)
	case f.Vector < 32:
		d.runException(f)
	default:
		klog.Panic(fmt.Sprintf("trapcore: unrouted vector %d", f.Vector))
	}
	return f
}

func (d *Dispatcher) runException(f *Frame) {
	if f.Vector == 14 { // #PF
		cr2 := archio.ReadCR2()
		klog.Printf("trapcore: #PF cr2=%#x errcode=%#x rip=%#x\n", cr2, f.ErrorCode, f.RIP)
	} else {
		klog.Printf("trapcore: exception vector=%d errcode=%#x rip=%#x\n", f.Vector, f.ErrorCode, f.RIP)
	}

	if h := d.Exceptions[f.Vector]; h != nil {
		h(f)
		return
	}

	if f.RPL3() {
		if d.KillCaller != nil {
			d.KillCaller(128 + int(f.Vector))
		}
		return
	}
	klog.Panic(d.panicMessage(f))
}

// panicMessage decodes the faulting instruction with golang.org/x/arch's
// x86asm when CodeAt is wired, giving a kernel panic a readable
// disassembly line instead of just a raw RIP.
func (d *Dispatcher) panicMessage(f *Frame) string {
	msg := fmt.Sprintf("kernel exception vector=%d rip=%#x errcode=%#x", f.Vector, f.RIP, f.ErrorCode)
	if d.CodeAt == nil {
		return msg
	}
	code := d.CodeAt(f.RIP)
	if len(code) == 0 {
		return msg
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return msg + fmt.Sprintf(" (decode failed: %v)", err)
	}
	return msg + fmt.Sprintf(" (%s)", x86asm.GoSyntax(inst, f.RIP, nil))
}

func (d *Dispatcher) runIRQ(line int, f *Frame, handler IRQHandlerFn) {
	if !d.irq.Enter(line) {
		return // nesting bound exceeded; irq_enter fails gracefully, stays masked
	}
	defer d.irq.Exit()

	if handler != nil {
		handler(f)
		return
	}
	d.mu.Lock()
	already := line >= 0 && line < len(d.unhandledLogged) && d.unhandledLogged[line]
	if line >= 0 && line < len(d.unhandledLogged) {
		d.unhandledLogged[line] = true
	}
	d.mu.Unlock()
	if !already {
		klog.Printf("trapcore: unhandled IRQ line %d\n", line)
	}
}

const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1
	apicEOIRegister  = 0xB0 // offset within the memory-mapped local APIC; modeled as a port here
	picEOI           = 0x20
)

func sendEOIPIC(line int) {
	if line >= 8 {
		archio.OutPortB(picSlaveCommand, picEOI)
	}
	archio.OutPortB(picMasterCommand, picEOI)
}

func sendEOIAPIC() {
	archio.OutPortL(apicEOIRegister, 0)
}

func readPICMask() uint16 {
	lo := archio.InPortB(picMasterData)
	hi := archio.InPortB(picSlaveData)
	return uint16(lo) | uint16(hi)<<8
}

func writePICMask(m uint16) {
	archio.OutPortB(picMasterData, uint8(m))
	archio.OutPortB(picSlaveData, uint8(m>>8))
}

// Priorities is the per-line priority table and the nesting state
// irq_enter/irq_exit push and pop, per spec.md §4.4. Lower value is
// higher priority; defaults to the line's own number.
type Priorities struct {
	mu       sync.Mutex
	table    [16]int
	depth    int
	curPrio  int
	savedMask []uint16
	savedPrio []int
}

func (p *Priorities) reset() {
	for i := range p.table {
		p.table[i] = i
	}
	p.curPrio = 256 // lower than any real priority, nothing masked at boot
}

// SetPriority overrides line's priority.
func (p *Priorities) SetPriority(line, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 0 && line < len(p.table) {
		p.table[line] = priority
	}
}

// Enter pushes the previous PIC mask and priority, reprograms the mask to
// block equal-or-lower priority lines, and reports whether entry
// succeeded; it fails without unmasking if nesting exceeds
// klimits.MaxIRQNest.
func (p *Priorities) Enter(line int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.depth >= klimits.MaxIRQNest {
		return false
	}
	p.savedMask = append(p.savedMask, readPICMask())
	p.savedPrio = append(p.savedPrio, p.curPrio)
	p.depth++

	prio := 256
	if line >= 0 && line < len(p.table) {
		prio = p.table[line]
	}
	p.curPrio = prio
	writePICMask(p.blockMaskLocked(prio))
	return true
}

// Exit restores the previous PIC mask and priority, decrementing the
// nesting depth.
func (p *Priorities) Exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.depth == 0 {
		return
	}
	n := len(p.savedMask) - 1
	mask, prio := p.savedMask[n], p.savedPrio[n]
	p.savedMask, p.savedPrio = p.savedMask[:n], p.savedPrio[:n]
	p.depth--
	p.curPrio = prio
	writePICMask(mask)
}

// blockMaskLocked returns the PIC mask that blocks every line whose
// priority is equal to or numerically greater (i.e. equal or lower
// priority) than prio. Caller holds p.mu.
func (p *Priorities) blockMaskLocked(prio int) uint16 {
	var mask uint16
	for line, lp := range p.table {
		if lp >= prio {
			mask |= 1 << uint(line)
		}
	}
	return mask
}
