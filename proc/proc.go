// Package proc is the preemptive multi-CPU scheduler (spec component C5):
// a fixed-capacity thread table, per-CPU current-thread pointers, a
// single coarse lock serializing switches, and process semantics
// (fork/exec/waitpid/kill/exit) taken operation-for-operation from
// original_source/src/scheduler.c, since spec.md names these exact
// behaviors and the C source pins the edge cases (waitpid's "no match at
// all" vs "match but not zombie" distinction, kill's self-kill routing).
// Locking style follows biscuit's coarse sync.Mutex discipline
// (mem.Physmem_t, vm.Vm_t) rather than hand-written spinlocks, since this
// repo runs kernel logic as goroutines standing in for CPUs.
package proc

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
	"unsafe"

	"github.com/shard-kernel/shard/archio"
	"github.com/shard-kernel/shard/defs"
	"github.com/shard-kernel/shard/kaccnt"
	"github.com/shard-kernel/shard/klimits"
	"github.com/shard-kernel/shard/klog"
	"github.com/shard-kernel/shard/memframe"
	"github.com/shard-kernel/shard/pagetable"
	"github.com/shard-kernel/shard/trapcore"
	"github.com/shard-kernel/shard/vmspace"
)

// State is a thread's position in the lifecycle state machine (spec.md
// §4.5).
type State int32

const (
	Unused State = iota
	Ready
	Running
	Sleeping
	Blocked
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Sleeping:
		return "SLEEPING"
	case Blocked:
		return "BLOCKED"
	case Zombie:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// FileHandle is a thread's open-file table entry: deliberately shallow
// (no pointer to the vfs node's internal lock state) so fork's "duplicate
// every open-file entry by shallow copy" is just a Go value copy.
type FileHandle struct {
	Valid    bool
	DevMajor int
	Inode    uint64
	Offset   int64
	Writable bool
}

// Thread is the scheduling unit; a process and its main thread coincide
// in this core (spec.md §3).
type Thread struct {
	ID       defs.Tid_t
	Name     string
	State    State
	IsUser   bool
	Priority int

	Frame *trapcore.Frame
	Space *vmspace.Space

	KStack       []byte
	Canary       uint64
	HasUserStack bool

	OpenFiles [klimits.MaxOpenFiles]FileHandle

	Parent       defs.Tid_t
	LiveChildren int
	ExitCode     int
	WaitTarget   defs.Tid_t

	WakeupTick uint64
	CPUID      int

	EntryFn  func(arg int64)
	EntryArg int64

	Acct kaccnt.Accnt
}

// ustackPages is the fixed size of a user stack, per klimits.UStackPages.
const ustackPages = klimits.UStackPages

// kernelCodeSelector/kernelDataSelector/userCodeSelector/userDataSelector
// are the GDT selectors spec.md §6 fixes.
const (
	kernelCodeSelector = 0x08
	userCodeSelector   = 0x1B
	userDataSelector   = 0x23
	rflagsIF           = 1 << 9
)

// Scheduler owns the fixed thread table and one current-thread pointer
// per online CPU.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	threads [klimits.MaxThreads]Thread
	current []*Thread
	cursor  int
	tick    uint64

	mgr   *pagetable.Manager
	alloc *memframe.Allocator
}

// NewScheduler builds a scheduler with the bootstrap thread pre-seated in
// slot 0, per spec.md §9 ("allocate the thread-table slot before the
// first context switch ever happens").
func NewScheduler(mgr *pagetable.Manager, alloc *memframe.Allocator, numCPU int) *Scheduler {
	s := &Scheduler{mgr: mgr, alloc: alloc}
	s.cond = sync.NewCond(&s.mu)
	s.current = make([]*Thread, numCPU)
	s.threads[0] = Thread{ID: 0, Name: "bootstrap", State: Running, CPUID: 0, Priority: 0}
	s.current[0] = &s.threads[0]
	return s
}

func computeCanary(t *Thread, stackAddr uintptr, stackLen int, tick uint64, cpuid int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	write := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	write(uint64(uintptr(unsafe.Pointer(t))))
	write(uint64(stackAddr))
	write(uint64(stackLen))
	write(tick)
	write(uint64(cpuid))
	return h.Sum64()
}

func newKStack() []byte {
	return make([]byte, klimits.KStackPages*memframe.PageSize)
}

func seedCanary(t *Thread) {
	stackAddr := uintptr(unsafe.Pointer(&t.KStack[0]))
	t.Canary = computeCanary(t, stackAddr, len(t.KStack), 0, t.CPUID)
	binary.LittleEndian.PutUint64(t.KStack[0:8], t.Canary)
}

// CheckCanary reports whether t's kernel-stack canary is intact; false
// means the kernel stack has been corrupted, per spec.md §9.
func CheckCanary(t *Thread) bool {
	if len(t.KStack) < 8 {
		return false
	}
	return binary.LittleEndian.Uint64(t.KStack[0:8]) == t.Canary
}

// allocSlotLocked finds an UNUSED slot, assigns it the slot index as id
// (a simplification of spec.md's monotonic counter: ids are stable while
// a slot is live and are only reused once a slot returns to UNUSED, the
// same array-indexed-by-id shape the teaching kernel this spec was
// distilled from uses), and round-robins its CPU assignment.
func (s *Scheduler) allocSlotLocked(name string, priority int, isUser bool) (*Thread, defs.Err_t) {
	for i := 1; i < len(s.threads); i++ {
		if s.threads[i].State == Unused {
			t := &s.threads[i]
			*t = Thread{
				ID:       defs.Tid_t(i),
				Name:     name,
				State:    Ready,
				IsUser:   isUser,
				Priority: priority,
				CPUID:    s.cursor % len(s.current),
			}
			s.cursor++
			return t, 0
		}
	}
	return nil, defs.EAGAIN
}

// CreateKernelThread allocates a slot, a canaried kernel stack, and
// records fn/arg for the first-run trampoline (spec.md §4.5); starting
// the thread is left to the caller's idle-loop glue, not this package.
func (s *Scheduler) CreateKernelThread(name string, priority int, fn func(arg int64), arg int64) (*Thread, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.allocSlotLocked(name, priority, false)
	if err != 0 {
		return nil, err
	}
	t.KStack = newKStack()
	seedCanary(t)
	t.EntryFn = fn
	t.EntryArg = arg
	return t, 0
}

// CreateUserThread allocates a slot bound to sp, with a fresh user stack
// at UserStackTop - stack size, a ring-3 IRET frame seeded at entry, and
// brk bounds copied from sp (already set by the ELF loader), per spec.md
// §4.5. The whole sequence runs under s.mu, the same full-lock span
// original_source/src/scheduler.c's thread_create_user uses, so a
// concurrent selectLocked can never observe the slot as READY before its
// Frame is in place.
func (s *Scheduler) CreateUserThread(name string, priority int, sp *vmspace.Space, entry uintptr) (*Thread, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.allocSlotLocked(name, priority, true)
	if err != 0 {
		return nil, err
	}
	t.State = Unused // not selectable until the stack and frame below are built
	t.KStack = newKStack()
	seedCanary(t)

	if err := vmspace.MapUserStack(s.mgr, s.alloc, sp, ustackPages); err != 0 {
		t.State = Unused
		return nil, err
	}

	t.Space = sp
	t.HasUserStack = true
	t.Frame = &trapcore.Frame{
		RIP:     uint64(entry),
		CS:      userCodeSelector,
		RFLAGS:  rflagsIF,
		UserRSP: uint64(vmspace.UserStackTop),
		UserSS:  userDataSelector,
	}
	t.State = Ready
	return t, 0
}

// Tick advances the global tick counter; called from the timer IRQ.
func (s *Scheduler) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	return s.tick
}

// promoteSleepersLocked moves every SLEEPING thread whose wakeup tick has
// passed to READY.
func (s *Scheduler) promoteSleepersLocked() {
	for i := range s.threads {
		t := &s.threads[i]
		if t.State == Sleeping && s.tick >= t.WakeupTick {
			t.State = Ready
		}
	}
}

// selectLocked picks the highest-priority READY thread pinned to cpuID,
// ties broken in table order; if none exists and the current thread is
// still RUNNING it continues; otherwise the bootstrap thread is the last
// resort, per spec.md §4.5.
func (s *Scheduler) selectLocked(cpuID int) *Thread {
	s.promoteSleepersLocked()

	var best *Thread
	for i := range s.threads {
		t := &s.threads[i]
		if t.State != Ready || t.CPUID != cpuID {
			continue
		}
		if best == nil || t.Priority > best.Priority {
			best = t
		}
	}
	if best != nil {
		return best
	}
	if cur := s.current[cpuID]; cur != nil && cur.State == Running {
		return cur
	}
	if s.threads[0].State == Zombie {
		klog.Panic("proc: bootstrap thread is zombie, no runnable thread anywhere")
	}
	return &s.threads[0]
}

// doSwitchLocked performs the context switch bookkeeping: outgoing flips
// RUNNING->READY, incoming becomes RUNNING, and the scheduler's notion of
// "current" for cpuID updates. If the incoming thread's kernel stack
// differs from the outgoing one, the TSS RSP0 is updated to its top; if
// the incoming address-space root differs, CR3 is written (spec.md
// §4.5). Returns the incoming thread's frame for the asm epilogue to
// restore.
func (s *Scheduler) doSwitchLocked(cpuID int, incoming *Thread) *trapcore.Frame {
	outgoing := s.current[cpuID]
	if outgoing != incoming {
		if outgoing != nil && outgoing.State == Running {
			outgoing.State = Ready
		}
		if outgoing == nil || rsp0Of(incoming) != rsp0Of(outgoing) {
			archio.SetRSP0(rsp0Of(incoming))
		}
		if outgoing == nil || spaceRootOf(incoming) != spaceRootOf(outgoing) {
			archio.WriteCR3(spaceRootOf(incoming))
		}
		incoming.State = Running
		incoming.CPUID = cpuID
		s.current[cpuID] = incoming
	}
	return incoming.Frame
}

// rsp0Of returns the top-of-stack address the TSS's RSP0 field should
// hold while t is running, i.e. the address one past the end of its
// kernel stack (the stack grows down from there).
func rsp0Of(t *Thread) uintptr {
	if len(t.KStack) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&t.KStack[0])) + uintptr(len(t.KStack))
}

// spaceRootOf returns the physical frame CR3 should hold while t is
// running, or 0 for a kernel thread with no user address space.
func spaceRootOf(t *Thread) uintptr {
	if t.Space == nil {
		return 0
	}
	return uintptr(t.Space.Root)
}

// OnTick runs selection for cpuID and switches to whatever it picks; the
// timer IRQ and the reschedule IPI both call this (spec.md §4.4/§4.5).
func (s *Scheduler) OnTick(cpuID int) *trapcore.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doSwitchLocked(cpuID, s.selectLocked(cpuID))
}

// Yield is the explicit yield syscall's body: identical to OnTick except
// it always considers the caller no longer privileged to keep running.
func (s *Scheduler) Yield(cpuID int) *trapcore.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.current[cpuID]; cur != nil && cur.State == Running {
		cur.State = Ready
	}
	return s.doSwitchLocked(cpuID, s.selectLocked(cpuID))
}

// Current returns cpuID's current thread.
func (s *Scheduler) Current(cpuID int) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[cpuID]
}

// Sleep marks t SLEEPING until the tick counter reaches wakeTick, per
// spec.md §4.5's SLEEPING state and §5's "sleep helper (issues an
// internal yield)".
func (s *Scheduler) Sleep(t *Thread, wakeTick uint64) *trapcore.Frame {
	s.mu.Lock()
	t.State = Sleeping
	t.WakeupTick = wakeTick
	s.mu.Unlock()
	return s.Yield(t.CPUID)
}

// Fork allocates a new slot with a fresh kernel stack, copies the parent's
// trap frame into the child's own Frame, zeroes the child's return value
// while the parent's
// becomes the child id, and shares the parent's address space without
// copy-on-write (spec.md §4.5, §9). Open files are duplicated by shallow
// array copy, which Go's struct-array assignment already gives for free.
func (s *Scheduler) Fork(parent *Thread) (*Thread, defs.Err_t) {
	s.mu.Lock()
	child, err := s.allocSlotLocked(parent.Name, parent.Priority, parent.IsUser)
	if err != 0 {
		s.mu.Unlock()
		return nil, err
	}
	child.KStack = newKStack()
	seedCanary(child)

	childFrame := *parent.Frame
	childFrame.Rax = 0
	child.Frame = &childFrame
	child.HasUserStack = parent.HasUserStack
	child.OpenFiles = parent.OpenFiles
	child.Parent = parent.ID
	parent.LiveChildren++
	parent.Frame.Rax = uint64(child.ID)
	s.mu.Unlock()

	if parent.Space != nil {
		s.mgr.Retain(parent.Space.Root)
		child.Space = parent.Space
	}
	return child, 0
}

// ExecLoaderFn loads a fresh image into root and returns its entry point
// and initial brk, the seam C8's elfmap.Load fills.
type ExecLoaderFn func(root memframe.Frame) (entry, initialBrk uintptr, err defs.Err_t)

// Exec replaces t's address space with a freshly loaded image: a new
// address space, a fresh user stack, and the trap frame's RIP/RSP
// overwritten to the new entry and stack top with other registers
// zeroed. On any failure the original state is preserved, per spec.md
// §4.5 and §9's resolved Open Question ((b): allocate in the new address
// space, release the old one via refcount).
func (s *Scheduler) Exec(t *Thread, load ExecLoaderFn) defs.Err_t {
	newSpace, err := vmspace.New(s.mgr, 0)
	if err != 0 {
		return err
	}
	entry, brk, err := load(newSpace.Root)
	if err != 0 {
		s.mgr.Release(newSpace.Root)
		return err
	}
	if err := vmspace.MapUserStack(s.mgr, s.alloc, newSpace, ustackPages); err != 0 {
		s.mgr.Release(newSpace.Root)
		return err
	}
	newSpace.BrkStart = brk
	newSpace.BrkEnd = brk
	newSpace.MMapCursor = vmspace.DefaultMMapBase(brk)

	oldSpace := t.Space
	t.Space = newSpace
	t.HasUserStack = true
	t.Frame = &trapcore.Frame{
		RIP:     uint64(entry),
		CS:      userCodeSelector,
		RFLAGS:  rflagsIF,
		UserRSP: uint64(vmspace.UserStackTop),
		UserSS:  userDataSelector,
	}
	if oldSpace != nil {
		s.mgr.Release(oldSpace.Root)
	}
	return 0
}

// reapLocked returns a zombie thread's resources and marks its slot
// UNUSED.
func (s *Scheduler) reapLocked(t *Thread) {
	if t.HasUserStack && t.Space != nil {
		vmspace.FreeUserStack(s.mgr, s.alloc, t.Space, ustackPages)
	}
	if t.Space != nil {
		s.mgr.Release(t.Space.Root)
	}
	t.State = Unused
	t.KStack = nil
	t.Frame = nil
	t.Space = nil
}

// Waitpid blocks (via a condition variable standing in for the
// yield-and-resume the real kernel would do) until a matching child
// becomes ZOMBIE, then reaps it and returns its id and exit code through
// statusPtr. pid>0 matches one child; pid<=0 matches any. Returns -1 if
// there is no matching child at all, per spec.md §4.5.
func (s *Scheduler) Waitpid(parent *Thread, pid defs.Tid_t, statusPtr *int) (defs.Tid_t, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		matched := false
		for i := range s.threads {
			t := &s.threads[i]
			if t.State == Unused || t.Parent != parent.ID {
				continue
			}
			if pid > 0 && t.ID != pid {
				continue
			}
			matched = true
			if t.State == Zombie {
				if statusPtr != nil {
					*statusPtr = t.ExitCode
				}
				id := t.ID
				s.reapLocked(t)
				return id, 0
			}
		}
		if !matched {
			return -1, defs.ESRCH
		}
		parent.State = Blocked
		parent.WaitTarget = pid
		s.cond.Wait()
	}
}

// Exit marks t ZOMBIE with code, decrements the parent's live-child
// count, wakes the parent if it is blocked on a matching target, and
// picks a new runnable thread for t's CPU, per spec.md §4.5.
func (s *Scheduler) Exit(t *Thread, code int) {
	s.mu.Lock()
	t.State = Zombie
	t.ExitCode = code
	if t.ID != 0 {
		if p := s.findLocked(t.Parent); p != nil {
			p.LiveChildren--
			if p.State == Blocked && (p.WaitTarget <= 0 || p.WaitTarget == t.ID) {
				p.State = Ready
			}
		}
	}
	s.cond.Broadcast()
	cpu := t.CPUID
	s.mu.Unlock()
	s.OnTick(cpu)
}

// Kill marks the target ZOMBIE with exit code -sig. The target's mode is
// not checked: a kernel thread is killed the same way as a user one.
// Self-kill routes
// through Exit, and a target that is already ZOMBIE is a no-op error, per
// spec.md §4.5. Signals are never delivered to userspace.
func (s *Scheduler) Kill(caller *Thread, targetID defs.Tid_t, sig int) defs.Err_t {
	if targetID == caller.ID {
		s.Exit(caller, -sig)
		return 0
	}
	s.mu.Lock()
	t := s.findLocked(targetID)
	if t == nil || t.State == Zombie || t.State == Unused {
		s.mu.Unlock()
		return defs.ESRCH
	}
	t.State = Zombie
	t.ExitCode = -sig
	if p := s.findLocked(t.Parent); p != nil {
		p.LiveChildren--
		if p.State == Blocked && (p.WaitTarget <= 0 || p.WaitTarget == t.ID) {
			p.State = Ready
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	return 0
}

func (s *Scheduler) findLocked(id defs.Tid_t) *Thread {
	if id < 0 || int(id) >= len(s.threads) {
		return nil
	}
	t := &s.threads[id]
	if t.State == Unused {
		return nil
	}
	return t
}

// ThreadCount returns the number of occupied thread-table slots, the
// figure sysinfo's procs field reports (original_source's
// scheduler_thread_count).
func (s *Scheduler) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.threads {
		if s.threads[i].State != Unused {
			n++
		}
	}
	return n
}
