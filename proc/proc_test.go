package proc

import (
	"sync"
	"testing"
	"time"

	"github.com/shard-kernel/shard/archio"
	"github.com/shard-kernel/shard/defs"
	"github.com/shard-kernel/shard/memframe"
	"github.com/shard-kernel/shard/pagetable"
	"github.com/shard-kernel/shard/trapcore"
	"github.com/shard-kernel/shard/vmspace"
)

func newTestScheduler(t *testing.T, numCPU int) *Scheduler {
	t.Helper()
	alloc := memframe.New()
	alloc.Init([]memframe.Range{{Addr: 0, Len: 64 << 20}}, memframe.Range{}, memframe.Range{})
	mgr := pagetable.NewManager(alloc, 2<<20)
	return NewScheduler(mgr, alloc, numCPU)
}

// P5/P6: at most one thread RUNNING per CPU, and it equals current.
func TestAtMostOneRunningPerCPU(t *testing.T) {
	s := newTestScheduler(t, 2)
	a, _ := s.CreateKernelThread("a", 5, nil, 0)
	b, _ := s.CreateKernelThread("b", 5, nil, 0)

	s.OnTick(0)
	s.OnTick(1)

	seen := map[int]*Thread{}
	for _, th := range []*Thread{&s.threads[0], a, b} {
		if th.State == Running {
			if prev, ok := seen[th.CPUID]; ok {
				t.Fatalf("two RUNNING threads on cpu %d: %v and %v", th.CPUID, prev.Name, th.Name)
			}
			seen[th.CPUID] = th
		}
	}
	for cpu, th := range seen {
		if s.current[cpu] != th {
			t.Fatalf("cpu %d's RUNNING thread does not match current pointer", cpu)
		}
	}
}

// P7: a thread that slept is not scheduled before current_tick >= wakeup.
func TestSleepNotScheduledBeforeWakeup(t *testing.T) {
	s := newTestScheduler(t, 1)
	th, _ := s.CreateKernelThread("sleeper", 10, nil, 0)
	th.State = Ready

	s.mu.Lock()
	th.State = Sleeping
	th.WakeupTick = 5
	s.mu.Unlock()

	s.OnTick(0)
	if th.State == Running {
		t.Fatalf("sleeping thread scheduled before its wakeup tick")
	}

	s.mu.Lock()
	s.tick = 5
	s.mu.Unlock()
	s.OnTick(0)
	if th.State != Running {
		t.Fatalf("thread not scheduled once tick reached wakeup: state=%v", th.State)
	}
}

// P9: fork — parent gets child id, child gets 0, both resume at the same
// instruction (the copied frame's RIP is identical).
func TestForkReturnValues(t *testing.T) {
	s := newTestScheduler(t, 1)
	parent := &s.threads[0]
	parent.Frame = &trapcore.Frame{RIP: 0x4000, Rax: 999}

	child, err := s.Fork(parent)
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}
	if parent.Frame.Rax != uint64(child.ID) {
		t.Fatalf("parent frame Rax = %d, want child id %d", parent.Frame.Rax, child.ID)
	}
	if child.Frame.Rax != 0 {
		t.Fatalf("child frame Rax = %d, want 0", child.Frame.Rax)
	}
	if child.Frame.RIP != parent.Frame.RIP {
		t.Fatalf("child RIP %#x != parent RIP %#x", child.Frame.RIP, parent.Frame.RIP)
	}
	if child.Parent != parent.ID {
		t.Fatalf("child.Parent = %d, want %d", child.Parent, parent.ID)
	}
}

// P8 / scenario 2: waitpid returns the exit code passed to exit, for both
// orderings of wait-vs-exit.
func TestWaitpidReturnsExitCodeExitBeforeWait(t *testing.T) {
	s := newTestScheduler(t, 1)
	parent := &s.threads[0]
	parent.Frame = &trapcore.Frame{}
	child, _ := s.Fork(parent)

	s.Exit(child, 7)

	var status int
	id, err := s.Waitpid(parent, child.ID, &status)
	if err != 0 {
		t.Fatalf("Waitpid: %v", err)
	}
	if id != child.ID || status != 7 {
		t.Fatalf("Waitpid returned id=%d status=%d, want id=%d status=7", id, status, child.ID)
	}
	if s.threads[child.ID].State != Unused {
		t.Fatalf("reaped child slot is not UNUSED: %v", s.threads[child.ID].State)
	}
}

func TestWaitpidReturnsExitCodeWaitBeforeExit(t *testing.T) {
	s := newTestScheduler(t, 1)
	parent := &s.threads[0]
	parent.Frame = &trapcore.Frame{}
	child, _ := s.Fork(parent)

	var status int
	var wg sync.WaitGroup
	var id defs.Tid_t
	var err defs.Err_t
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, err = s.Waitpid(parent, child.ID, &status)
	}()

	time.Sleep(20 * time.Millisecond) // let Waitpid reach cond.Wait
	s.Exit(child, 3)
	wg.Wait()

	if err != 0 {
		t.Fatalf("Waitpid: %v", err)
	}
	if id != child.ID || status != 3 {
		t.Fatalf("Waitpid returned id=%d status=%d, want id=%d status=3", id, status, child.ID)
	}
}

func TestWaitpidNoMatchingChildReturnsError(t *testing.T) {
	s := newTestScheduler(t, 1)
	parent := &s.threads[0]
	if _, err := s.Waitpid(parent, 42, nil); err != defs.ESRCH {
		t.Fatalf("Waitpid with no children: err=%v, want ESRCH", err)
	}
}

// scenario 5: kill transitions the target to ZOMBIE and waitpid observes
// the negative signal exit code.
func TestKillThenWaitpidObservesNegativeSignal(t *testing.T) {
	s := newTestScheduler(t, 1)
	parent := &s.threads[0]
	parent.Frame = &trapcore.Frame{}
	child, _ := s.Fork(parent)

	if err := s.Kill(parent, child.ID, 9); err != 0 {
		t.Fatalf("Kill: %v", err)
	}
	var status int
	id, err := s.Waitpid(parent, child.ID, &status)
	if err != 0 {
		t.Fatalf("Waitpid after kill: %v", err)
	}
	if id != child.ID || status != -9 {
		t.Fatalf("Waitpid after kill returned id=%d status=%d, want id=%d status=-9", id, status, child.ID)
	}
}

func TestKillSelfRoutesThroughExit(t *testing.T) {
	s := newTestScheduler(t, 1)
	th, _ := s.CreateKernelThread("self", 1, nil, 0)
	th.Frame = &trapcore.Frame{}
	th.State = Running
	s.current[0] = th

	if err := s.Kill(th, th.ID, 9); err != 0 {
		t.Fatalf("self-kill: %v", err)
	}
	if th.State != Zombie || th.ExitCode != -9 {
		t.Fatalf("self-kill did not mark ZOMBIE with -sig: state=%v code=%d", th.State, th.ExitCode)
	}
}

// spec.md §4.5: switching to a thread with a different kernel stack
// updates TSS RSP0, and switching to a thread with a different address
// space root writes CR3.
func TestSwitchingThreadsUpdatesRSP0AndCR3(t *testing.T) {
	savedRSP0, savedCR3 := archio.SetRSP0, archio.WriteCR3
	defer func() { archio.SetRSP0, archio.WriteCR3 = savedRSP0, savedCR3 }()

	var gotRSP0, gotCR3 []uintptr
	archio.SetRSP0 = func(rsp0 uintptr) { gotRSP0 = append(gotRSP0, rsp0) }
	archio.WriteCR3 = func(root uintptr) { gotCR3 = append(gotCR3, root) }

	s := newTestScheduler(t, 1)
	spA, err := vmspace.New(s.mgr, 0)
	if err != 0 {
		t.Fatalf("vmspace.New: %v", err)
	}
	spB, err := vmspace.New(s.mgr, 0)
	if err != 0 {
		t.Fatalf("vmspace.New: %v", err)
	}

	a, _ := s.CreateUserThread("a", 5, spA, 0x1000)
	b, _ := s.CreateUserThread("b", 5, spB, 0x1000)

	gotRSP0, gotCR3 = nil, nil
	s.doSwitchLocked(0, a)
	if len(gotRSP0) != 1 || gotRSP0[0] != rsp0Of(a) {
		t.Fatalf("switch to a: RSP0 writes = %v, want [%d]", gotRSP0, rsp0Of(a))
	}
	if len(gotCR3) != 1 || gotCR3[0] != spaceRootOf(a) {
		t.Fatalf("switch to a: CR3 writes = %v, want [%d]", gotCR3, spaceRootOf(a))
	}

	gotRSP0, gotCR3 = nil, nil
	s.doSwitchLocked(0, b)
	if len(gotRSP0) != 1 || gotRSP0[0] != rsp0Of(b) {
		t.Fatalf("switch to b: RSP0 writes = %v, want [%d]", gotRSP0, rsp0Of(b))
	}
	if len(gotCR3) != 1 || gotCR3[0] != spaceRootOf(b) {
		t.Fatalf("switch to b: CR3 writes = %v, want [%d]", gotCR3, spaceRootOf(b))
	}

	gotRSP0, gotCR3 = nil, nil
	s.doSwitchLocked(0, b)
	if len(gotRSP0) != 0 || len(gotCR3) != 0 {
		t.Fatalf("re-switching to the already-current thread wrote RSP0=%v CR3=%v, want none", gotRSP0, gotCR3)
	}
}

func TestCanaryDetectsStackCorruption(t *testing.T) {
	s := newTestScheduler(t, 1)
	th, _ := s.CreateKernelThread("c", 1, nil, 0)
	if !CheckCanary(th) {
		t.Fatalf("freshly seeded canary reported corrupted")
	}
	th.KStack[0] ^= 0xFF
	if CheckCanary(th) {
		t.Fatalf("corrupted canary bytes not detected")
	}
}
