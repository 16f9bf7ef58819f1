// Package cpuroster is the CPU roster and local-APIC bring-up component
// (spec component C3): it enumerates CPUs from a firmware table, brings
// application processors online with the INIT-SIPI-SIPI sequence, and
// maps the local APIC id back to a dense CPU index. Concurrent AP
// bring-up is grounded on golang.org/x/sync/errgroup rather than biscuit
// (which has no SMP bring-up code at all — biscuit boots with a
// fixed CPU count read from the ACPI MADT at a different layer); the
// locking style (a single mutex guarding the roster) carries
// over from mem.Physmem_t/vm.Vm_t.
package cpuroster

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shard-kernel/shard/klog"
)

// Entry is one firmware-reported CPU, the shape of a parsed MP-table
// processor entry (spec.md §4.3).
type Entry struct {
	APICID uint32
	IsBSP  bool
}

// CPU is a roster slot: the dense index this kernel uses internally plus
// the firmware-reported APIC id and online status.
type CPU struct {
	ID     int
	APICID uint32
	Online bool
}

// BringupFn performs the real INIT-SIPI-SIPI sequence for one AP: copying
// the real-mode trampoline, filling the bootstrap record, and sending the
// interrupts, per spec.md §4.3. It is a seam so tests can substitute a
// fake that flips Online without touching real hardware.
type BringupFn func(cpu CPU) error

// PauseFn models the read-pause spin loop used to wait out INIT/SIPI
// settling time (spec.md §4.3, "~10ms-equivalent of pause cycles"; §5,
// "The APIC ICR busy-wait uses a read-pause loop").
type PauseFn func(d time.Duration)

// DefaultPause sleeps for d; real hardware would spin on PAUSE
// instructions instead, but a Go goroutine standing in for a CPU has no
// such instruction to spin on.
var DefaultPause PauseFn = time.Sleep

// bringupTimeout bounds how long the BSP waits for an AP's online flag
// before giving up and logging it offline, per spec.md §4.3.
const bringupTimeout = 50 * time.Millisecond

// Roster owns the CPU table built from the firmware enumeration.
type Roster struct {
	mu        sync.Mutex
	cpus      []CPU
	bspIdx    int
	apicReady bool
}

// New enumerates entries into a Roster, assigning dense ids in table
// order; entry[bsp] becomes CPU 0 regardless of its table position so the
// bootstrap thread's CPU id is always 0.
func New(entries []Entry) *Roster {
	r := &Roster{}
	if len(entries) == 0 {
		r.cpus = []CPU{{ID: 0, Online: true}}
		return r
	}
	bsp := -1
	for i, e := range entries {
		if e.IsBSP {
			bsp = i
			break
		}
	}
	if bsp < 0 {
		bsp = 0
	}
	r.cpus = append(r.cpus, CPU{ID: 0, APICID: entries[bsp].APICID, Online: true})
	id := 1
	for i, e := range entries {
		if i == bsp {
			continue
		}
		r.cpus = append(r.cpus, CPU{ID: id, APICID: e.APICID})
		id++
	}
	r.bspIdx = 0
	return r
}

// CPUs returns a snapshot of the roster.
func (r *Roster) CPUs() []CPU {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CPU, len(r.cpus))
	copy(out, r.cpus)
	return out
}

// BringUpAPs brings every non-BSP CPU online concurrently via bringup,
// bounding each attempt with bringupTimeout; APs that don't appear in
// time are logged and left offline rather than failing the whole boot,
// per spec.md §4.3.
func (r *Roster) BringUpAPs(ctx context.Context, bringup BringupFn, pause PauseFn) error {
	if pause == nil {
		pause = DefaultPause
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range r.cpus {
		if r.cpus[i].ID == 0 {
			continue
		}
		idx := i
		g.Go(func() error {
			cpu := r.cpus[idx]
			pause(200 * time.Microsecond) // INIT settle
			if err := bringup(cpu); err != nil {
				klog.Printf("cpuroster: AP apicid=%d init failed: %v\n", cpu.APICID, err)
				return nil
			}
			pause(100 * time.Microsecond) // first SIPI settle
			deadline := time.Now().Add(bringupTimeout)
			for {
				r.mu.Lock()
				online := r.cpus[idx].Online
				r.mu.Unlock()
				if online {
					return nil
				}
				if time.Now().After(deadline) || gctx.Err() != nil {
					klog.Printf("cpuroster: AP apicid=%d did not come online within timeout, left offline\n", cpu.APICID)
					return nil
				}
				pause(time.Millisecond)
			}
		})
	}
	return g.Wait()
}

// MarkOnline flips the online flag for the CPU whose dense index is id;
// called by the AP's own first-run trampoline once it reaches Go code.
func (r *Roster) MarkOnline(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id >= 0 && id < len(r.cpus) {
		r.cpus[id].Online = true
	}
}

// SetAPICReady flips the roster into "local APIC" mode; before this,
// CurrentCPUID always reports the BSP index, per spec.md §4.3.
func (r *Roster) SetAPICReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apicReady = true
}

// CurrentCPUID returns the BSP index until the APIC is declared ready;
// after that it maps readAPICID back to the dense CPU index.
func (r *Roster) CurrentCPUID(readAPICID func() uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.apicReady {
		return r.bspIdx
	}
	id := readAPICID()
	for _, c := range r.cpus {
		if c.APICID == id {
			return c.ID
		}
	}
	return r.bspIdx
}

// SendIPIAllFn broadcasts an IPI vector to every online CPU except the
// sender, the seam behind spec.md §4.3's send_ipi_all and §4.5's
// reschedule broadcast.
type SendIPIAllFn func(vector uint8, excludeAPICID uint32)

// OnlineExcept returns the APIC ids of every currently-online CPU except self.
func (r *Roster) OnlineExcept(selfAPICID uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint32
	for _, c := range r.cpus {
		if c.Online && c.APICID != selfAPICID {
			out = append(out, c.APICID)
		}
	}
	return out
}
