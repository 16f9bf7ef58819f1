// Command kernel is the boot entry point: it wires the frame allocator,
// page tables, CPU roster, trap dispatchers, scheduler, PCI-discovered
// virtio block device, initramfs, and the first user thread into one
// running system, in this order: boot info -> frame allocator -> page
// tables -> CPU bring-up -> scheduler -> PCI/virtio disk -> initramfs ->
// syscall dispatcher -> per-CPU trap dispatchers -> first user thread.
package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shard-kernel/shard/bootinfo"
	"github.com/shard-kernel/shard/cpuroster"
	"github.com/shard-kernel/shard/elfmap"
	"github.com/shard-kernel/shard/initramfs"
	"github.com/shard-kernel/shard/klog"
	"github.com/shard-kernel/shard/memframe"
	"github.com/shard-kernel/shard/pagetable"
	"github.com/shard-kernel/shard/pciscan"
	"github.com/shard-kernel/shard/proc"
	"github.com/shard-kernel/shard/syscalls"
	"github.com/shard-kernel/shard/trapcore"
	"github.com/shard-kernel/shard/virtio"
	"github.com/shard-kernel/shard/vmspace"
)

// kernelImageBytes and identityBytes bound the eagerly identity-mapped
// low region; this core has no demand paging so the kernel's own text,
// data, and page tables all have to live inside it.
const (
	kernelImageBytes = 2 << 20
	identityBytes    = 64 << 20
	defaultDiskSize  = 8 << 20 // bytes; sets the -disk-sectors default
)

func main() {
	bootinfoPath := flag.String("bootinfo", "", "path to a multiboot2-shaped boot-info blob; if empty, a synthetic single-region map is used")
	memBytes := flag.Uint64("mem", 128<<20, "total memory to assume when -bootinfo is empty")
	cpuCount := flag.Int("cpus", 1, "number of CPUs to bring up (including the BSP)")
	initramfsDir := flag.String("initramfs", "", "directory tree to load into the in-memory filesystem")
	initPath := flag.String("init", "", "path to the first user program's ELF image")
	diskSectors := flag.Uint64("disk-sectors", defaultDiskSize/512, "capacity to report for the discovered virtio-blk device")
	flag.Parse()

	info := loadBootInfo(*bootinfoPath, *memBytes)

	alloc := memframe.New()
	alloc.Init(toMemframeRanges(info.AvailableRanges()),
		memframe.Range{Addr: 0x100000, Len: kernelImageBytes},
		memframe.Range{Addr: 0, Len: 0})

	backing := pagetable.NewBacking()
	mgr := pagetable.NewManager(alloc, identityBytes)

	roster := cpuroster.New(syntheticEntries(*cpuCount))
	if err := roster.BringUpAPs(context.Background(), fakeBringup(roster), cpuroster.DefaultPause); err != nil {
		klog.Printf("cpuroster: %v", err)
	}

	sched := proc.NewScheduler(mgr, alloc, len(roster.CPUs()))

	disk := discoverDisk(alloc, backing, *diskSectors)

	root := buildInitramfs(*initramfsDir)
	dispatch := syscalls.New(sched, mgr, alloc, root, disk, *memBytes)

	dispatchers := make([]*trapcore.Dispatcher, len(roster.CPUs()))
	for _, cpu := range roster.CPUs() {
		d := trapcore.NewDispatcher()
		d.Syscall = dispatch.ForCPU(cpu.ID)
		cpuID := cpu.ID
		d.KillCaller = func(code int) {
			if t := sched.Current(cpuID); t != nil {
				sched.Exit(t, code)
			}
		}
		d.Reschedule = func(f *trapcore.Frame) { sched.OnTick(cpuID) }
		dispatchers[cpu.ID] = d
	}

	if *initPath != "" {
		bootInit(sched, mgr, alloc, *initPath)
	} else {
		klog.Printf("no -init binary given; boot stops after subsystem bring-up")
	}

	klog.Printf("shard: %d CPU(s) online, %d thread(s) scheduled", len(roster.CPUs()), sched.ThreadCount())
}

func loadBootInfo(path string, memBytes uint64) *bootinfo.Info {
	if path == "" {
		return &bootinfo.Info{
			Memory: []bootinfo.MemoryRegion{{Addr: 0, Len: memBytes, Type: bootinfo.MemTypeAvailable}},
		}
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		klog.Panic("reading boot-info blob: " + err.Error())
	}
	info, perr := bootinfo.Parse(blob)
	if perr != 0 {
		klog.Panic("parsing boot-info blob failed")
	}
	return info
}

func toMemframeRanges(regions []bootinfo.MemoryRegion) []memframe.Range {
	out := make([]memframe.Range, len(regions))
	for i, r := range regions {
		out[i] = memframe.Range{Addr: memframe.Frame(r.Addr), Len: uintptr(r.Len)}
	}
	return out
}

// syntheticEntries stands in for a parsed MADT/MP-table: this simulation
// has no firmware to enumerate, so it fabricates one BSP and cpuCount-1
// APs with sequential APIC ids.
func syntheticEntries(cpuCount int) []cpuroster.Entry {
	if cpuCount < 1 {
		cpuCount = 1
	}
	entries := make([]cpuroster.Entry, cpuCount)
	entries[0] = cpuroster.Entry{APICID: 0, IsBSP: true}
	for i := 1; i < cpuCount; i++ {
		entries[i] = cpuroster.Entry{APICID: uint32(i)}
	}
	return entries
}

// fakeBringup always reports an AP as booted: there is no real
// INIT-SIPI-SIPI sequence to send in this simulation, so every AP is
// marked online as soon as BringUpAPs calls back for it.
func fakeBringup(r *cpuroster.Roster) cpuroster.BringupFn {
	return func(cpu cpuroster.CPU) error {
		r.MarkOnline(cpu.ID)
		return nil
	}
}

func discoverDisk(alloc *memframe.Allocator, backing *pagetable.Backing, sectors uint64) *virtio.BlkDevice {
	dev, ok := pciscan.FindFirst(virtio.VendorID, virtio.DeviceID)
	if !ok {
		klog.Printf("pciscan: no virtio-blk function found, booting without a disk")
		return nil
	}
	ioBase, ok := pciscan.Bar0IOBase(dev)
	if !ok {
		klog.Printf("pciscan: virtio-blk BAR0 is not an I/O BAR")
		return nil
	}
	disk, err := virtio.Init(alloc, backing, ioBase, sectors)
	if err != 0 {
		klog.Printf("virtio.Init failed: %v", err)
		return nil
	}
	return disk
}

func buildInitramfs(dir string) *initramfs.FS {
	files := make(map[string][]byte)
	if dir != "" {
		walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			data, rerr := os.ReadFile(p)
			if rerr != nil {
				return rerr
			}
			rel, _ := filepath.Rel(dir, p)
			files["/"+strings.ReplaceAll(rel, string(filepath.Separator), "/")] = data
			return nil
		})
		if walkErr != nil {
			klog.Printf("initramfs: walking %s: %v", dir, walkErr)
		}
	}
	return initramfs.New(files)
}

func bootInit(sched *proc.Scheduler, mgr *pagetable.Manager, alloc *memframe.Allocator, path string) {
	image, err := os.ReadFile(path)
	if err != nil {
		klog.Panic("reading init binary: " + err.Error())
	}
	sp, verr := vmspace.New(mgr, 0)
	if verr != 0 {
		klog.Panic("creating init address space failed")
	}
	entry, brk, lerr := elfmap.Load(image, mgr, alloc, sp.Root)
	if lerr != 0 {
		klog.Panic("loading init binary failed")
	}
	sp.BrkStart, sp.BrkEnd = brk, brk
	sp.MMapCursor = vmspace.DefaultMMapBase(brk)

	if _, terr := sched.CreateUserThread("init", 0, sp, entry); terr != 0 {
		klog.Panic("creating init thread failed")
	}
}
