// Package kstats is the statistics and profiling layer, generalized from
// biscuit's stats package (Counter_t, Cycles_t, Stats2String). Instead
// of a reflection-based ad-hoc dumper, per-IRQ-line and per-thread counters
// are exported as a github.com/google/pprof profile for offline analysis.
package kstats

import (
	"io"
	"sync/atomic"

	"github.com/google/pprof/profile"
)

// Enabled gates whether counters actually increment, mirroring
// biscuit's "const Stats = false" compile-time switch; here it is a
// runtime var so tests can flip it on.
var Enabled = true

// TLBInvalidations counts per-page invalidations issued by pagetable's
// Map/Unmap, the successor to biscuit's ad-hoc Tlbshoot bookkeeping.
var TLBInvalidations Counter_t

// CR3Writes counts address-space switches issued by proc's context
// switch path whenever the incoming thread's space root differs from
// the outgoing one.
var CR3Writes Counter_t

// Counter_t is an atomically-updated statistical counter, kept under
// biscuit's exact name and method set (Inc).
type Counter_t int64

// Inc increments the counter by one if statistics are enabled.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add adds delta to the counter if statistics are enabled.
func (c *Counter_t) Add(delta int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), delta)
	}
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Cycles_t accumulates elapsed cycles/nanoseconds, mirroring biscuit's
// Cycles_t.Add(rdtsc delta).
type Cycles_t int64

// Add adds n cycles to the counter if statistics are enabled.
func (c *Cycles_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Get returns the current accumulated value.
func (c *Cycles_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// IRQSample names one IRQ line's sampled counters for profile export.
type IRQSample struct {
	Line   int
	Fires  int64
	Cycles int64
}

// ThreadSample names one thread's sampled counters for profile export.
type ThreadSample struct {
	Tid    int
	Name   string
	UserNs int64
	SysNs  int64
}

// WriteProfile encodes irqs and threads as a github.com/google/pprof
// profile.Profile and writes its gzipped wire format to w. This is the
// kernel-side successor to biscuit's reflection-based
// stats.Stats2String dumper: instead of a printable string, callers get a
// format any pprof-compatible viewer can load.
func WriteProfile(w io.Writer, irqs []IRQSample, threads []ThreadSample) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "fires", Unit: "count"},
			{Type: "cycles", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
	}
	for _, s := range irqs {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{s.Fires, s.Cycles},
			Label: map[string][]string{"irq": {itoa(s.Line)}},
		})
	}
	for _, s := range threads {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{1, s.UserNs + s.SysNs},
			Label: map[string][]string{
				"tid":  {itoa(s.Tid)},
				"name": {s.Name},
			},
		})
	}
	return p.Write(w)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
