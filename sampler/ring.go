// Package sampler implements the bounded access-sample ring of spec §4.2
// and the access-sample collaborator interface of spec §6, grounded on
// biscuit's circbuf.go single-writer circular buffer generalized to a
// struct element and a multi-producer lock (simulated cores run in
// parallel, unlike circbuf's single writer).
package sampler

import (
	"sync"

	"tiermem/defs"
)

// Sample is one recorded access, per spec §3's access-sample ring.
type Sample struct {
	Op    defs.Op_t
	Vaddr uintptr
	IP    uintptr
	AppID int
}

// Ring is a bounded circular buffer; overflow drops the oldest sample.
type Ring struct {
	mu       sync.Mutex
	buf      []Sample
	head     int
	len      int
	count    uint64
	everyNth int
	n        uint64
}

// New builds a ring of the given capacity that records every everyNth
// call to Record (spec §6 "sampling_frequency").
func New(capacity, everyNth int) *Ring {
	if everyNth < 1 {
		everyNth = 1
	}
	return &Ring{buf: make([]Sample, capacity), everyNth: everyNth}
}

// Record is the access-sample collaborator's entry point (spec §6):
// called from the memory pipeline; returns true once per full ring to
// trigger a policy wakeup.
func (r *Ring) Record(addr uintptr, op defs.Op_t, appID int, ip uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.n++
	if r.n%uint64(r.everyNth) != 0 {
		return false
	}

	idx := (r.head + r.len) % len(r.buf)
	r.buf[idx] = Sample{Op: op, Vaddr: addr, IP: ip, AppID: appID}
	if r.len < len(r.buf) {
		r.len++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
	r.count++
	return r.count%uint64(len(r.buf)) == 0
}

// Drain pops and returns up to max pending samples, oldest first; an
// empty ring yields immediately (spec §4.2).
func (r *Ring) Drain(max int) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.len
	if n > max {
		n = max
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.head = (r.head + n) % len(r.buf)
	r.len -= n
	return out
}

// Len reports the number of pending samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}
