// Package telemetry provides toggleable migration/shootdown counters and
// accounting, grounded on biscuit's stats/stats.go (Counter_t/Cycles_t,
// gated by a compile-time toggle) and accnt/accnt.go (atomic accumulator
// with a locked snapshot).
package telemetry

import "sync/atomic"

// Enabled gates counter updates, mirroring biscuit's stats.Stats const.
// Left as a variable (rather than a const) since, unlike biscuit's
// freestanding build, this module has no build-tag-driven recompilation
// story; tests flip it directly.
var Enabled = true

// Counter_t is an atomically-updated counter, named after biscuit's
// stats.Counter_t.
type Counter_t int64

func (c *Counter_t) Inc() {
	if !Enabled {
		return
	}
	atomic.AddInt64((*int64)(c), 1)
}

func (c *Counter_t) Add(n int64) {
	if !Enabled {
		return
	}
	atomic.AddInt64((*int64)(c), n)
}

func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Counters aggregates the per-policy instrumentation points the engine
// needs: how much data moved, how many shootdowns ran, how many
// exhaustion/duplicate-ack events were recovered.
type Counters struct {
	PagesPromoted    Counter_t
	PagesDemoted     Counter_t
	BytesMigrated    Counter_t
	Shootdowns       Counter_t
	DuplicateAcks    Counter_t
	AllocExhaustions Counter_t
	OtherPages       Counter_t
}
