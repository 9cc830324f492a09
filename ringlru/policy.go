// Package ringlru implements migration Policy A (spec §4.3): a
// ring-buffer LRU scheme with a global clock, two classification rings,
// and peek-and-move cooling of the hot lists. Grounded on hemem.cpp's
// scan()/policy()/makeHot/makeCold/partial_cool_peek_and_move.
package ringlru

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tiermem/config"
	"tiermem/defs"
	"tiermem/executor"
	"tiermem/fifolist"
	"tiermem/mem"
	"tiermem/sampler"
	"tiermem/telemetry"
	"tiermem/util"
)

// idring is a simple unbounded FIFO of arena ids, used for hot_ring and
// cold_ring; overflow-dropping the literal boost::circular_buffer
// capacity is not load-bearing for the invariants in spec §8, so this
// keeps the simpler unbounded form.
type idring struct {
	mu    sync.Mutex
	items []uint32
}

func (r *idring) push(id uint32) {
	r.mu.Lock()
	r.items = append(r.items, id)
	r.mu.Unlock()
}

func (r *idring) drain(max int) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.items)
	if n > max {
		n = max
	}
	out := append([]uint32(nil), r.items[:n]...)
	r.items = r.items[n:]
	return out
}

// Policy is the ring-LRU actor pair: Scanner and Policy goroutines
// sharing the clock, rings, and four FIFO lists.
type Policy struct {
	cfg   config.Config
	alloc *mem.TierAllocator
	idx   *mem.PageIndex
	ring  *sampler.Ring
	exec  *executor.Executor
	ctrs  *telemetry.Counters
	log   zerolog.Logger

	dramHot, dramCold, nvmHot, nvmCold *fifolist.List
	dramCooler, nvmCooler              *fifolist.Cooler

	hotRing, coldRing idring

	globalClock  int64
	needCoolDRAM int32
	needCoolNVM  int32
}

// New wires one ring-LRU actor over the given collaborators.
func New(cfg config.Config, alloc *mem.TierAllocator, idx *mem.PageIndex, ring *sampler.Ring, exec *executor.Executor, ctrs *telemetry.Counters, log zerolog.Logger) *Policy {
	dramHot := fifolist.New(alloc, fifolist.DRAMHot, "dram-hot")
	dramCold := fifolist.New(alloc, fifolist.DRAMCold, "dram-cold")
	nvmHot := fifolist.New(alloc, fifolist.NVMHot, "nvm-hot")
	nvmCold := fifolist.New(alloc, fifolist.NVMCold, "nvm-cold")
	return &Policy{
		cfg: cfg, alloc: alloc, idx: idx, ring: ring, exec: exec, ctrs: ctrs, log: log,
		dramHot: dramHot, dramCold: dramCold, nvmHot: nvmHot, nvmCold: nvmCold,
		dramCooler: fifolist.NewCooler(dramHot, dramCold, cfg.CoolingPages),
		nvmCooler:  fifolist.NewCooler(nvmHot, nvmCold, cfg.CoolingPages),
	}
}

// OnPageFault places a freshly faulted page onto its tier's cold list,
// per hemem.cpp's Hemem::page_fault.
func (p *Policy) OnPageFault(rec *mem.PageRecord) {
	p.idx.Set(rec.Vaddr, rec)
	if rec.InDRAM {
		p.dramCold.Enqueue(rec)
	} else {
		p.nvmCold.Enqueue(rec)
	}
}

// Start launches the scanner and policy goroutines under an errgroup,
// matching the ambient actor-lifecycle convention (SPEC_FULL.md).
func (p *Policy) Start(ctx context.Context) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.scanLoop(ctx) })
	g.Go(func() error { return p.policyLoop(ctx) })
	return g
}

func (p *Policy) scanLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		samples := p.ring.Drain(4096)
		if len(samples) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.KswapdInterval):
			}
			continue
		}
		for _, s := range samples {
			p.onSample(s)
		}
	}
}

func (p *Policy) onSample(s sampler.Sample) {
	base := mem.BasePage(s.Vaddr)
	rec, ok := p.idx.Get(base)
	if !ok {
		if p.ctrs != nil {
			p.ctrs.OtherPages.Inc()
		}
		return
	}
	clock := atomic.LoadInt64(&p.globalClock)
	if d := clock - rec.LocalClock; d > 0 {
		rec.Accesses[defs.READ] >>= util.Min(d, 63)
		rec.Accesses[defs.WRITE] >>= util.Min(d, 63)
	}
	rec.LocalClock = clock
	rec.Accesses[s.Op]++

	hot := rec.Accesses[defs.READ] >= p.cfg.HotThreshold || rec.Accesses[defs.WRITE] >= p.cfg.HotThreshold
	if hot && !rec.Hot {
		rec.Hot = true
		if !rec.RingPresent {
			rec.RingPresent = true
			p.hotRing.push(rec.ID)
		}
	} else if !hot && rec.Hot {
		if !rec.RingPresent {
			rec.RingPresent = true
			p.coldRing.push(rec.ID)
		}
	}

	if rec.Accesses[s.Op] > p.cfg.PebsCoolingThreshold {
		atomic.AddInt64(&p.globalClock, 1)
		atomic.StoreInt32(&p.needCoolDRAM, 1)
		atomic.StoreInt32(&p.needCoolNVM, 1)
	}
}

func (p *Policy) listFor(rec *mem.PageRecord) *fifolist.List {
	switch fifolist.Tag(rec.ListTag()) {
	case fifolist.DRAMHot:
		return p.dramHot
	case fifolist.DRAMCold:
		return p.dramCold
	case fifolist.NVMHot:
		return p.nvmHot
	case fifolist.NVMCold:
		return p.nvmCold
	default:
		return nil
	}
}

func (p *Policy) policyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.KswapdInterval):
		}
		p.wake()
	}
}

func (p *Policy) wake() {
	for _, id := range p.hotRing.drain(p.cfg.HotRingReqsThreshold) {
		rec := p.alloc.Record(id)
		rec.RingPresent = false
		if src := p.listFor(rec); src != nil {
			if rec.InDRAM {
				src.MoveTo(p.dramHot, rec)
			} else {
				src.MoveTo(p.nvmHot, rec)
			}
		}
	}
	for _, id := range p.coldRing.drain(p.cfg.ColdRingReqsThreshold) {
		rec := p.alloc.Record(id)
		rec.RingPresent = false
		if src := p.listFor(rec); src != nil {
			if rec.InDRAM {
				src.MoveTo(p.dramCold, rec)
			} else {
				src.MoveTo(p.nvmCold, rec)
			}
		}
	}

	p.migrate()

	clock := atomic.LoadInt64(&p.globalClock)
	decay := func(rec *mem.PageRecord, clock int64) bool {
		if d := clock - rec.LocalClock; d > 0 {
			rec.Accesses[defs.READ] >>= util.Min(d, 63)
			rec.Accesses[defs.WRITE] >>= util.Min(d, 63)
			rec.LocalClock = clock
		}
		stillHot := rec.Accesses[defs.READ] >= p.cfg.HotThreshold || rec.Accesses[defs.WRITE] >= p.cfg.HotThreshold
		if !stillHot {
			rec.Hot = false
		}
		return stillHot
	}
	if atomic.LoadInt32(&p.needCoolDRAM) != 0 {
		if p.dramCooler.Run(clock, decay) {
			atomic.StoreInt32(&p.needCoolDRAM, 0)
		}
	}
	if atomic.LoadInt32(&p.needCoolNVM) != 0 {
		if p.nvmCooler.Run(clock, decay) {
			atomic.StoreInt32(&p.needCoolNVM, 0)
		}
	}
}

func (p *Policy) migrate() {
	var migrated uint64
	for migrated < p.cfg.MigrateRateBytes {
		rec := p.nvmHot.Dequeue()
		if rec == nil {
			return
		}
		clock := atomic.LoadInt64(&p.globalClock)
		if d := clock - rec.LocalClock; d > 0 {
			rec.Accesses[defs.READ] >>= util.Min(d, 63)
			rec.Accesses[defs.WRITE] >>= util.Min(d, 63)
			rec.LocalClock = clock
		}
		stillHot := rec.Accesses[defs.READ] >= p.cfg.HotThreshold || rec.Accesses[defs.WRITE] >= p.cfg.HotThreshold
		if !stillHot {
			rec.Hot = false
			p.nvmCold.Enqueue(rec)
			continue
		}

		res := p.exec.MovePages([]*mem.PageRecord{rec}, []bool{true}, rec.AppID)
		if res.Succeeded[0] {
			p.dramHot.Enqueue(rec)
			migrated += mem.PGSIZE
			continue
		}

		victim := p.dramCold.Dequeue()
		if victim == nil {
			p.nvmHot.Enqueue(rec)
			return
		}
		res2 := p.exec.MovePages([]*mem.PageRecord{victim}, []bool{false}, victim.AppID)
		if !res2.Succeeded[0] {
			p.nvmHot.Enqueue(rec)
			p.dramCold.Enqueue(victim)
			return
		}
		p.nvmCold.Enqueue(victim)

		res3 := p.exec.MovePages([]*mem.PageRecord{rec}, []bool{true}, rec.AppID)
		if !res3.Succeeded[0] {
			p.nvmHot.Enqueue(rec)
			continue
		}
		p.dramHot.Enqueue(rec)
		migrated += mem.PGSIZE
	}
}
