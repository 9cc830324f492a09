// Package sampledvictim implements migration Policy B (spec §4.4): a
// fast-promotion queue fed by the scanner, random DRAM sampling to
// choose demotion victims, and epoch-based lazy cooling in place of
// per-counter local clocks. Grounded on memtis.cpp's
// scan()/policy()/lazy_cool/get_current_hotness/batch_migrate.
package sampledvictim

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tiermem/config"
	"tiermem/executor"
	"tiermem/fifolist"
	"tiermem/mem"
	"tiermem/sampler"
	"tiermem/telemetry"
	"tiermem/util"
)

// Policy is the sampled-victim actor pair.
type Policy struct {
	cfg   config.Config
	alloc *mem.TierAllocator
	idx   *mem.PageIndex
	ring  *sampler.Ring
	exec  *executor.Executor
	ctrs  *telemetry.Counters
	log   zerolog.Logger

	dramList, nvmList *fifolist.List

	epoch int64

	queueMu sync.Mutex
	pending map[uint32]bool
	fastQ   []uint32

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg config.Config, alloc *mem.TierAllocator, idx *mem.PageIndex, ring *sampler.Ring, exec *executor.Executor, ctrs *telemetry.Counters, log zerolog.Logger) *Policy {
	return &Policy{
		cfg: cfg, alloc: alloc, idx: idx, ring: ring, exec: exec, ctrs: ctrs, log: log,
		dramList: fifolist.New(alloc, fifolist.DRAMHot, "dram-pages"),
		nvmList:  fifolist.New(alloc, fifolist.NVMHot, "nvm-pages"),
		pending:  make(map[uint32]bool),
		rng:      rand.New(rand.NewSource(1)),
	}
}

// OnPageFault registers a freshly faulted page, per memtis.cpp's
// page_fault: reset counters, stamp the current epoch, and file it onto
// its tier's list.
func (p *Policy) OnPageFault(rec *mem.PageRecord) {
	rec.NAccesses = 0
	rec.Migrating = false
	rec.LocalEpoch = atomic.LoadInt64(&p.epoch)
	p.idx.Set(rec.Vaddr, rec)
	if rec.InDRAM {
		p.dramList.Enqueue(rec)
	} else {
		p.nvmList.Enqueue(rec)
	}
}

// LazyCool right-shifts rec's counter by the elapsed epochs, saturating
// to zero past a 63-bit shift width, per spec §4.4 and §8's idempotence
// property.
func LazyCool(rec *mem.PageRecord, epoch int64) {
	if rec.LocalEpoch >= epoch {
		return
	}
	delta := epoch - rec.LocalEpoch
	if delta >= 64 {
		rec.NAccesses = 0
	} else {
		rec.NAccesses >>= uint(delta)
	}
	rec.LocalEpoch = epoch
}

// GetCurrentHotness cools rec as a side effect and returns its counter.
func GetCurrentHotness(rec *mem.PageRecord, epoch int64) int64 {
	LazyCool(rec, epoch)
	return rec.NAccesses
}

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
		epoch := atomic.LoadInt64(&p.epoch)
		for _, s := range samples {
			base := mem.BasePage(s.Vaddr)
			rec, ok := p.idx.Get(base)
			if !ok {
				if p.ctrs != nil {
					p.ctrs.OtherPages.Inc()
				}
				continue
			}
			LazyCool(rec, epoch)
			rec.NAccesses++
			if !rec.InDRAM && !rec.Migrating && rec.NAccesses >= p.cfg.HotThreshold {
				p.queueMu.Lock()
				if !p.pending[rec.ID] {
					p.pending[rec.ID] = true
					p.fastQ = append(p.fastQ, rec.ID)
					rec.Migrating = true
				}
				p.queueMu.Unlock()
			}
		}
	}
}

func (p *Policy) policyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.PolicyInterval):
		}
		p.wake()
	}
}

func (p *Policy) wake() {
	epoch := atomic.AddInt64(&p.epoch, 1)

	p.queueMu.Lock()
	if len(p.fastQ) == 0 {
		p.queueMu.Unlock()
		return
	}
	take := util.Min(p.cfg.BatchSize, len(p.fastQ))
	toPromote := append([]uint32(nil), p.fastQ[:take]...)
	p.fastQ = p.fastQ[take:]
	p.queueMu.Unlock()

	promoteRecs := make([]*mem.PageRecord, len(toPromote))
	for i, id := range toPromote {
		promoteRecs[i] = p.alloc.Record(id)
	}

	demoteRecs := p.sampleDemoteVictims(epoch, len(promoteRecs))

	final := util.Min(len(promoteRecs), len(demoteRecs))
	promoteRecs = promoteRecs[:final]
	demoteRecs = demoteRecs[:final]

	if final > 0 {
		src := append(append([]*mem.PageRecord{}, promoteRecs...), demoteRecs...)
		dirs := make([]bool, len(src))
		for i := range promoteRecs {
			dirs[i] = true
		}
		res := p.exec.MovePages(src, dirs, 0)
		for i, rec := range src {
			if !res.Succeeded[i] {
				continue
			}
			if rec.InDRAM {
				p.nvmList.Remove(rec)
				p.dramList.Enqueue(rec)
			} else {
				p.dramList.Remove(rec)
				p.nvmList.Enqueue(rec)
			}
		}
	}

	p.queueMu.Lock()
	for _, id := range toPromote {
		delete(p.pending, id)
	}
	p.queueMu.Unlock()
	// Clear Migrating for every popped candidate, not just the ones that
	// survived truncation to final: a candidate cut for lack of a paired
	// demotion victim must still become eligible for the scanner to
	// re-queue on a future wake (SPEC_FULL open question (b)), rather than
	// being stuck Migrating==true forever.
	for _, id := range toPromote {
		p.alloc.Record(id).Migrating = false
	}
}

// sampleDemoteVictims samples up to sample_size distinct DRAM pages at
// random and returns the n coldest by current hotness (cooling them as a
// side effect), per memtis.cpp's policy().
func (p *Policy) sampleDemoteVictims(epoch int64, n int) []*mem.PageRecord {
	ids := p.dramList.Snapshot()
	if len(ids) == 0 || n == 0 {
		return nil
	}
	sampleSize := util.Min(p.cfg.SampleSize, len(ids))

	p.rngMu.Lock()
	perm := p.rng.Perm(len(ids))
	p.rngMu.Unlock()
	sample := make([]*mem.PageRecord, sampleSize)
	for i := 0; i < sampleSize; i++ {
		sample[i] = p.alloc.Record(ids[perm[i]])
	}

	sort.Slice(sample, func(i, j int) bool {
		return GetCurrentHotness(sample[i], epoch) < GetCurrentHotness(sample[j], epoch)
	})
	if n > len(sample) {
		n = len(sample)
	}
	return sample[:n]
}
