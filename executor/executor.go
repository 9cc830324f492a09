// Package executor implements the migration executor of spec §4.5
// (move_pages): it batches page moves by TLB-shootdown capacity,
// coordinates PTE invalidation, the blocking shootdown, the metadata
// swap, and the deferred DMA-commit, grounded on mimicos.cc's move_pages
// and DMA_migrate.
package executor

import (
	"time"

	"github.com/rs/zerolog"

	"tiermem/dmacommit"
	"tiermem/mem"
	"tiermem/pagetable"
	"tiermem/telemetry"
)

// Shootdowner is the subset of tlb.Protocol the executor depends on.
type Shootdowner interface {
	Shootdown(addrs []uintptr, pagesNum int, appID int) time.Time
}

// Result reports per-source-page outcomes for one MovePages call
// (SUPPLEMENTED FEATURE 2): the original's single all_succeeded bool is
// not enough for a caller that wants to know which pages actually moved.
type Result struct {
	Succeeded    []bool
	AnySucceeded bool
	AllSucceeded bool
}

// Executor depends only on the allocator and page-table interfaces, per
// DESIGN NOTES §9's "executor depends only on the allocator and
// page-table interfaces".
type Executor struct {
	alloc     *mem.TierAllocator
	pt        pagetable.PageTable
	proto     Shootdowner
	dma       *dmacommit.Map
	batchSize int
	ctrs      *telemetry.Counters
	log       zerolog.Logger
}

func New(alloc *mem.TierAllocator, pt pagetable.PageTable, proto Shootdowner, dma *dmacommit.Map, batchSize int, ctrs *telemetry.Counters, log zerolog.Logger) *Executor {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Executor{alloc: alloc, pt: pt, proto: proto, dma: dma, batchSize: batchSize, ctrs: ctrs, log: log}
}

type batchEntry struct {
	src, dst  *mem.PageRecord
	migrateUp bool
	srcIndex  int
}

// MovePages implements spec §4.5. src and migrateUp must be the same
// length.
func (e *Executor) MovePages(src []*mem.PageRecord, migrateUp []bool, appID int) Result {
	res := Result{Succeeded: make([]bool, len(src)), AllSucceeded: true}

	var batch []batchEntry
	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.runBatch(batch, appID, res.Succeeded)
		batch = batch[:0]
	}

	for i, p := range src {
		dst := e.alloc.GetFreePage(migrateUp[i])
		if dst == nil {
			res.Succeeded[i] = false
			res.AllSucceeded = false
			if e.ctrs != nil {
				e.ctrs.AllocExhaustions.Inc()
			}
			e.log.Warn().Uintptr("vaddr", p.Vaddr).Msg("tier allocator exhausted, skipping page in batch")
			continue
		}
		batch = append(batch, batchEntry{src: p, dst: dst, migrateUp: migrateUp[i], srcIndex: i})
		if len(batch) == e.batchSize {
			flush()
		}
	}
	flush()

	for _, ok := range res.Succeeded {
		if ok {
			res.AnySucceeded = true
		} else {
			res.AllSucceeded = false
		}
	}
	return res
}

func (e *Executor) runBatch(batch []batchEntry, appID int, succeeded []bool) {
	n := len(batch)
	vaddrs := make([]uintptr, n)
	newPaddrs := make([]uintptr, n)

	for i, be := range batch {
		vaddrs[i] = be.src.Vaddr
		newPaddrs[i] = uintptr(be.dst.PhyAddr)
		if be.src.Migrating {
			e.log.Panic().Uintptr("vaddr", be.src.Vaddr).Msg("page already migrating, invariant violation")
		}
		be.src.Migrating = true
		if err := e.pt.PageMoving(be.src.Vaddr); err != 0 {
			e.log.Panic().Uintptr("vaddr", be.src.Vaddr).Stringer("err", err).Msg("page-table reports PTE already moving, invariant violation")
		}
	}

	finish := e.proto.Shootdown(vaddrs, n, appID)

	for _, be := range batch {
		srcOldDRAM := be.src.InDRAM
		oldSrcPhy := be.src.PhyAddr
		be.src.PhyAddr = be.dst.PhyAddr
		be.src.InDRAM = be.migrateUp
		be.src.Migrating = false

		be.dst.PhyAddr = oldSrcPhy
		be.dst.Vaddr = 0
		e.alloc.Deallocate(be.dst, srcOldDRAM)

		succeeded[be.srcIndex] = true
		if e.ctrs != nil {
			e.ctrs.BytesMigrated.Add(int64(mem.PGSIZE))
			if be.migrateUp {
				e.ctrs.PagesPromoted.Inc()
			} else {
				e.ctrs.PagesDemoted.Inc()
			}
		}
	}

	id := vaddrs[0]
	e.dma.Insert(id, vaddrs, newPaddrs)
	e.dma.DmaMigrate(id, finish)
}
