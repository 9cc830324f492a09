// Package tiermem wires the tiered-memory migration core together: the
// tier allocator, page index, access sampler, one of the two
// interchangeable migration policies, the migration executor, the
// TLB-shootdown protocol, and the DMA-commit map, matching hemem.cpp's
// Hemem::start/stop actor-lifecycle shape generalized to two
// interchangeable policies (DESIGN NOTES §9) and driven by
// golang.org/x/sync/errgroup per the ambient actor-lifecycle convention.
package tiermem

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tiermem/config"
	"tiermem/defs"
	"tiermem/dmacommit"
	"tiermem/executor"
	"tiermem/mem"
	"tiermem/pagetable"
	"tiermem/ringlru"
	"tiermem/sampledvictim"
	"tiermem/sampler"
	"tiermem/telemetry"
	"tiermem/tlb"
)

// migrationPolicy is the small capability set both policies implement,
// per DESIGN NOTES §9 ("prefer a small capability set over inheritance").
type migrationPolicy interface {
	OnPageFault(rec *mem.PageRecord)
	Start(ctx context.Context) *errgroup.Group
}

// Engine is the assembled tiered-memory migration core.
type Engine struct {
	cfg   config.Config
	alloc *mem.TierAllocator
	idx   *mem.PageIndex
	ring  *sampler.Ring
	pt    pagetable.PageTable
	proto *tlb.Protocol
	dma   *dmacommit.Map
	exec  *executor.Executor
	pol   migrationPolicy
	ctrs  *telemetry.Counters
	log   zerolog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New assembles the engine from a configuration, a page-table
// collaborator, and a core count for the shootdown protocol.
func New(cfg config.Config, pt pagetable.PageTable, numCores int, log zerolog.Logger) *Engine {
	dramFrames := int(cfg.DRAMSizeMiB * 1024 * 1024 / mem.PGSIZE)
	nvmFrames := int(cfg.NVMSizeMiB * 1024 * 1024 / mem.PGSIZE)

	ctrs := &telemetry.Counters{}
	alloc := mem.NewTierAllocator(dramFrames, nvmFrames, cfg.DRAMReserveFraction, cfg.PreferredNode == config.PreferNVM, log)
	idx := mem.NewPageIndex(dramFrames + nvmFrames)
	ring := sampler.New(cfg.SampleRingCapacity, cfg.SamplingFrequency)
	dma := dmacommit.New(pt, log)

	lat := tlb.Latencies{
		TLBFlush:    cfg.TLBFlushLatency,
		IPIInitiate: cfg.IPIInitiateLatency,
		IPIHandle:   cfg.IPIHandleLatency,
	}
	proto := tlb.NewProtocol(numCores, pt, lat, ctrs, log)

	exec := executor.New(alloc, pt, proto, dma, cfg.TLBShootdownSize, ctrs, log)

	e := &Engine{cfg: cfg, alloc: alloc, idx: idx, ring: ring, pt: pt, proto: proto, dma: dma, exec: exec, ctrs: ctrs, log: log}

	switch cfg.MigrationType {
	case config.Memtis:
		e.pol = sampledvictim.New(cfg, alloc, idx, ring, exec, ctrs, log)
	default:
		e.pol = ringlru.New(cfg, alloc, idx, ring, exec, ctrs, log)
	}
	return e
}

// Fault allocates a frame for vaddr and hands it to the active policy,
// per spec §4.1's allocate and the two policies' on_page_fault hook.
func (e *Engine) Fault(vaddr uintptr, appID int) *mem.PageRecord {
	rec := e.alloc.Allocate(mem.BasePage(vaddr), appID)
	e.pol.OnPageFault(rec)
	return rec
}

// RecordAccess is the access-sample collaborator entry point (spec §6).
func (e *Engine) RecordAccess(vaddr uintptr, op defs.Op_t, appID int, ip uintptr) {
	e.ring.Record(vaddr, op, appID, ip)
}

// Counters exposes the telemetry counters for diagnostics.
func (e *Engine) Counters() *telemetry.Counters { return e.ctrs }

// DMAPending reports the number of in-flight DMA-commit entries.
func (e *Engine) DMAPending() int { return e.dma.Len() }

// Start launches the TLB-shootdown protocol's per-core loops and the
// active policy's scanner/policy goroutines, per spec §5's still_run
// actor model.
func (e *Engine) Start(ctx context.Context) {
	e.proto.Start()
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.group = e.pol.Start(ctx)
}

// Stop flips the run flag and joins every actor, per spec §5's stop().
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	var err error
	if e.group != nil {
		err = e.group.Wait()
	}
	e.proto.Stop()
	if err != nil {
		return fmt.Errorf("tiermem: actor shutdown: %w", err)
	}
	return nil
}
