// Package mem implements the page metadata store and the tier free-frame
// allocator (spec §3, §4.1), grounded on biscuit's Physmem_t index-chained
// free list (mem/mem.go) generalized from a single physical-frame pool to
// two cooperating tiers, and on biscuit's hashtable.go for the vaddr-keyed
// lookup the scanner uses.
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"tiermem/defs"
	"tiermem/util"
)

const (
	PGSHIFT = 12
	PGSIZE  = 1 << PGSHIFT
)

// Pa_t is a physical base address, named after biscuit's mem.Pa_t.
type Pa_t uintptr

// PageType distinguishes huge from base pages; this core migrates BASE
// pages only (spec §1 Non-goals).
type PageType int

const (
	Base PageType = iota
	Huge
)

const noLink = ^uint32(0)

// PageRecord is the per-frame-ever-observed metadata record described in
// spec §3. Records live in a flat arena (DESIGN NOTES §9) and are linked
// into at most one FIFO list or free chain at a time via stable indices
// rather than raw pointers.
type PageRecord struct {
	ID uint32

	Vaddr   uintptr
	PhyAddr Pa_t
	InDRAM  bool

	PageType PageType

	Present     bool
	Hot         bool
	Migrating   bool
	RingPresent bool

	// Accesses holds the per-op counters policy A maintains.
	Accesses [defs.NOPS]int64
	// NAccesses is the unified counter policy B maintains.
	NAccesses int64

	LocalClock int64
	LocalEpoch int64

	AppID int

	// listTag/next/prev are owned by package fifolist; mem never
	// mutates them directly, but they live here since both the free
	// chains below and the hot/cold lists need intrusive linkage on the
	// same arena.
	listTag int32
	next    uint32
	prev    uint32

	freeNext uint32
}

const noList int32 = -1

func newRecord(id uint32) PageRecord {
	return PageRecord{ID: id, listTag: noList, next: noLink, prev: noLink, freeNext: noLink}
}

// ListTag reports which fifolist (if any) currently owns this record.
func (p *PageRecord) ListTag() int32 { return p.listTag }

// SetLink is used exclusively by package fifolist to maintain intrusive
// chains over this arena.
func (p *PageRecord) SetLink(tag int32, next, prev uint32) {
	p.listTag, p.next, p.prev = tag, next, prev
}

func (p *PageRecord) Next() uint32 { return p.next }
func (p *PageRecord) Prev() uint32 { return p.prev }

// TierAllocator is the two-pool tier allocator of spec §4.1: a single
// mutex guards both free chains, matching biscuit's Physmem_t
// single-mutex design rather than per-tier locks. The vaddr-keyed page
// index is not guarded by this mutex; it is the separate PageIndex, which
// takes its own per-bucket locks.
type TierAllocator struct {
	mu sync.Mutex

	arena []PageRecord

	freeDRAM     uint32
	freeNVM      uint32
	freeDRAMLen  int32
	freeNVMLen   int32
	dramTotal    int32
	reserveFrac  float64

	preferNVMFirst bool

	log zerolog.Logger
}

// NewTierAllocator builds the allocator with dramFrames+nvmFrames backing
// records, preformatted onto two free chains, per mem.go's Phys_init.
func NewTierAllocator(dramFrames, nvmFrames int, reserveFrac float64, preferNVMFirst bool, log zerolog.Logger) *TierAllocator {
	total := dramFrames + nvmFrames
	a := &TierAllocator{
		arena:          make([]PageRecord, total),
		freeDRAM:       noLink,
		freeNVM:        noLink,
		dramTotal:      int32(dramFrames),
		reserveFrac:    reserveFrac,
		preferNVMFirst: preferNVMFirst,
		log:            log,
	}
	for i := 0; i < total; i++ {
		a.arena[i] = newRecord(uint32(i))
	}
	// DRAM frames occupy [0, dramFrames), NVM frames [dramFrames, total).
	for i := dramFrames - 1; i >= 0; i-- {
		r := &a.arena[i]
		r.PhyAddr = Pa_t(i * PGSIZE)
		r.InDRAM = true
		r.freeNext = a.freeDRAM
		a.freeDRAM = uint32(i)
	}
	a.freeDRAMLen = int32(dramFrames)
	for i := total - 1; i >= dramFrames; i-- {
		r := &a.arena[i]
		r.PhyAddr = Pa_t(i * PGSIZE)
		r.InDRAM = false
		r.freeNext = a.freeNVM
		a.freeNVM = uint32(i)
	}
	a.freeNVMLen = int32(nvmFrames)
	return a
}

func (a *TierAllocator) reserveThreshold() int32 {
	return int32(float64(a.dramTotal) * a.reserveFrac)
}

// popFree pops one record off the named tier's free chain. Caller must
// hold a.mu.
func (a *TierAllocator) popFree(dram bool) *PageRecord {
	head := &a.freeDRAM
	length := &a.freeDRAMLen
	if !dram {
		head = &a.freeNVM
		length = &a.freeNVMLen
	}
	if *head == noLink {
		return nil
	}
	r := &a.arena[*head]
	*head = r.freeNext
	r.freeNext = noLink
	atomic.AddInt32(length, -1)
	r.Present = true
	r.InDRAM = dram
	return r
}

// pushFree returns rec to the named tier's free chain. Caller must hold
// a.mu.
func (a *TierAllocator) pushFree(rec *PageRecord, dram bool) {
	rec.Present = false
	rec.Migrating = false
	rec.Hot = false
	rec.RingPresent = false
	rec.Vaddr = 0
	rec.Accesses = [defs.NOPS]int64{}
	rec.NAccesses = 0
	rec.InDRAM = dram
	head := &a.freeDRAM
	length := &a.freeDRAMLen
	if !dram {
		head = &a.freeNVM
		length = &a.freeNVMLen
	}
	rec.freeNext = *head
	*head = rec.ID
	atomic.AddInt32(length, 1)
}

// Allocate implements spec §4.1's allocate(size, vaddr, is_pagetable):
// prefer DRAM unless free DRAM has fallen below the reserve threshold, or
// the inverted preference (SUPPLEMENTED FEATURE 1) says otherwise.
// OOM in both tiers is a fatal invariant violation, per spec §4.1/§7.
func (a *TierAllocator) Allocate(vaddr uintptr, appID int) *PageRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var rec *PageRecord
	if a.preferNVMFirst {
		rec = a.popFree(false)
		if rec == nil {
			rec = a.popFree(true)
		}
	} else {
		if a.freeDRAMLen >= a.reserveThreshold() {
			rec = a.popFree(true)
		}
		if rec == nil {
			rec = a.popFree(false)
		}
	}
	if rec == nil {
		a.log.Panic().Uintptr("vaddr", vaddr).Msg("tier allocator exhausted in both tiers")
		return nil
	}
	rec.Vaddr = vaddr
	rec.AppID = appID
	rec.PageType = Base
	return rec
}

// GetFreePage obtains a replacement frame in the named tier without
// blocking, per spec §4.1's get_free_page; returns nil on exhaustion.
func (a *TierAllocator) GetFreePage(dram bool) *PageRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.popFree(dram)
}

// Deallocate returns rec to the named tier's free pool (spec §4.1); the
// executor calls this with the *source* tier after a swap, since rec then
// holds the address that used to belong there.
func (a *TierAllocator) Deallocate(rec *PageRecord, toDRAM bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushFree(rec, toDRAM)
}

// FreeDRAM and FreeNVM report the current free-frame counts, used by
// tests and by the reserve-threshold check.
func (a *TierAllocator) FreeDRAM() int32 { return atomic.LoadInt32(&a.freeDRAMLen) }
func (a *TierAllocator) FreeNVM() int32  { return atomic.LoadInt32(&a.freeNVMLen) }

// Record returns the arena entry for a given stable id, used by fifolist
// and the policies to dereference intrusive links.
func (a *TierAllocator) Record(id uint32) *PageRecord {
	return &a.arena[id]
}

// BasePage rounds a virtual address down to its base-page boundary.
func BasePage(vaddr uintptr) uintptr {
	return util.Rounddown(vaddr, uintptr(PGSIZE))
}
