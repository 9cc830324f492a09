// Package dmacommit implements the deferred DMA-commit map of spec §4.7,
// grounded on mimicos.cc's DMA_map/DMA_migrate: a pending-commit entry
// lives from the moment the executor remaps metadata until the
// shootdown protocol's completion callback finalizes the page-table
// entries with a commit timestamp.
package dmacommit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tiermem/pagetable"
)

// Entry is one pending batch commit, keyed by its id (the batch's first
// vaddr, per spec §3).
type Entry struct {
	Vaddrs    []uintptr
	NewPaddrs []uintptr
}

// Map is the DMA-commit map of spec §3/§4.7.
type Map struct {
	mu  sync.Mutex
	m   map[uintptr]Entry
	pt  pagetable.PageTable
	log zerolog.Logger
}

func New(pt pagetable.PageTable, log zerolog.Logger) *Map {
	return &Map{m: make(map[uintptr]Entry), pt: pt, log: log}
}

// Insert records a pending commit, called by the executor right after
// the metadata swap (spec §4.5 step 6).
func (m *Map) Insert(id uintptr, vaddrs, newPaddrs []uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[id] = Entry{Vaddrs: vaddrs, NewPaddrs: newPaddrs}
}

// DmaMigrate finalizes a pending commit: every recorded vaddr has its PTE
// committed to READ_WRITE with the given finish time, then the entry is
// erased. Absent ids are ignored (idempotent), per spec §4.7 step 1.
func (m *Map) DmaMigrate(id uintptr, finish time.Time) {
	m.mu.Lock()
	entry, ok := m.m[id]
	if ok {
		delete(m.m, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, v := range entry.Vaddrs {
		if err := m.pt.DMAMovePage(v, finish); err != 0 {
			m.log.Warn().Uintptr("id", id).Uintptr("vaddr", v).Stringer("err", err).Msg("dma commit on vaddr page table rejected")
		}
	}
	m.log.Debug().Uintptr("id", id).Int("pages", len(entry.Vaddrs)).Msg("dma commit finalized")
}

// Len reports the number of pending commits, used by tests to assert
// quiescence (spec §8 scenario 1: "DMA-commit map empty at quiescence").
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}
