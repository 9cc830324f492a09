// Package fifolist implements the four intrusive hot/cold FIFOs of spec
// §4.2 and the peek-and-move cooling scan, grounded on hemem.cpp's
// fifo_list_t/enqueue/dequeue/page_list_remove_page and
// partial_cool_peek_and_move, reimplemented as stable-id index-chaining
// over mem.TierAllocator's arena rather than raw pointers (DESIGN NOTES
// §9).
package fifolist

import (
	"fmt"
	"sync"

	"tiermem/mem"
)

// Tag identifies which of the four lists (or none) currently owns a
// record; stored in PageRecord.listTag.
type Tag int32

const (
	DRAMHot Tag = iota
	DRAMCold
	NVMHot
	NVMCold
	None Tag = -1
)

const noLink = ^uint32(0)

// List is one intrusive doubly-linked FIFO, per-list mutex per spec §5's
// list_mutex(list).
type List struct {
	mu    sync.Mutex
	a     *mem.TierAllocator
	tag   Tag
	name  string
	head  uint32
	tail  uint32
	count int32
}

func New(a *mem.TierAllocator, tag Tag, name string) *List {
	return &List{a: a, tag: tag, name: name, head: noLink, tail: noLink}
}

func (l *List) Len() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Enqueue appends rec to the tail. Rejects an already-linked page, per
// the original's enqueue assert.
func (l *List) Enqueue(rec *mem.PageRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enqueueLocked(rec)
}

func (l *List) enqueueLocked(rec *mem.PageRecord) {
	if rec.ListTag() != int32(None) {
		panic(fmt.Sprintf("fifolist: enqueue of already-linked page %d onto %s", rec.ID, l.name))
	}
	rec.SetLink(int32(l.tag), noLink, l.tail)
	if l.tail != noLink {
		l.a.Record(l.tail).SetLink(int32(l.tag), rec.ID, l.a.Record(l.tail).Prev())
	} else {
		l.head = rec.ID
	}
	l.tail = rec.ID
	l.count++
}

// Dequeue returns the oldest (head) entry, or nil if empty.
func (l *List) Dequeue() *mem.PageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == noLink {
		return nil
	}
	rec := l.a.Record(l.head)
	l.unlinkLocked(rec)
	return rec
}

// Remove unlinks an arbitrary record from this list, per the original's
// page_list_remove_page. No-op if rec isn't currently on this list.
func (l *List) Remove(rec *mem.PageRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.ListTag() != int32(l.tag) {
		return
	}
	l.unlinkLocked(rec)
}

func (l *List) unlinkLocked(rec *mem.PageRecord) {
	next, prev := rec.Next(), rec.Prev()
	if prev != noLink {
		p := l.a.Record(prev)
		p.SetLink(p.ListTag(), next, p.Prev())
	} else {
		l.head = next
	}
	if next != noLink {
		n := l.a.Record(next)
		n.SetLink(n.ListTag(), n.Next(), prev)
	} else {
		l.tail = prev
	}
	rec.SetLink(int32(None), noLink, noLink)
	l.count--
}

// MoveTo unlinks rec from this list and appends it to dst, holding both
// lists' mutexes in a fixed global order (by tag) to avoid deadlock on
// concurrent cross-list moves, per DESIGN NOTES §9.
func (l *List) MoveTo(dst *List, rec *mem.PageRecord) {
	if l == dst {
		return
	}
	first, second := l, dst
	if dst.tag < l.tag {
		first, second = dst, l
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	if rec.ListTag() != int32(l.tag) {
		return
	}
	l.unlinkLocked(rec)
	dst.enqueueLocked(rec)
}

// Peek returns the record at head without removing it.
func (l *List) Peek() *mem.PageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == noLink {
		return nil
	}
	return l.a.Record(l.head)
}

// Snapshot returns the ids currently linked into this list, head to
// tail, for the sampled-victim policy's random-sampling step (spec
// §4.4); it does not remove anything.
func (l *List) Snapshot() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint32, 0, l.count)
	for cur := l.head; cur != noLink; {
		out = append(out, cur)
		cur = l.a.Record(cur).Next()
	}
	return out
}
