package fifolist

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tiermem/mem"
)

func newAlloc(n int) *mem.TierAllocator {
	return mem.NewTierAllocator(n, 0, 0.10, false, zerolog.Nop())
}

func allocN(a *mem.TierAllocator, n int) []*mem.PageRecord {
	out := make([]*mem.PageRecord, n)
	for i := 0; i < n; i++ {
		out[i] = a.Allocate(uintptr(i*mem.PGSIZE), 1)
	}
	return out
}

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	a := newAlloc(4)
	l := New(a, DRAMHot, "test")
	recs := allocN(a, 3)
	for _, r := range recs {
		l.Enqueue(r)
	}
	require.EqualValues(t, 3, l.Len())
	require.Same(t, recs[0], l.Dequeue())
	require.Same(t, recs[1], l.Dequeue())
	require.Same(t, recs[2], l.Dequeue())
	require.Nil(t, l.Dequeue())
	require.EqualValues(t, 0, l.Len())
}

func TestEnqueueAlreadyLinkedPanics(t *testing.T) {
	a := newAlloc(2)
	l1 := New(a, DRAMHot, "l1")
	l2 := New(a, DRAMCold, "l2")
	recs := allocN(a, 1)
	l1.Enqueue(recs[0])
	require.Panics(t, func() { l2.Enqueue(recs[0]) })
}

func TestRemoveNoOpIfNotMember(t *testing.T) {
	a := newAlloc(2)
	l1 := New(a, DRAMHot, "l1")
	l2 := New(a, DRAMCold, "l2")
	recs := allocN(a, 1)
	l1.Enqueue(recs[0])
	l2.Remove(recs[0])
	require.EqualValues(t, 1, l1.Len())
	l1.Remove(recs[0])
	require.EqualValues(t, 0, l1.Len())
	require.Equal(t, int32(None), recs[0].ListTag())
}

func TestMoveToExactlyOneListAtATime(t *testing.T) {
	a := newAlloc(2)
	hot := New(a, DRAMHot, "hot")
	cold := New(a, DRAMCold, "cold")
	recs := allocN(a, 1)
	hot.Enqueue(recs[0])
	hot.MoveTo(cold, recs[0])
	require.EqualValues(t, 0, hot.Len())
	require.EqualValues(t, 1, cold.Len())
	require.Equal(t, int32(DRAMCold), recs[0].ListTag())
}

func TestSnapshotDoesNotRemove(t *testing.T) {
	a := newAlloc(4)
	l := New(a, DRAMHot, "l")
	recs := allocN(a, 3)
	for _, r := range recs {
		l.Enqueue(r)
	}
	snap := l.Snapshot()
	require.Len(t, snap, 3)
	require.EqualValues(t, 3, l.Len())
}
