package tlb

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tiermem/pagetable"
	"tiermem/telemetry"
)

func newTestProtocol(t *testing.T, numCores int) (*Protocol, *pagetable.RefTable) {
	t.Helper()
	rt := pagetable.NewRefTable()
	lat := Latencies{
		TLBFlush:      time.Microsecond,
		IPIInitiate:   time.Microsecond,
		IPIHandle:     time.Microsecond,
		RedrainPeriod: time.Millisecond,
	}
	ctrs := &telemetry.Counters{}
	p := NewProtocol(numCores, rt, lat, ctrs, zerolog.Nop())
	p.Start()
	t.Cleanup(p.Stop)
	return p, rt
}

func TestShootdownCompletesAndFlushesAllCores(t *testing.T) {
	p, rt := newTestProtocol(t, 4)
	rt.SetPPN(0x1000, 0x5000)
	finish := p.Shootdown([]uintptr{0x1000}, 1, 1)
	require.False(t, finish.IsZero())
	require.EqualValues(t, 1, p.ctrs.Shootdowns.Get())
}

func TestConcurrentShootdownsFromDifferentInitiatorsDoNotDeadlock(t *testing.T) {
	p, rt := newTestProtocol(t, 4)
	rt.SetPPN(0x1000, 0x5000)
	rt.SetPPN(0x2000, 0x6000)

	var wg sync.WaitGroup
	results := make(chan time.Time, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		addr := uintptr(0x1000 + i%2*0x1000)
		go func(addr uintptr) {
			defer wg.Done()
			results <- p.Shootdown([]uintptr{addr}, 1, 1)
		}(addr)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shootdowns did not complete, likely deadlock")
	}
	close(results)
	var count int
	for range results {
		count++
	}
	require.Equal(t, 8, count)
}

func TestUnknownAckIsIgnored(t *testing.T) {
	p, rt := newTestProtocol(t, 2)
	rt.SetPPN(0x1000, 0x5000)

	// Deliver an ack for a request id that no core has pending; this
	// exercises the "unknown" branch without racing a live Shootdown call.
	p.deliverAck(0, ShootdownAck{RequestID: 0xbeef, FromCore: 1, PagesNum: 0})

	finish := p.Shootdown([]uintptr{0x1000}, 1, 1)
	require.False(t, finish.IsZero())
}

func TestSingleCoreShootdownNeedsNoBroadcast(t *testing.T) {
	p, rt := newTestProtocol(t, 1)
	rt.SetPPN(0x1000, 0x5000)
	finish := p.Shootdown([]uintptr{0x1000}, 1, 1)
	require.False(t, finish.IsZero())
}
