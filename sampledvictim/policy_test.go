package sampledvictim

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tiermem/config"
	"tiermem/defs"
	"tiermem/dmacommit"
	"tiermem/executor"
	"tiermem/mem"
	"tiermem/pagetable"
	"tiermem/sampler"
	"tiermem/telemetry"
	"tiermem/tlb"
)

func TestLazyCoolDecaysByElapsedEpochs(t *testing.T) {
	rec := &mem.PageRecord{NAccesses: 8, LocalEpoch: 0}
	LazyCool(rec, 2)
	require.EqualValues(t, 2, rec.NAccesses)
	require.EqualValues(t, 2, rec.LocalEpoch)
}

func TestLazyCoolSaturatesPastSixtyFourShift(t *testing.T) {
	rec := &mem.PageRecord{NAccesses: 1000, LocalEpoch: 0}
	LazyCool(rec, 100)
	require.EqualValues(t, 0, rec.NAccesses)
}

func TestLazyCoolIdempotentAtSameEpoch(t *testing.T) {
	rec := &mem.PageRecord{NAccesses: 4, LocalEpoch: 5}
	LazyCool(rec, 5)
	require.EqualValues(t, 4, rec.NAccesses)
	LazyCool(rec, 3)
	require.EqualValues(t, 4, rec.NAccesses, "an epoch older than LocalEpoch must not cool")
}

func newTestPolicy(t *testing.T, dram, nvm int) (*Policy, *mem.TierAllocator, *mem.PageIndex, *sampler.Ring) {
	t.Helper()
	cfg := config.Default()
	cfg.HotThreshold = 2
	cfg.KswapdInterval = 5 * time.Millisecond
	cfg.PolicyInterval = 10 * time.Millisecond
	cfg.BatchSize = 8
	cfg.SampleSize = 8

	alloc := mem.NewTierAllocator(dram, nvm, 0.0, false, zerolog.Nop())
	idx := mem.NewPageIndex(dram + nvm)
	ring := sampler.New(256, 1)
	rt := pagetable.NewRefTable()
	lat := tlb.Latencies{TLBFlush: time.Microsecond, IPIInitiate: time.Microsecond, IPIHandle: time.Microsecond}
	proto := tlb.NewProtocol(2, rt, lat, &telemetry.Counters{}, zerolog.Nop())
	proto.Start()
	t.Cleanup(proto.Stop)
	dma := dmacommit.New(rt, zerolog.Nop())
	exec := executor.New(alloc, rt, proto, dma, cfg.TLBShootdownSize, &telemetry.Counters{}, zerolog.Nop())

	pol := New(cfg, alloc, idx, ring, exec, &telemetry.Counters{}, zerolog.Nop())
	return pol, alloc, idx, ring
}

func TestOnPageFaultFilesOntoOwnTierList(t *testing.T) {
	pol, alloc, _, _ := newTestPolicy(t, 2, 2)
	rec := alloc.Allocate(0x1000, 1)
	require.True(t, rec.InDRAM)
	pol.OnPageFault(rec)
	require.EqualValues(t, 1, pol.dramList.Len())
}

func TestEndToEndFastPromotionViaScanAndPolicyLoop(t *testing.T) {
	pol, alloc, idx, ring := newTestPolicy(t, 3, 2)
	rec := alloc.Allocate(0x1000, 1)
	rec.InDRAM = false
	pol.OnPageFault(rec)
	idx.Set(rec.Vaddr, rec)

	// Promotions are paired with demotion victims sampled from the DRAM
	// list, so one cold DRAM-resident page is needed; the third DRAM frame
	// stays free for the promotion.
	victim := alloc.Allocate(0x2000, 1)
	require.True(t, victim.InDRAM)
	pol.OnPageFault(victim)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group := pol.Start(ctx)

	ring.Record(0x1000, defs.READ, 1, 0)
	ring.Record(0x1000, defs.READ, 1, 0)

	require.Eventually(t, func() bool {
		return rec.InDRAM
	}, time.Second, 5*time.Millisecond)

	cancel()
	_ = group.Wait()
}

func TestSampleDemoteVictimsPicksColdestByHotness(t *testing.T) {
	pol, alloc, _, _ := newTestPolicy(t, 4, 0)
	var recs []*mem.PageRecord
	for i := 0; i < 4; i++ {
		rec := alloc.Allocate(uintptr((i+1)*mem.PGSIZE), 1)
		rec.NAccesses = int64(i)
		rec.LocalEpoch = 0
		pol.dramList.Enqueue(rec)
		recs = append(recs, rec)
	}
	victims := pol.sampleDemoteVictims(0, 1)
	require.Len(t, victims, 1)
	// the only record with NAccesses == 0 must be among the coldest
	// candidates the sampler could return; with a deterministic seed
	// and full coverage (sample size >= population), it is exactly recs[0].
	require.LessOrEqual(t, victims[0].NAccesses, recs[0].NAccesses)
}
