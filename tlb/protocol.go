// Package tlb implements the distributed TLB-shootdown protocol of spec
// §4.6: a per-core request queue, a broadcast/ack state machine, and the
// cooperative redrain that lets two simultaneous initiators avoid
// deadlocking on each other's requests. Grounded on biscuit's
// tinfo.Killnaps.Cond (condition-variable wait rather than a busy spin)
// and on the original simulator's core.cc handleMsgFromOtherCore /
// enqueueTLBShootdownRequest / processTLBShootdownBuffer /
// initiateTLBShootdownBroadcast / handleRemoteTLBShootdownRequest /
// networkHandleTLBShootdownAck state machine.
package tlb

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tiermem/defs"
	"tiermem/pagetable"
	"tiermem/telemetry"
)

// ShootdownRequest is the per-core, in-queue record of spec §3.
type ShootdownRequest struct {
	ID            uintptr
	InitiatorCore defs.Tid_t
	AppID         int
	Timestamp     time.Time
	Addrs         []uintptr
	PagesNum      int

	done chan time.Time
}

// ShootdownAck carries the diagnostic per-slot flush result back to the
// initiator (SUPPLEMENTED FEATURE 3); it is never used for control flow
// (SPEC_FULL open question (c)).
type ShootdownAck struct {
	RequestID   uintptr
	FromCore    defs.Tid_t
	FlushResult []bool
	PagesNum    int
}

// PendingShootdown is the initiator-only bookkeeping record of spec §3.
type PendingShootdown struct {
	ID           uintptr
	Vaddrs       []uintptr
	PendingCores map[defs.Tid_t]bool
	MaxEndTime   time.Time
	FlushResults map[defs.Tid_t][]bool
}

// Core holds one simulated core's shootdown queue and, when it is
// currently an initiator, its pending-ack bookkeeping.
type Core struct {
	id defs.Tid_t

	queueMu sync.Mutex
	queue   []*ShootdownRequest

	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     map[uintptr]*PendingShootdown

	simMu   sync.Mutex
	simTime time.Duration
}

func newCore(id defs.Tid_t) *Core {
	c := &Core{id: id, pending: make(map[uintptr]*PendingShootdown)}
	c.pendingCond = sync.NewCond(&c.pendingMu)
	return c
}

// Latencies are the simulated-nanosecond costs of the shootdown path,
// per spec §6's migration/tlb_flush_latency, ipi_initiate_latency,
// ipi_handle_latency config keys. Only IPIInitiate and IPIHandle are
// charged to a core's simulated time; TLBFlush is carried but not charged.
type Latencies struct {
	TLBFlush      time.Duration
	IPIInitiate   time.Duration
	IPIHandle     time.Duration
	RedrainPeriod time.Duration
}

// Protocol coordinates a fixed number of simulated cores. The page-table
// collaborator is shared across all cores, matching spec §6: it is the
// single external object the protocol calls back into for local flushes.
type Protocol struct {
	cores []*Core
	pt    pagetable.PageTable
	lat   Latencies
	log   zerolog.Logger
	ctrs  *telemetry.Counters

	stopCh chan struct{}
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewProtocol builds a protocol over numCores simulated cores. It starts
// no goroutines; Start launches one persistent goroutine per core to
// service its queue, mirroring "one thread per core" (spec §5).
func NewProtocol(numCores int, pt pagetable.PageTable, lat Latencies, ctrs *telemetry.Counters, log zerolog.Logger) *Protocol {
	p := &Protocol{
		pt:     pt,
		lat:    lat,
		log:    log,
		ctrs:   ctrs,
		stopCh: make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.cores = make([]*Core, numCores)
	for i := range p.cores {
		p.cores[i] = newCore(defs.Tid_t(i))
	}
	return p
}

// Start launches the per-core drain loops.
func (p *Protocol) Start() {
	for _, c := range p.cores {
		p.wg.Add(1)
		go p.coreLoop(c)
	}
}

// Stop clears the run flag and joins every core loop, per spec §5's
// stop() flipping still_run and joining both threads.
func (p *Protocol) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Protocol) otherCores(self defs.Tid_t) []defs.Tid_t {
	out := make([]defs.Tid_t, 0, len(p.cores)-1)
	for _, c := range p.cores {
		if c.id != self {
			out = append(out, c.id)
		}
	}
	return out
}

func (p *Protocol) chargeLatency(c *Core, d time.Duration) {
	c.simMu.Lock()
	c.simTime += d
	c.simMu.Unlock()
}

func (p *Protocol) randCore() defs.Tid_t {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return defs.Tid_t(p.rng.Intn(len(p.cores)))
}

// Shootdown is the executor's entry point (spec §4.5 step 4): it picks a
// random initiator, enqueues the request, and blocks until every other
// core has acknowledged. The returned time is the instant the last ack
// arrived, suitable as the basis for dma_migrate's finish_time.
func (p *Protocol) Shootdown(addrs []uintptr, pagesNum int, appID int) time.Time {
	initiator := p.randCore()
	req := &ShootdownRequest{
		ID:            addrs[0],
		InitiatorCore: initiator,
		AppID:         appID,
		Timestamp:     time.Now(),
		Addrs:         addrs,
		PagesNum:      pagesNum,
		done:          make(chan time.Time, 1),
	}
	c := p.cores[int(initiator)]
	c.queueMu.Lock()
	c.queue = append(c.queue, req)
	c.queueMu.Unlock()
	if p.ctrs != nil {
		p.ctrs.Shootdowns.Inc()
	}
	return <-req.done
}

func (p *Protocol) coreLoop(c *Core) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if !p.drainOne(c, false) {
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// drainOne pops and services the oldest request in c's queue, per
// processTLBShootdownBuffer. In remoteOnly mode, self-originated
// requests are re-queued rather than processed — the anti-deadlock
// mechanism of spec §4.6 step 6. Reports whether anything was serviced.
func (p *Protocol) drainOne(c *Core, remoteOnly bool) bool {
	c.queueMu.Lock()
	var req *ShootdownRequest
	for i, r := range c.queue {
		if remoteOnly && r.InitiatorCore == c.id {
			continue
		}
		req = r
		c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
		break
	}
	c.queueMu.Unlock()
	if req == nil {
		return false
	}
	if req.InitiatorCore == c.id {
		p.initiateBroadcast(c, req)
	} else {
		p.handleRemote(c, req)
	}
	return true
}

// drainRemoteOnly services remote requests oldest first until none is
// left in c's queue, including any that arrive while it runs;
// self-originated requests stay queued.
func (p *Protocol) drainRemoteOnly(c *Core) {
	for p.drainOne(c, true) {
	}
}

func (p *Protocol) broadcast(req *ShootdownRequest) {
	for _, id := range p.otherCores(req.InitiatorCore) {
		dst := p.cores[int(id)]
		dst.queueMu.Lock()
		dst.queue = append(dst.queue, req)
		dst.queueMu.Unlock()
	}
}

// initiateBroadcast is the initiator path of spec §4.6.
func (p *Protocol) initiateBroadcast(c *Core, req *ShootdownRequest) {
	p.chargeLatency(c, p.lat.IPIInitiate)

	pending := &PendingShootdown{
		ID:           req.ID,
		Vaddrs:       req.Addrs[:req.PagesNum],
		PendingCores: make(map[defs.Tid_t]bool),
		FlushResults: make(map[defs.Tid_t][]bool),
	}
	for _, id := range p.otherCores(req.InitiatorCore) {
		pending.PendingCores[id] = true
	}
	numToWait := len(pending.PendingCores)

	c.pendingMu.Lock()
	c.pending[req.ID] = pending
	c.pendingMu.Unlock()

	if numToWait > 0 {
		p.broadcast(req)
	}

	p.chargeLatency(c, p.lat.IPIHandle)
	for i := 0; i < req.PagesNum; i++ {
		p.pt.FlushTLB(req.AppID, req.Addrs[i])
	}

	if numToWait > 0 {
		c.pendingMu.Lock()
		for len(pending.PendingCores) > 0 {
			c.pendingMu.Unlock()
			p.drainRemoteOnly(c)
			c.pendingMu.Lock()
			if len(pending.PendingCores) == 0 {
				break
			}
			timer := time.AfterFunc(p.redrainPeriod(), func() {
				c.pendingMu.Lock()
				c.pendingCond.Broadcast()
				c.pendingMu.Unlock()
			})
			c.pendingCond.Wait()
			timer.Stop()
		}
		c.pendingMu.Unlock()
	}

	c.pendingMu.Lock()
	delete(c.pending, req.ID)
	c.pendingMu.Unlock()

	finish := time.Now()
	req.done <- finish
}

func (p *Protocol) redrainPeriod() time.Duration {
	if p.lat.RedrainPeriod > 0 {
		return p.lat.RedrainPeriod
	}
	return 500 * time.Microsecond
}

// handleRemote is the remote path of spec §4.6.
func (p *Protocol) handleRemote(c *Core, req *ShootdownRequest) {
	results := make([]bool, req.PagesNum)
	for i := 0; i < req.PagesNum; i++ {
		results[i] = p.pt.FlushTLB(req.AppID, req.Addrs[i])
	}
	p.chargeLatency(c, p.lat.IPIHandle)
	ack := ShootdownAck{RequestID: req.ID, FromCore: c.id, FlushResult: results, PagesNum: req.PagesNum}
	p.deliverAck(req.InitiatorCore, ack)
}

// deliverAck is the ack path of spec §4.6: looked up under the
// initiator's pending-map lock, duplicates and unknown ids are ignored
// silently.
func (p *Protocol) deliverAck(initiatorID defs.Tid_t, ack ShootdownAck) {
	ic := p.cores[int(initiatorID)]
	ic.pendingMu.Lock()
	defer ic.pendingMu.Unlock()

	pending, ok := ic.pending[ack.RequestID]
	if !ok {
		p.log.Debug().Uintptr("request_id", ack.RequestID).Msg("ack for unknown or completed shootdown, ignored")
		return
	}
	if !pending.PendingCores[ack.FromCore] {
		if p.ctrs != nil {
			p.ctrs.DuplicateAcks.Inc()
		}
		p.log.Debug().Int("from_core", int(ack.FromCore)).Msg("duplicate shootdown ack ignored")
		return
	}
	delete(pending.PendingCores, ack.FromCore)
	pending.FlushResults[ack.FromCore] = ack.FlushResult
	ic.pendingCond.Broadcast()
}
