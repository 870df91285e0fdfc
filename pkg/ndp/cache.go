package ndp

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ndpd/pkg/sched"
)

// SolicitFunc transmits a Neighbor Solicitation for target. A nil dstMAC
// means the solicited-node multicast group; otherwise the solicitation is
// unicast to that MAC.
type SolicitFunc func(ifc Interface, src, target netip.Addr, dstMAC net.HardwareAddr)

// Cache is the per-interface neighbor cache and NUD state machine.
//
// Timer callbacks never hold entry pointers across the scheduler
// boundary: they capture the neighbor address and re-look-up the entry
// when they fire, so an entry evicted between scheduling and firing is
// simply a missed lookup.
type Cache struct {
	cfg     Config
	log     *zap.Logger
	clock   sched.Scheduler
	ifc     Interface
	addrs   AddressTable
	metrics *Metrics
	solicit SolicitFunc

	mu      sync.Mutex
	entries map[netip.Addr]*entry
}

// NewCache creates an empty neighbor cache for ifc.
func NewCache(ifc Interface, cfg Config, clock sched.Scheduler, addrs AddressTable, solicit SolicitFunc, metrics *Metrics, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		log:     log.With(zap.String("interface", ifc.Name())),
		clock:   clock,
		ifc:     ifc,
		addrs:   addrs,
		metrics: metrics,
		solicit: solicit,
		entries: make(map[netip.Addr]*entry),
	}
}

// Resolve maps dst to a link-layer address and transmits pkt, or queues
// pkt while resolution runs. Returns true when the packet was handed to
// the link layer, false when it was queued (or dropped because no usable
// source address exists).
func (c *Cache) Resolve(dst netip.Addr, pkt *Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[dst]
	if !ok {
		return c.startResolutionLocked(dst, pkt)
	}

	switch e.state {
	case Incomplete, Probe:
		c.enqueueLocked(e, pkt, dst)
		return false

	case Stale:
		// RFC 4861 section 7.3.3: forward optimistically and start the
		// delay-first-probe window.
		c.setStateLocked(e, Delay)
		c.sendLocked(e, pkt, dst)
		return true

	case Delay:
		// Traffic keeps flowing; push out the probe.
		c.armNUDTimerLocked(e, timerDelay, c.cfg.DelayFirstProbeTime)
		c.sendLocked(e, pkt, dst)
		return true

	case Reachable, Permanent, StaticAutogenerated:
		c.sendLocked(e, pkt, dst)
		return true

	default:
		c.log.Debug("resolve on entry in unexpected state",
			zap.Stringer("neighbor", dst),
			zap.Stringer("state", e.state))
		return false
	}
}

// startResolutionLocked creates an Incomplete entry, queues pkt and sends
// the first multicast solicitation. If no usable source address exists
// the entry is removed again and the packet dropped.
func (c *Cache) startResolutionLocked(dst netip.Addr, pkt *Packet) bool {
	src, ok := c.chooseSourceLocked(dst)
	if !ok {
		c.log.Debug("no usable source address, dropping packet",
			zap.Stringer("neighbor", dst))
		c.metrics.Dropped("no_source_address")
		return false
	}

	e := &entry{addr: dst, probeSrc: src}
	c.entries[dst] = e
	c.enqueueLocked(e, pkt, dst)
	c.setStateLocked(e, Incomplete)
	c.metrics.NeighborCount(len(c.entries))
	return false
}

// chooseSourceLocked picks the source address for solicitations: the
// link-local address, or the unique preferred address, or the best match
// for dst.
func (c *Cache) chooseSourceLocked(dst netip.Addr) (netip.Addr, bool) {
	var usable []netip.Addr
	for _, rec := range c.addrs.Addresses(c.ifc.Index()) {
		if rec.State == AddressInvalid || rec.State == AddressTentative {
			continue
		}
		if rec.Addr.IsLinkLocalUnicast() {
			return rec.Addr, true
		}
		usable = append(usable, rec.Addr)
	}
	if len(usable) == 1 {
		return usable[0], true
	}
	if src, ok := c.addrs.MatchingSourceAddress(c.ifc.Index(), dst); ok {
		return src, true
	}
	return netip.Addr{}, false
}

// OnLinkLayerAdvertisement records a source link-layer address learned
// from a Router Advertisement (or a Redirect's target option when the
// target is a router). isRouter promotes the entry's router flag.
func (c *Cache) OnLinkLayerAdvertisement(src netip.Addr, mac net.HardwareAddr, isRouter bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[src]
	if !ok {
		e = &entry{addr: src, mac: mac}
		c.entries[src] = e
		c.setStateLocked(e, Reachable)
		if isRouter {
			e.isRouter = true
		}
		c.metrics.NeighborCount(len(c.entries))
		return
	}

	if isRouter {
		e.isRouter = true
	}

	switch e.state {
	case Incomplete:
		e.mac = mac
		c.setStateLocked(e, Reachable)
		c.flushQueueLocked(e)

	case Stale, Delay:
		if !e.macEqual(mac) {
			e.mac = mac
			c.setStateLocked(e, Stale)
		} else {
			c.setStateLocked(e, Reachable)
		}

	case Probe:
		if !e.macEqual(mac) {
			e.mac = mac
			c.setStateLocked(e, Stale)
		} else {
			c.setStateLocked(e, Reachable)
			c.flushQueueLocked(e)
		}

	case Reachable:
		if !e.macEqual(mac) {
			e.mac = mac
			c.setStateLocked(e, Stale)
		} else {
			// Fresh confirmation from the router; restart the window.
			c.armReachableTimerLocked(e)
		}

	case Permanent, StaticAutogenerated:
		if !e.macEqual(mac) {
			e.mac = mac
			c.setStateLocked(e, Stale)
		}
	}
}

// OnNeighborSolicitation caches the solicitor's link-layer address. DAD
// probes (unspecified source) are never cached.
func (c *Cache) OnNeighborSolicitation(src netip.Addr, mac net.HardwareAddr) {
	if src.IsUnspecified() || len(mac) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[src]
	if !ok {
		e = &entry{addr: src, mac: mac}
		c.entries[src] = e
		c.setStateLocked(e, Stale)
		c.metrics.NeighborCount(len(c.entries))
		return
	}
	if !e.macEqual(mac) {
		e.mac = mac
		c.setStateLocked(e, Stale)
	}
}

// OnNeighborAdvertisement applies a Neighbor Advertisement for target to
// the cache, per RFC 4861 section 7.2.5. Returns false when no entry
// exists for target; the caller is responsible for the DAD-conflict check
// in that case.
func (c *Cache) OnNeighborAdvertisement(target netip.Addr, mac net.HardwareAddr, override, solicited, isRouter bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[target]
	if !ok {
		return false
	}

	if e.state == Incomplete && len(mac) == 0 {
		// No target link-layer address to resolve with; discard the
		// advertisement and leave the retransmission timer running so
		// resolution can still finish or time out.
		return true
	}

	c.cancelNUDTimerLocked(e)

	macDiff := len(mac) != 0 && !e.macEqual(mac)

	switch e.state {
	case Incomplete:
		e.mac = mac
		e.isRouter = isRouter
		if solicited {
			c.setStateLocked(e, Reachable)
			c.flushQueueLocked(e)
		} else {
			c.setStateLocked(e, Stale)
		}

	case Reachable:
		if macDiff && !override {
			// Unsolicited address change without the override flag: keep
			// the cached address but stop trusting it.
			c.setStateLocked(e, Stale)
			break
		}
		if macDiff {
			e.mac = mac
		}
		e.isRouter = isRouter
		if solicited {
			c.setStateLocked(e, Reachable)
		} else if macDiff {
			c.setStateLocked(e, Stale)
		}

	case Stale, Delay, Probe:
		if macDiff && !override {
			break
		}
		if macDiff {
			e.mac = mac
		}
		e.isRouter = isRouter
		if solicited {
			c.setStateLocked(e, Reachable)
			c.flushQueueLocked(e)
		} else if macDiff {
			c.setStateLocked(e, Stale)
		}

	case Permanent, StaticAutogenerated:
		if macDiff && !override {
			break
		}
		if macDiff {
			e.mac = mac
			c.setStateLocked(e, Stale)
		}
	}
	return true
}

// Lookup returns a snapshot of the entry for addr.
func (c *Cache) Lookup(addr netip.Addr) (Neighbor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok {
		return Neighbor{}, false
	}
	return Neighbor{
		Addr:     e.addr,
		State:    e.state,
		MAC:      append(net.HardwareAddr(nil), e.mac...),
		IsRouter: e.isRouter,
		Queued:   len(e.queue),
	}, true
}

// AddStatic installs an administrative entry. Autogenerated selects the
// StaticAutogenerated state instead of Permanent.
func (c *Cache) AddStatic(addr netip.Addr, mac net.HardwareAddr, autogenerated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[addr]
	if !ok {
		e = &entry{addr: addr}
		c.entries[addr] = e
	}
	c.cancelNUDTimerLocked(e)
	c.cancelReachableTimerLocked(e)
	e.mac = mac
	if autogenerated {
		c.setStateLocked(e, StaticAutogenerated)
	} else {
		c.setStateLocked(e, Permanent)
	}
	c.metrics.NeighborCount(len(c.entries))
}

// Remove evicts the entry for addr, discarding any queued packets.
func (c *Cache) Remove(addr netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[addr]; ok {
		c.removeEntryLocked(e, "removed")
	}
}

// Flush evicts every entry, for link-down handling. Queued packets are
// discarded and all timers cancelled.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.cancelNUDTimerLocked(e)
		c.cancelReachableTimerLocked(e)
		if n := len(e.queue); n > 0 {
			c.metrics.DroppedN("cache_flush", n)
		}
		e.queue = nil
	}
	c.entries = make(map[netip.Addr]*entry)
	c.metrics.NeighborCount(0)
	c.log.Debug("neighbor cache flushed")
}

// Len reports the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// setStateLocked moves e to next, cancelling whatever timers the previous
// state held and arming the timers next requires. Every state transition
// funnels through here so the one-NUD-timer invariant holds.
func (c *Cache) setStateLocked(e *entry, next NudState) {
	c.cancelNUDTimerLocked(e)
	c.cancelReachableTimerLocked(e)

	prev := e.state
	e.state = next

	switch next {
	case Incomplete:
		e.retries = 1
		c.solicit(c.ifc, e.probeSrc, e.addr, nil)
		c.metrics.Solicit("multicast")
		c.armNUDTimerLocked(e, timerRetransmit, c.cfg.RetransmitTime)

	case Reachable:
		c.armReachableTimerLocked(e)

	case Delay:
		c.armNUDTimerLocked(e, timerDelay, c.cfg.DelayFirstProbeTime)

	case Probe:
		e.retries = 1
		c.solicit(c.ifc, e.probeSrc, e.addr, e.mac)
		c.metrics.Solicit("unicast")
		c.armNUDTimerLocked(e, timerProbe, c.cfg.RetransmitTime)

	case Stale, Permanent, StaticAutogenerated:
		// No timers in these states.
	}

	if prev != next {
		c.log.Debug("neighbor state change",
			zap.Stringer("neighbor", e.addr),
			zap.Stringer("from", prev),
			zap.Stringer("to", next))
	}
}

func (c *Cache) armReachableTimerLocked(e *entry) {
	c.cancelReachableTimerLocked(e)
	addr := e.addr
	e.reachableTimer = c.clock.Schedule(c.cfg.ReachableTime, func() {
		c.onReachableTimeout(addr)
	})
}

func (c *Cache) cancelReachableTimerLocked(e *entry) {
	if e.reachableTimer != nil {
		e.reachableTimer.Cancel()
		e.reachableTimer = nil
	}
}

func (c *Cache) armNUDTimerLocked(e *entry, kind nudTimerKind, d time.Duration) {
	c.cancelNUDTimerLocked(e)
	addr := e.addr
	e.nudTimerKind = kind
	switch kind {
	case timerRetransmit:
		e.nudTimer = c.clock.Schedule(d, func() { c.onRetransmitTimeout(addr) })
	case timerDelay:
		e.nudTimer = c.clock.Schedule(d, func() { c.onDelayTimeout(addr) })
	case timerProbe:
		e.nudTimer = c.clock.Schedule(d, func() { c.onProbeTimeout(addr) })
	}
}

func (c *Cache) cancelNUDTimerLocked(e *entry) {
	if e.nudTimer != nil {
		e.nudTimer.Cancel()
		e.nudTimer = nil
	}
	e.nudTimerKind = timerNone
}

func (c *Cache) onReachableTimeout(addr netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok || e.state != Reachable {
		return
	}
	e.reachableTimer = nil
	c.setStateLocked(e, Stale)
}

func (c *Cache) onRetransmitTimeout(addr netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok || e.state != Incomplete || e.nudTimerKind != timerRetransmit {
		return
	}
	if e.retries >= c.cfg.MaxMulticastSolicit {
		// RFC 4861 section 7.2.2: resolution has failed.
		c.removeEntryLocked(e, "resolution_failed")
		return
	}
	e.retries++
	c.solicit(c.ifc, e.probeSrc, e.addr, nil)
	c.metrics.Solicit("multicast")
	c.armNUDTimerLocked(e, timerRetransmit, c.cfg.RetransmitTime)
}

func (c *Cache) onDelayTimeout(addr netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok || e.state != Delay || e.nudTimerKind != timerDelay {
		return
	}
	c.setStateLocked(e, Probe)
}

func (c *Cache) onProbeTimeout(addr netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok || e.state != Probe || e.nudTimerKind != timerProbe {
		return
	}
	if e.retries >= c.cfg.MaxUnicastSolicit {
		c.removeEntryLocked(e, "probe_failed")
		return
	}
	e.retries++
	c.solicit(c.ifc, e.probeSrc, e.addr, e.mac)
	c.metrics.Solicit("unicast")
	c.armNUDTimerLocked(e, timerProbe, c.cfg.RetransmitTime)
}

func (c *Cache) enqueueLocked(e *entry, pkt *Packet, dst netip.Addr) {
	if len(e.queue) >= c.cfg.QueueLimit {
		// Keep the newest packets, per RFC 4861 section 7.2.2.
		c.log.Debug("waiting queue full, dropping oldest packet",
			zap.Stringer("neighbor", e.addr))
		c.metrics.Dropped("queue_overflow")
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, queuedPacket{pkt: pkt, dst: dst})
}

// flushQueueLocked delivers queued packets in FIFO order. The entry's
// link-layer address must be set.
func (c *Cache) flushQueueLocked(e *entry) {
	if len(e.queue) == 0 {
		return
	}
	link := c.ifc.Link()
	for _, q := range e.queue {
		link.Send(q.pkt, q.dst, e.mac)
	}
	c.log.Debug("flushed waiting queue",
		zap.Stringer("neighbor", e.addr),
		zap.Int("packets", len(e.queue)))
	e.queue = nil
}

func (c *Cache) sendLocked(e *entry, pkt *Packet, dst netip.Addr) {
	c.ifc.Link().Send(pkt, dst, e.mac)
}

func (c *Cache) removeEntryLocked(e *entry, reason string) {
	c.cancelNUDTimerLocked(e)
	c.cancelReachableTimerLocked(e)
	if n := len(e.queue); n > 0 {
		c.log.Debug("discarding queued packets",
			zap.Stringer("neighbor", e.addr),
			zap.Int("packets", n),
			zap.String("reason", reason))
		c.metrics.DroppedN(reason, n)
	}
	e.queue = nil
	delete(c.entries, e.addr)
	c.metrics.NeighborCount(len(c.entries))
	c.log.Debug("neighbor entry evicted",
		zap.Stringer("neighbor", e.addr),
		zap.String("reason", reason))
}
