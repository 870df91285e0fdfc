package ndp

import (
	"net"
	"net/netip"
	"sync"
	"time"

	mdndp "github.com/mdlayher/ndp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ndpd/pkg/sched"
)

// SendRouterSolicitation transmits a Router Solicitation from src to dst
// on ifc, delayed by the solicitation jitter. Multicast destinations arm
// the retransmission controller; unicast solicitations are one-shot.
func (e *Engine) SendRouterSolicitation(src, dst netip.Addr, ifc Interface) {
	e.transmitRS(src, dst, ifc)
	if dst.IsMulticast() {
		e.rsControl(ifc).schedule(src, dst)
	}
}

// transmitRS builds and (after jitter) sends one Router Solicitation.
func (e *Engine) transmitRS(src, dst netip.Addr, ifc Interface) {
	msg := &mdndp.RouterSolicitation{}
	if !src.IsUnspecified() {
		msg.Options = append(msg.Options, &mdndp.LinkLayerAddress{
			Direction: mdndp.Source,
			Addr:      ifc.Link().Address(),
		})
	}
	b, err := mdndp.MarshalMessage(msg)
	if err != nil {
		e.log.Error("marshal router solicitation", zap.Error(err))
		return
	}
	pkt := NewPacket(b)

	e.clock.Schedule(e.solicitationDelay(), func() {
		var mac net.HardwareAddr
		if dst.IsMulticast() {
			mac = ifc.Link().Multicast(dst)
		}
		e.deliver(ifc, pkt, dst, mac)
		e.metrics.Tx("router_solicitation")
	})
}

// rsControl is the per-interface Router Solicitation retransmission
// state machine: bounded exponential backoff with a randomized clamp.
// Receiving any Router Advertisement cancels and resets it.
type rsControl struct {
	e   *Engine
	ifc Interface

	mu      sync.Mutex
	count   uint32
	initial time.Time
	prev    time.Duration
	pending sched.Handle
}

func newRSControl(e *Engine, ifc Interface) *rsControl {
	return &rsControl{e: e, ifc: ifc}
}

// schedule arms the next retransmission timeout. The first timeout is
// InitialRsTime scaled by (1+jitter); later ones double the previous
// timeout with jitter, clamped to RSMaxTime*(1+jitter) when a clamp is
// configured. At most one timeout is pending at a time.
func (c *rsControl) schedule(src, dst netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := &c.e.cfg
	j := c.e.rsJitter()

	var timeout time.Duration
	if c.count == 0 {
		c.initial = c.e.clock.Now()
		timeout = scaleDuration(cfg.RSInitialTime, 1+j)
	} else {
		timeout = scaleDuration(c.prev, 2+j)
		if cfg.RSMaxTime > 0 && timeout > cfg.RSMaxTime {
			timeout = scaleDuration(cfg.RSMaxTime, 1+j)
		}
	}
	c.prev = timeout

	c.cancelPendingLocked()
	c.pending = c.e.clock.Schedule(timeout, func() {
		c.handleTimeout(src, dst)
	})
}

// handleTimeout fires when no Router Advertisement arrived in time.
// Giving up is silent: retransmission simply stops.
func (c *rsControl) handleTimeout(src, dst netip.Addr) {
	c.mu.Lock()
	cfg := &c.e.cfg
	c.pending = nil

	if cfg.RSMaxCount == 0 {
		// Unbounded count; pin the counter so it still reads as
		// "retransmitting" without ever hitting a bound.
		c.count = 1
	} else {
		c.count++
		if c.count > cfg.RSMaxCount {
			c.mu.Unlock()
			c.e.log.Debug("router solicitation retransmissions exhausted",
				zap.String("interface", c.ifc.Name()),
				zap.Uint32("count", cfg.RSMaxCount))
			return
		}
	}
	if cfg.RSMaxDuration != 0 && c.e.clock.Now().Sub(c.initial) > cfg.RSMaxDuration {
		c.mu.Unlock()
		c.e.log.Debug("router solicitation window expired",
			zap.String("interface", c.ifc.Name()),
			zap.Duration("max_duration", cfg.RSMaxDuration))
		return
	}
	c.mu.Unlock()

	c.e.metrics.RSRetransmit()
	c.e.transmitRS(src, dst, c.ifc)
	c.schedule(src, dst)
}

// raReceived cancels the pending timeout and resets the counter; a later
// solicitation burst starts fresh.
func (c *rsControl) raReceived() {
	c.reset()
}

// reset clears all retransmission state.
func (c *rsControl) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPendingLocked()
	c.count = 0
	c.prev = 0
	c.initial = time.Time{}
}

// Count reports the current retransmission counter.
func (c *rsControl) Count() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *rsControl) cancelPendingLocked() {
	if c.pending != nil {
		c.pending.Cancel()
		c.pending = nil
	}
}
