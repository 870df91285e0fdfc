package ndp

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	mdndp "github.com/mdlayher/ndp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ndpd/pkg/sched"
)

// Deps are the collaborators an Engine is wired to. Addrs is required;
// Routes and Upper may be nil when route updates or ICMP error forwarding
// are not needed. Clock, Rand and Logger default when nil.
type Deps struct {
	Clock   sched.Scheduler
	Rand    Rand
	Addrs   AddressTable
	Routes  RouteTable
	Upper   ProtocolRegistry
	Metrics *Metrics
	Logger  *zap.Logger
}

// Engine is the NDP protocol engine: one neighbor cache and one router
// solicitation controller per interface, plus the shared dispatcher, DAD
// coordinator and configuration.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	clock   sched.Scheduler
	rng     Rand
	addrs   AddressTable
	routes  RouteTable
	upper   ProtocolRegistry
	metrics *Metrics

	mu     sync.Mutex
	caches map[int]*Cache
	rs     map[int]*rsControl
}

// NewEngine validates cfg and wires up an engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid NDP config: %w", err)
	}
	if deps.Addrs == nil {
		return nil, fmt.Errorf("address table is required")
	}
	if deps.Clock == nil {
		deps.Clock = sched.New()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Engine{
		cfg:     cfg,
		log:     deps.Logger,
		clock:   deps.Clock,
		rng:     deps.Rand,
		addrs:   deps.Addrs,
		routes:  deps.Routes,
		upper:   deps.Upper,
		metrics: deps.Metrics,
		caches:  make(map[int]*Cache),
		rs:      make(map[int]*rsControl),
	}, nil
}

// Cache returns the neighbor cache for ifc, creating it on first use.
func (e *Engine) Cache(ifc Interface) *Cache {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[ifc.Index()]
	if !ok {
		c = NewCache(ifc, e.cfg, e.clock, e.addrs, e.sendNeighborSolicit, e.metrics, e.log)
		e.caches[ifc.Index()] = c
	}
	return c
}

// Resolve transmits pkt to dst over ifc, resolving the neighbor first if
// needed. Returns true when the packet was handed to the link layer now,
// false when it was queued pending resolution.
func (e *Engine) Resolve(dst netip.Addr, pkt *Packet, ifc Interface) bool {
	return e.Cache(ifc).Resolve(dst, pkt)
}

func (e *Engine) rsControl(ifc Interface) *rsControl {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.rs[ifc.Index()]
	if !ok {
		c = newRSControl(e, ifc)
		e.rs[ifc.Index()] = c
	}
	return c
}

// sendNeighborSolicit is the cache's probe transmitter. A nil dstMAC
// solicits the target's solicited-node multicast group; otherwise the
// solicitation is unicast.
func (e *Engine) sendNeighborSolicit(ifc Interface, src, target netip.Addr, dstMAC net.HardwareAddr) {
	msg := &mdndp.NeighborSolicitation{TargetAddress: target}
	if !src.IsUnspecified() {
		msg.Options = append(msg.Options, &mdndp.LinkLayerAddress{
			Direction: mdndp.Source,
			Addr:      ifc.Link().Address(),
		})
	}
	b, err := mdndp.MarshalMessage(msg)
	if err != nil {
		e.log.Error("marshal neighbor solicitation", zap.Error(err))
		return
	}
	pkt := NewPacket(b)

	if dstMAC == nil {
		snm, err := mdndp.SolicitedNodeMulticast(target)
		if err != nil {
			e.log.Error("solicited-node multicast derivation", zap.Error(err))
			return
		}
		ifc.Link().Send(pkt, snm, ifc.Link().Multicast(snm))
	} else {
		ifc.Link().Send(pkt, target, dstMAC)
	}
	e.metrics.Tx("neighbor_solicitation")
}

// sendMessage marshals an NDP message and delivers it: multicast
// destinations map straight to a group MAC, unicast destinations go
// through neighbor resolution.
func (e *Engine) sendMessage(ifc Interface, msg mdndp.Message, dst netip.Addr, dstMAC net.HardwareAddr, msgType string) {
	b, err := mdndp.MarshalMessage(msg)
	if err != nil {
		e.log.Error("marshal NDP message", zap.Error(err), zap.String("type", msgType))
		return
	}
	e.deliver(ifc, NewPacket(b), dst, dstMAC)
	e.metrics.Tx(msgType)
}

func (e *Engine) deliver(ifc Interface, pkt *Packet, dst netip.Addr, dstMAC net.HardwareAddr) {
	switch {
	case dstMAC != nil:
		ifc.Link().Send(pkt, dst, dstMAC)
	case dst.IsMulticast():
		ifc.Link().Send(pkt, dst, ifc.Link().Multicast(dst))
	default:
		e.Cache(ifc).Resolve(dst, pkt)
	}
}

// solicitationDelay samples the random delay applied before transmitting
// a solicitation, uniform in [0, SolicitationJitter].
func (e *Engine) solicitationDelay() time.Duration {
	return time.Duration(e.rng.Float64() * float64(e.cfg.SolicitationJitter))
}

// rsJitter samples the router solicitation backoff jitter, uniform in
// [-RSRetransmissionJitter, +RSRetransmissionJitter].
func (e *Engine) rsJitter() float64 {
	return (e.rng.Float64()*2 - 1) * e.cfg.RSRetransmissionJitter
}

func scaleDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

// addressRecord finds the local record for addr on ifc.
func (e *Engine) addressRecord(ifc Interface, addr netip.Addr) (AddressRecord, bool) {
	for _, rec := range e.addrs.Addresses(ifc.Index()) {
		if rec.Addr == addr {
			return rec, true
		}
	}
	return AddressRecord{}, false
}
