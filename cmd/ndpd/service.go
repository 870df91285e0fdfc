package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/codelaboratoryltd/ndpd/pkg/ndp"
)

// service binds the engine to a real interface through an ICMPv6 socket.
// The kernel does the L2 framing, so the link adapter uses the IPv6
// destination and ignores the resolved MAC on transmit.
type service struct {
	engine *ndp.Engine
	ifc    *hostInterface
	conn   *ipv6.PacketConn
	log    *zap.Logger
}

func newService(engine *ndp.Engine, ifaceName string, forwarding bool, logger *zap.Logger) (*service, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("lookup interface: %w", err)
	}

	conn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("listen ICMPv6: %w", err)
	}
	p := ipv6.NewPacketConn(conn)

	groups := []netip.Addr{netip.MustParseAddr("ff02::1")}
	if forwarding {
		groups = append(groups, netip.MustParseAddr("ff02::2"))
	}
	for _, g := range groups {
		if err := p.JoinGroup(ifi, &net.IPAddr{IP: g.AsSlice()}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("join %s: %w", g, err)
		}
	}

	if err := p.SetHopLimit(255); err != nil {
		logger.Warn("Failed to set hop limit", zap.Error(err))
	}
	if err := p.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface|ipv6.FlagHopLimit, true); err != nil {
		logger.Warn("Failed to enable control messages", zap.Error(err))
	}

	hi := &hostInterface{
		ifi:        ifi,
		forwarding: forwarding,
		link:       &connLink{conn: p, ifi: ifi, log: logger},
	}
	return &service{engine: engine, ifc: hi, conn: p, log: logger}, nil
}

// Run reads ICMPv6 messages and feeds them to the engine until the
// context is cancelled.
func (s *service) Run(ctx context.Context) error {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, cm, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.log.Warn("Read failed", zap.Error(err))
			continue
		}
		if cm != nil && cm.IfIndex != 0 && cm.IfIndex != s.ifc.Index() {
			continue
		}
		// RFC 4861 section 6.1: NDP messages must arrive with an
		// unforwarded hop limit of 255.
		if n > 0 && isNDPType(buf[0]) && cm != nil && cm.HopLimit != 0 && cm.HopLimit != 255 {
			s.log.Debug("Dropping NDP message with bad hop limit",
				zap.Int("hop_limit", cm.HopLimit))
			continue
		}

		src := addrFrom(from)
		dst := netip.IPv6Unspecified()
		if cm != nil && cm.Dst != nil {
			if d, ok := netip.AddrFromSlice(cm.Dst); ok {
				dst = d.Unmap()
			}
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.engine.Receive(payload, src, dst, s.ifc)
	}
}

func (s *service) Close() error {
	return s.conn.Close()
}

// isNDPType reports whether an ICMPv6 type byte is RS/RA/NS/NA/Redirect.
func isNDPType(t byte) bool {
	return t >= 133 && t <= 137
}

func addrFrom(a net.Addr) netip.Addr {
	if ip, ok := a.(*net.IPAddr); ok {
		if addr, ok := netip.AddrFromSlice(ip.IP); ok {
			return addr.Unmap()
		}
	}
	return netip.IPv6Unspecified()
}

// hostInterface adapts a kernel interface to ndp.Interface.
type hostInterface struct {
	ifi        *net.Interface
	forwarding bool
	link       *connLink
}

func (h *hostInterface) Index() int          { return h.ifi.Index }
func (h *hostInterface) Name() string        { return h.ifi.Name }
func (h *hostInterface) Forwarding() bool    { return h.forwarding }
func (h *hostInterface) Link() ndp.LinkLayer { return h.link }

// connLink transmits through the ICMPv6 socket.
type connLink struct {
	conn *ipv6.PacketConn
	ifi  *net.Interface
	log  *zap.Logger
}

func (l *connLink) Send(pkt *ndp.Packet, dst netip.Addr, mac net.HardwareAddr) {
	cm := &ipv6.ControlMessage{IfIndex: l.ifi.Index, HopLimit: 255}
	dstAddr := &net.IPAddr{IP: dst.AsSlice()}
	if dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast() {
		dstAddr.Zone = l.ifi.Name
	}
	if _, err := l.conn.WriteTo(pkt.Data, cm, dstAddr); err != nil {
		l.log.Warn("Send failed", zap.Stringer("dst", dst), zap.Error(err))
	}
}

func (l *connLink) Address() net.HardwareAddr {
	return l.ifi.HardwareAddr
}

func (l *connLink) Multicast(ip netip.Addr) net.HardwareAddr {
	b := ip.As16()
	return net.HardwareAddr{0x33, 0x33, b[12], b[13], b[14], b[15]}
}

func (l *connLink) SetMTU(mtu uint32) {
	// The kernel owns the interface MTU; just surface the advertisement.
	l.log.Info("Router advertised MTU", zap.Uint32("mtu", mtu))
}

// hostAddressTable reads local addresses from the kernel and keeps the
// engine's DAD annotations in memory. The kernel runs its own DAD; this
// table lets the engine's view coexist with it.
type hostAddressTable struct {
	mu     sync.Mutex
	log    *zap.Logger
	states map[netip.Addr]ndp.AddressState
	probes map[netip.Addr]uuid.UUID
}

func newHostAddressTable(logger *zap.Logger) *hostAddressTable {
	return &hostAddressTable{
		log:    logger,
		states: make(map[netip.Addr]ndp.AddressState),
		probes: make(map[netip.Addr]uuid.UUID),
	}
}

func (t *hostAddressTable) Addresses(ifindex int) []ndp.AddressRecord {
	ifi, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return nil
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ndp.AddressRecord
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() != nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		state := ndp.AddressPreferred
		if s, ok := t.states[addr]; ok {
			state = s
		}
		out = append(out, ndp.AddressRecord{
			Addr:        addr,
			State:       state,
			DADProbeUID: t.probes[addr],
		})
	}
	return out
}

func (t *hostAddressTable) SetAddressState(ifindex int, addr netip.Addr, state ndp.AddressState) {
	t.mu.Lock()
	t.states[addr] = state
	t.mu.Unlock()
	t.log.Info("Address state change",
		zap.Stringer("address", addr),
		zap.Stringer("state", state))
}

func (t *hostAddressTable) SetDADProbeUID(ifindex int, addr netip.Addr, uid uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes[addr] = uid
}

func (t *hostAddressTable) AddAutoconfiguredAddress(ifindex int, prefix netip.Prefix, valid, preferred time.Duration, router netip.Addr) {
	// Address installation is left to the kernel's SLAAC; log what the
	// engine would have configured.
	t.log.Info("SLAAC prefix received",
		zap.Stringer("prefix", prefix),
		zap.Duration("valid_lifetime", valid),
		zap.Duration("preferred_lifetime", preferred),
		zap.Stringer("router", router))
}

func (t *hostAddressTable) MatchingSourceAddress(ifindex int, dst netip.Addr) (netip.Addr, bool) {
	for _, rec := range t.Addresses(ifindex) {
		if rec.State == ndp.AddressPreferred {
			return rec.Addr, true
		}
	}
	return netip.Addr{}, false
}
