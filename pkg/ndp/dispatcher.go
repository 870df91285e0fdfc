package ndp

import (
	"net/netip"

	mdndp "github.com/mdlayher/ndp"
	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

var (
	allNodesMulticast   = netip.MustParseAddr("ff02::1")
	allRoutersMulticast = netip.MustParseAddr("ff02::2")
)

const icmpv6ProtocolNumber = 58

// Receive classifies an inbound ICMPv6 message and routes it to the
// matching handler. It wraps the payload in a fresh Packet; use
// ReceivePacket when the caller already tracks packet identity (required
// for DAD loopback detection on shared media).
func (e *Engine) Receive(payload []byte, src, dst netip.Addr, ifc Interface) RxResult {
	return e.ReceivePacket(NewPacket(payload), src, dst, ifc)
}

// ReceivePacket is Receive with caller-supplied packet identity.
//
// The engine takes ownership of every IPv6-addressed message and reports
// RxOK even for messages it drops; only IPv4-addressed delivery is
// rejected, since ICMPv6 never rides over IPv4.
func (e *Engine) ReceivePacket(pkt *Packet, src, dst netip.Addr, ifc Interface) RxResult {
	if !src.Is6() || src.Is4In6() || !dst.Is6() || dst.Is4In6() {
		e.metrics.Dropped("ipv4_delivery")
		return RxEndpointUnreach
	}
	if len(pkt.Data) < 4 {
		e.log.Debug("truncated ICMPv6 message", zap.Int("len", len(pkt.Data)))
		e.metrics.Dropped("truncated")
		return RxOK
	}

	// Peek the type byte without consuming; the handlers decode the full
	// message.
	msgType := ipv6.ICMPType(pkt.Data[0])

	switch msgType {
	case ipv6.ICMPTypeRouterSolicitation:
		e.metrics.Rx("router_solicitation")
		if !ifc.Forwarding() {
			// Routers answer solicitations; hosts do not.
			e.log.Debug("ignoring RS on non-forwarding interface",
				zap.String("interface", ifc.Name()))
			return RxOK
		}
		e.rxNDP(pkt, src, ifc)

	case ipv6.ICMPTypeRouterAdvertisement:
		e.metrics.Rx("router_advertisement")
		if ifc.Forwarding() {
			e.log.Debug("ignoring RA on forwarding interface",
				zap.String("interface", ifc.Name()))
			return RxOK
		}
		e.rxNDP(pkt, src, ifc)

	case ipv6.ICMPTypeNeighborSolicitation:
		e.metrics.Rx("neighbor_solicitation")
		e.rxNDP(pkt, src, ifc)

	case ipv6.ICMPTypeNeighborAdvertisement:
		e.metrics.Rx("neighbor_advertisement")
		e.rxNDP(pkt, src, ifc)

	case ipv6.ICMPTypeRedirect:
		e.metrics.Rx("redirect")
		e.handleRedirect(pkt.Data, src, ifc)

	case ipv6.ICMPTypeEchoRequest:
		e.metrics.Rx("echo_request")
		e.handleEchoRequest(pkt.Data, src, dst, ifc)

	case ipv6.ICMPTypeEchoReply:
		// No request/reply correlation table exists; replies are dropped
		// by design.
		e.metrics.Rx("echo_reply")
		e.log.Debug("dropping echo reply", zap.Stringer("src", src))

	case ipv6.ICMPTypeDestinationUnreachable,
		ipv6.ICMPTypePacketTooBig,
		ipv6.ICMPTypeTimeExceeded,
		ipv6.ICMPTypeParameterProblem:
		e.metrics.Rx("error")
		e.forwardICMPError(pkt.Data, src)

	default:
		e.log.Debug("unrecognized ICMPv6 type",
			zap.Int("type", int(msgType)),
			zap.Stringer("src", src))
		e.metrics.Dropped("unknown_type")
	}
	return RxOK
}

// rxNDP decodes one of the four typed NDP messages and dispatches it.
func (e *Engine) rxNDP(pkt *Packet, src netip.Addr, ifc Interface) {
	msg, err := mdndp.ParseMessage(pkt.Data)
	if err != nil {
		e.log.Debug("malformed NDP message", zap.Error(err), zap.Stringer("src", src))
		e.metrics.Dropped("malformed")
		return
	}

	switch m := msg.(type) {
	case *mdndp.RouterSolicitation:
		e.handleRouterSolicitation(m, src, ifc)
	case *mdndp.RouterAdvertisement:
		e.handleRouterAdvertisement(m, src, ifc)
	case *mdndp.NeighborSolicitation:
		e.handleNeighborSolicitation(pkt, m, src, ifc)
	case *mdndp.NeighborAdvertisement:
		e.handleNeighborAdvertisement(m, src, ifc)
	}
}

// forwardICMPError hands an ICMPv6 error message to the upper-layer
// protocol that owns the embedded packet. No-op when the embedded next
// header is ICMPv6 itself (error storms) or no protocol is registered.
func (e *Engine) forwardICMPError(data []byte, src netip.Addr) {
	if e.upper == nil {
		return
	}

	msg, err := icmp.ParseMessage(icmpv6ProtocolNumber, data)
	if err != nil {
		e.log.Debug("malformed ICMPv6 error", zap.Error(err), zap.Stringer("src", src))
		e.metrics.Dropped("malformed")
		return
	}

	var (
		info     uint32
		embedded []byte
	)
	switch b := msg.Body.(type) {
	case *icmp.DstUnreach:
		embedded = b.Data
	case *icmp.PacketTooBig:
		info = uint32(b.MTU)
		embedded = b.Data
	case *icmp.TimeExceeded:
		embedded = b.Data
	case *icmp.ParamProb:
		info = uint32(b.Pointer)
		embedded = b.Data
	default:
		return
	}

	// The embedded payload must hold at least the offending IPv6 header.
	if len(embedded) < 40 {
		e.log.Debug("ICMPv6 error with truncated embedded packet",
			zap.Int("len", len(embedded)))
		e.metrics.Dropped("truncated")
		return
	}

	nextHeader := embedded[6]
	if nextHeader == icmpv6ProtocolNumber {
		// Never feed ICMPv6 errors back into ICMPv6.
		return
	}
	proto, ok := e.upper.Protocol(nextHeader)
	if !ok {
		return
	}

	payload := embedded[40:]
	if len(payload) > 8 {
		payload = payload[:8]
	}
	proto.ReceiveICMPError(src, data[0], data[1], info, embedded[:40], payload)
}
