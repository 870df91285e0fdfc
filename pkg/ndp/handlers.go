package ndp

import (
	"net"
	"net/netip"

	"github.com/google/uuid"
	mdndp "github.com/mdlayher/ndp"
	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

// sourceLLA extracts the Source Link-Layer Address option, if present.
func sourceLLA(opts []mdndp.Option) net.HardwareAddr {
	for _, o := range opts {
		if lla, ok := o.(*mdndp.LinkLayerAddress); ok && lla.Direction == mdndp.Source {
			return lla.Addr
		}
	}
	return nil
}

// targetLLA extracts the Target Link-Layer Address option, if present.
func targetLLA(opts []mdndp.Option) net.HardwareAddr {
	for _, o := range opts {
		if lla, ok := o.(*mdndp.LinkLayerAddress); ok && lla.Direction == mdndp.Target {
			return lla.Addr
		}
	}
	return nil
}

// handleRouterSolicitation caches the solicitor and answers with a Router
// Advertisement when this interface advertises one. Only reached on
// forwarding interfaces.
func (e *Engine) handleRouterSolicitation(msg *mdndp.RouterSolicitation, src netip.Addr, ifc Interface) {
	lla := sourceLLA(msg.Options)

	if src.IsUnspecified() && lla != nil {
		// RFC 4861 section 6.1.1: an unspecified source must not carry a
		// source link-layer address option.
		e.log.Debug("RS from unspecified source with SLLAO, dropping")
		e.metrics.Dropped("malformed")
		return
	}
	if !src.IsUnspecified() && lla != nil {
		e.Cache(ifc).OnNeighborSolicitation(src, lla)
	}

	adv := e.cfg.Advertise
	if len(adv.Prefixes) == 0 && adv.RouterLifetime == 0 {
		// Forwarding but not configured to advertise; the solicitation
		// was still consumed.
		return
	}

	dst := allNodesMulticast
	var dstMAC net.HardwareAddr
	if !src.IsUnspecified() && lla != nil {
		dst = src
		dstMAC = lla
	}
	e.sendRouterAdvertisement(ifc, dst, dstMAC)
}

// sendRouterAdvertisement builds an RA from the advertise configuration.
func (e *Engine) sendRouterAdvertisement(ifc Interface, dst netip.Addr, dstMAC net.HardwareAddr) {
	adv := e.cfg.Advertise
	ra := &mdndp.RouterAdvertisement{
		CurrentHopLimit:      adv.CurHopLimit,
		ManagedConfiguration: adv.Managed,
		OtherConfiguration:   adv.Other,
		RouterLifetime:       adv.RouterLifetime,
		ReachableTime:        adv.ReachableTime,
		RetransmitTimer:      adv.RetransmitTimer,
		Options: []mdndp.Option{
			&mdndp.LinkLayerAddress{
				Direction: mdndp.Source,
				Addr:      ifc.Link().Address(),
			},
		},
	}
	if adv.MTU > 0 {
		ra.Options = append(ra.Options, mdndp.NewMTU(adv.MTU))
	}
	for _, p := range adv.Prefixes {
		ra.Options = append(ra.Options, &mdndp.PrefixInformation{
			PrefixLength:                   uint8(p.Prefix.Bits()),
			OnLink:                         p.OnLink,
			AutonomousAddressConfiguration: p.Autonomous,
			ValidLifetime:                  p.ValidLifetime,
			PreferredLifetime:              p.PreferredLifetime,
			Prefix:                         p.Prefix.Addr(),
		})
	}
	e.sendMessage(ifc, ra, dst, dstMAC, "router_advertisement")
}

// handleRouterAdvertisement processes an RA: stop soliciting, learn the
// router's link-layer address, apply MTU and prefix options. Only reached
// on non-forwarding interfaces.
func (e *Engine) handleRouterAdvertisement(msg *mdndp.RouterAdvertisement, src netip.Addr, ifc Interface) {
	e.rsControl(ifc).raReceived()

	for _, opt := range msg.Options {
		switch o := opt.(type) {
		case *mdndp.LinkLayerAddress:
			if o.Direction == mdndp.Source {
				e.Cache(ifc).OnLinkLayerAdvertisement(src, o.Addr, true)
			}

		case *mdndp.MTU:
			ifc.Link().SetMTU(o.MTU)

		case *mdndp.PrefixInformation:
			e.applyPrefixInformation(o, src, ifc)
		}
	}
}

func (e *Engine) applyPrefixInformation(o *mdndp.PrefixInformation, router netip.Addr, ifc Interface) {
	if o.Prefix.IsLinkLocalUnicast() {
		// RFC 4861 section 6.3.4: link-local prefixes are ignored.
		return
	}
	prefix := netip.PrefixFrom(o.Prefix, int(o.PrefixLength))
	if !prefix.IsValid() {
		e.log.Debug("invalid prefix information option", zap.Stringer("prefix", o.Prefix))
		return
	}

	if o.OnLink && o.ValidLifetime > 0 && e.routes != nil {
		if err := e.routes.NotifyAddRoute(prefix, netip.IPv6Unspecified(), ifc.Index()); err != nil {
			e.log.Warn("install on-link prefix route",
				zap.Stringer("prefix", prefix), zap.Error(err))
		}
	}

	// SLAAC needs a /64 to append the interface identifier.
	if o.AutonomousAddressConfiguration && o.ValidLifetime > 0 && o.PrefixLength == 64 {
		e.addrs.AddAutoconfiguredAddress(ifc.Index(), prefix, o.ValidLifetime, o.PreferredLifetime, router)
	}
}

// handleNeighborSolicitation answers solicitations for our addresses and
// detects DAD conflicts signalled by other nodes probing them.
func (e *Engine) handleNeighborSolicitation(pkt *Packet, msg *mdndp.NeighborSolicitation, src netip.Addr, ifc Interface) {
	target := msg.TargetAddress
	if target.IsMulticast() {
		e.log.Debug("NS with multicast target, dropping")
		e.metrics.Dropped("malformed")
		return
	}
	lla := sourceLLA(msg.Options)

	rec, ours := e.addressRecord(ifc, target)

	if src.IsUnspecified() {
		// Duplicate address detection probe.
		if lla != nil {
			// RFC 4861 section 7.1.1.
			e.log.Debug("DAD probe with SLLAO, dropping")
			e.metrics.Dropped("malformed")
			return
		}
		if !ours {
			return
		}
		switch rec.State {
		case AddressTentative, AddressTentativeOptimistic:
			if rec.DADProbeUID != uuid.Nil && rec.DADProbeUID == pkt.UID {
				// Our own probe looped back on shared media.
				e.log.Debug("ignoring own DAD probe", zap.Stringer("target", target))
				return
			}
			// Another node is probing the same tentative address.
			e.log.Info("DAD conflict: tentative address also probed by peer",
				zap.Stringer("address", target))
			e.addrs.SetAddressState(ifc.Index(), target, AddressInvalid)
			e.metrics.DAD("conflict")
		case AddressPreferred:
			// Defend an address we already own.
			e.sendNeighborAdvertisement(ifc, target, allNodesMulticast, nil, false, ifc.Forwarding())
		}
		return
	}

	if !ours || rec.State == AddressInvalid {
		return
	}
	if rec.State == AddressTentative || rec.State == AddressTentativeOptimistic {
		// Never answer for an address that has not passed DAD.
		return
	}

	cache := e.Cache(ifc)
	if lla == nil {
		if _, ok := cache.Lookup(src); !ok {
			// Without an SLLAO and without a cache entry there is no way
			// to address the reply.
			e.log.Debug("NS without SLLAO and no cache entry, dropping",
				zap.Stringer("src", src))
			e.metrics.Dropped("no_sllao")
			return
		}
	} else {
		cache.OnNeighborSolicitation(src, lla)
	}

	replyMAC := lla
	if replyMAC == nil {
		if n, ok := cache.Lookup(src); ok {
			replyMAC = n.MAC
		}
	}
	e.sendNeighborAdvertisement(ifc, target, src, replyMAC, true, ifc.Forwarding())
}

// sendNeighborAdvertisement emits an NA for target. Solicited replies go
// unicast; DAD defenses go to all-nodes with the override flag set.
func (e *Engine) sendNeighborAdvertisement(ifc Interface, target, dst netip.Addr, dstMAC net.HardwareAddr, solicited, router bool) {
	na := &mdndp.NeighborAdvertisement{
		Router:        router,
		Solicited:     solicited,
		Override:      true,
		TargetAddress: target,
		Options: []mdndp.Option{
			&mdndp.LinkLayerAddress{
				Direction: mdndp.Target,
				Addr:      ifc.Link().Address(),
			},
		},
	}
	e.sendMessage(ifc, na, dst, dstMAC, "neighbor_advertisement")
}

// handleNeighborAdvertisement updates the neighbor cache, or detects a
// DAD conflict when the advertised target is one of our tentative
// addresses. A conflicting NA is not an error; it simply signals a
// duplicate.
func (e *Engine) handleNeighborAdvertisement(msg *mdndp.NeighborAdvertisement, src netip.Addr, ifc Interface) {
	target := msg.TargetAddress
	lla := targetLLA(msg.Options)

	if e.Cache(ifc).OnNeighborAdvertisement(target, lla, msg.Override, msg.Solicited, msg.Router) {
		return
	}

	rec, ours := e.addressRecord(ifc, target)
	if ours && (rec.State == AddressTentative || rec.State == AddressTentativeOptimistic) {
		e.log.Info("DAD conflict: advertisement for tentative address",
			zap.Stringer("address", target),
			zap.Stringer("from", src))
		e.addrs.SetAddressState(ifc.Index(), target, AddressInvalid)
		e.metrics.DAD("conflict")
		return
	}

	e.log.Debug("NA for unknown neighbor, dropping", zap.Stringer("target", target))
}

// handleRedirect parses a Redirect message and installs a host route to
// the redirected destination via the indicated target.
//
// Wire format (RFC 4861 section 4.5): 4-byte ICMP header, 4 reserved
// bytes, 16-byte target, 16-byte destination, then options. The typed
// codec does not model Redirect, so the fixed part is decoded here.
func (e *Engine) handleRedirect(data []byte, src netip.Addr, ifc Interface) {
	if len(data) < 40 {
		e.log.Debug("truncated redirect", zap.Int("len", len(data)))
		e.metrics.Dropped("truncated")
		return
	}
	target, _ := netip.AddrFromSlice(data[8:24])
	dest, _ := netip.AddrFromSlice(data[24:40])
	if !target.IsValid() || !dest.IsValid() || dest.IsMulticast() {
		e.log.Debug("malformed redirect", zap.Stringer("src", src))
		e.metrics.Dropped("malformed")
		return
	}

	if lla := parseRedirectTLLAO(data[40:]); lla != nil {
		// target != dest means the target is a router on the path.
		e.Cache(ifc).OnLinkLayerAdvertisement(target, lla, target != dest)
	}

	if e.routes != nil {
		hostRoute := netip.PrefixFrom(dest, 128)
		if err := e.routes.NotifyAddRoute(hostRoute, target, ifc.Index()); err != nil {
			e.log.Warn("install redirect route",
				zap.Stringer("destination", dest),
				zap.Stringer("via", target),
				zap.Error(err))
		}
	}
}

// parseRedirectTLLAO walks raw TLV options for a target link-layer
// address.
func parseRedirectTLLAO(opts []byte) net.HardwareAddr {
	for len(opts) >= 8 {
		optType, optLen := opts[0], int(opts[1])*8
		if optLen == 0 || optLen > len(opts) {
			return nil
		}
		if optType == 2 && optLen >= 8 {
			return net.HardwareAddr(opts[2:8])
		}
		opts = opts[optLen:]
	}
	return nil
}

// handleEchoRequest answers with an Echo Reply through the normal
// resolution path.
func (e *Engine) handleEchoRequest(data []byte, src, dst netip.Addr, ifc Interface) {
	msg, err := icmp.ParseMessage(icmpv6ProtocolNumber, data)
	if err != nil {
		e.log.Debug("malformed echo request", zap.Error(err))
		e.metrics.Dropped("malformed")
		return
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return
	}

	reply := icmp.Message{
		Type: ipv6.ICMPTypeEchoReply,
		Body: echo,
	}
	b, err := reply.Marshal(nil)
	if err != nil {
		e.log.Error("marshal echo reply", zap.Error(err))
		return
	}
	e.deliver(ifc, NewPacket(b), src, nil)
	e.metrics.Tx("echo_reply")
}
