package ndp

import (
	"net/netip"

	"github.com/google/uuid"
	mdndp "github.com/mdlayher/ndp"
	"go.uber.org/zap"
)

// PerformDad starts duplicate address detection for a tentative address:
// a Neighbor Solicitation from the unspecified source to the target's
// solicited-node multicast group, with no source link-layer option. The
// probe's UID is recorded so a looped-back copy is recognized as our own.
// Transmission is delayed by a uniform jitter to avoid synchronized
// bursts from nodes booting together. No-op when DAD is disabled.
func (e *Engine) PerformDad(target netip.Addr, ifc Interface) {
	if !e.cfg.DADEnabled {
		return
	}
	rec, ok := e.addressRecord(ifc, target)
	if !ok {
		e.log.Debug("DAD requested for unknown address", zap.Stringer("address", target))
		return
	}
	if rec.State != AddressTentative && rec.State != AddressTentativeOptimistic {
		e.log.Debug("DAD requested for non-tentative address",
			zap.Stringer("address", target),
			zap.Stringer("state", rec.State))
		return
	}

	msg := &mdndp.NeighborSolicitation{TargetAddress: target}
	b, err := mdndp.MarshalMessage(msg)
	if err != nil {
		e.log.Error("marshal DAD probe", zap.Error(err))
		return
	}
	dst, err := mdndp.SolicitedNodeMulticast(target)
	if err != nil {
		e.log.Error("solicited-node multicast derivation", zap.Error(err))
		return
	}

	pkt := NewPacket(b)
	e.addrs.SetDADProbeUID(ifc.Index(), target, pkt.UID)

	e.clock.Schedule(e.solicitationDelay(), func() {
		ifc.Link().Send(pkt, dst, ifc.Link().Multicast(dst))
		e.metrics.Tx("neighbor_solicitation")
	})
	e.clock.Schedule(e.cfg.DADTimeout, func() {
		e.dadTimeout(ifc, target)
	})

	e.log.Debug("DAD started",
		zap.Stringer("address", target),
		zap.String("interface", ifc.Name()))
}

// dadTimeout fires once the DAD window closes. If no conflicting reply
// invalidated the address, promote it to preferred; a promoted link-local
// address on a non-forwarding interface then kicks off router discovery.
func (e *Engine) dadTimeout(ifc Interface, target netip.Addr) {
	rec, ok := e.addressRecord(ifc, target)
	if !ok {
		return
	}
	if rec.State == AddressInvalid {
		// A conflicting advertisement won the race; the address stays
		// invalid.
		e.log.Info("DAD failed, address is a duplicate", zap.Stringer("address", target))
		e.metrics.DAD("duplicate")
		return
	}
	if rec.State != AddressTentative && rec.State != AddressTentativeOptimistic {
		return
	}

	e.addrs.SetAddressState(ifc.Index(), target, AddressPreferred)
	e.addrs.SetDADProbeUID(ifc.Index(), target, uuid.Nil)
	e.metrics.DAD("success")
	e.log.Info("DAD succeeded", zap.Stringer("address", target))

	if target.IsLinkLocalUnicast() && !ifc.Forwarding() {
		e.rsControl(ifc).reset()
		e.SendRouterSolicitation(target, allRoutersMulticast, ifc)
	}
}
