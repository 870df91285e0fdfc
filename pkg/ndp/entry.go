package ndp

import (
	"net"
	"net/netip"

	"github.com/codelaboratoryltd/ndpd/pkg/sched"
)

// NudState is the Neighbor Unreachability Detection state of a cache
// entry, per RFC 4861 section 7.3.2.
type NudState uint8

const (
	// Incomplete means address resolution is in progress; outbound
	// packets queue on the entry.
	Incomplete NudState = iota
	// Reachable means the neighbor was confirmed recently.
	Reachable
	// Stale means the link-layer address is known but unconfirmed.
	Stale
	// Delay waits for upper-layer traffic to confirm reachability before
	// probing.
	Delay
	// Probe actively unicast-solicits the neighbor.
	Probe
	// Permanent entries are administratively configured and never age out
	// through the reachable timer.
	Permanent
	// StaticAutogenerated entries were derived from local configuration
	// (for example a subscriber session) rather than operator input.
	// They share Permanent's aging semantics.
	StaticAutogenerated
)

func (s NudState) String() string {
	switch s {
	case Incomplete:
		return "INCOMPLETE"
	case Reachable:
		return "REACHABLE"
	case Stale:
		return "STALE"
	case Delay:
		return "DELAY"
	case Probe:
		return "PROBE"
	case Permanent:
		return "PERMANENT"
	case StaticAutogenerated:
		return "STATIC_AUTOGENERATED"
	default:
		return "UNKNOWN"
	}
}

// nudTimerKind tags the single NUD timer slot so a late callback can tell
// whether it still owns the slot.
type nudTimerKind uint8

const (
	timerNone nudTimerKind = iota
	timerRetransmit
	timerDelay
	timerProbe
)

type queuedPacket struct {
	pkt *Packet
	dst netip.Addr
}

// entry is one neighbor. The waiting queue is non-empty only in
// Incomplete or Probe; mac is nil only in Incomplete. At most one NUD
// timer (retransmit/delay/probe) is armed at a time; the reachable timer
// is an independent slot.
type entry struct {
	addr     netip.Addr
	state    NudState
	mac      net.HardwareAddr
	isRouter bool

	queue []queuedPacket

	// Source address chosen when resolution started, reused for probe
	// retransmissions.
	probeSrc netip.Addr

	reachableTimer sched.Handle
	nudTimer       sched.Handle
	nudTimerKind   nudTimerKind

	// Solicitations sent in the current Incomplete or Probe round.
	retries uint32
}

func (e *entry) macEqual(mac net.HardwareAddr) bool {
	if len(mac) != len(e.mac) {
		return false
	}
	for i := range mac {
		if mac[i] != e.mac[i] {
			return false
		}
	}
	return true
}

// Neighbor is a read-only snapshot of a cache entry.
type Neighbor struct {
	Addr     netip.Addr
	State    NudState
	MAC      net.HardwareAddr
	IsRouter bool
	Queued   int
}
