// Package ndp implements the IPv6 Neighbor Discovery engine: neighbor
// resolution and unreachability detection (RFC 4861 sections 7.2 and 7.3),
// duplicate address detection (RFC 4862 section 5.4), router discovery
// with bounded solicitation retransmission, and dispatch of the remaining
// ICMPv6 message types.
//
// The engine is transport-agnostic: link-layer transmission, address
// management, routing and upper-layer protocols are collaborator
// interfaces injected at construction. All timing goes through a
// sched.Scheduler so the whole engine can be driven deterministically
// in tests.
package ndp

import (
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Packet is an outbound payload awaiting link-layer transmission. The UID
// identifies the packet across loopback: a DAD probe that arrives back on
// the interface that sent it is recognized by UID and ignored.
type Packet struct {
	UID  uuid.UUID
	Data []byte
}

// NewPacket wraps a payload with a fresh UID.
func NewPacket(data []byte) *Packet {
	return &Packet{UID: uuid.New(), Data: data}
}

// LinkLayer abstracts the device under an interface.
//
// Send carries the IPv6 destination alongside the resolved MAC because
// the production transport is an ICMPv6 socket where the kernel does the
// framing; simulated links use the MAC directly.
type LinkLayer interface {
	Send(pkt *Packet, dst netip.Addr, mac net.HardwareAddr)
	Address() net.HardwareAddr
	Multicast(ip netip.Addr) net.HardwareAddr
	SetMTU(mtu uint32)
}

// Interface is one attachment point the engine operates on.
type Interface interface {
	Index() int
	Name() string
	Forwarding() bool
	Link() LinkLayer
}

// AddressState is the DAD lifecycle state of a local address.
type AddressState uint8

const (
	AddressTentative AddressState = iota
	AddressTentativeOptimistic
	AddressPreferred
	AddressInvalid
)

func (s AddressState) String() string {
	switch s {
	case AddressTentative:
		return "tentative"
	case AddressTentativeOptimistic:
		return "tentative-optimistic"
	case AddressPreferred:
		return "preferred"
	case AddressInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// AddressRecord is one local address as seen by the engine.
type AddressRecord struct {
	Addr        netip.Addr
	State       AddressState
	DADProbeUID uuid.UUID // uuid.Nil when no probe is outstanding
}

// AddressTable is the address/interface layer the engine reads local
// addresses from and reports DAD outcomes to.
type AddressTable interface {
	Addresses(ifindex int) []AddressRecord
	SetAddressState(ifindex int, addr netip.Addr, state AddressState)
	SetDADProbeUID(ifindex int, addr netip.Addr, uid uuid.UUID)
	AddAutoconfiguredAddress(ifindex int, prefix netip.Prefix, validLifetime, preferredLifetime time.Duration, router netip.Addr)
	MatchingSourceAddress(ifindex int, dst netip.Addr) (netip.Addr, bool)
}

// RouteTable receives route updates from Router Advertisement prefix
// options and Redirect messages. An unspecified next hop means on-link.
type RouteTable interface {
	NotifyAddRoute(dst netip.Prefix, nextHop netip.Addr, ifindex int) error
}

// UpperProtocol receives ICMPv6 error messages addressed to traffic it
// originated.
type UpperProtocol interface {
	ReceiveICMPError(src netip.Addr, icmpType, icmpCode uint8, info uint32, ipHeader, payload []byte)
}

// ProtocolRegistry maps IPv6 next-header values to upper-layer protocols.
type ProtocolRegistry interface {
	Protocol(nextHeader uint8) (UpperProtocol, bool)
}

// Rand is the jitter source. Injected so tests can pin the sequence.
type Rand interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
}

// RxResult is the dispatcher's verdict on an inbound message.
type RxResult int

const (
	// RxOK means the engine took ownership of the message, including the
	// cases where it was silently dropped.
	RxOK RxResult = iota
	// RxEndpointUnreach rejects delivery outright. ICMPv6 never rides
	// over IPv4.
	RxEndpointUnreach
)

func (r RxResult) String() string {
	switch r {
	case RxOK:
		return "RX_OK"
	case RxEndpointUnreach:
		return "RX_ENDPOINT_UNREACH"
	default:
		return "unknown"
	}
}
