// Package ndptest provides fakes for the NDP engine's collaborators:
// a recording link layer, an in-memory address table, a recording
// upper-layer protocol registry and a fixed-sequence jitter source.
package ndptest

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codelaboratoryltd/ndpd/pkg/ndp"
)

// Sent is one packet handed to the fake link layer.
type Sent struct {
	Pkt *ndp.Packet
	Dst netip.Addr
	MAC net.HardwareAddr
}

// Link is a recording ndp.LinkLayer.
type Link struct {
	mu   sync.Mutex
	addr net.HardwareAddr
	mtu  uint32
	sent []Sent
}

// NewLink creates a fake link with the given MAC.
func NewLink(mac net.HardwareAddr) *Link {
	return &Link{addr: mac, mtu: 1500}
}

func (l *Link) Send(pkt *ndp.Packet, dst netip.Addr, mac net.HardwareAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, Sent{Pkt: pkt, Dst: dst, MAC: mac})
}

func (l *Link) Address() net.HardwareAddr { return l.addr }

// Multicast maps an IPv6 multicast address to its 33:33 group MAC.
func (l *Link) Multicast(ip netip.Addr) net.HardwareAddr {
	b := ip.As16()
	return net.HardwareAddr{0x33, 0x33, b[12], b[13], b[14], b[15]}
}

func (l *Link) SetMTU(mtu uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mtu = mtu
}

// MTU reports the last MTU set on the link.
func (l *Link) MTU() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

// Sent returns a snapshot of everything transmitted.
func (l *Link) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Sent, len(l.sent))
	copy(out, l.sent)
	return out
}

// Last returns the most recent transmission.
func (l *Link) Last() (Sent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sent) == 0 {
		return Sent{}, false
	}
	return l.sent[len(l.sent)-1], true
}

// Clear discards the transmission record.
func (l *Link) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = nil
}

// Interface is a fake ndp.Interface.
type Interface struct {
	Idx       int
	IfName    string
	Forwards  bool
	LinkLayer *Link
}

// NewInterface creates a fake interface with a fresh link.
func NewInterface(index int, name string, mac net.HardwareAddr) *Interface {
	return &Interface{Idx: index, IfName: name, LinkLayer: NewLink(mac)}
}

func (i *Interface) Index() int          { return i.Idx }
func (i *Interface) Name() string        { return i.IfName }
func (i *Interface) Forwarding() bool    { return i.Forwards }
func (i *Interface) Link() ndp.LinkLayer { return i.LinkLayer }

// AutoconfAddr records one AddAutoconfiguredAddress call.
type AutoconfAddr struct {
	Prefix            netip.Prefix
	ValidLifetime     time.Duration
	PreferredLifetime time.Duration
	Router            netip.Addr
}

// AddressTable is an in-memory ndp.AddressTable.
type AddressTable struct {
	mu       sync.Mutex
	byIf     map[int][]ndp.AddressRecord
	Autoconf []AutoconfAddr
}

// NewAddressTable creates an empty table.
func NewAddressTable() *AddressTable {
	return &AddressTable{byIf: make(map[int][]ndp.AddressRecord)}
}

// Add registers addr on ifindex in the given state.
func (t *AddressTable) Add(ifindex int, addr netip.Addr, state ndp.AddressState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byIf[ifindex] = append(t.byIf[ifindex], ndp.AddressRecord{Addr: addr, State: state})
}

func (t *AddressTable) Addresses(ifindex int) []ndp.AddressRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ndp.AddressRecord, len(t.byIf[ifindex]))
	copy(out, t.byIf[ifindex])
	return out
}

func (t *AddressTable) SetAddressState(ifindex int, addr netip.Addr, state ndp.AddressState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, rec := range t.byIf[ifindex] {
		if rec.Addr == addr {
			t.byIf[ifindex][i].State = state
		}
	}
}

func (t *AddressTable) SetDADProbeUID(ifindex int, addr netip.Addr, uid uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, rec := range t.byIf[ifindex] {
		if rec.Addr == addr {
			t.byIf[ifindex][i].DADProbeUID = uid
		}
	}
}

func (t *AddressTable) AddAutoconfiguredAddress(ifindex int, prefix netip.Prefix, valid, preferred time.Duration, router netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Autoconf = append(t.Autoconf, AutoconfAddr{
		Prefix:            prefix,
		ValidLifetime:     valid,
		PreferredLifetime: preferred,
		Router:            router,
	})
}

func (t *AddressTable) MatchingSourceAddress(ifindex int, dst netip.Addr) (netip.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.byIf[ifindex] {
		if rec.State == ndp.AddressPreferred {
			return rec.Addr, true
		}
	}
	return netip.Addr{}, false
}

// State reports the current state of addr on ifindex.
func (t *AddressTable) State(ifindex int, addr netip.Addr) (ndp.AddressState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.byIf[ifindex] {
		if rec.Addr == addr {
			return rec.State, true
		}
	}
	return 0, false
}

// ICMPError records one forwarded ICMP error.
type ICMPError struct {
	Src      netip.Addr
	Type     uint8
	Code     uint8
	Info     uint32
	IPHeader []byte
	Payload  []byte
}

// Protocol is a recording ndp.UpperProtocol.
type Protocol struct {
	mu     sync.Mutex
	Errors []ICMPError
}

func (p *Protocol) ReceiveICMPError(src netip.Addr, icmpType, icmpCode uint8, info uint32, ipHeader, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Errors = append(p.Errors, ICMPError{
		Src:      src,
		Type:     icmpType,
		Code:     icmpCode,
		Info:     info,
		IPHeader: append([]byte(nil), ipHeader...),
		Payload:  append([]byte(nil), payload...),
	})
}

// Received returns a snapshot of forwarded errors.
func (p *Protocol) Received() []ICMPError {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ICMPError, len(p.Errors))
	copy(out, p.Errors)
	return out
}

// Registry is a fixed ndp.ProtocolRegistry.
type Registry struct {
	Protocols map[uint8]ndp.UpperProtocol
}

func (r *Registry) Protocol(nextHeader uint8) (ndp.UpperProtocol, bool) {
	p, ok := r.Protocols[nextHeader]
	return p, ok
}

// Rand replays a fixed sequence of values, cycling when exhausted. An
// empty sequence yields zero (no jitter), which keeps test timings exact.
type Rand struct {
	mu     sync.Mutex
	Values []float64
	i      int
}

func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Values) == 0 {
		return 0
	}
	v := r.Values[r.i%len(r.Values)]
	r.i++
	return v
}
