package ndp_test

import (
	"net"
	"net/netip"
	"testing"

	mdndp "github.com/mdlayher/ndp"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/ndpd/pkg/ndp"
	"github.com/codelaboratoryltd/ndpd/pkg/ndp/ndptest"
	"github.com/codelaboratoryltd/ndpd/pkg/routing"
	"github.com/codelaboratoryltd/ndpd/pkg/sched"
)

var (
	ourMAC      = mustMAC("02:00:00:00:00:01")
	peerMAC     = mustMAC("02:00:00:00:00:02")
	altMAC      = mustMAC("02:00:00:00:00:03")
	ourLinkLoc  = netip.MustParseAddr("fe80::1")
	peerAddr    = netip.MustParseAddr("fe80::2")
	routerAddr  = netip.MustParseAddr("fe80::f")
	globalAddr  = netip.MustParseAddr("2001:db8::1")
	allNodes    = netip.MustParseAddr("ff02::1")
	allRouters  = netip.MustParseAddr("ff02::2")
	unspecified = netip.IPv6Unspecified()
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

// env wires an engine to fakes and a virtual clock. Jitter is pinned to
// zero so every timing assertion is exact.
type env struct {
	t      *testing.T
	clock  *sched.Virtual
	ifc    *ndptest.Interface
	addrs  *ndptest.AddressTable
	routes *routing.Memory
	reg    *ndptest.Registry
	eng    *ndp.Engine
}

func newEnv(t *testing.T, cfg ndp.Config) *env {
	t.Helper()
	e := &env{
		t:      t,
		clock:  sched.NewVirtual(),
		ifc:    ndptest.NewInterface(1, "eth0", ourMAC),
		addrs:  ndptest.NewAddressTable(),
		routes: routing.NewMemory(),
		reg:    &ndptest.Registry{Protocols: make(map[uint8]ndp.UpperProtocol)},
	}
	eng, err := ndp.NewEngine(cfg, ndp.Deps{
		Clock:  e.clock,
		Rand:   &ndptest.Rand{},
		Addrs:  e.addrs,
		Routes: e.routes,
		Upper:  e.reg,
	})
	require.NoError(t, err)
	e.eng = eng
	return e
}

// receive feeds payload through the dispatcher and requires RxOK.
func (e *env) receive(payload []byte, src, dst netip.Addr) {
	e.t.Helper()
	require.Equal(e.t, ndp.RxOK, e.eng.Receive(payload, src, dst, e.ifc))
}

func marshal(t *testing.T, msg mdndp.Message) []byte {
	t.Helper()
	b, err := mdndp.MarshalMessage(msg)
	require.NoError(t, err)
	return b
}

func naBytes(t *testing.T, target netip.Addr, mac net.HardwareAddr, solicited, override, router bool) []byte {
	t.Helper()
	na := &mdndp.NeighborAdvertisement{
		Router:        router,
		Solicited:     solicited,
		Override:      override,
		TargetAddress: target,
	}
	if mac != nil {
		na.Options = append(na.Options, &mdndp.LinkLayerAddress{
			Direction: mdndp.Target,
			Addr:      mac,
		})
	}
	return marshal(t, na)
}

func nsBytes(t *testing.T, target netip.Addr, srcLLA net.HardwareAddr) []byte {
	t.Helper()
	ns := &mdndp.NeighborSolicitation{TargetAddress: target}
	if srcLLA != nil {
		ns.Options = append(ns.Options, &mdndp.LinkLayerAddress{
			Direction: mdndp.Source,
			Addr:      srcLLA,
		})
	}
	return marshal(t, ns)
}

// parseNDP decodes a transmitted packet back into its typed message.
func parseNDP(t *testing.T, s ndptest.Sent) mdndp.Message {
	t.Helper()
	msg, err := mdndp.ParseMessage(s.Pkt.Data)
	require.NoError(t, err)
	return msg
}

// sentOfType filters the link's transmission record by ICMPv6 type byte.
func sentOfType(link *ndptest.Link, icmpType byte) []ndptest.Sent {
	var out []ndptest.Sent
	for _, s := range link.Sent() {
		if len(s.Pkt.Data) > 0 && s.Pkt.Data[0] == icmpType {
			out = append(out, s)
		}
	}
	return out
}

const (
	typeEchoRequest          = 128
	typeEchoReply            = 129
	typeRouterSolicitation   = 133
	typeRouterAdvertisement  = 134
	typeNeighborSolicitation = 135
	typeNeighborAdvert       = 136
)
