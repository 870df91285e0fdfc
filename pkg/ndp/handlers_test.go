package ndp_test

import (
	"net"
	"net/netip"
	"testing"
	"time"

	mdndp "github.com/mdlayher/ndp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/ndpd/pkg/ndp"
	"github.com/codelaboratoryltd/ndpd/pkg/routing"
)

func marshalRS(t *testing.T, srcLLA net.HardwareAddr) []byte {
	t.Helper()
	rs := &mdndp.RouterSolicitation{}
	if srcLLA != nil {
		rs.Options = append(rs.Options, &mdndp.LinkLayerAddress{
			Direction: mdndp.Source,
			Addr:      srcLLA,
		})
	}
	return marshal(t, rs)
}

type raOpts struct {
	sourceMAC net.HardwareAddr
	mtu       uint32
	prefixes  []*mdndp.PrefixInformation
}

func raBytes(t *testing.T, o raOpts) []byte {
	t.Helper()
	ra := &mdndp.RouterAdvertisement{
		CurrentHopLimit: 64,
		RouterLifetime:  30 * time.Minute,
	}
	if o.sourceMAC != nil {
		ra.Options = append(ra.Options, &mdndp.LinkLayerAddress{
			Direction: mdndp.Source,
			Addr:      o.sourceMAC,
		})
	}
	if o.mtu > 0 {
		ra.Options = append(ra.Options, mdndp.NewMTU(o.mtu))
	}
	for _, p := range o.prefixes {
		ra.Options = append(ra.Options, p)
	}
	return marshal(t, ra)
}

func TestRouterAdvertisementLearnsRouter(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())

	e.receive(raBytes(t, raOpts{sourceMAC: peerMAC, mtu: 1400}), routerAddr, allNodes)

	n, ok := e.eng.Cache(e.ifc).Lookup(routerAddr)
	require.True(t, ok)
	assert.Equal(t, ndp.Reachable, n.State)
	assert.True(t, n.IsRouter)
	assert.Equal(t, peerMAC, n.MAC)
	assert.Equal(t, uint32(1400), e.ifc.LinkLayer.MTU())
}

func TestRouterAdvertisementOnLinkPrefixInstallsRoute(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())

	e.receive(raBytes(t, raOpts{prefixes: []*mdndp.PrefixInformation{{
		PrefixLength:  64,
		OnLink:        true,
		ValidLifetime: time.Hour,
		Prefix:        netip.MustParseAddr("2001:db8::"),
	}}}), routerAddr, allNodes)

	routes := e.routes.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, netip.MustParsePrefix("2001:db8::/64"), routes[0].Dst)
	assert.True(t, routes[0].NextHop.IsUnspecified(), "on-link routes have no next hop")
	assert.Equal(t, 1, routes[0].IfIndex)
}

func TestRouterAdvertisementAutonomousPrefixAutoconfigures(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())

	e.receive(raBytes(t, raOpts{prefixes: []*mdndp.PrefixInformation{{
		PrefixLength:                   64,
		AutonomousAddressConfiguration: true,
		ValidLifetime:                  2 * time.Hour,
		PreferredLifetime:              time.Hour,
		Prefix:                         netip.MustParseAddr("2001:db8:1::"),
	}}}), routerAddr, allNodes)

	require.Len(t, e.addrs.Autoconf, 1)
	got := e.addrs.Autoconf[0]
	assert.Equal(t, netip.MustParsePrefix("2001:db8:1::/64"), got.Prefix)
	assert.Equal(t, 2*time.Hour, got.ValidLifetime)
	assert.Equal(t, time.Hour, got.PreferredLifetime)
	assert.Equal(t, routerAddr, got.Router)
}

func TestRouterAdvertisementIgnoresUnusablePrefixes(t *testing.T) {
	tests := []struct {
		name   string
		prefix *mdndp.PrefixInformation
	}{
		{
			name: "link-local prefix",
			prefix: &mdndp.PrefixInformation{
				PrefixLength:                   64,
				OnLink:                         true,
				AutonomousAddressConfiguration: true,
				ValidLifetime:                  time.Hour,
				Prefix:                         netip.MustParseAddr("fe80::"),
			},
		},
		{
			name: "zero valid lifetime",
			prefix: &mdndp.PrefixInformation{
				PrefixLength:                   64,
				OnLink:                         true,
				AutonomousAddressConfiguration: true,
				ValidLifetime:                  0,
				Prefix:                         netip.MustParseAddr("2001:db8::"),
			},
		},
		{
			name: "non-64 autonomous prefix",
			prefix: &mdndp.PrefixInformation{
				PrefixLength:                   48,
				AutonomousAddressConfiguration: true,
				ValidLifetime:                  time.Hour,
				Prefix:                         netip.MustParseAddr("2001:db8::"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, ndp.DefaultConfig())
			e.receive(raBytes(t, raOpts{prefixes: []*mdndp.PrefixInformation{tt.prefix}}), routerAddr, allNodes)
			assert.Empty(t, e.addrs.Autoconf)
			if tt.name != "non-64 autonomous prefix" {
				assert.Empty(t, e.routes.Routes())
			}
		})
	}
}

func TestRouterSolicitationAnsweredOnAdvertisingRouter(t *testing.T) {
	cfg := ndp.DefaultConfig()
	cfg.Advertise = ndp.AdvertiseConfig{
		RouterLifetime: 30 * time.Minute,
		MTU:            1500,
		Prefixes: []ndp.PrefixConfig{{
			Prefix:            netip.MustParsePrefix("2001:db8::/64"),
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     2 * time.Hour,
			PreferredLifetime: time.Hour,
		}},
	}
	e := newEnv(t, cfg)
	e.ifc.Forwards = true

	e.receive(marshalRS(t, peerMAC), peerAddr, allRouters)
	e.clock.Advance(0)

	ras := sentOfType(e.ifc.LinkLayer, typeRouterAdvertisement)
	require.Len(t, ras, 1)
	assert.Equal(t, peerAddr, ras[0].Dst, "solicitor with SLLAO gets a unicast RA")
	assert.Equal(t, peerMAC, ras[0].MAC)

	ra, ok := parseNDP(t, ras[0]).(*mdndp.RouterAdvertisement)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, ra.RouterLifetime)

	var sawMTU, sawPrefix bool
	for _, opt := range ra.Options {
		switch o := opt.(type) {
		case *mdndp.MTU:
			sawMTU = true
			assert.Equal(t, uint32(1500), o.MTU)
		case *mdndp.PrefixInformation:
			sawPrefix = true
			assert.Equal(t, netip.MustParseAddr("2001:db8::"), o.Prefix)
			assert.True(t, o.OnLink)
			assert.True(t, o.AutonomousAddressConfiguration)
		}
	}
	assert.True(t, sawMTU)
	assert.True(t, sawPrefix)

	// The solicitor's SLLAO landed in the cache.
	n, ok := e.eng.Cache(e.ifc).Lookup(peerAddr)
	require.True(t, ok)
	assert.Equal(t, ndp.Stale, n.State)
}

func TestRouterSolicitationFromUnspecifiedAnsweredMulticast(t *testing.T) {
	cfg := ndp.DefaultConfig()
	cfg.Advertise.RouterLifetime = 30 * time.Minute
	e := newEnv(t, cfg)
	e.ifc.Forwards = true

	e.receive(marshalRS(t, nil), unspecified, allRouters)
	e.clock.Advance(0)

	ras := sentOfType(e.ifc.LinkLayer, typeRouterAdvertisement)
	require.Len(t, ras, 1)
	assert.Equal(t, allNodes, ras[0].Dst)
}

func TestRouterSolicitationFromUnspecifiedWithSLLAODropped(t *testing.T) {
	cfg := ndp.DefaultConfig()
	cfg.Advertise.RouterLifetime = 30 * time.Minute
	e := newEnv(t, cfg)
	e.ifc.Forwards = true

	e.receive(marshalRS(t, peerMAC), unspecified, allRouters)
	e.clock.Advance(0)

	assert.Empty(t, sentOfType(e.ifc.LinkLayer, typeRouterAdvertisement))
}

func TestNeighborSolicitationAnswered(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.addrs.Add(1, globalAddr, ndp.AddressPreferred)

	e.receive(nsBytes(t, globalAddr, peerMAC), peerAddr, globalAddr)

	nas := sentOfType(e.ifc.LinkLayer, typeNeighborAdvert)
	require.Len(t, nas, 1)
	assert.Equal(t, peerAddr, nas[0].Dst)
	assert.Equal(t, peerMAC, nas[0].MAC)

	na, ok := parseNDP(t, nas[0]).(*mdndp.NeighborAdvertisement)
	require.True(t, ok)
	assert.Equal(t, globalAddr, na.TargetAddress)
	assert.True(t, na.Solicited)
	assert.True(t, na.Override)
	assert.False(t, na.Router)

	// The solicitor's SLLAO was cached on the way through.
	n, ok := e.eng.Cache(e.ifc).Lookup(peerAddr)
	require.True(t, ok)
	assert.Equal(t, ndp.Stale, n.State)
	assert.Equal(t, peerMAC, n.MAC)
}

func TestNeighborSolicitationRouterFlagTracksForwarding(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.ifc.Forwards = true
	e.addrs.Add(1, globalAddr, ndp.AddressPreferred)

	e.receive(nsBytes(t, globalAddr, peerMAC), peerAddr, globalAddr)

	nas := sentOfType(e.ifc.LinkLayer, typeNeighborAdvert)
	require.Len(t, nas, 1)
	na := parseNDP(t, nas[0]).(*mdndp.NeighborAdvertisement)
	assert.True(t, na.Router)
}

func TestNeighborSolicitationNotAnswered(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *env)
		ns    func(t *testing.T) []byte
		src   netip.Addr
	}{
		{
			name:  "unknown target",
			setup: func(e *env) {},
			ns:    func(t *testing.T) []byte { return nsBytes(t, globalAddr, peerMAC) },
			src:   peerAddr,
		},
		{
			name:  "tentative target",
			setup: func(e *env) { e.addrs.Add(1, globalAddr, ndp.AddressTentative) },
			ns:    func(t *testing.T) []byte { return nsBytes(t, globalAddr, peerMAC) },
			src:   peerAddr,
		},
		{
			name:  "invalid target",
			setup: func(e *env) { e.addrs.Add(1, globalAddr, ndp.AddressInvalid) },
			ns:    func(t *testing.T) []byte { return nsBytes(t, globalAddr, peerMAC) },
			src:   peerAddr,
		},
		{
			name:  "multicast target",
			setup: func(e *env) { e.addrs.Add(1, globalAddr, ndp.AddressPreferred) },
			ns:    func(t *testing.T) []byte { return nsBytes(t, allNodes, peerMAC) },
			src:   peerAddr,
		},
		{
			name:  "no SLLAO and no cache entry",
			setup: func(e *env) { e.addrs.Add(1, globalAddr, ndp.AddressPreferred) },
			ns:    func(t *testing.T) []byte { return nsBytes(t, globalAddr, nil) },
			src:   peerAddr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, ndp.DefaultConfig())
			tt.setup(e)
			e.receive(tt.ns(t), tt.src, globalAddr)
			assert.Empty(t, sentOfType(e.ifc.LinkLayer, typeNeighborAdvert))
		})
	}
}

func TestNeighborSolicitationWithoutSLLAOUsesCachedMAC(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.addrs.Add(1, globalAddr, ndp.AddressPreferred)
	e.eng.Cache(e.ifc).AddStatic(peerAddr, peerMAC, false)

	e.receive(nsBytes(t, globalAddr, nil), peerAddr, globalAddr)

	nas := sentOfType(e.ifc.LinkLayer, typeNeighborAdvert)
	require.Len(t, nas, 1)
	assert.Equal(t, peerMAC, nas[0].MAC)
}

func TestDADProbeForTentativeAddressDetectsConflict(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.addrs.Add(1, globalAddr, ndp.AddressTentative)

	// A different node probing the same address means a duplicate.
	e.receive(nsBytes(t, globalAddr, nil), unspecified, allNodes)

	state, ok := e.addrs.State(1, globalAddr)
	require.True(t, ok)
	assert.Equal(t, ndp.AddressInvalid, state)
}

func TestDADProbeWithSLLAODropped(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.addrs.Add(1, globalAddr, ndp.AddressTentative)

	e.receive(nsBytes(t, globalAddr, peerMAC), unspecified, allNodes)

	state, _ := e.addrs.State(1, globalAddr)
	assert.Equal(t, ndp.AddressTentative, state)
}

func TestDADProbeForPreferredAddressDefended(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.addrs.Add(1, globalAddr, ndp.AddressPreferred)

	e.receive(nsBytes(t, globalAddr, nil), unspecified, allNodes)

	nas := sentOfType(e.ifc.LinkLayer, typeNeighborAdvert)
	require.Len(t, nas, 1)
	assert.Equal(t, allNodes, nas[0].Dst, "defense goes to all nodes")

	na := parseNDP(t, nas[0]).(*mdndp.NeighborAdvertisement)
	assert.False(t, na.Solicited)
	assert.True(t, na.Override)
	assert.Equal(t, globalAddr, na.TargetAddress)

	state, _ := e.addrs.State(1, globalAddr)
	assert.Equal(t, ndp.AddressPreferred, state, "a defended address stays ours")
}

func TestNeighborAdvertisementForTentativeAddressConflict(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.addrs.Add(1, globalAddr, ndp.AddressTentative)

	e.receive(naBytes(t, globalAddr, peerMAC, false, true, false), peerAddr, allNodes)

	state, _ := e.addrs.State(1, globalAddr)
	assert.Equal(t, ndp.AddressInvalid, state)
}

func TestNeighborAdvertisementPrefersCacheOverConflictCheck(t *testing.T) {
	// When a cache entry exists for the target the NA is a neighbor
	// confirmation, not a DAD signal, even if an address record matches.
	e := newEnv(t, ndp.DefaultConfig())
	e.addrs.Add(1, globalAddr, ndp.AddressTentative)
	e.eng.Cache(e.ifc).AddStatic(globalAddr, peerMAC, false)

	e.receive(naBytes(t, globalAddr, peerMAC, true, true, false), peerAddr, allNodes)

	state, _ := e.addrs.State(1, globalAddr)
	assert.Equal(t, ndp.AddressTentative, state)
}

// redirectBytes builds a raw Redirect: the typed codec does not model
// the message, so tests assemble it byte for byte.
func redirectBytes(target, dest netip.Addr, tllao net.HardwareAddr) []byte {
	b := make([]byte, 40)
	b[0] = 137
	t16 := target.As16()
	d16 := dest.As16()
	copy(b[8:24], t16[:])
	copy(b[24:40], d16[:])
	if tllao != nil {
		opt := make([]byte, 8)
		opt[0] = 2
		opt[1] = 1
		copy(opt[2:], tllao)
		b = append(b, opt...)
	}
	return b
}

func TestRedirectInstallsHostRoute(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	dest := netip.MustParseAddr("2001:db8::99")
	target := routerAddr

	e.receive(redirectBytes(target, dest, altMAC), routerAddr, ourLinkLoc)

	routes := e.routes.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, netip.PrefixFrom(dest, 128), routes[0].Dst)
	assert.Equal(t, target, routes[0].NextHop)

	// target != destination: the new first hop is a router.
	n, ok := e.eng.Cache(e.ifc).Lookup(target)
	require.True(t, ok)
	assert.True(t, n.IsRouter)
	assert.Equal(t, altMAC, n.MAC)
}

func TestRedirectToOnLinkDestination(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	dest := netip.MustParseAddr("2001:db8::99")

	// target == destination: the destination itself is on-link.
	e.receive(redirectBytes(dest, dest, altMAC), routerAddr, ourLinkLoc)

	n, ok := e.eng.Cache(e.ifc).Lookup(dest)
	require.True(t, ok)
	assert.False(t, n.IsRouter)
}

func TestRedirectWithMulticastDestinationDropped(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.receive(redirectBytes(routerAddr, allNodes, altMAC), routerAddr, ourLinkLoc)
	assert.Empty(t, e.routes.Routes())
}

func TestRedirectRouteReplacesPrevious(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	dest := netip.MustParseAddr("2001:db8::99")
	other := netip.MustParseAddr("fe80::e")

	e.receive(redirectBytes(routerAddr, dest, nil), routerAddr, ourLinkLoc)
	e.receive(redirectBytes(other, dest, nil), routerAddr, ourLinkLoc)

	routes := e.routes.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, routing.Route{
		Dst:     netip.PrefixFrom(dest, 128),
		NextHop: other,
		IfIndex: 1,
	}, routes[0])
}
