package ndp_test

import (
	"testing"

	mdndp "github.com/mdlayher/ndp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/ndpd/pkg/ndp"
)

func TestDADProbeSentToSolicitedNodeGroup(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.addrs.Add(1, ourLinkLoc, ndp.AddressTentative)

	e.eng.PerformDad(ourLinkLoc, e.ifc)
	e.clock.Advance(0)

	probes := sentOfType(e.ifc.LinkLayer, typeNeighborSolicitation)
	require.Len(t, probes, 1)

	snm, err := mdndp.SolicitedNodeMulticast(ourLinkLoc)
	require.NoError(t, err)
	assert.Equal(t, snm, probes[0].Dst)

	ns := parseNDP(t, probes[0]).(*mdndp.NeighborSolicitation)
	assert.Equal(t, ourLinkLoc, ns.TargetAddress)
	assert.Empty(t, ns.Options, "DAD probes carry no source link-layer option")
}

func TestDADSuccessPromotesAndStartsRouterDiscovery(t *testing.T) {
	cfg := ndp.DefaultConfig()
	e := newEnv(t, cfg)
	e.addrs.Add(1, ourLinkLoc, ndp.AddressTentative)

	e.eng.PerformDad(ourLinkLoc, e.ifc)
	e.clock.Advance(cfg.DADTimeout)

	state, ok := e.addrs.State(1, ourLinkLoc)
	require.True(t, ok)
	assert.Equal(t, ndp.AddressPreferred, state)

	// A promoted link-local address on a host triggers router discovery.
	sols := sentOfType(e.ifc.LinkLayer, typeRouterSolicitation)
	require.Len(t, sols, 1)
	assert.Equal(t, allRouters, sols[0].Dst)

	rs := parseNDP(t, sols[0]).(*mdndp.RouterSolicitation)
	require.Len(t, rs.Options, 1)
	lla, ok := rs.Options[0].(*mdndp.LinkLayerAddress)
	require.True(t, ok)
	assert.Equal(t, mdndp.Source, lla.Direction)
	assert.Equal(t, ourMAC, lla.Addr)
}

func TestDADSuccessOnRouterSkipsRouterDiscovery(t *testing.T) {
	cfg := ndp.DefaultConfig()
	e := newEnv(t, cfg)
	e.ifc.Forwards = true
	e.addrs.Add(1, ourLinkLoc, ndp.AddressTentative)

	e.eng.PerformDad(ourLinkLoc, e.ifc)
	e.clock.Advance(cfg.DADTimeout)

	state, _ := e.addrs.State(1, ourLinkLoc)
	assert.Equal(t, ndp.AddressPreferred, state)
	assert.Empty(t, sentOfType(e.ifc.LinkLayer, typeRouterSolicitation))
}

func TestDADSuccessOnGlobalAddressSkipsRouterDiscovery(t *testing.T) {
	cfg := ndp.DefaultConfig()
	e := newEnv(t, cfg)
	e.addrs.Add(1, globalAddr, ndp.AddressTentative)

	e.eng.PerformDad(globalAddr, e.ifc)
	e.clock.Advance(cfg.DADTimeout)

	state, _ := e.addrs.State(1, globalAddr)
	assert.Equal(t, ndp.AddressPreferred, state)
	assert.Empty(t, sentOfType(e.ifc.LinkLayer, typeRouterSolicitation))
}

func TestDADConflictBeforeTimeoutInvalidates(t *testing.T) {
	cfg := ndp.DefaultConfig()
	e := newEnv(t, cfg)
	e.addrs.Add(1, ourLinkLoc, ndp.AddressTentative)

	e.eng.PerformDad(ourLinkLoc, e.ifc)
	e.clock.Advance(0)

	// Another node advertises the address before the window closes.
	e.receive(naBytes(t, ourLinkLoc, peerMAC, false, true, false), peerAddr, allNodes)

	state, _ := e.addrs.State(1, ourLinkLoc)
	assert.Equal(t, ndp.AddressInvalid, state)

	// The timeout must not resurrect the address or start soliciting.
	e.clock.Advance(cfg.DADTimeout)
	state, _ = e.addrs.State(1, ourLinkLoc)
	assert.Equal(t, ndp.AddressInvalid, state)
	assert.Empty(t, sentOfType(e.ifc.LinkLayer, typeRouterSolicitation))
}

func TestDADOwnProbeLoopbackIgnored(t *testing.T) {
	cfg := ndp.DefaultConfig()
	e := newEnv(t, cfg)
	e.addrs.Add(1, ourLinkLoc, ndp.AddressTentative)

	e.eng.PerformDad(ourLinkLoc, e.ifc)
	e.clock.Advance(0)

	probes := sentOfType(e.ifc.LinkLayer, typeNeighborSolicitation)
	require.Len(t, probes, 1)

	// Shared media hands our own probe back to us; the UID identifies it.
	res := e.eng.ReceivePacket(probes[0].Pkt, unspecified, probes[0].Dst, e.ifc)
	require.Equal(t, ndp.RxOK, res)

	state, _ := e.addrs.State(1, ourLinkLoc)
	assert.Equal(t, ndp.AddressTentative, state, "own probe is not a conflict")

	e.clock.Advance(cfg.DADTimeout)
	state, _ = e.addrs.State(1, ourLinkLoc)
	assert.Equal(t, ndp.AddressPreferred, state)
}

func TestDADDisabledIsNoop(t *testing.T) {
	cfg := ndp.DefaultConfig()
	cfg.DADEnabled = false
	e := newEnv(t, cfg)
	e.addrs.Add(1, ourLinkLoc, ndp.AddressTentative)

	e.eng.PerformDad(ourLinkLoc, e.ifc)

	assert.Equal(t, 0, e.clock.Pending())
	assert.Empty(t, e.ifc.LinkLayer.Sent())
}

func TestDADRequiresTentativeAddress(t *testing.T) {
	e := newEnv(t, ndp.DefaultConfig())
	e.addrs.Add(1, ourLinkLoc, ndp.AddressPreferred)

	e.eng.PerformDad(ourLinkLoc, e.ifc)

	assert.Equal(t, 0, e.clock.Pending())
	assert.Empty(t, e.ifc.LinkLayer.Sent())
}
