package routing

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordsRoutes(t *testing.T) {
	m := NewMemory()

	dst := netip.MustParsePrefix("2001:db8::/64")
	require.NoError(t, m.NotifyAddRoute(dst, netip.IPv6Unspecified(), 1))

	routes := m.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, dst, routes[0].Dst)
	assert.True(t, routes[0].NextHop.IsUnspecified())
	assert.Equal(t, 1, routes[0].IfIndex)
}

func TestMemoryReplacesSameDestination(t *testing.T) {
	m := NewMemory()
	dst := netip.MustParsePrefix("2001:db8::42/128")
	via1 := netip.MustParseAddr("fe80::1")
	via2 := netip.MustParseAddr("fe80::2")

	require.NoError(t, m.NotifyAddRoute(dst, via1, 1))
	require.NoError(t, m.NotifyAddRoute(dst, via2, 1))

	routes := m.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, via2, routes[0].NextHop)
}

func TestMemoryKeepsDistinctInterfaces(t *testing.T) {
	m := NewMemory()
	dst := netip.MustParsePrefix("2001:db8::/64")

	require.NoError(t, m.NotifyAddRoute(dst, netip.IPv6Unspecified(), 1))
	require.NoError(t, m.NotifyAddRoute(dst, netip.IPv6Unspecified(), 2))

	assert.Len(t, m.Routes(), 2)
}
