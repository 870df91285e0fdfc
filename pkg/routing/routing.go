// Package routing provides the route-update sink the NDP engine drives
// from Router Advertisement prefix options and Redirect messages.
package routing

import (
	"net/netip"
	"sync"
)

// Route is one installed route. An unspecified NextHop means on-link.
type Route struct {
	Dst     netip.Prefix
	NextHop netip.Addr
	IfIndex int
}

// Memory is an in-memory route table. It backs tests and non-Linux
// builds, and doubles as a recording sink.
type Memory struct {
	mu     sync.Mutex
	routes []Route
}

// NewMemory creates an empty in-memory table.
func NewMemory() *Memory {
	return &Memory{}
}

// NotifyAddRoute records the route, replacing an existing route for the
// same destination prefix.
func (m *Memory) NotifyAddRoute(dst netip.Prefix, nextHop netip.Addr, ifindex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.routes {
		if r.Dst == dst && r.IfIndex == ifindex {
			m.routes[i].NextHop = nextHop
			return nil
		}
	}
	m.routes = append(m.routes, Route{Dst: dst, NextHop: nextHop, IfIndex: ifindex})
	return nil
}

// Routes returns a snapshot of the table.
func (m *Memory) Routes() []Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Route, len(m.routes))
	copy(out, m.routes)
	return out
}
