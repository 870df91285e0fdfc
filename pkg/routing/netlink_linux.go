//go:build linux

package routing

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/vishvananda/netlink"
)

// Netlink installs routes into the kernel routing table.
type Netlink struct {
	handle *netlink.Handle
}

// NewPlatformTable creates the kernel-backed route table.
func NewPlatformTable() (*Netlink, error) {
	handle, err := netlink.NewHandle(syscall.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("create netlink handle: %w", err)
	}
	return &Netlink{handle: handle}, nil
}

// Close releases the netlink handle.
func (n *Netlink) Close() {
	if n.handle != nil {
		n.handle.Close()
	}
}

// NotifyAddRoute installs (or replaces) the route in the main table. An
// unspecified next hop installs an on-link prefix route.
func (n *Netlink) NotifyAddRoute(dst netip.Prefix, nextHop netip.Addr, ifindex int) error {
	route := &netlink.Route{
		Dst: &net.IPNet{
			IP:   net.IP(dst.Addr().AsSlice()),
			Mask: net.CIDRMask(dst.Bits(), 128),
		},
		LinkIndex: ifindex,
	}
	if !nextHop.IsUnspecified() {
		route.Gw = net.IP(nextHop.AsSlice())
	}
	if err := n.handle.RouteReplace(route); err != nil {
		return fmt.Errorf("install route %v: %w", dst, err)
	}
	return nil
}
