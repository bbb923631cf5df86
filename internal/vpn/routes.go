package vpn

import (
	"fmt"
	"net/netip"
)

// Route is a routing table entry added for the tunnel.
type Route struct {
	Destination netip.Prefix
	Gateway     netip.Addr // zero for on-link routes
	LinkIndex   int
}

func (r Route) String() string {
	if r.Gateway.IsValid() {
		return fmt.Sprintf("%s via %s dev #%d", r.Destination, r.Gateway, r.LinkIndex)
	}
	return fmt.Sprintf("%s dev #%d", r.Destination, r.LinkIndex)
}

// splitDefault replaces the default route with two halves that win over the
// existing default route without replacing it.
var splitDefault = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/1"),
	netip.MustParsePrefix("128.0.0.0/1"),
}

// netOps is the operating system surface used to apply network settings.
type netOps interface {
	// CreateTUN creates the virtual interface.
	CreateTUN(name string, mtu int) (TUNDevice, error)
	// ConfigureLink assigns addr and mtu to the named link, brings it up and
	// returns its index.
	ConfigureLink(name string, addr netip.Prefix, peer netip.Addr, mtu int) (int, error)
	// RouteGet returns the gateway and link the kernel currently uses for dst.
	RouteGet(dst netip.Addr) (gateway netip.Addr, linkIndex int, err error)
	RouteAdd(r Route) error
	RouteDel(r Route) error
	// SetDNS points the named link at servers for the given match domains.
	SetDNS(name string, servers, domains []string) error
	// RevertDNS restores the resolver configuration saved by SetDNS.
	RevertDNS(name string) error
}
