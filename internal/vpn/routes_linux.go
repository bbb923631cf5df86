//go:build linux

package vpn

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os/exec"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/netwraith/netwraith/internal/logging"
)

// linuxNetOps implements netOps with netlink for links and routes, and
// systemd-resolved or resolv.conf for DNS.
type linuxNetOps struct {
	logger *slog.Logger
	dns    *linuxDNS
}

func newPlatformNetOps(logger *slog.Logger) (netOps, error) {
	if logger == nil {
		logger = logging.WithComponent("vpn")
	}
	return &linuxNetOps{
		logger: logger,
		dns:    newLinuxDNS(logger, exec.LookPath, runCommand),
	}, nil
}

func (o *linuxNetOps) CreateTUN(name string, mtu int) (TUNDevice, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (o *linuxNetOps) ConfigureLink(name string, addr netip.Prefix, peer netip.Addr, mtu int) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("find link: %w", err)
	}

	nlAddr := &netlink.Addr{IPNet: prefixToIPNet(addr)}
	if err := netlink.AddrReplace(link, nlAddr); err != nil {
		return 0, fmt.Errorf("set address %s: %w", addr, err)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return 0, fmt.Errorf("set MTU %d: %w", mtu, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return 0, fmt.Errorf("bring link up: %w", err)
	}

	o.logger.Debug("link configured", "name", name, "address", addr, "peer", peer, "mtu", mtu)
	return link.Attrs().Index, nil
}

func (o *linuxNetOps) RouteGet(dst netip.Addr) (netip.Addr, int, error) {
	routes, err := netlink.RouteGet(dst.AsSlice())
	if err != nil {
		return netip.Addr{}, 0, err
	}
	if len(routes) == 0 {
		return netip.Addr{}, 0, fmt.Errorf("no route to %s", dst)
	}

	var gw netip.Addr
	if routes[0].Gw != nil {
		gw, _ = netip.AddrFromSlice(routes[0].Gw.To4())
	}
	return gw, routes[0].LinkIndex, nil
}

func (o *linuxNetOps) RouteAdd(r Route) error {
	return netlink.RouteReplace(toNetlinkRoute(r))
}

func (o *linuxNetOps) RouteDel(r Route) error {
	err := netlink.RouteDel(toNetlinkRoute(r))
	// Already gone, e.g. removed together with the interface.
	if errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENODEV) {
		return nil
	}
	return err
}

func (o *linuxNetOps) SetDNS(name string, servers, domains []string) error {
	return o.dns.set(name, servers, domains)
}

func (o *linuxNetOps) RevertDNS(name string) error {
	return o.dns.revert(name)
}

func toNetlinkRoute(r Route) *netlink.Route {
	nr := &netlink.Route{
		Dst:       prefixToIPNet(r.Destination),
		LinkIndex: r.LinkIndex,
	}
	if r.Gateway.IsValid() {
		nr.Gw = net.IP(r.Gateway.AsSlice())
	}
	return nr
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput() //nolint:gosec // G204: arguments are interface names and validated addresses
}
