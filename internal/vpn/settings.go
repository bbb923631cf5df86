// Package vpn builds the network settings of the NetWraith tunnel and applies
// them to the operating system: the virtual interface, its routes, DNS and
// the system proxy.
package vpn

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/netwraith/netwraith/internal/sysproxy"
	"github.com/netwraith/netwraith/internal/tunnel"
)

// IPv4Route is a destination and subnet mask pair.
type IPv4Route struct {
	Destination string `json:"destination" yaml:"destination"`
	SubnetMask  string `json:"subnet_mask" yaml:"subnet_mask"`
}

// DefaultIPv4Route matches every IPv4 destination.
var DefaultIPv4Route = IPv4Route{Destination: "0.0.0.0", SubnetMask: "0.0.0.0"}

// IsDefault reports whether r is the default route.
func (r IPv4Route) IsDefault() bool {
	return r == DefaultIPv4Route
}

// Bits returns the prefix length of the subnet mask.
func (r IPv4Route) Bits() (int, error) {
	return maskBits(r.SubnetMask)
}

// Prefix returns the route as a prefix. It fails when Destination is a
// hostname rather than an address.
func (r IPv4Route) Prefix() (netip.Prefix, error) {
	addr, err := netip.ParseAddr(r.Destination)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("route destination %q: %w", r.Destination, err)
	}
	bits, err := r.Bits()
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, bits).Masked(), nil
}

// IPv4Settings holds the interface addresses and routes.
type IPv4Settings struct {
	Addresses      []string    `json:"addresses" yaml:"addresses"`
	SubnetMasks    []string    `json:"subnet_masks" yaml:"subnet_masks"`
	IncludedRoutes []IPv4Route `json:"included_routes" yaml:"included_routes"`
	ExcludedRoutes []IPv4Route `json:"excluded_routes" yaml:"excluded_routes"`
}

// InterfacePrefix returns the first address with its mask.
func (s IPv4Settings) InterfacePrefix() (netip.Prefix, error) {
	if len(s.Addresses) == 0 || len(s.SubnetMasks) == 0 {
		return netip.Prefix{}, fmt.Errorf("no interface address configured")
	}
	addr, err := netip.ParseAddr(s.Addresses[0])
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("interface address %q: %w", s.Addresses[0], err)
	}
	bits, err := maskBits(s.SubnetMasks[0])
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, bits), nil
}

// DNSSettings holds the resolvers pushed to the interface.
type DNSSettings struct {
	Servers      []string `json:"servers" yaml:"servers"`
	MatchDomains []string `json:"match_domains" yaml:"match_domains"`
}

// MatchesAllDomains reports whether the resolvers apply to every lookup.
func (s DNSSettings) MatchesAllDomains() bool {
	for _, d := range s.MatchDomains {
		if d == "" {
			return true
		}
	}
	return false
}

// ProxyServer is one proxy endpoint.
type ProxyServer struct {
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
}

// String returns host:port.
func (p ProxyServer) String() string {
	return net.JoinHostPort(p.Address, fmt.Sprint(p.Port))
}

// ProxySettings holds the HTTP and HTTPS proxy configuration.
type ProxySettings struct {
	HTTPEnabled            bool        `json:"http_enabled" yaml:"http_enabled"`
	HTTPServer             ProxyServer `json:"http_server" yaml:"http_server"`
	HTTPSEnabled           bool        `json:"https_enabled" yaml:"https_enabled"`
	HTTPSServer            ProxyServer `json:"https_server" yaml:"https_server"`
	MatchDomains           []string    `json:"match_domains" yaml:"match_domains"`
	ExcludeSimpleHostnames bool        `json:"exclude_simple_hostnames" yaml:"exclude_simple_hostnames"`
}

// System converts p to the form applied by sysproxy.
func (p ProxySettings) System() sysproxy.Settings {
	s := sysproxy.Settings{
		MatchDomains:           p.MatchDomains,
		ExcludeSimpleHostnames: p.ExcludeSimpleHostnames,
	}
	if p.HTTPEnabled {
		s.HTTP = p.HTTPServer.String()
	}
	if p.HTTPSEnabled {
		s.HTTPS = p.HTTPSServer.String()
	}
	return s
}

// NetworkSettings is the complete configuration of the tunnel interface.
type NetworkSettings struct {
	TunnelRemoteAddress string        `json:"tunnel_remote_address" yaml:"tunnel_remote_address"`
	MTU                 int           `json:"mtu" yaml:"mtu"`
	IPv4                IPv4Settings  `json:"ipv4" yaml:"ipv4"`
	DNS                 DNSSettings   `json:"dns" yaml:"dns"`
	Proxy               ProxySettings `json:"proxy" yaml:"proxy"`
}

// BuildSettings returns the settings that send all traffic into the tunnel
// while excluding the proxy host itself, so the connection to the proxy does
// not loop back through the tunnel.
func BuildSettings(cfg tunnel.Configuration) *NetworkSettings {
	proxy := ProxyServer{Address: cfg.Host, Port: int(cfg.Port)}

	return &NetworkSettings{
		TunnelRemoteAddress: tunnel.RemoteAddress,
		MTU:                 tunnel.MTU,
		IPv4: IPv4Settings{
			Addresses:      []string{tunnel.LocalAddress},
			SubnetMasks:    []string{tunnel.SubnetMask},
			IncludedRoutes: []IPv4Route{DefaultIPv4Route},
			ExcludedRoutes: []IPv4Route{{Destination: cfg.Host, SubnetMask: tunnel.ExclusionMask}},
		},
		DNS: DNSSettings{
			Servers:      append([]string(nil), tunnel.DNSServers...),
			MatchDomains: append([]string(nil), tunnel.MatchAllDomains...),
		},
		Proxy: ProxySettings{
			HTTPEnabled:            true,
			HTTPServer:             proxy,
			HTTPSEnabled:           true,
			HTTPSServer:            proxy,
			MatchDomains:           append([]string(nil), tunnel.MatchAllDomains...),
			ExcludeSimpleHostnames: false,
		},
	}
}

func maskBits(mask string) (int, error) {
	ip := net.ParseIP(mask).To4()
	if ip == nil {
		return 0, fmt.Errorf("invalid subnet mask %q", mask)
	}
	ones, bits := net.IPMask(ip).Size()
	if bits == 0 {
		return 0, fmt.Errorf("non-contiguous subnet mask %q", mask)
	}
	return ones, nil
}
