// Package tunnel holds the model shared by the NetWraith controller and
// runtime: the proxy configuration, the fixed virtual interface parameters
// and the error kinds reported across the two halves.
package tunnel

import (
	"net"
	"strconv"
)

// Fixed virtual interface parameters.
const (
	LocalAddress  = "10.8.0.2"
	RemoteAddress = "10.8.0.1"
	SubnetMask    = "255.255.255.0"
	MTU           = 1500

	// ExclusionMask limits the proxy exclusion route to a single host.
	ExclusionMask = "255.255.255.255"

	// DefaultProxyPort is used when neither the caller nor the store supplies a port.
	DefaultProxyPort uint16 = 8080

	// Description names the tunnel descriptor shown to the OS.
	Description = "NetWraith Proxy"
)

// DNSServers are the resolvers pushed into the tunnel.
var DNSServers = []string{"8.8.8.8", "8.8.4.4"}

// MatchAllDomains is the match-domain list that applies to every lookup.
var MatchAllDomains = []string{""}

// Store keys shared by controller and runtime.
const (
	KeyTunnelActive    = "tunnel_active"
	KeyTunnelStartTime = "tunnel_start_time"
	KeyProxyHost       = "proxy_host"
	KeyProxyPort       = "proxy_port"
)

// Configuration is the target proxy endpoint.
type Configuration struct {
	Host string `json:"host" yaml:"host"`
	Port uint16 `json:"port" yaml:"port"`
}

// Address returns host:port.
func (c Configuration) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// IsZero reports whether no host has been configured.
func (c Configuration) IsZero() bool {
	return c.Host == ""
}

// ProviderConfig is the configuration handed to the runtime in the start
// request. It overrides store values when its host is non-empty.
type ProviderConfig struct {
	ProxyHost string `json:"proxyHost" yaml:"proxy_host"`
	ProxyPort uint16 `json:"proxyPort" yaml:"proxy_port"`
}

// Configuration converts the provider config to a Configuration.
func (p ProviderConfig) Configuration() Configuration {
	return Configuration{Host: p.ProxyHost, Port: p.ProxyPort}
}
