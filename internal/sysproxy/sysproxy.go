// Package sysproxy applies HTTP and HTTPS proxy settings to the operating
// system while the tunnel is up.
package sysproxy

import (
	"errors"
	"net"
	"strconv"
)

// Settings describes the proxy configuration pushed to the OS.
type Settings struct {
	// HTTP is the proxy used for plain HTTP, as host:port.
	HTTP string
	// HTTPS is the proxy used for HTTPS, as host:port.
	HTTPS string
	// MatchDomains limits the proxy to these domains. [""] matches everything.
	MatchDomains []string
	// ExcludeSimpleHostnames bypasses the proxy for dotless hostnames.
	ExcludeSimpleHostnames bool
}

// Endpoint splits a host:port proxy address.
func Endpoint(address string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		return "", 0, err
	}
	return h, port, nil
}

// Manager applies and clears system proxy settings.
type Manager interface {
	// Apply installs s as the system proxy.
	Apply(s Settings) error
	// Clear restores direct connections.
	Clear() error
}

// New returns a new system proxy manager for the current platform.
func New() Manager {
	return newPlatformManager()
}

// ErrNotSupported is returned when the platform does not support system proxy configuration.
var ErrNotSupported = errors.New("system proxy configuration not supported on this platform")
