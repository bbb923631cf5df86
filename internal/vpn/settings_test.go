package vpn

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwraith/netwraith/internal/tunnel"
)

func TestBuildSettings(t *testing.T) {
	s := BuildSettings(tunnel.Configuration{Host: "192.168.1.50", Port: 8081})

	assert.Equal(t, "10.8.0.1", s.TunnelRemoteAddress)
	assert.Equal(t, 1500, s.MTU)
	assert.Equal(t, []string{"10.8.0.2"}, s.IPv4.Addresses)
	assert.Equal(t, []string{"255.255.255.0"}, s.IPv4.SubnetMasks)

	assert.Equal(t, []IPv4Route{DefaultIPv4Route}, s.IPv4.IncludedRoutes)
	require.Len(t, s.IPv4.ExcludedRoutes, 1)
	assert.Equal(t, IPv4Route{Destination: "192.168.1.50", SubnetMask: "255.255.255.255"}, s.IPv4.ExcludedRoutes[0])

	assert.Equal(t, []string{"8.8.8.8", "8.8.4.4"}, s.DNS.Servers)
	assert.True(t, s.DNS.MatchesAllDomains())

	assert.True(t, s.Proxy.HTTPEnabled)
	assert.True(t, s.Proxy.HTTPSEnabled)
	assert.Equal(t, "192.168.1.50:8081", s.Proxy.HTTPServer.String())
	assert.Equal(t, "192.168.1.50:8081", s.Proxy.HTTPSServer.String())
	assert.Equal(t, []string{""}, s.Proxy.MatchDomains)
	assert.False(t, s.Proxy.ExcludeSimpleHostnames)

	sys := s.Proxy.System()
	assert.Equal(t, "192.168.1.50:8081", sys.HTTP)
	assert.Equal(t, "192.168.1.50:8081", sys.HTTPS)
}

func TestBuildSettings_DoesNotShareDefaults(t *testing.T) {
	s := BuildSettings(tunnel.Configuration{Host: "proxy.local", Port: 8080})
	s.DNS.Servers[0] = "1.1.1.1"

	assert.Equal(t, "8.8.8.8", tunnel.DNSServers[0])
	assert.Equal(t, "8.8.8.8", BuildSettings(tunnel.Configuration{Host: "proxy.local", Port: 8080}).DNS.Servers[0])
}

func TestIPv4Route_Prefix(t *testing.T) {
	tests := []struct {
		name    string
		route   IPv4Route
		want    string
		wantErr bool
	}{
		{"default", DefaultIPv4Route, "0.0.0.0/0", false},
		{"host", IPv4Route{"192.168.1.50", "255.255.255.255"}, "192.168.1.50/32", false},
		{"subnet", IPv4Route{"10.8.0.2", "255.255.255.0"}, "10.8.0.0/24", false},
		{"hostname", IPv4Route{"proxy.local", "255.255.255.255"}, "", true},
		{"bad mask", IPv4Route{"10.0.0.1", "255.0.255.0"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.route.Prefix()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, netip.MustParsePrefix(tt.want), p)
		})
	}
}

func TestIPv4Settings_InterfacePrefix(t *testing.T) {
	s := BuildSettings(tunnel.Configuration{Host: "h", Port: 1})
	p, err := s.IPv4.InterfacePrefix()
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", p.Addr().String())
	assert.Equal(t, 24, p.Bits())

	_, err = IPv4Settings{}.InterfacePrefix()
	assert.Error(t, err)
}
