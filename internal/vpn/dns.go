package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up the IPv4 addresses of the proxy host so that it can be
// excluded from the tunnel. It must query the resolvers in effect before the
// tunnel DNS settings are applied.
type Resolver struct {
	servers []string
	client  *dns.Client
}

// NewResolver creates a resolver for the given servers. Without servers the
// system resolv.conf is used, falling back to the tunnel DNS servers.
func NewResolver(servers ...string) *Resolver {
	if len(servers) == 0 {
		servers = systemResolvers("/etc/resolv.conf")
	}
	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = s
		if _, _, err := net.SplitHostPort(s); err != nil {
			addrs[i] = net.JoinHostPort(s, "53")
		}
	}
	return &Resolver{
		servers: addrs,
		client:  &dns.Client{Timeout: 5 * time.Second},
	}
}

// Servers returns the upstream servers in query order.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// LookupIPv4 returns the IPv4 addresses of host. An IPv4 literal is
// returned as is without a query.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is4() {
			return nil, fmt.Errorf("not an IPv4 address: %s", host)
		}
		return []netip.Addr{addr}, nil
	}
	if len(r.servers) == 0 {
		return nil, errors.New("no upstream DNS servers configured")
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, upstream := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, upstream)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("DNS error: %s", dns.RcodeToString[resp.Rcode])
			continue
		}

		var addrs []netip.Addr
		for _, ans := range resp.Answer {
			if rr, ok := ans.(*dns.A); ok {
				if addr, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					addrs = append(addrs, addr)
				}
			}
		}
		if len(addrs) == 0 {
			lastErr = fmt.Errorf("no A records for %s", host)
			continue
		}
		return addrs, nil
	}

	return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
}

func systemResolvers(path string) []string {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil || len(cfg.Servers) == 0 {
		return defaultResolvers()
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		// Loopback stubs such as systemd-resolved are still reachable once
		// the default route points into the tunnel.
		servers = append(servers, net.JoinHostPort(strings.TrimSpace(s), cfg.Port))
	}
	return servers
}

func defaultResolvers() []string {
	return []string{"8.8.8.8:53", "8.8.4.4:53"}
}
