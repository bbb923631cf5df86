package vpn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/sysproxy"
	"github.com/netwraith/netwraith/internal/util"
)

// ErrNotSupported is returned on platforms without a tunnel implementation.
var ErrNotSupported = errors.New("tunnel interface not supported on this platform")

// Platform applies network settings to the operating system and exposes the
// packets written to the tunnel interface.
type Platform interface {
	// SetNetworkSettings creates the interface on first use and replaces any
	// settings applied earlier. Passing nil removes the applied settings but
	// keeps the interface.
	SetNetworkSettings(ctx context.Context, s *NetworkSettings) error
	// PacketFlow returns the interface's packet source. Before the first
	// successful SetNetworkSettings it returns a flow that is already closed.
	PacketFlow() PacketFlow
	// Close removes all settings and destroys the interface.
	Close() error
}

// Options configures NewPlatform.
type Options struct {
	// Interface is the requested interface name.
	Interface string
	// Resolver resolves hostnames in excluded routes. Defaults to the system resolvers.
	Resolver *Resolver
	// Proxy applies the proxy settings. Defaults to sysproxy.New().
	Proxy  sysproxy.Manager
	Logger *slog.Logger
}

// NewPlatform returns the Platform for the current operating system.
func NewPlatform(opts Options) (Platform, error) {
	ops, err := newPlatformNetOps(opts.Logger)
	if err != nil {
		return nil, err
	}
	return newOSPlatform(ops, opts), nil
}

type osPlatform struct {
	ops      netOps
	name     string
	resolver *Resolver
	proxy    sysproxy.Manager
	logger   *slog.Logger

	mu        sync.Mutex
	dev       TUNDevice
	flow      PacketFlow
	linkIndex int
	routes    []Route
	dnsSet    bool
	proxySet  bool
	closed    bool
}

func newOSPlatform(ops netOps, opts Options) *osPlatform {
	p := &osPlatform{
		ops:      ops,
		name:     opts.Interface,
		resolver: opts.Resolver,
		proxy:    opts.Proxy,
		logger:   opts.Logger,
	}
	if p.name == "" {
		p.name = "nwraith0"
	}
	if p.resolver == nil {
		p.resolver = NewResolver()
	}
	if p.proxy == nil {
		p.proxy = sysproxy.New()
	}
	if p.logger == nil {
		p.logger = logging.WithComponent("vpn")
	}
	return p
}

func (p *osPlatform) SetNetworkSettings(ctx context.Context, s *NetworkSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	if err := p.clearLocked(); err != nil {
		p.logger.Warn("failed to remove previous settings", "error", err)
	}
	if s == nil {
		return nil
	}

	if err := p.applyLocked(ctx, s); err != nil {
		if cerr := p.clearLocked(); cerr != nil {
			p.logger.Warn("failed to roll back settings", "error", cerr)
		}
		return err
	}
	return nil
}

func (p *osPlatform) applyLocked(ctx context.Context, s *NetworkSettings) error {
	prefix, err := s.IPv4.InterfacePrefix()
	if err != nil {
		return err
	}
	var peer netip.Addr
	if s.TunnelRemoteAddress != "" {
		peer, err = netip.ParseAddr(s.TunnelRemoteAddress)
		if err != nil {
			return fmt.Errorf("tunnel remote address: %w", err)
		}
	}

	if p.dev == nil {
		dev, err := p.ops.CreateTUN(p.name, s.MTU)
		if err != nil {
			return fmt.Errorf("create interface %s: %w", p.name, err)
		}
		if name, err := dev.Name(); err == nil && name != "" {
			p.name = name
		}
		p.dev = dev
		p.flow = newTUNFlow(dev, p.logger)
	}

	p.linkIndex, err = p.ops.ConfigureLink(p.name, prefix, peer, s.MTU)
	if err != nil {
		return fmt.Errorf("configure interface %s: %w", p.name, err)
	}

	// Exclusions are looked up before the default route moves into the
	// tunnel, so they still resolve to the original gateway.
	for _, ex := range s.IPv4.ExcludedRoutes {
		if err := p.addExclusionLocked(ctx, ex); err != nil {
			return err
		}
	}

	for _, inc := range s.IPv4.IncludedRoutes {
		if err := p.addInclusionLocked(inc); err != nil {
			return err
		}
	}

	if len(s.DNS.Servers) > 0 {
		if err := p.ops.SetDNS(p.name, s.DNS.Servers, s.DNS.MatchDomains); err != nil {
			return fmt.Errorf("set DNS servers: %w", err)
		}
		p.dnsSet = true
	}

	if s.Proxy.HTTPEnabled || s.Proxy.HTTPSEnabled {
		err := p.proxy.Apply(s.Proxy.System())
		switch {
		case errors.Is(err, sysproxy.ErrNotSupported):
			p.logger.Warn("system proxy not applied", "error", err)
		case err != nil:
			return fmt.Errorf("set system proxy: %w", err)
		default:
			p.proxySet = true
		}
	}

	p.logger.Info("network settings applied",
		"interface", p.name,
		"address", prefix.String(),
		"routes", len(p.routes),
		"proxy", s.Proxy.HTTPServer.String(),
	)
	return nil
}

func (p *osPlatform) addExclusionLocked(ctx context.Context, ex IPv4Route) error {
	bits, err := ex.Bits()
	if err != nil {
		return err
	}
	addrs, err := p.resolver.LookupIPv4(ctx, ex.Destination)
	if err != nil {
		return fmt.Errorf("resolve excluded route %s: %w", ex.Destination, err)
	}
	for _, addr := range addrs {
		gw, link, err := p.ops.RouteGet(addr)
		if err != nil {
			return fmt.Errorf("find route to %s: %w", addr, err)
		}
		if link == p.linkIndex {
			return fmt.Errorf("excluded route %s resolves into the tunnel", addr)
		}
		r := Route{Destination: netip.PrefixFrom(addr, bits).Masked(), Gateway: gw, LinkIndex: link}
		if err := p.addRouteLocked(r); err != nil {
			return err
		}
	}
	return nil
}

func (p *osPlatform) addInclusionLocked(inc IPv4Route) error {
	if inc.IsDefault() {
		for _, half := range splitDefault {
			if err := p.addRouteLocked(Route{Destination: half, LinkIndex: p.linkIndex}); err != nil {
				return err
			}
		}
		return nil
	}
	prefix, err := inc.Prefix()
	if err != nil {
		return err
	}
	return p.addRouteLocked(Route{Destination: prefix, LinkIndex: p.linkIndex})
}

func (p *osPlatform) addRouteLocked(r Route) error {
	if err := p.ops.RouteAdd(r); err != nil {
		return fmt.Errorf("add route %s: %w", r, err)
	}
	p.routes = append(p.routes, r)
	return nil
}

// clearLocked undoes applied settings in reverse order.
func (p *osPlatform) clearLocked() error {
	var errs util.MultiError

	if p.proxySet {
		errs.Addf(p.proxy.Clear(), "clear system proxy")
		p.proxySet = false
	}
	if p.dnsSet {
		errs.Addf(p.ops.RevertDNS(p.name), "revert DNS")
		p.dnsSet = false
	}
	for i := len(p.routes) - 1; i >= 0; i-- {
		errs.Addf(p.ops.RouteDel(p.routes[i]), "remove route %s", p.routes[i])
	}
	p.routes = nil

	return errs.Err()
}

func (p *osPlatform) PacketFlow() PacketFlow {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flow == nil {
		return closedFlow{}
	}
	return p.flow
}

func (p *osPlatform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs util.MultiError
	errs.Add(p.clearLocked())
	if p.dev != nil {
		errs.Addf(p.dev.Close(), "close interface %s", p.name)
	}

	p.logger.Info("network settings removed", "interface", p.name)
	return errs.Err()
}

type closedFlow struct{}

func (closedFlow) ReadPackets() ([][]byte, error) {
	return nil, ErrClosed
}
