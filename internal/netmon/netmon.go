// Package netmon reports whether the host has a usable network path and
// which kind of interface carries it.
package netmon

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/netwraith/netwraith/internal/logging"
)

// DefaultInterval is how often Run re-checks the interfaces.
const DefaultInterval = 5 * time.Second

// InterfaceKind is the medium of a network interface.
type InterfaceKind int

const (
	KindUnknown InterfaceKind = iota
	KindWiFi
	KindCellular
	KindEthernet
)

// String returns the display name of the kind.
func (k InterfaceKind) String() string {
	switch k {
	case KindWiFi:
		return "Wi-Fi"
	case KindCellular:
		return "Cellular"
	case KindEthernet:
		return "Ethernet"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the kind by display name.
func (k InterfaceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// KindOf guesses the medium from an interface name.
func KindOf(name string) InterfaceKind {
	switch {
	case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "ath"):
		return KindWiFi
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "pdp_ip"):
		return KindCellular
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return KindEthernet
	default:
		return KindUnknown
	}
}

// Status is the result of one check.
type Status struct {
	Connected bool          `json:"connected"`
	Kind      InterfaceKind `json:"kind"`
	Interface string        `json:"interface,omitempty"`
}

// InterfaceName returns the display name of the carrying interface kind.
func (s Status) InterfaceName() string {
	return s.Kind.String()
}

// Config holds Monitor configuration.
type Config struct {
	// Exclude lists interface names never treated as a network path, such
	// as the tunnel interface itself.
	Exclude  []string
	Interval time.Duration
	Logger   *slog.Logger
}

// Monitor tracks network reachability.
type Monitor struct {
	exclude  []string
	interval time.Duration
	logger   *slog.Logger
	list     func(ctx context.Context) (psnet.InterfaceStatList, error)

	mu     sync.Mutex
	status Status
	subs   map[chan Status]struct{}
}

// New creates a Monitor. It assumes connectivity until the first check.
func New(cfg Config) *Monitor {
	m := &Monitor{
		exclude:  cfg.Exclude,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		list:     psnet.InterfacesWithContext,
		status:   Status{Connected: true},
		subs:     make(map[chan Status]struct{}),
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.logger == nil {
		m.logger = logging.WithComponent("netmon")
	}
	return m
}

// Check inspects the interfaces once and records the result.
func (m *Monitor) Check(ctx context.Context) (Status, error) {
	ifaces, err := m.list(ctx)
	if err != nil {
		return m.Status(), err
	}

	s := Status{}
	for _, iface := range ifaces {
		if !m.usable(iface) {
			continue
		}
		s = Status{Connected: true, Kind: KindOf(iface.Name), Interface: iface.Name}
		break
	}

	m.set(s)
	return s, nil
}

func (m *Monitor) usable(iface psnet.InterfaceStat) bool {
	if slices.Contains(m.exclude, iface.Name) {
		return false
	}
	if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
		return false
	}
	for _, a := range iface.Addrs {
		prefix, err := netip.ParsePrefix(a.Addr)
		if err != nil {
			continue
		}
		addr := prefix.Addr()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
			continue
		}
		return true
	}
	return false
}

func (m *Monitor) set(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s == m.status {
		return
	}
	m.status = s
	m.logger.Info("network path changed", "connected", s.Connected, "interface", s.Interface, "kind", s.Kind.String())

	for ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Status returns the last recorded status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe returns a channel that receives every status change and a
// function ending the subscription.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 4)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Run checks the interfaces periodically until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Check(ctx); err != nil {
			m.logger.Debug("interface check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
