package vpn

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/netwraith/netwraith/internal/sysproxy"
)

type fakeTUN struct {
	name    string
	batch   int
	packets chan [][]byte
	events  chan tun.Event
	done    chan struct{}
	once    sync.Once
}

func newFakeTUN(name string, batch int) *fakeTUN {
	return &fakeTUN{
		name:    name,
		batch:   batch,
		packets: make(chan [][]byte, 8),
		events:  make(chan tun.Event, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakeTUN) File() *os.File { return nil }

func (f *fakeTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case batch := <-f.packets:
		for i, p := range batch {
			sizes[i] = copy(bufs[i][offset:], p)
		}
		return len(batch), nil
	case <-f.done:
		return 0, os.ErrClosed
	}
}

func (f *fakeTUN) Write(bufs [][]byte, _ int) (int, error) { return len(bufs), nil }
func (f *fakeTUN) MTU() (int, error)                       { return 1500, nil }
func (f *fakeTUN) Name() (string, error)                   { return f.name, nil }
func (f *fakeTUN) Events() <-chan tun.Event                { return f.events }
func (f *fakeTUN) BatchSize() int                          { return f.batch }

func (f *fakeTUN) Close() error {
	f.once.Do(func() {
		close(f.done)
		close(f.events)
	})
	return nil
}

func (f *fakeTUN) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type fakeOps struct {
	mu        sync.Mutex
	dev       *fakeTUN
	creates   int
	linkIndex int
	gateways  map[netip.Addr]netip.Addr
	gwLink    int
	routes    []Route
	calls     []string
	failAdd   string
	dns       []string
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		linkIndex: 7,
		gwLink:    2,
		gateways:  map[netip.Addr]netip.Addr{},
	}
}

func (o *fakeOps) record(format string, args ...any) {
	o.calls = append(o.calls, fmt.Sprintf(format, args...))
}

func (o *fakeOps) CreateTUN(name string, mtu int) (TUNDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.creates++
	o.record("create %s %d", name, mtu)
	o.dev = newFakeTUN(name, 2)
	return o.dev, nil
}

func (o *fakeOps) ConfigureLink(name string, addr netip.Prefix, peer netip.Addr, mtu int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("link %s %s peer %s mtu %d", name, addr, peer, mtu)
	return o.linkIndex, nil
}

func (o *fakeOps) RouteGet(dst netip.Addr) (netip.Addr, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	gw, ok := o.gateways[dst]
	if !ok {
		return netip.Addr{}, 0, errors.New("network unreachable")
	}
	return gw, o.gwLink, nil
}

func (o *fakeOps) RouteAdd(r Route) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failAdd != "" && r.Destination.String() == o.failAdd {
		return errors.New("file exists")
	}
	o.record("add %s", r)
	o.routes = append(o.routes, r)
	return nil
}

func (o *fakeOps) RouteDel(r Route) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("del %s", r)
	for i, existing := range o.routes {
		if existing == r {
			o.routes = append(o.routes[:i], o.routes[i+1:]...)
			break
		}
	}
	return nil
}

func (o *fakeOps) SetDNS(name string, servers, domains []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("dns %s %v %q", name, servers, domains)
	o.dns = servers
	return nil
}

func (o *fakeOps) RevertDNS(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("dns revert %s", name)
	o.dns = nil
	return nil
}

type fakeProxy struct {
	mu      sync.Mutex
	applied []sysproxy.Settings
	cleared int
	err     error
}

func (p *fakeProxy) Apply(s sysproxy.Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.applied = append(p.applied, s)
	return nil
}

func (p *fakeProxy) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared++
	return nil
}
