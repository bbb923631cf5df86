package packettunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/netwraith/netwraith/internal/vpn"
)

type fakeFlow struct {
	batches chan [][]byte
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func newFakeFlow() *fakeFlow {
	return &fakeFlow{
		batches: make(chan [][]byte, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakeFlow) ReadPackets() ([][]byte, error) {
	select {
	case b := <-f.batches:
		return b, nil
	case err := <-f.errs:
		return nil, err
	case <-f.done:
		return nil, errors.Join(vpn.ErrClosed, errors.New("file already closed"))
	}
}

func (f *fakeFlow) close() {
	f.once.Do(func() { close(f.done) })
}

type fakePlatform struct {
	mu       sync.Mutex
	applied  []*vpn.NetworkSettings
	applyErr error
	closes   int
	flow     *fakeFlow
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{flow: newFakeFlow()}
}

func (p *fakePlatform) SetNetworkSettings(_ context.Context, s *vpn.NetworkSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyErr != nil {
		return p.applyErr
	}
	p.applied = append(p.applied, s)
	return nil
}

func (p *fakePlatform) PacketFlow() vpn.PacketFlow {
	return p.flow
}

func (p *fakePlatform) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.flow.close()
	return nil
}

func (p *fakePlatform) appliedSettings() []*vpn.NetworkSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*vpn.NetworkSettings(nil), p.applied...)
}

func (p *fakePlatform) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
