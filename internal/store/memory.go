package store

import (
	"context"
	"sync"

	"github.com/netwraith/netwraith/internal/tunnel"
)

// Memory is an in-process Store, used by tests and single-process setups.
type Memory struct {
	mu       sync.RWMutex
	values   map[string]any
	watchers map[chan string]struct{}
	closed   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]any),
		watchers: make(map[chan string]struct{}),
	}
}

// Get implements Store.
func (m *Memory) Get(key string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, tunnel.ErrClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tunnel.ErrClosed
	}
	m.values[key] = value
	m.notify(key)
	return nil
}

// Remove implements Store.
func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tunnel.ErrClosed
	}
	if _, ok := m.values[key]; !ok {
		return nil
	}
	delete(m.values, key)
	m.notify(key)
	return nil
}

// Watch implements Store.
func (m *Memory) Watch(ctx context.Context) <-chan string {
	ch := make(chan string, 16)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}()

	return ch
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
	return nil
}

// notify must be called with mu held.
func (m *Memory) notify(key string) {
	for ch := range m.watchers {
		select {
		case ch <- key:
		default:
		}
	}
}
