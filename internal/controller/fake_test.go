package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/netwraith/netwraith/internal/control"
	"github.com/netwraith/netwraith/internal/session"
	"github.com/netwraith/netwraith/internal/store"
	"github.com/netwraith/netwraith/internal/tunnel"
)

type fakeManager struct {
	mu          sync.Mutex
	subs        []chan session.Event
	status      session.Status
	connectedAt time.Time
	lastErr     error
	descriptor  *session.Descriptor

	loadErr   error
	saveErr   error
	reloadErr error
	startErr  error
	saveHook  func()
	// startHook replaces the Connecting event emitted by StartTunnel.
	startHook func()

	calls []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{status: session.StatusDisconnected}
}

func (m *fakeManager) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *fakeManager) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *fakeManager) Load(context.Context) (*session.Descriptor, error) {
	m.record("load")
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return session.NewDescriptor(tunnel.Configuration{}), nil
}

func (m *fakeManager) Save(_ context.Context, d *session.Descriptor) error {
	m.record("save")
	if m.saveHook != nil {
		m.saveHook()
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	m.descriptor = d
	m.mu.Unlock()
	return nil
}

func (m *fakeManager) Reload(context.Context) (*session.Descriptor, error) {
	m.record("reload")
	if m.reloadErr != nil {
		return nil, m.reloadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.descriptor, nil
}

func (m *fakeManager) StartTunnel(context.Context) error {
	m.record("start")
	if m.startErr != nil {
		return m.startErr
	}
	if m.startHook != nil {
		m.startHook()
		return nil
	}
	m.emit(session.Event{Status: session.StatusConnecting})
	return nil
}

func (m *fakeManager) StopTunnel() {
	m.record("stop")
	m.emit(session.Event{Status: session.StatusDisconnecting})
	m.emit(session.Event{Status: session.StatusDisconnected})
}

func (m *fakeManager) Status() session.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *fakeManager) ConnectedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedAt
}

func (m *fakeManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *fakeManager) Subscribe() (<-chan session.Event, func()) {
	ch := make(chan session.Event, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s == ch {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

func (m *fakeManager) emit(ev session.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = ev.Status
	m.connectedAt = ev.ConnectedAt
	m.lastErr = ev.Err
	for _, ch := range m.subs {
		ch <- ev
	}
}

var _ session.Manager = (*fakeManager)(nil)

// fakeSender answers control messages from a canned response.
type fakeSender struct {
	mu       sync.Mutex
	body     []byte
	err      error
	block    chan struct{}
	messages []control.Message
}

func (s *fakeSender) Send(ctx context.Context, m control.Message) ([]byte, error) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	block, body, err := s.block, s.body, s.err
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return body, err
}

func (s *fakeSender) set(body []byte, err error) {
	s.mu.Lock()
	s.body, s.err = body, err
	s.mu.Unlock()
}

func (s *fakeSender) Messages() []control.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]control.Message(nil), s.messages...)
}

// failingStore rejects every write.
type failingStore struct {
	store.Store
}

func (failingStore) Set(string, any) error { return errors.New("disk full") }
func (failingStore) Remove(string) error   { return errors.New("disk full") }
