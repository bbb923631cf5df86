package controller

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwraith/netwraith/internal/control"
	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/session"
	"github.com/netwraith/netwraith/internal/store"
	"github.com/netwraith/netwraith/internal/tunnel"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

var validConfig = tunnel.Configuration{Host: "10.0.0.5", Port: 3128}

type harness struct {
	c       *Controller
	manager *fakeManager
	sender  *fakeSender
	store   store.Store
}

func newHarness(t *testing.T, s store.Store) *harness {
	t.Helper()
	if s == nil {
		s = store.NewMemory()
	}
	h := &harness{
		manager: newFakeManager(),
		sender:  &fakeSender{body: []byte(`{"bytesIn":42,"bytesOut":7,"uptime":12.5}`)},
		store:   s,
	}
	h.c = New(Config{
		Manager:      h.manager,
		Store:        s,
		Control:      h.sender,
		PollInterval: 10 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Init(context.Background()))
}

func (h *harness) connected(t *testing.T) {
	t.Helper()
	h.init(t)
	require.NoError(t, h.c.SetConfiguration(validConfig))
	require.NoError(t, h.c.Connect(context.Background()))
	h.manager.emit(session.Event{Status: session.StatusConnected, ConnectedAt: time.Unix(1_700_000_000, 0)})
	require.Eventually(t, func() bool { return h.c.State().Connected }, waitFor, tick)
}

func TestNew_BootstrapFromStore(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
		want tunnel.Configuration
	}{
		{"empty store", "", 0, tunnel.Configuration{Port: 8080}},
		{"host only", "proxy.example.com", 0, tunnel.Configuration{Host: "proxy.example.com", Port: 8080}},
		{"host and port", "10.0.0.5", 3128, validConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemory()
			if tt.host != "" {
				require.NoError(t, s.Set(tunnel.KeyProxyHost, tt.host))
			}
			if tt.port != 0 {
				require.NoError(t, s.Set(tunnel.KeyProxyPort, tt.port))
			}
			h := newHarness(t, s)
			st := h.c.State()
			assert.Equal(t, tt.want, st.Config)
			assert.Equal(t, StateIdle, st.Status)
			assert.False(t, st.Initialized)
		})
	}
}

func TestConnect_EmptyHostStaysIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)

	err := h.c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, tunnel.KindValidation, tunnel.KindOf(err))

	st := h.c.State()
	assert.Equal(t, StateIdle, st.Status)
	assert.False(t, st.Connecting)
	assert.Equal(t, "Enter a valid IP address or hostname", st.LastError)
	assert.Equal(t, []string{"load"}, h.manager.Calls())
}

func TestConnect_InvalidPort(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)

	err := h.c.SetConfiguration(tunnel.Configuration{Host: "10.0.0.5"})
	assert.True(t, tunnel.IsKind(err, tunnel.KindValidation))

	err = h.c.Connect(context.Background())
	assert.ErrorIs(t, err, tunnel.ErrPortOutRange)
	assert.Equal(t, "Enter a valid port (1-65535)", h.c.State().LastError)
}

func TestConnect_NotInitialized(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.SetConfiguration(validConfig))

	err := h.c.Connect(context.Background())
	assert.ErrorIs(t, err, tunnel.ErrNotInitialized)

	st := h.c.State()
	assert.Equal(t, "tunnel manager not initialized", st.LastError)
	assert.Equal(t, StateIdle, st.Status)
	assert.Empty(t, h.manager.Calls())
}

func TestConnect_Success(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	require.NoError(t, h.c.SetConfiguration(validConfig))

	require.NoError(t, h.c.Connect(context.Background()))
	assert.Equal(t, []string{"load", "save", "reload", "start"}, h.manager.Calls())

	snap := store.Load(h.store)
	assert.Equal(t, "10.0.0.5", snap.ProxyHost)
	assert.Equal(t, 3128, snap.ProxyPort)

	d := h.manager.descriptor
	require.NotNil(t, d)
	assert.Equal(t, "10.0.0.5:3128", d.ServerAddress)
	assert.Equal(t, tunnel.ProviderConfig{ProxyHost: "10.0.0.5", ProxyPort: 3128}, d.Provider)
	assert.True(t, d.Enabled)

	assert.Eventually(t, func() bool { return h.c.State().Status == StateConnecting }, waitFor, tick)

	at := time.Unix(1_700_000_000, 0)
	h.manager.emit(session.Event{Status: session.StatusConnected, ConnectedAt: at})
	assert.Eventually(t, func() bool { return h.c.State().Connected }, waitFor, tick)

	st := h.c.State()
	assert.Equal(t, StateConnected, st.Status)
	assert.False(t, st.Connecting)
	assert.Equal(t, at, st.ConnectedAt)
	assert.Empty(t, st.LastError)
}

func TestConnect_StageFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*fakeManager)
		wantKind  tunnel.Kind
		wantCalls []string
	}{
		{
			name:      "save",
			setup:     func(m *fakeManager) { m.saveErr = errors.New("read-only file system") },
			wantKind:  tunnel.KindPersistence,
			wantCalls: []string{"load", "save"},
		},
		{
			name:      "reload",
			setup:     func(m *fakeManager) { m.reloadErr = errors.New("descriptor vanished") },
			wantKind:  tunnel.KindPersistence,
			wantCalls: []string{"load", "save", "reload"},
		},
		{
			name:      "start",
			setup:     func(m *fakeManager) { m.startErr = errors.New("exec format error") },
			wantKind:  tunnel.KindSession,
			wantCalls: []string{"load", "save", "reload", "start"},
		},
		{
			name: "classified start error kept",
			setup: func(m *fakeManager) {
				m.startErr = tunnel.NewError(tunnel.KindSession, "start tunnel", tunnel.ErrAlreadyRunning)
			},
			wantKind:  tunnel.KindSession,
			wantCalls: []string{"load", "save", "reload", "start"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(h.manager)
			h.init(t)
			require.NoError(t, h.c.SetConfiguration(validConfig))

			err := h.c.Connect(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, tunnel.KindOf(err))
			assert.Equal(t, tt.wantCalls, h.manager.Calls())

			st := h.c.State()
			assert.Equal(t, StateIdle, st.Status)
			assert.False(t, st.Connecting)
			assert.False(t, st.Connected)
			assert.NotEmpty(t, st.LastError)

			// the guard is released
			h.manager.saveErr, h.manager.reloadErr, h.manager.startErr = nil, nil, nil
			assert.NoError(t, h.c.Connect(context.Background()))
		})
	}
}

func TestConnect_StoreFailure(t *testing.T) {
	h := newHarness(t, failingStore{Store: store.NewMemory()})
	h.init(t)

	// SetConfiguration reports the persistence failure but keeps the edit.
	err := h.c.SetConfiguration(validConfig)
	assert.True(t, tunnel.IsKind(err, tunnel.KindPersistence))

	err = h.c.Connect(context.Background())
	assert.True(t, tunnel.IsKind(err, tunnel.KindPersistence))
	assert.Contains(t, h.c.State().LastError, "disk full")
	assert.Equal(t, []string{"load"}, h.manager.Calls())
}

func TestConnect_InProgress(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.manager.saveHook = func() { <-release }
	h.init(t)
	require.NoError(t, h.c.SetConfiguration(validConfig))

	first := make(chan error, 1)
	go func() { first <- h.c.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return h.c.State().Status == StateLoading }, waitFor, tick)
	assert.True(t, h.c.State().Connecting)

	assert.ErrorIs(t, h.c.Connect(context.Background()), tunnel.ErrConnectInProgress)
	assert.ErrorIs(t, h.c.SetConfiguration(validConfig), tunnel.ErrTunnelActive)

	close(release)
	require.NoError(t, <-first)
}

func TestConnect_RuntimeFailsBeforeStartReturns(t *testing.T) {
	h := newHarness(t, nil)
	h.manager.startHook = func() {
		h.manager.emit(session.Event{Status: session.StatusConnecting})
		h.manager.emit(session.Event{Status: session.StatusDisconnected, Err: errors.New("runtime exited")})

		deadline := time.Now().Add(waitFor)
		for h.c.State().LastError != "runtime exited" && time.Now().Before(deadline) {
			time.Sleep(tick)
		}
	}
	h.init(t)
	require.NoError(t, h.c.SetConfiguration(validConfig))

	require.NoError(t, h.c.Connect(context.Background()))

	st := h.c.State()
	assert.Equal(t, StateIdle, st.Status)
	assert.False(t, st.Connecting)
	assert.False(t, st.Active())
	assert.Equal(t, "runtime exited", st.LastError)
	assert.NoError(t, h.c.SetConfiguration(validConfig))
}

func TestInit_LoadFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"permission", &fs.PathError{Op: "open", Path: "/var/lib/netwraith/descriptor.yaml", Err: fs.ErrPermission}, errDescriptorAccess},
		{"other", errors.New("descriptor is corrupt"), "descriptor is corrupt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.manager.loadErr = tt.err

			assert.Error(t, h.c.Init(context.Background()))
			st := h.c.State()
			assert.True(t, st.Initialized)
			assert.Equal(t, tt.wantMsg, st.LastError)

			// a fresh descriptor is still usable
			require.NoError(t, h.c.SetConfiguration(validConfig))
			assert.NoError(t, h.c.Connect(context.Background()))
		})
	}
}

func TestInit_AppliesCurrentStatus(t *testing.T) {
	h := newHarness(t, nil)
	at := time.Unix(1_700_000_000, 0)
	h.manager.status = session.StatusConnected
	h.manager.connectedAt = at

	h.init(t)
	st := h.c.State()
	assert.Equal(t, StateConnected, st.Status)
	assert.True(t, st.Connected)
	assert.Equal(t, at, st.ConnectedAt)

	// idempotent
	h.init(t)
	assert.Equal(t, []string{"load"}, h.manager.Calls())
}

func TestStatusMapping(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	failure := tunnel.Errorf(tunnel.KindSettingsApply, "", "permission denied")

	tests := []struct {
		name           string
		event          session.Event
		wantState      TunnelState
		wantConnected  bool
		wantConnecting bool
		wantError      string
	}{
		{"connected", session.Event{Status: session.StatusConnected, ConnectedAt: at}, StateConnected, true, false, ""},
		{"connecting", session.Event{Status: session.StatusConnecting}, StateConnecting, false, true, ""},
		{"reasserting", session.Event{Status: session.StatusReasserting}, StateReasserting, false, true, ""},
		{"disconnecting", session.Event{Status: session.StatusDisconnecting}, StateDisconnecting, false, false, ""},
		{"disconnected", session.Event{Status: session.StatusDisconnected}, StateIdle, false, false, ""},
		{"invalid", session.Event{Status: session.StatusInvalid}, StateInvalid, false, false, ""},
		{"failed", session.Event{Status: session.StatusDisconnected, Err: failure}, StateIdle, false, false, "permission denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.init(t)

			h.manager.emit(tt.event)
			require.Eventually(t, func() bool {
				st := h.c.State()
				return st.Status == tt.wantState && st.LastError == tt.wantError
			}, waitFor, tick)

			st := h.c.State()
			assert.Equal(t, tt.wantConnected, st.Connected)
			assert.Equal(t, tt.wantConnecting, st.Connecting)
			assert.Equal(t, tt.wantError, st.LastError)
			if !tt.wantConnected {
				assert.True(t, st.ConnectedAt.IsZero())
			}
		})
	}
}

func TestStateFromStatus(t *testing.T) {
	assert.Equal(t, StateIdle, StateFromStatus("something-new"))
	assert.Equal(t, "reasserting", StateReasserting.String())

	text, err := StateConnected.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connected", string(text))
}

func TestPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t)

	require.Eventually(t, func() bool { return h.c.State().BytesIn == 42 }, waitFor, tick)
	st := h.c.State()
	assert.Equal(t, uint64(7), st.BytesOut)
	assert.InDelta(t, 12.5, st.Uptime, 0.001)

	h.manager.emit(session.Event{Status: session.StatusDisconnected})
	require.Eventually(t, func() bool { return h.c.State().Status == StateIdle }, waitFor, tick)

	// let in-flight refreshes land
	time.Sleep(50 * time.Millisecond)
	sent := len(h.sender.Messages())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sent, len(h.sender.Messages()))
}

func TestRefreshStats_SilentFailures(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		err  error
	}{
		{"channel error", nil, tunnel.Errorf(tunnel.KindIPC, "send", "connection refused")},
		{"no data", nil, nil},
		{"garbage", []byte("not json"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.c.RefreshStats(context.Background())
			require.Equal(t, uint64(42), h.c.State().BytesIn)

			h.sender.set(tt.body, tt.err)
			h.c.RefreshStats(context.Background())

			st := h.c.State()
			assert.Equal(t, uint64(42), st.BytesIn)
			assert.Equal(t, uint64(7), st.BytesOut)
			assert.Empty(t, st.LastError)
		})
	}
}

func TestRefreshStats_SkipsWhileInFlight(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.sender.block = release

	done := make(chan struct{})
	go func() {
		h.c.RefreshStats(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return len(h.sender.Messages()) == 1 }, waitFor, tick)

	h.c.RefreshStats(context.Background())
	assert.Len(t, h.sender.Messages(), 1)

	close(release)
	<-done
	assert.Equal(t, uint64(42), h.c.State().BytesIn)
}

func TestRefreshStats_NoControl(t *testing.T) {
	c := New(Config{Manager: newFakeManager(), Store: store.NewMemory(), Logger: logging.Discard()})
	defer c.Close()
	c.RefreshStats(context.Background())
	assert.Zero(t, c.State().BytesIn)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t)

	h.c.Disconnect()
	assert.Contains(t, h.manager.Calls(), "stop")
	assert.Eventually(t, func() bool { return h.c.State().Status == StateIdle }, waitFor, tick)
	assert.False(t, h.c.State().Connected)
}

func TestToggle(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	require.NoError(t, h.c.SetConfiguration(validConfig))

	require.NoError(t, h.c.Toggle(context.Background()))
	assert.Contains(t, h.manager.Calls(), "start")

	h.manager.emit(session.Event{Status: session.StatusConnected})
	require.Eventually(t, func() bool { return h.c.State().Connected }, waitFor, tick)

	require.NoError(t, h.c.Toggle(context.Background()))
	assert.Contains(t, h.manager.Calls(), "stop")
	assert.Eventually(t, func() bool { return !h.c.State().Connected }, waitFor, tick)
}

func TestSetConfiguration(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.c.SetConfiguration(tunnel.Configuration{Host: "proxy.example.com", Port: 9000}))
	assert.Equal(t, tunnel.Configuration{Host: "proxy.example.com", Port: 9000}, h.c.State().Config)
	assert.Equal(t, "proxy.example.com", store.String(h.store, tunnel.KeyProxyHost))

	// invalid edits are kept but not persisted
	err := h.c.SetConfiguration(tunnel.Configuration{Host: "bad host", Port: 9000})
	assert.ErrorIs(t, err, tunnel.ErrInvalidHost)
	assert.Equal(t, "bad host", h.c.State().Config.Host)
	assert.Equal(t, "proxy.example.com", store.String(h.store, tunnel.KeyProxyHost))
}

func TestSetConfiguration_RejectedWhileActive(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t)

	assert.ErrorIs(t, h.c.SetConfiguration(tunnel.Configuration{Host: "10.0.0.9", Port: 80}), tunnel.ErrTunnelActive)
	assert.ErrorIs(t, h.c.ResetConfiguration(), tunnel.ErrTunnelActive)
	assert.Equal(t, validConfig, h.c.State().Config)
}

func TestResetConfiguration(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.SetConfiguration(validConfig))

	require.NoError(t, h.c.ResetConfiguration())
	assert.Equal(t, tunnel.Configuration{Port: 8080}, h.c.State().Config)

	_, ok, err := h.store.Get(tunnel.KeyProxyHost)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 8080, store.Int(h.store, tunnel.KeyProxyPort))
}

func TestUpdateProxy(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t)

	next := tunnel.Configuration{Host: "proxy.example.com", Port: 8888}
	require.NoError(t, h.c.UpdateProxy(context.Background(), next))
	assert.Equal(t, next, h.c.State().Config)
	assert.Equal(t, "proxy.example.com", store.String(h.store, tunnel.KeyProxyHost))

	var update *control.Message
	for _, m := range h.sender.Messages() {
		if m.Command == control.CommandUpdateProxy {
			update = &m
		}
	}
	require.NotNil(t, update)
	u, err := control.DecodeProxyUpdate(update.Payload)
	require.NoError(t, err)
	assert.Equal(t, control.ProxyUpdate{Host: "proxy.example.com", Port: 8888}, u)

	// channel failures are silent
	h.sender.set(nil, errors.New("connection refused"))
	assert.NoError(t, h.c.UpdateProxy(context.Background(), validConfig))

	// invalid updates are rejected locally
	err = h.c.UpdateProxy(context.Background(), tunnel.Configuration{Host: "10.0.0.5", Port: 0})
	assert.True(t, tunnel.IsKind(err, tunnel.KindValidation))
	assert.Equal(t, validConfig, h.c.State().Config)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, nil)
	states, cancel := h.c.Subscribe()

	require.NoError(t, h.c.SetConfiguration(validConfig))

	select {
	case st := <-states:
		assert.Equal(t, validConfig, st.Config)
	case <-time.After(waitFor):
		t.Fatal("no state published")
	}

	cancel()
	cancel()
	_, ok := <-states
	assert.False(t, ok)
}

func TestSubscribe_SlowSubscriberGetsLatest(t *testing.T) {
	h := newHarness(t, nil)
	states, cancel := h.c.Subscribe()
	defer cancel()

	var want tunnel.Configuration
	for port := uint16(3000); port < 3040; port++ {
		want = tunnel.Configuration{Host: "10.0.0.5", Port: port}
		require.NoError(t, h.c.SetConfiguration(want))
	}

	var last State
	for len(states) > 0 {
		last = <-states
	}
	assert.Equal(t, want, last.Config)
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	states, _ := h.c.Subscribe()

	require.NoError(t, h.c.Close())
	_, ok := <-states
	assert.False(t, ok)

	assert.ErrorIs(t, h.c.Connect(context.Background()), tunnel.ErrClosed)
	assert.ErrorIs(t, h.c.SetConfiguration(validConfig), tunnel.ErrClosed)
	h.c.RefreshStats(context.Background())
}
