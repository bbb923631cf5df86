// Package controller implements the user-facing half of NetWraith: it holds
// the working proxy configuration, drives the connect sequence through the
// session manager, tracks the tunnel status and polls the runtime for
// traffic statistics.
//
// All controller state is owned by a single event-loop goroutine. Public
// methods post closures to the loop; blocking work such as descriptor I/O
// and control requests runs outside it and posts its outcome back.
package controller

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/netwraith/netwraith/internal/control"
	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/session"
	"github.com/netwraith/netwraith/internal/store"
	"github.com/netwraith/netwraith/internal/tunnel"
	"github.com/netwraith/netwraith/internal/validate"
)

// DefaultPollInterval is the statistics refresh period while connected.
const DefaultPollInterval = 2 * time.Second

// errDescriptorAccess is shown when the descriptor cannot be read for lack
// of permissions.
const errDescriptorAccess = "Tunnel descriptor is not accessible. Check the permissions of the NetWraith data directory."

// Config holds Controller dependencies.
type Config struct {
	Manager session.Manager
	Store   store.Store
	// Control reaches the runtime. Statistics and proxy updates are
	// disabled when nil.
	Control      control.Sender
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Controller drives one tunnel.
type Controller struct {
	manager      session.Manager
	store        store.Store
	control      control.Sender
	pollInterval time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}

	snapMu sync.Mutex
	snap   State

	// Owned by the event loop.
	state       State
	descriptor  *session.Descriptor
	inFlight    bool
	refreshing  bool
	pollCancel  context.CancelFunc
	unsubscribe func()
	subs        map[chan State]struct{}
}

// New creates a Controller and starts its event loop. The working
// configuration is seeded from the store.
func New(cfg Config) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		manager:      cfg.Manager,
		store:        cfg.Store,
		control:      cfg.Control,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
		ctx:          ctx,
		cancel:       cancel,
		ops:          make(chan func()),
		done:         make(chan struct{}),
		subs:         make(map[chan State]struct{}),
	}
	if c.logger == nil {
		c.logger = logging.WithComponent("controller")
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}

	c.state.Config = bootstrapConfiguration(c.store)
	c.snap = c.state

	go c.run()
	return c
}

// bootstrapConfiguration reads the stored endpoint, defaulting the port.
func bootstrapConfiguration(s store.Store) tunnel.Configuration {
	if s == nil {
		return tunnel.Configuration{Port: tunnel.DefaultProxyPort}
	}
	cfg := store.Load(s).Configuration()
	if cfg.Port == 0 {
		cfg.Port = tunnel.DefaultProxyPort
	}
	return cfg
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

// call runs fn on the event loop and waits for it. It must not be called
// from the loop itself.
func (c *Controller) call(fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case c.ops <- op:
	case <-c.done:
		return tunnel.ErrClosed
	}
	<-finished
	return nil
}

// Init loads the tunnel descriptor, subscribes to status events and applies
// the manager's current status. A load failure is reported in LastError;
// the controller then works with a fresh descriptor.
func (c *Controller) Init(ctx context.Context) error {
	var initialized bool
	if err := c.call(func() { initialized = c.state.Initialized }); err != nil {
		return err
	}
	if initialized {
		return nil
	}

	d, loadErr := c.manager.Load(ctx)
	if loadErr != nil {
		c.logger.Error("failed to load tunnel descriptor", "error", loadErr)
		d = session.NewDescriptor(tunnel.Configuration{})
	}

	events, unsubscribe := c.manager.Subscribe()
	current := session.Event{
		Status:      c.manager.Status(),
		ConnectedAt: c.manager.ConnectedAt(),
		Err:         c.manager.LastError(),
	}

	err := c.call(func() {
		c.descriptor = d
		c.unsubscribe = unsubscribe
		c.state.Initialized = true
		c.applyStatus(current)
		if loadErr != nil {
			c.state.LastError = loadErrorMessage(loadErr)
		}
		c.publish()
	})
	if err != nil {
		unsubscribe()
		return err
	}

	go c.forwardEvents(events)
	return loadErr
}

func loadErrorMessage(err error) string {
	if errors.Is(err, fs.ErrPermission) {
		return errDescriptorAccess
	}
	return err.Error()
}

func (c *Controller) forwardEvents(events <-chan session.Event) {
	for ev := range events {
		if err := c.call(func() {
			c.applyStatus(ev)
			c.publish()
		}); err != nil {
			return
		}
	}
}

// applyStatus maps a session status onto the controller state. Runs on the
// loop.
func (c *Controller) applyStatus(ev session.Event) {
	c.state.Status = StateFromStatus(ev.Status)
	c.logger.Debug("tunnel status changed", "status", c.state.Status.String())

	switch c.state.Status {
	case StateConnected:
		c.state.Connected = true
		c.state.Connecting = false
		c.state.ConnectedAt = ev.ConnectedAt
		c.state.LastError = ""
		c.startPolling()

	case StateConnecting, StateReasserting:
		c.state.Connected = false
		c.state.Connecting = true
		c.stopPolling()

	case StateIdle, StateInvalid:
		c.state.Connected = false
		c.state.Connecting = c.inFlight
		c.state.ConnectedAt = time.Time{}
		c.stopPolling()
		if ev.Err != nil {
			c.state.LastError = ev.Err.Error()
		}

	case StateDisconnecting:
		c.state.Connected = false
		c.state.Connecting = false
		c.stopPolling()
	}
}

// Connect validates the working configuration and runs the connect
// sequence: persist the configuration, save the descriptor, reload it and
// request the tunnel start. The tunnel status arrives later through status
// events. A failing stage reverts the controller to Idle.
func (c *Controller) Connect(ctx context.Context) error {
	var (
		cfg  tunnel.Configuration
		d    *session.Descriptor
		fail error
	)
	err := c.call(func() {
		if c.inFlight {
			fail = tunnel.ErrConnectInProgress
			return
		}
		if verr := validate.Configuration(c.state.Config); verr != nil {
			c.state.LastError = verr.Error()
			c.publish()
			fail = verr
			return
		}
		if c.descriptor == nil {
			c.state.LastError = tunnel.ErrNotInitialized.Error()
			c.publish()
			fail = tunnel.NewError(tunnel.KindSession, "", tunnel.ErrNotInitialized)
			return
		}

		c.inFlight = true
		c.state.Connecting = true
		c.state.LastError = ""
		c.state.Status = StateLoading
		c.publish()

		cfg = c.state.Config
		cp := *c.descriptor
		d = &cp
	})
	if err != nil {
		return err
	}
	if fail != nil {
		return fail
	}

	c.logger.Info("connecting", "proxy", cfg.Address())
	return c.connectChain(ctx, cfg, d)
}

func (c *Controller) connectChain(ctx context.Context, cfg tunnel.Configuration, d *session.Descriptor) error {
	if err := store.SaveConfiguration(c.store, cfg); err != nil {
		return c.abort(tunnel.NewError(tunnel.KindPersistence, "persist configuration", err))
	}

	d.Apply(cfg)
	if err := c.manager.Save(ctx, d); err != nil {
		return c.abort(classify(tunnel.KindPersistence, "save descriptor", err))
	}

	reloaded, err := c.manager.Reload(ctx)
	if err != nil {
		return c.abort(classify(tunnel.KindPersistence, "reload descriptor", err))
	}

	if err := c.call(func() {
		c.descriptor = reloaded
		c.state.Status = StateConnecting
		c.publish()
	}); err != nil {
		return err
	}

	if err := c.manager.StartTunnel(ctx); err != nil {
		return c.abort(classify(tunnel.KindSession, "start tunnel", err))
	}

	c.logger.Info("tunnel start requested", "proxy", cfg.Address())
	_ = c.call(func() { //nolint:errcheck // closed controller has nothing to clear
		c.inFlight = false
		// The runtime may already have failed while the start was pending.
		if c.state.Status == StateIdle || c.state.Status == StateInvalid {
			c.state.Connecting = false
			c.publish()
		}
	})
	return nil
}

// abort reverts a failed connect sequence to Idle.
func (c *Controller) abort(err error) error {
	c.logger.Error("connect failed", "error", err)
	_ = c.call(func() { //nolint:errcheck // closed controller has nothing to revert
		c.inFlight = false
		c.state.Connecting = false
		c.state.Status = StateIdle
		c.state.LastError = userMessage(err)
		c.publish()
	})
	return err
}

// classify gives err kind unless it already carries one.
func classify(kind tunnel.Kind, op string, err error) error {
	if tunnel.KindOf(err) != tunnel.KindUnknown {
		return err
	}
	return tunnel.NewError(kind, op, err)
}

// userMessage strips the operation prefix from classified errors.
func userMessage(err error) string {
	var te *tunnel.Error
	if errors.As(err, &te) && te.Err != nil {
		return te.Err.Error()
	}
	return err.Error()
}

// Disconnect requests a tunnel stop and cancels polling. It does not wait
// for the tunnel to go down.
func (c *Controller) Disconnect() {
	_ = c.call(c.stopPolling) //nolint:errcheck // stop is requested regardless
	c.manager.StopTunnel()
	c.logger.Info("tunnel stop requested")
}

// Toggle disconnects a connected tunnel and connects otherwise.
func (c *Controller) Toggle(ctx context.Context) error {
	if c.State().Connected {
		c.Disconnect()
		return nil
	}
	return c.Connect(ctx)
}

// RefreshStats asks the runtime for its counters. Failures leave the
// counters unchanged. A refresh is skipped while another is in flight.
func (c *Controller) RefreshStats(ctx context.Context) {
	if c.control == nil {
		return
	}

	var skip bool
	if err := c.call(func() {
		skip = c.refreshing
		c.refreshing = true
	}); err != nil || skip {
		return
	}

	body, err := c.control.Send(ctx, control.GetStats())

	var stats control.Stats
	ok := false
	switch {
	case err != nil:
		c.logger.Debug("stats request failed", "error", err)
	case body == nil:
		c.logger.Debug("runtime returned no stats")
	default:
		if stats, err = control.DecodeStats(body); err != nil {
			c.logger.Debug("failed to decode stats", "error", err)
		} else {
			ok = true
		}
	}

	_ = c.call(func() { //nolint:errcheck // closed controller drops the result
		c.refreshing = false
		if !ok {
			return
		}
		c.state.BytesIn = stats.BytesIn
		c.state.BytesOut = stats.BytesOut
		c.state.Uptime = stats.Uptime
		c.publish()
	})
}

// startPolling begins periodic refreshes. Runs on the loop.
func (c *Controller) startPolling() {
	if c.pollCancel != nil || c.control == nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.pollCancel = cancel

	go func() {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				go c.RefreshStats(ctx)
			}
		}
	}()
}

// stopPolling cancels periodic refreshes. Runs on the loop.
func (c *Controller) stopPolling() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
}

// SetConfiguration replaces the working configuration. A valid
// configuration is persisted to the store; an invalid one is kept but
// reported. It is rejected while a tunnel is active.
func (c *Controller) SetConfiguration(cfg tunnel.Configuration) error {
	var fail error
	if err := c.call(func() {
		if c.state.Active() || c.inFlight {
			fail = tunnel.ErrTunnelActive
			return
		}
		c.state.Config = cfg
		c.publish()
	}); err != nil {
		return err
	}
	if fail != nil {
		return fail
	}

	if err := validate.Configuration(cfg); err != nil {
		return err
	}
	if err := store.SaveConfiguration(c.store, cfg); err != nil {
		return tunnel.NewError(tunnel.KindPersistence, "persist configuration", err)
	}
	return nil
}

// ResetConfiguration clears the host and restores the default port.
func (c *Controller) ResetConfiguration() error {
	var fail error
	if err := c.call(func() {
		if c.state.Active() || c.inFlight {
			fail = tunnel.ErrTunnelActive
			return
		}
		c.state.Config = tunnel.Configuration{Port: tunnel.DefaultProxyPort}
		c.state.LastError = ""
		c.publish()
	}); err != nil {
		return err
	}
	if fail != nil {
		return fail
	}

	if err := c.store.Remove(tunnel.KeyProxyHost); err != nil {
		return tunnel.NewError(tunnel.KindPersistence, "reset configuration", err)
	}
	if err := c.store.Set(tunnel.KeyProxyPort, int(tunnel.DefaultProxyPort)); err != nil {
		return tunnel.NewError(tunnel.KindPersistence, "reset configuration", err)
	}
	return nil
}

// UpdateProxy switches a running tunnel to cfg. The new endpoint becomes the
// working configuration and is persisted; delivery to the runtime is best
// effort and never reported.
func (c *Controller) UpdateProxy(ctx context.Context, cfg tunnel.Configuration) error {
	if err := validate.Configuration(cfg); err != nil {
		return err
	}

	if err := c.call(func() {
		c.state.Config = cfg
		c.publish()
	}); err != nil {
		return err
	}
	if err := store.SaveConfiguration(c.store, cfg); err != nil {
		c.logger.Warn("failed to persist proxy update", "error", err)
	}

	if c.control == nil {
		return nil
	}
	m, err := control.UpdateProxy(cfg)
	if err != nil {
		c.logger.Debug("failed to encode proxy update", "error", err)
		return nil
	}
	if _, err := c.control.Send(ctx, m); err != nil {
		c.logger.Debug("proxy update not delivered", "error", err)
	}
	return nil
}

// State returns the latest state snapshot.
func (c *Controller) State() State {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

// Subscribe returns a channel receiving a snapshot after every change, and
// a function that ends the subscription. A subscriber that falls behind
// loses its oldest snapshots, never the latest.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
	if err := c.call(func() { c.subs[ch] = struct{}{} }); err != nil {
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			if err := c.call(func() { delete(c.subs, ch) }); err != nil {
				return
			}
			close(ch)
		})
	}
}

// publish records and broadcasts the state. Runs on the loop.
func (c *Controller) publish() {
	s := c.state

	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()

	for ch := range c.subs {
		for sent := false; !sent; {
			select {
			case ch <- s:
				sent = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// Close stops polling, ends the status subscription and the event loop.
func (c *Controller) Close() error {
	_ = c.call(func() { //nolint:errcheck // already closed
		c.stopPolling()
		if c.unsubscribe != nil {
			c.unsubscribe()
			c.unsubscribe = nil
		}
		for ch := range c.subs {
			close(ch)
			delete(c.subs, ch)
		}
	})
	c.cancel()
	<-c.done
	return nil
}
