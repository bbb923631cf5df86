// Package packettunnel implements the NetWraith tunnel runtime: it owns the
// virtual interface, applies the network settings that route traffic to the
// proxy, counts the traffic and answers control messages.
package packettunnel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netwraith/netwraith/internal/control"
	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/metrics"
	"github.com/netwraith/netwraith/internal/store"
	"github.com/netwraith/netwraith/internal/tunnel"
	"github.com/netwraith/netwraith/internal/util"
	"github.com/netwraith/netwraith/internal/validate"
	"github.com/netwraith/netwraith/internal/vpn"
)

// State is the lifecycle state of a Runtime.
type State int32

const (
	StateUninitialized State = iota
	StateConfiguring
	StateSettingsApplied
	StateActive
	StateFailed
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateSettingsApplied:
		return "settings_applied"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// defaultReadRetryDelay is the pause after a failed packet read.
const defaultReadRetryDelay = 10 * time.Millisecond

// Config holds Runtime dependencies.
type Config struct {
	Store    store.Store
	Platform vpn.Platform
	// Metrics may be nil.
	Metrics *metrics.Collector
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// ReadRetryDelay is the pause after a failed packet read.
	ReadRetryDelay time.Duration
}

// Runtime is the tunnel runtime. Its configuration and counters are guarded
// by separate locks that are never held across a blocking call.
type Runtime struct {
	store      store.Store
	platform   vpn.Platform
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
	retryDelay time.Duration

	state atomic.Int32

	// lifeMu serializes Start, Stop and settings re-application.
	lifeMu   sync.Mutex
	loopDone chan struct{}

	cfgMu sync.Mutex
	cfg   tunnel.Configuration

	counters Counters
}

// New creates a Runtime.
func New(cfg Config) *Runtime {
	r := &Runtime{
		store:      cfg.Store,
		platform:   cfg.Platform,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
		retryDelay: cfg.ReadRetryDelay,
	}
	if r.logger == nil {
		r.logger = logging.WithComponent("runtime")
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.retryDelay <= 0 {
		r.retryDelay = defaultReadRetryDelay
	}
	r.metrics.RecordState(StateUninitialized.String())
	return r
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

func (r *Runtime) setState(s State) {
	r.state.Store(int32(s))
	r.metrics.RecordState(s.String())
	r.logger.Debug("runtime state changed", "state", s.String())
}

// Configuration returns the working proxy configuration.
func (r *Runtime) Configuration() tunnel.Configuration {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	return r.cfg
}

func (r *Runtime) setConfiguration(cfg tunnel.Configuration) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
}

// ResolveConfiguration merges the provider configuration with the store.
// A provider host overrides the store; without one the stored endpoint is
// used as a whole. A zero port falls back to the stored port, then to
// tunnel.DefaultProxyPort.
func (r *Runtime) ResolveConfiguration(provider *tunnel.ProviderConfig) tunnel.Configuration {
	stored := store.Load(r.store).Configuration()

	cfg := stored
	if provider != nil && provider.ProxyHost != "" {
		cfg = provider.Configuration()
		if cfg.Port == 0 {
			cfg.Port = stored.Port
		}
	}
	if cfg.Port == 0 {
		cfg.Port = tunnel.DefaultProxyPort
	}
	return cfg
}

// Start configures the tunnel and begins counting traffic. It returns once
// the settings are applied and the packet loop is running.
func (r *Runtime) Start(ctx context.Context, provider *tunnel.ProviderConfig) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	switch r.State() {
	case StateConfiguring, StateSettingsApplied, StateActive, StateStopping:
		return tunnel.NewError(tunnel.KindConfiguration, "start", tunnel.ErrAlreadyRunning)
	}

	r.setState(StateConfiguring)

	cfg := r.ResolveConfiguration(provider)
	if err := validate.Configuration(cfg); err != nil {
		r.setState(StateFailed)
		r.logger.Error("invalid tunnel configuration", "host", cfg.Host, "port", cfg.Port, "error", err)
		return tunnel.NewError(tunnel.KindConfiguration, "start", err)
	}

	r.setConfiguration(cfg)
	r.counters.Reset(r.now())

	r.logger.Info("applying network settings", "proxy", cfg.Address())
	err := r.platform.SetNetworkSettings(ctx, vpn.BuildSettings(cfg))
	r.metrics.RecordSettingsApply(err)
	if err != nil {
		r.setState(StateFailed)
		if cerr := r.platform.Close(); cerr != nil {
			r.logger.Warn("failed to release tunnel interface", "error", cerr)
		}
		r.logger.Error("failed to apply network settings", "error", err)
		return tunnel.NewError(tunnel.KindSettingsApply, "apply network settings", err)
	}
	r.setState(StateSettingsApplied)

	done := make(chan struct{})
	r.loopDone = done
	go r.packetLoop(r.platform.PacketFlow(), done)

	if err := r.store.Set(tunnel.KeyTunnelActive, true); err != nil {
		r.logger.Warn("failed to record tunnel state", "error", err)
	}
	if err := r.store.Set(tunnel.KeyTunnelStartTime, unixSeconds(r.now())); err != nil {
		r.logger.Warn("failed to record tunnel start time", "error", err)
	}

	r.setState(StateActive)
	r.logger.Info("tunnel started", "proxy", cfg.Address())
	return nil
}

// Stop records the tunnel as inactive and releases the interface. It waits
// for the packet loop to finish or ctx to end.
func (r *Runtime) Stop(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.State() == StateUninitialized {
		return nil
	}
	r.setState(StateStopping)

	var errs util.MultiError
	errs.Addf(r.store.Set(tunnel.KeyTunnelActive, false), "record tunnel state")
	errs.Addf(r.store.Remove(tunnel.KeyTunnelStartTime), "remove tunnel start time")
	errs.Addf(r.platform.Close(), "release tunnel interface")

	if done := r.loopDone; done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			errs.Addf(ctx.Err(), "wait for packet loop")
		}
		r.loopDone = nil
	}

	r.setState(StateUninitialized)
	r.logger.Info("tunnel stopped")
	return errs.Err()
}

// Wait blocks until the packet loop ends.
func (r *Runtime) Wait() {
	r.lifeMu.Lock()
	done := r.loopDone
	r.lifeMu.Unlock()
	if done != nil {
		<-done
	}
}

// packetLoop counts the bytes of every batch read from flow. Packets are not
// forwarded. It ends when the interface is torn down.
func (r *Runtime) packetLoop(flow vpn.PacketFlow, done chan struct{}) {
	defer close(done)

	for {
		packets, err := flow.ReadPackets()
		if err != nil {
			if errors.Is(err, vpn.ErrClosed) {
				r.logger.Debug("packet flow closed")
				return
			}
			r.logger.Warn("packet read failed", "error", err)
			time.Sleep(r.retryDelay)
			continue
		}

		n := vpn.BatchBytes(packets)
		r.counters.AddIn(n)
		r.metrics.RecordBatch(len(packets), n)
	}
}

// Counters returns the traffic counters.
func (r *Runtime) Counters() *Counters {
	return &r.counters
}

// Uptime returns the seconds since the later of the stored and the local
// start time. It is 0 when neither is recorded and never negative.
func (r *Runtime) Uptime() float64 {
	_, _, local := r.counters.Snapshot()

	latest := store.Float(r.store, tunnel.KeyTunnelStartTime)
	if !local.IsZero() {
		if l := unixSeconds(local); l > latest {
			latest = l
		}
	}
	if latest <= 0 {
		return 0
	}

	uptime := unixSeconds(r.now()) - latest
	if uptime < 0 {
		return 0
	}
	return uptime
}

// Stats returns the current traffic statistics.
func (r *Runtime) Stats() control.Stats {
	in, out, _ := r.counters.Snapshot()
	return control.Stats{BytesIn: in, BytesOut: out, Uptime: r.Uptime()}
}

// HandleMessage answers one control message. Malformed messages and
// update-proxy requests produce no data.
func (r *Runtime) HandleMessage(ctx context.Context, data []byte) []byte {
	m, err := control.Decode(data)
	if err != nil {
		r.logger.Debug("ignoring malformed control message", "error", err)
		r.metrics.RecordControlMessage("invalid", false)
		return nil
	}

	switch m.Command {
	case control.CommandGetStats:
		resp, err := json.Marshal(r.Stats())
		if err != nil {
			r.logger.Warn("failed to encode stats", "error", err)
			r.metrics.RecordControlMessage(string(m.Command), false)
			return nil
		}
		r.metrics.RecordControlMessage(string(m.Command), true)
		return resp

	case control.CommandUpdateProxy:
		u, err := control.DecodeProxyUpdate(m.Payload)
		if err != nil {
			r.logger.Warn("ignoring malformed proxy update", "error", err)
			r.metrics.RecordControlMessage(string(m.Command), false)
			r.metrics.RecordProxyUpdate(false)
			return nil
		}
		err = r.UpdateProxy(ctx, u.Host, u.Port)
		r.metrics.RecordControlMessage(string(m.Command), err == nil)
		return nil
	}
	return nil
}

// UpdateProxy validates and installs a new proxy endpoint. While the tunnel
// is active the network settings are re-applied for the new endpoint.
func (r *Runtime) UpdateProxy(ctx context.Context, host string, port int) error {
	if !validate.IsValidHost(host) {
		r.logger.Warn("rejected proxy update", "host", host, "error", tunnel.ErrInvalidHost)
		r.metrics.RecordProxyUpdate(false)
		return tunnel.NewError(tunnel.KindValidation, "update proxy", tunnel.ErrInvalidHost)
	}
	if !validate.IsValidPort(port) {
		r.logger.Warn("rejected proxy update", "port", port, "error", tunnel.ErrPortOutRange)
		r.metrics.RecordProxyUpdate(false)
		return tunnel.NewError(tunnel.KindValidation, "update proxy", tunnel.ErrPortOutRange)
	}

	cfg := tunnel.Configuration{Host: host, Port: uint16(port)}
	r.setConfiguration(cfg)
	r.metrics.RecordProxyUpdate(true)
	r.logger.Info("proxy updated", "proxy", cfg.Address())

	return r.reapply(ctx)
}

func (r *Runtime) reapply(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.State() != StateActive {
		return nil
	}

	cfg := r.Configuration()
	err := r.platform.SetNetworkSettings(ctx, vpn.BuildSettings(cfg))
	r.metrics.RecordSettingsApply(err)
	if err != nil {
		r.logger.Error("failed to re-apply network settings", "proxy", cfg.Address(), "error", err)
		return tunnel.NewError(tunnel.KindSettingsApply, "re-apply network settings", err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
