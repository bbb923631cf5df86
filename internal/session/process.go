package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/tunnel"
)

// DefaultStopTimeout is how long Stop waits before killing the runtime.
const DefaultStopTimeout = 5 * time.Second

// ProcessConfig holds configuration for a ProcessManager.
type ProcessConfig struct {
	// DescriptorPath is where the descriptor is saved.
	DescriptorPath string
	// Executable is the netwraith binary. Defaults to the running executable.
	Executable string
	// Args are passed before the tunnel command.
	Args []string
	// Env is appended to the inherited environment.
	Env         []string
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// ProcessManager is a Manager that runs the tunnel runtime as a child
// process: `netwraith tunnel --descriptor <file>`.
type ProcessManager struct {
	cfg    ProcessConfig
	logger *slog.Logger
	events broadcaster

	mu          sync.RWMutex
	descriptor  *Descriptor
	cmd         *exec.Cmd
	waitDone    chan struct{}
	status      Status
	connectedAt time.Time
	lastErr     error
	stopping    bool
}

// NewProcessManager creates a ProcessManager.
func NewProcessManager(cfg ProcessConfig) *ProcessManager {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("session")
	}
	return &ProcessManager{
		cfg:    cfg,
		logger: logger,
		status: StatusInvalid,
	}
}

// Load implements Manager.
func (m *ProcessManager) Load(_ context.Context) (*Descriptor, error) {
	d, err := LoadDescriptor(m.cfg.DescriptorPath)
	if errors.Is(err, os.ErrNotExist) {
		d = NewDescriptor(tunnel.Configuration{})
		d.Enabled = false
		err = nil
	}
	if err != nil {
		return nil, tunnel.NewError(tunnel.KindPersistence, "load descriptor", err)
	}

	m.mu.Lock()
	m.descriptor = d
	if m.status == StatusInvalid && m.cmd == nil {
		m.setStatusLocked(StatusDisconnected)
	}
	m.mu.Unlock()
	return d, nil
}

// Save implements Manager.
func (m *ProcessManager) Save(_ context.Context, d *Descriptor) error {
	if err := SaveDescriptor(m.cfg.DescriptorPath, d); err != nil {
		return tunnel.NewError(tunnel.KindPersistence, "save descriptor", err)
	}
	m.mu.Lock()
	m.descriptor = d
	m.mu.Unlock()
	return nil
}

// Reload implements Manager.
func (m *ProcessManager) Reload(_ context.Context) (*Descriptor, error) {
	d, err := LoadDescriptor(m.cfg.DescriptorPath)
	if err != nil {
		return nil, tunnel.NewError(tunnel.KindPersistence, "reload descriptor", err)
	}
	m.mu.Lock()
	m.descriptor = d
	m.mu.Unlock()
	return d, nil
}

// StartTunnel launches the runtime process. It returns once the process is
// running; the outcome of the start arrives as a status event.
func (m *ProcessManager) StartTunnel(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.descriptor == nil {
		return tunnel.NewError(tunnel.KindSession, "start tunnel", tunnel.ErrNotInitialized)
	}
	if m.cmd != nil {
		return tunnel.NewError(tunnel.KindSession, "start tunnel", tunnel.ErrAlreadyRunning)
	}
	if !m.descriptor.Enabled {
		return tunnel.Errorf(tunnel.KindSession, "start tunnel", "tunnel configuration is disabled")
	}

	exe := m.cfg.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return tunnel.NewError(tunnel.KindSession, "start tunnel", err)
		}
	}

	args := append(append([]string(nil), m.cfg.Args...), "tunnel", "--descriptor", m.cfg.DescriptorPath)
	cmd := exec.Command(exe, args...) //nolint:gosec // G204: executable comes from local configuration
	cmd.Env = append(os.Environ(), m.cfg.Env...)
	cmd.Stderr = &logWriter{logger: m.logger}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return tunnel.NewError(tunnel.KindSession, "start tunnel", err)
	}
	if err := cmd.Start(); err != nil {
		return tunnel.NewError(tunnel.KindSession, "start tunnel", fmt.Errorf("start runtime: %w", err))
	}

	m.cmd = cmd
	m.waitDone = make(chan struct{})
	m.lastErr = nil
	m.stopping = false
	m.connectedAt = time.Time{}
	m.setStatusLocked(StatusConnecting)

	m.logger.Info("runtime started", "pid", cmd.Process.Pid, "descriptor", m.cfg.DescriptorPath)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		m.readStatus(stdout)
	}()

	go func(cmd *exec.Cmd, done chan struct{}) {
		// Wait must follow the last read from the pipe.
		<-readDone
		err := cmd.Wait()
		m.exited(err)
		close(done)
	}(cmd, m.waitDone)

	return nil
}

// StopTunnel implements Manager.
func (m *ProcessManager) StopTunnel() {
	go func() {
		if err := m.Stop(context.Background()); err != nil {
			m.logger.Warn("failed to stop runtime", "error", err)
		}
	}()
}

// Stop terminates the runtime process and waits for it to exit. The process
// is killed when it outlives the stop timeout or ctx.
func (m *ProcessManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cmd, done := m.cmd, m.waitDone
	if cmd == nil || cmd.Process == nil {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.setStatusLocked(StatusDisconnecting)
	m.mu.Unlock()

	if err := terminate(cmd.Process); err != nil {
		m.logger.Debug("failed to signal runtime", "error", err)
		_ = cmd.Process.Kill() //nolint:errcheck // Best effort kill
	}

	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		m.logger.Warn("runtime did not exit in time, killing", "pid", cmd.Process.Pid)
	case <-ctx.Done():
	}

	_ = cmd.Process.Kill() //nolint:errcheck // Best effort kill
	<-done
	return ctx.Err()
}

// Status implements Manager.
func (m *ProcessManager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// ConnectedAt implements Manager.
func (m *ProcessManager) ConnectedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectedAt
}

// LastError implements Manager.
func (m *ProcessManager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Subscribe implements Manager.
func (m *ProcessManager) Subscribe() (<-chan Event, func()) {
	return m.events.Subscribe()
}

func (m *ProcessManager) setStatusLocked(s Status) {
	m.status = s
	ev := Event{Status: s, ConnectedAt: m.connectedAt}
	if s.Terminal() {
		ev.Err = m.lastErr
	}
	m.events.publish(ev)
}

func (m *ProcessManager) readStatus(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line, err := ParseStatus(scanner.Bytes())
		if err != nil {
			m.logger.Debug(scanner.Text())
			continue
		}

		m.mu.Lock()
		switch line.Status {
		case StatusConnected:
			if line.ConnectedAt != nil {
				m.connectedAt = *line.ConnectedAt
			} else {
				m.connectedAt = time.Now()
			}
			m.setStatusLocked(StatusConnected)
		case StatusReasserting:
			m.setStatusLocked(StatusReasserting)
		case statusFailed:
			m.lastErr = line.Err()
			m.logger.Error("runtime failed to start", "error", m.lastErr)
		default:
			m.logger.Debug("unknown runtime status", "status", line.Status)
		}
		m.mu.Unlock()
	}
}

func (m *ProcessManager) exited(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil && !m.stopping && m.lastErr == nil {
		m.lastErr = tunnel.NewError(tunnel.KindSession, "runtime exited", err)
	}
	m.logger.Info("runtime exited", "error", err)

	m.cmd = nil
	m.stopping = false
	m.connectedAt = time.Time{}
	m.setStatusLocked(StatusDisconnected)
}

// logWriter writes runtime output to the logger.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(strings.TrimSpace(string(p)), "\n")
	for _, line := range lines {
		if line != "" {
			w.logger.Debug(line, "source", "runtime")
		}
	}
	return len(p), nil
}
