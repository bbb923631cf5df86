package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netwraith/netwraith/internal/logging"
)

// Config is the NetWraith configuration shared by the controller and the
// runtime process.
type Config struct {
	Store      StoreConfig      `yaml:"store" json:"store"`
	Control    ControlConfig    `yaml:"control" json:"control"`
	Tunnel     TunnelConfig     `yaml:"tunnel" json:"tunnel"`
	Controller ControllerConfig `yaml:"controller" json:"controller"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging    logging.Config   `yaml:"logging" json:"logging"`
}

// StoreConfig selects the shared key/value store.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"` // file, sqlite, memory
	Path   string `yaml:"path" json:"path"`
}

// ControlConfig configures the control channel between controller and runtime.
type ControlConfig struct {
	Socket string `yaml:"socket" json:"socket"`
}

// TunnelConfig configures the runtime process and its virtual interface.
type TunnelConfig struct {
	Interface   string   `yaml:"interface" json:"interface"`
	Descriptor  string   `yaml:"descriptor" json:"descriptor"`
	Executable  string   `yaml:"executable,omitempty" json:"executable,omitempty"`
	StopTimeout Duration `yaml:"stop_timeout" json:"stop_timeout"`
}

// ControllerConfig configures the user-facing controller.
type ControllerConfig struct {
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
}

// MetricsConfig toggles the Prometheus endpoint on the control socket.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// EnvHome overrides the directory holding NetWraith state.
const EnvHome = "NETWRAITH_HOME"

// DefaultDir returns the directory for the socket, store and descriptor.
func DefaultDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	return "/var/lib/netwraith"
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	dir := DefaultDir()
	return Config{
		Store: StoreConfig{
			Driver: "file",
			Path:   filepath.Join(dir, "shared.yaml"),
		},
		Control: ControlConfig{
			Socket: filepath.Join(dir, "control.sock"),
		},
		Tunnel: TunnelConfig{
			Interface:   "nwraith0",
			Descriptor:  filepath.Join(dir, "descriptor.yaml"),
			StopTimeout: Duration(5 * time.Second),
		},
		Controller: ControllerConfig{
			PollInterval: Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{Enabled: true},
		Logging: logging.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "file", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be file, sqlite or memory, got %q", c.Store.Driver))
	}

	if c.Control.Socket == "" {
		errs = append(errs, errors.New("control.socket is required"))
	}

	if c.Tunnel.Interface == "" {
		errs = append(errs, errors.New("tunnel.interface is required"))
	} else if len(c.Tunnel.Interface) > 15 {
		errs = append(errs, fmt.Errorf("tunnel.interface %q is longer than 15 characters", c.Tunnel.Interface))
	}
	if c.Tunnel.Descriptor == "" {
		errs = append(errs, errors.New("tunnel.descriptor is required"))
	}
	if c.Tunnel.StopTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("tunnel.stop_timeout must be positive"))
	}

	if c.Controller.PollInterval.Duration() <= 0 {
		errs = append(errs, errors.New("controller.poll_interval must be positive"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
