package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/netwraith/netwraith/internal/tunnel"
)

// Descriptor is the saved tunnel configuration handed to the runtime.
type Descriptor struct {
	ID                string                `yaml:"id"`
	Description       string                `yaml:"description"`
	ServerAddress     string                `yaml:"server_address"`
	Provider          tunnel.ProviderConfig `yaml:"provider"`
	Enabled           bool                  `yaml:"enabled"`
	DisconnectOnSleep bool                  `yaml:"disconnect_on_sleep"`
}

// NewDescriptor returns a new descriptor for cfg with a fresh ID.
func NewDescriptor(cfg tunnel.Configuration) *Descriptor {
	d := &Descriptor{
		ID:          uuid.NewString(),
		Description: tunnel.Description,
	}
	d.Apply(cfg)
	return d
}

// Apply points the descriptor at cfg and enables it.
func (d *Descriptor) Apply(cfg tunnel.Configuration) {
	d.ServerAddress = cfg.Address()
	d.Provider = tunnel.ProviderConfig{ProxyHost: cfg.Host, ProxyPort: cfg.Port}
	d.Enabled = true
	d.DisconnectOnSleep = false
}

// Validate checks that the descriptor can be started.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("descriptor id is required")
	}
	if _, err := uuid.Parse(d.ID); err != nil {
		return fmt.Errorf("descriptor id: %w", err)
	}
	return nil
}

// LoadDescriptor reads a descriptor file.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", path, err)
	}
	return &d, nil
}

// SaveDescriptor writes d to path atomically.
func SaveDescriptor(path string, d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil { //nolint:gosec // G301: descriptor directory must be readable by the runtime
		return fmt.Errorf("create descriptor directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".descriptor-*")
	if err != nil {
		return fmt.Errorf("create temp descriptor: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close descriptor: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename descriptor: %w", err)
	}
	return nil
}
