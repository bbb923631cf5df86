// Package store provides the durable key/value record shared by the
// NetWraith controller and runtime processes.
//
// Writes from one process are not guaranteed to be visible to a concurrent
// reader in another process immediately; callers treat the store as
// eventually consistent and use Watch to learn about changes.
package store

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/netwraith/netwraith/internal/tunnel"
)

// Store is a cross-process key/value store. Values are limited to strings,
// booleans and numbers.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (any, bool, error)
	// Set stores value under key.
	Set(key string, value any) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
	// Watch emits the names of keys changed by any writer until ctx is done.
	Watch(ctx context.Context) <-chan string
	// Close releases the store.
	Close() error
}

// Snapshot is the durable record used for defaults at process bootstrap.
type Snapshot struct {
	ProxyHost string  `json:"proxy_host" yaml:"proxy_host"`
	ProxyPort int     `json:"proxy_port" yaml:"proxy_port"`
	Active    bool    `json:"tunnel_active" yaml:"tunnel_active"`
	StartTime float64 `json:"tunnel_start_time" yaml:"tunnel_start_time"`
}

// Load reads the shared record from s. Missing keys yield zero values.
func Load(s Store) Snapshot {
	return Snapshot{
		ProxyHost: String(s, tunnel.KeyProxyHost),
		ProxyPort: Int(s, tunnel.KeyProxyPort),
		Active:    Bool(s, tunnel.KeyTunnelActive),
		StartTime: Float(s, tunnel.KeyTunnelStartTime),
	}
}

// Configuration returns the stored proxy endpoint. A stored port outside
// [1,65535] is reported as zero.
func (s Snapshot) Configuration() tunnel.Configuration {
	cfg := tunnel.Configuration{Host: s.ProxyHost}
	if s.ProxyPort > 0 && s.ProxyPort <= math.MaxUint16 {
		cfg.Port = uint16(s.ProxyPort)
	}
	return cfg
}

// SaveConfiguration persists the proxy endpoint.
func SaveConfiguration(s Store, cfg tunnel.Configuration) error {
	if err := s.Set(tunnel.KeyProxyHost, cfg.Host); err != nil {
		return fmt.Errorf("store proxy host: %w", err)
	}
	if err := s.Set(tunnel.KeyProxyPort, int(cfg.Port)); err != nil {
		return fmt.Errorf("store proxy port: %w", err)
	}
	return nil
}

// String returns the string at key, or "" if it is missing or unreadable.
func String(s Store, key string) string {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Int returns the integer at key, or 0.
func Int(s Store, key string) int {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case int32:
		return int(x)
	case uint16:
		return int(x)
	case uint64:
		return int(x)
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		return 0
	}
}

// Bool returns the boolean at key, or false.
func Bool(s Store, key string) bool {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	default:
		return false
	}
}

// Float returns the number at key, or 0.
func Float(s Store, key string) float64 {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return 0
	}
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

// Open creates a store for the given driver. Supported drivers are
// "memory", "file" and "sqlite".
func Open(driver, path string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "", "file":
		return OpenFile(path)
	case "sqlite":
		return OpenSQL(path)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}
