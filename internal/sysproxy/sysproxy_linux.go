//go:build linux

package sysproxy

import (
	"fmt"
	"os/exec"
	"strconv"
)

// gsettingsManager drives the GNOME proxy schema, which most Linux desktops
// and many CLI tools honor.
type gsettingsManager struct {
	run func(args ...string) error
}

func newPlatformManager() Manager {
	return &gsettingsManager{run: runGsettings}
}

func runGsettings(args ...string) error {
	if _, err := exec.LookPath("gsettings"); err != nil {
		return ErrNotSupported
	}
	out, err := exec.Command("gsettings", args...).CombinedOutput() //nolint:gosec // G204: arguments are built from validated settings
	if err != nil {
		return fmt.Errorf("gsettings %v: %w: %s", args, err, out)
	}
	return nil
}

func (m *gsettingsManager) Apply(s Settings) error {
	for _, proto := range []struct {
		schema string
		addr   string
	}{
		{"org.gnome.system.proxy.http", s.HTTP},
		{"org.gnome.system.proxy.https", s.HTTPS},
	} {
		if proto.addr == "" {
			continue
		}
		host, port, err := Endpoint(proto.addr)
		if err != nil {
			return fmt.Errorf("invalid proxy address %q: %w", proto.addr, err)
		}
		if err := m.run("set", proto.schema, "host", host); err != nil {
			return err
		}
		if err := m.run("set", proto.schema, "port", strconv.Itoa(port)); err != nil {
			return err
		}
	}

	ignore := "['localhost', '127.0.0.0/8', '::1']"
	if !s.ExcludeSimpleHostnames {
		ignore = "[]"
	}
	if err := m.run("set", "org.gnome.system.proxy", "ignore-hosts", ignore); err != nil {
		return err
	}
	return m.run("set", "org.gnome.system.proxy", "mode", "manual")
}

func (m *gsettingsManager) Clear() error {
	return m.run("set", "org.gnome.system.proxy", "mode", "none")
}
