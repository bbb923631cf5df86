//go:build linux

package vpn

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const resolvConfPath = "/etc/resolv.conf"

// linuxDNS points the tunnel link at the tunnel resolvers, through
// systemd-resolved when available and by rewriting resolv.conf otherwise.
type linuxDNS struct {
	logger     *slog.Logger
	lookPath   func(string) (string, error)
	run        func(name string, args ...string) ([]byte, error)
	resolvConf string

	mu        sync.Mutex
	mode      string // "resolvectl", "resolvconf" or ""
	savedConf []byte
	hadConf   bool
}

func newLinuxDNS(logger *slog.Logger, lookPath func(string) (string, error), run func(string, ...string) ([]byte, error)) *linuxDNS {
	return &linuxDNS{
		logger:     logger,
		lookPath:   lookPath,
		run:        run,
		resolvConf: resolvConfPath,
	}
}

func (d *linuxDNS) set(link string, servers, domains []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.lookPath("resolvectl"); err == nil {
		err := d.setResolved(link, servers, domains)
		if err == nil {
			d.mode = "resolvectl"
			return nil
		}
		d.logger.Debug("resolvectl failed, trying resolv.conf", "error", err)
	}

	if err := d.writeResolvConf(servers); err != nil {
		return err
	}
	d.mode = "resolvconf"
	return nil
}

func (d *linuxDNS) setResolved(link string, servers, domains []string) error {
	if out, err := d.run("resolvectl", append([]string{"dns", link}, servers...)...); err != nil {
		return fmt.Errorf("resolvectl dns: %w: %s", err, out)
	}

	routing := make([]string, 0, len(domains))
	for _, dom := range domains {
		if dom == "" {
			routing = append(routing, "~.")
		} else {
			routing = append(routing, "~"+dom)
		}
	}
	if len(routing) > 0 {
		if out, err := d.run("resolvectl", append([]string{"domain", link}, routing...)...); err != nil {
			return fmt.Errorf("resolvectl domain: %w: %s", err, out)
		}
	}

	if _, err := d.run("resolvectl", "default-route", link, "true"); err != nil {
		d.logger.Debug("resolvectl default-route failed", "link", link, "error", err)
	}
	return nil
}

func (d *linuxDNS) writeResolvConf(servers []string) error {
	data, err := os.ReadFile(d.resolvConf)
	switch {
	case err == nil:
		d.savedConf = data
		d.hadConf = true
	case errors.Is(err, os.ErrNotExist):
		d.savedConf = nil
		d.hadConf = false
	default:
		return fmt.Errorf("read %s: %w", d.resolvConf, err)
	}

	var b strings.Builder
	b.WriteString("# Generated by NetWraith while the tunnel is active\n")
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	if err := os.WriteFile(d.resolvConf, []byte(b.String()), 0644); err != nil { //nolint:gosec // G306: resolv.conf must be world-readable
		return fmt.Errorf("write %s: %w", d.resolvConf, err)
	}
	return nil
}

func (d *linuxDNS) revert(link string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	mode := d.mode
	d.mode = ""

	switch mode {
	case "resolvectl":
		if out, err := d.run("resolvectl", "revert", link); err != nil {
			return fmt.Errorf("resolvectl revert: %w: %s", err, out)
		}
	case "resolvconf":
		if !d.hadConf {
			if err := os.Remove(d.resolvConf); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		}
		if err := os.WriteFile(d.resolvConf, d.savedConf, 0644); err != nil { //nolint:gosec // G306: resolv.conf must be world-readable
			return fmt.Errorf("restore %s: %w", d.resolvConf, err)
		}
		d.savedConf = nil
	}
	return nil
}
