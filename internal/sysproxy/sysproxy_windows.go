//go:build windows

package sysproxy

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/windows/registry"
)

var (
	modwininet            = syscall.NewLazyDLL("wininet.dll")
	procInternetSetOption = modwininet.NewProc("InternetSetOptionW")
)

const (
	internetOptionSettingsChanged = 39
	internetOptionRefresh         = 37

	internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`
)

type windowsManager struct{}

func newPlatformManager() Manager {
	return &windowsManager{}
}

func (m *windowsManager) Apply(s Settings) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open registry key: %w", err)
	}
	defer k.Close()

	if err := k.SetDWordValue("ProxyEnable", 1); err != nil {
		return fmt.Errorf("set ProxyEnable: %w", err)
	}
	if err := k.SetStringValue("ProxyServer", proxyServerValue(s)); err != nil {
		return fmt.Errorf("set ProxyServer: %w", err)
	}

	override := ""
	if s.ExcludeSimpleHostnames {
		override = "<local>"
	}
	if err := k.SetStringValue("ProxyOverride", override); err != nil {
		return fmt.Errorf("set ProxyOverride: %w", err)
	}

	notifySettingsChange()
	return nil
}

func (m *windowsManager) Clear() error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open registry key: %w", err)
	}
	defer k.Close()

	if err := k.SetDWordValue("ProxyEnable", 0); err != nil {
		return fmt.Errorf("set ProxyEnable: %w", err)
	}

	notifySettingsChange()
	return nil
}

func proxyServerValue(s Settings) string {
	if s.HTTP == s.HTTPS {
		return s.HTTP
	}
	return fmt.Sprintf("http=%s;https=%s", s.HTTP, s.HTTPS)
}

func notifySettingsChange() {
	// Return values are BOOL; a failed refresh only delays pickup by browsers.
	procInternetSetOption.Call(0, internetOptionSettingsChanged, 0, 0)
	procInternetSetOption.Call(0, internetOptionRefresh, 0, 0)
}
