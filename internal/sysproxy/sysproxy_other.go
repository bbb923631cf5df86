//go:build !windows && !linux

package sysproxy

type noopManager struct{}

func newPlatformManager() Manager {
	return &noopManager{}
}

func (m *noopManager) Apply(Settings) error {
	return ErrNotSupported
}

func (m *noopManager) Clear() error {
	return nil
}
