//go:build !linux

package vpn

import "log/slog"

func newPlatformNetOps(*slog.Logger) (netOps, error) {
	return nil, ErrNotSupported
}
