//go:build unix

package store

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func withLock(path string, exclusive bool, fn func() error) error {
	lf, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644) //nolint:gosec // G302: lock file is shared between processes
	if err != nil {
		return fmt.Errorf("open store lock: %w", err)
	}
	defer lf.Close()

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(lf.Fd()), how); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer unix.Flock(int(lf.Fd()), unix.LOCK_UN) //nolint:errcheck // released on close anyway

	return fn()
}
