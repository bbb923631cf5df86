//go:build !windows

package session

import (
	"os"

	"golang.org/x/sys/unix"
)

func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}
