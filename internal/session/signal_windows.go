//go:build windows

package session

import "os"

func terminate(p *os.Process) error {
	return p.Kill()
}
