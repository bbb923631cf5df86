//go:build !unix

package store

import "sync"

var fileLock sync.RWMutex

// withLock only serializes writers within this process on platforms without flock.
func withLock(_ string, exclusive bool, fn func() error) error {
	if exclusive {
		fileLock.Lock()
		defer fileLock.Unlock()
	} else {
		fileLock.RLock()
		defer fileLock.RUnlock()
	}
	return fn()
}
