package packettunnel

import (
	"sync"
	"time"
)

// Counters holds the traffic counters of one runtime instance. The counters
// only grow until the next Reset. Packets are never written back to the
// interface, so bytesOut stays zero; it is kept for the get-stats reply.
type Counters struct {
	mu        sync.Mutex
	bytesIn   uint64
	bytesOut  uint64
	startTime time.Time
}

// Reset zeroes the counters and records start as the local start time.
func (c *Counters) Reset(start time.Time) {
	c.mu.Lock()
	c.bytesIn = 0
	c.bytesOut = 0
	c.startTime = start
	c.mu.Unlock()
}

// AddIn adds n bytes read from the interface.
func (c *Counters) AddIn(n uint64) {
	c.mu.Lock()
	c.bytesIn += n
	c.mu.Unlock()
}

// Snapshot returns the counters and the local start time.
func (c *Counters) Snapshot() (bytesIn, bytesOut uint64, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn, c.bytesOut, c.startTime
}
