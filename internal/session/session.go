// Package session manages the lifecycle of the tunnel runtime on behalf of
// the controller: the saved tunnel descriptor, starting and stopping the
// tunnel, and the status events it reports.
package session

import (
	"context"
	"sync"
	"time"
)

// Status is the connection status reported for the tunnel.
type Status string

const (
	StatusInvalid       Status = "invalid"
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusReasserting   Status = "reasserting"
	StatusDisconnecting Status = "disconnecting"
)

// Terminal reports whether s means the tunnel is not running.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusInvalid
}

// Event is a status change.
type Event struct {
	Status      Status
	ConnectedAt time.Time
	// Err is the failure reason for a terminal status, if any.
	Err error
}

// Manager is the tunnel-lifecycle interface used by the controller.
type Manager interface {
	// Load returns the saved descriptor, or a new unsaved one when none exists.
	Load(ctx context.Context) (*Descriptor, error)
	// Save persists d and makes it current.
	Save(ctx context.Context, d *Descriptor) error
	// Reload re-reads the saved descriptor.
	Reload(ctx context.Context) (*Descriptor, error)
	// StartTunnel requests a tunnel start. Progress is reported via events.
	StartTunnel(ctx context.Context) error
	// StopTunnel requests a stop and returns without waiting.
	StopTunnel()

	Status() Status
	ConnectedAt() time.Time
	LastError() error
	// Subscribe returns a channel of status events and a function that
	// cancels the subscription.
	Subscribe() (<-chan Event, func())
}

// broadcaster fans events out to subscribers without blocking the sender.
// A subscriber that falls behind loses its oldest queued events, so the
// latest status is always delivered.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

const subscriberBuffer = 16

func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan Event]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		sendLatest(ch, ev)
	}
}

// sendLatest delivers ev to ch, discarding the oldest queued event when ch
// is full.
func sendLatest(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
