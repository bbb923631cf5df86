package controller

import (
	"time"

	"github.com/netwraith/netwraith/internal/session"
	"github.com/netwraith/netwraith/internal/tunnel"
)

// TunnelState is the user-visible tunnel status.
type TunnelState int

const (
	StateIdle TunnelState = iota
	StateLoading
	StateConnecting
	StateConnected
	StateReasserting
	StateDisconnecting
	StateInvalid
)

func (s TunnelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReasserting:
		return "reasserting"
	case StateDisconnecting:
		return "disconnecting"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s TunnelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateFromStatus maps a session status to a TunnelState.
func StateFromStatus(s session.Status) TunnelState {
	switch s {
	case session.StatusConnecting:
		return StateConnecting
	case session.StatusConnected:
		return StateConnected
	case session.StatusReasserting:
		return StateReasserting
	case session.StatusDisconnecting:
		return StateDisconnecting
	case session.StatusInvalid:
		return StateInvalid
	default:
		return StateIdle
	}
}

// State is a snapshot of the controller.
type State struct {
	Status      TunnelState          `json:"status"`
	Connecting  bool                 `json:"connecting"`
	Connected   bool                 `json:"connected"`
	ConnectedAt time.Time            `json:"connected_at,omitzero"`
	LastError   string               `json:"last_error,omitempty"`
	BytesIn     uint64               `json:"bytes_in"`
	BytesOut    uint64               `json:"bytes_out"`
	Uptime      float64              `json:"uptime"`
	Config      tunnel.Configuration `json:"config"`
	Initialized bool                 `json:"initialized"`
}

// Active reports whether a tunnel is running or being started.
func (s State) Active() bool {
	switch s.Status {
	case StateLoading, StateConnecting, StateConnected, StateReasserting:
		return true
	}
	return s.Connecting
}
