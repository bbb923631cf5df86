// Package control implements the request/response channel between the
// NetWraith controller and the runtime process.
//
// A request is a JSON message {"command": ..., "payload": <base64>} posted
// to the runtime over HTTP on a unix domain socket. The runtime answers with
// a JSON body, or with 204 No Content when it has no data to return. Invalid
// requests also receive no data rather than a channel error.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/netwraith/netwraith/internal/tunnel"
)

// Command names a control request.
type Command string

const (
	CommandGetStats    Command = "get-stats"
	CommandUpdateProxy Command = "update-proxy"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	return c == CommandGetStats || c == CommandUpdateProxy
}

// Message is one control request.
type Message struct {
	Command Command `json:"command"`
	Payload []byte  `json:"payload,omitempty"`
}

// Stats is the get-stats response.
type Stats struct {
	BytesIn  uint64  `json:"bytesIn"`
	BytesOut uint64  `json:"bytesOut"`
	Uptime   float64 `json:"uptime"`
}

// ProxyUpdate is the update-proxy payload.
type ProxyUpdate struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// GetStats returns a get-stats request.
func GetStats() Message {
	return Message{Command: CommandGetStats}
}

// UpdateProxy returns an update-proxy request for cfg.
func UpdateProxy(cfg tunnel.Configuration) (Message, error) {
	payload, err := json.Marshal(ProxyUpdate{Host: cfg.Host, Port: int(cfg.Port)})
	if err != nil {
		return Message{}, tunnel.NewError(tunnel.KindIPC, "encode proxy update", err)
	}
	return Message{Command: CommandUpdateProxy, Payload: payload}, nil
}

// Encode returns the wire form of m.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, tunnel.NewError(tunnel.KindIPC, "encode message", err)
	}
	return data, nil
}

// Decode parses a wire message. Unknown commands are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, tunnel.NewError(tunnel.KindIPC, "decode message", err)
	}
	if !m.Command.Valid() {
		return Message{}, tunnel.NewError(tunnel.KindIPC, "decode message", fmt.Errorf("unknown command %q", m.Command))
	}
	return m, nil
}

// DecodeStats parses a get-stats response.
func DecodeStats(data []byte) (Stats, error) {
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return Stats{}, tunnel.NewError(tunnel.KindIPC, "decode stats", err)
	}
	return s, nil
}

// DecodeProxyUpdate parses an update-proxy payload.
func DecodeProxyUpdate(payload []byte) (ProxyUpdate, error) {
	var u ProxyUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return ProxyUpdate{}, tunnel.NewError(tunnel.KindIPC, "decode proxy update", err)
	}
	return u, nil
}
