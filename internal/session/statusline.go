package session

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/netwraith/netwraith/internal/tunnel"
)

// StatusLine is one JSON line written by the runtime process on stdout.
type StatusLine struct {
	Status      Status     `json:"status"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Kind        string     `json:"kind,omitempty"`
}

// statusFailed is written when the runtime could not start.
const statusFailed Status = "failed"

// Connected returns the line announcing a started tunnel.
func Connected(at time.Time) StatusLine {
	return StatusLine{Status: StatusConnected, ConnectedAt: &at}
}

// Failed returns the line announcing a start failure.
func Failed(err error) StatusLine {
	return StatusLine{Status: statusFailed, Error: err.Error(), Kind: tunnel.KindOf(err).String()}
}

// WriteStatus writes line to w followed by a newline.
func WriteStatus(w io.Writer, line StatusLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ParseStatus decodes one status line.
func ParseStatus(data []byte) (StatusLine, error) {
	var line StatusLine
	if err := json.Unmarshal(data, &line); err != nil {
		return StatusLine{}, err
	}
	if line.Status == "" {
		return StatusLine{}, errors.New("missing status")
	}
	return line, nil
}

// Err returns the failure carried by a failed line, or nil.
func (l StatusLine) Err() error {
	if l.Status != statusFailed {
		return nil
	}
	msg := l.Error
	if msg == "" {
		msg = "tunnel failed to start"
	}
	kind := tunnel.ParseKind(l.Kind)
	if kind == tunnel.KindUnknown {
		kind = tunnel.KindSession
	}
	return tunnel.NewError(kind, "", errors.New(msg))
}
