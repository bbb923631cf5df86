package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/netwraith/netwraith/internal/tunnel"
	"github.com/netwraith/netwraith/internal/version"
)

// Sender delivers control messages to the runtime.
type Sender interface {
	// Send returns the response body, or nil when the runtime had no data.
	Send(ctx context.Context, m Message) ([]byte, error)
}

// Client talks to a runtime's control server.
type Client struct {
	BaseURL string
	Client  *http.Client
}

// unixBaseURL is the placeholder host used for requests over a unix socket.
const unixBaseURL = "http://netwraith"

// NewClient creates a client for target, which is either a unix socket path
// or an http:// base URL. Requests have no timeout of their own; callers
// bound them with the context.
func NewClient(target string) *Client {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return &Client{
			BaseURL: strings.TrimRight(target, "/"),
			Client:  &http.Client{},
		}
	}

	socket := target
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
		MaxIdleConns:      2,
		DisableKeepAlives: false,
	}
	return &Client{
		BaseURL: unixBaseURL,
		Client:  &http.Client{Transport: transport},
	}
}

// Send implements Sender.
func (c *Client) Send(ctx context.Context, m Message) ([]byte, error) {
	data, err := Encode(m)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/message", bytes.NewReader(data))
	if err != nil {
		return nil, tunnel.NewError(tunnel.KindIPC, "send "+string(m.Command), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, tunnel.NewError(tunnel.KindIPC, "send "+string(m.Command), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
		if err != nil {
			return nil, tunnel.NewError(tunnel.KindIPC, "read "+string(m.Command), err)
		}
		if len(body) == 0 {
			return nil, nil
		}
		return body, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, tunnel.NewError(tunnel.KindIPC, "send "+string(m.Command),
			fmt.Errorf("control error: %s - %s", resp.Status, strings.TrimSpace(string(body))))
	}
}

// GetStats fetches the runtime's traffic counters. A runtime that returns no
// data yields an IPC error.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	body, err := c.Send(ctx, GetStats())
	if err != nil {
		return Stats{}, err
	}
	if body == nil {
		return Stats{}, tunnel.Errorf(tunnel.KindIPC, "get-stats", "no response")
	}
	return DecodeStats(body)
}

// UpdateProxy asks the runtime to switch to cfg. The runtime never confirms,
// so a nil error only means the message was delivered.
func (c *Client) UpdateProxy(ctx context.Context, cfg tunnel.Configuration) error {
	m, err := UpdateProxy(cfg)
	if err != nil {
		return err
	}
	_, err = c.Send(ctx, m)
	return err
}
