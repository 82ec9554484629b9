package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

const defaultClientTimeout = 3 * time.Second

// Client talks to one bot's data channel. Each request opens a fresh
// connection; the payloads are tiny and the channel is rarely polled, so
// keeping sockets around buys nothing.
type Client struct {
	addr    string
	timeout time.Duration
}

func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: defaultClientTimeout}
}

// WithTimeout overrides the per-request timeout used when the context has no
// earlier deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return Response{}, errors.Wrap(err, "ipc: dial")
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Response{}, errors.Wrap(err, "ipc: set deadline")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, errors.Wrap(err, "ipc: encode request")
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return Response{}, errors.Wrap(err, "ipc: write request")
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return Response{}, errors.Wrap(err, "ipc: read response")
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, errors.Wrap(err, "ipc: decode response")
	}
	return resp, nil
}

// Ping verifies the channel answers with pong.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, Request{Action: ActionPing})
	if err != nil {
		return err
	}
	if !resp.OK() || resp.Message != "pong" {
		return fmt.Errorf("ipc: unexpected ping reply: status=%s message=%q", resp.Status, resp.Message)
	}
	return nil
}

// GetData fetches the full current key/value map.
func (c *Client) GetData(ctx context.Context) (map[string]any, error) {
	resp, err := c.do(ctx, Request{Action: ActionGetData})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("ipc: get_data failed: %s", resp.Message)
	}
	if resp.Data == nil {
		return map[string]any{}, nil
	}
	return resp.Data, nil
}

// SetData upserts one entry.
func (c *Client) SetData(ctx context.Context, key string, value any) error {
	resp, err := c.do(ctx, Request{Action: ActionSetData, Key: key, Value: value})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("ipc: set_data failed: %s", resp.Message)
	}
	return nil
}
