// Package client is a long-lived RPC client bound to one address.
//
// All callers share a single multiplexed transport. The transport is dialed on
// first use and, once it breaks, dropped and re-dialed by the next call, so a
// registry that restarts is picked up again without restarting the node.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"fleet-rpc/codec"
	"fleet-rpc/rpcerr"
	"fleet-rpc/transport"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrClientClosed = errors.New("client: closed")

// Config tunes dialing and the connection. The zero value is usable.
type Config struct {
	Codec       codec.CodecType
	DialTimeout time.Duration
	Keepalive   time.Duration
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.Keepalive == 0 {
		c.Keepalive = transport.DefaultKeepalive
	}
}

// Client calls one address over a shared, re-dialed transport.
type Client struct {
	addr   string
	cfg    Config
	dialer net.Dialer
	logger log.Logger

	mu     sync.Mutex
	tr     *transport.ClientTransport
	closed bool
}

func NewClient(addr string, cfg Config, logger log.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{
		addr:   addr,
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		logger: logger,
	}
}

// Addr returns the address the client calls.
func (c *Client) Addr() string { return c.addr }

// Call invokes method with args and decodes the reply into reply, which may be
// nil when the caller does not care about the payload. Every failure is a
// tagged *rpcerr.Error: unavailable for dial and connection failures, timeout
// when ctx expires, and the peer's own code for failures it reports.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	tr, err := c.transport(ctx)
	if err != nil {
		return err
	}

	seq, ch, err := tr.Send(ctx, method, args)
	if err != nil {
		c.dropIfDead(tr)
		return err
	}

	select {
	case resp := <-ch:
		if err := rpcerr.FromMessage(resp); err != nil {
			// A peer may answer unavailable itself, e.g. while it drains.
			// Only a dead transport is replaced.
			c.dropIfDead(tr)
			return err
		}
		if reply == nil || len(resp.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Payload, reply); err != nil {
			return rpcerr.NewInternal("unmarshal reply of "+method, err)
		}
		return nil
	case <-ctx.Done():
		tr.Cancel(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return rpcerr.NewTimeout("call "+method, ctx.Err())
		}
		return rpcerr.NewUnavailable("call "+method+" cancelled", ctx.Err())
	}
}

// Close releases the transport. Calls after Close fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}
	return nil
}

// transport returns the live transport, dialing a new one if there is none or
// the current one has died. Dialing happens under mu so concurrent callers
// share one new connection instead of racing to open several.
func (c *Client) transport(ctx context.Context) (*transport.ClientTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, rpcerr.NewUnavailable("client closed", ErrClientClosed)
	}
	if c.tr != nil {
		if c.tr.Err() == nil {
			return c.tr, nil
		}
		c.tr = nil
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, rpcerr.NewUnavailable("dial "+c.addr, err)
	}
	tr, err := transport.NewClientTransport(conn, c.cfg.Codec, c.cfg.Keepalive)
	if err != nil {
		conn.Close()
		return nil, rpcerr.NewInternal("create transport", err)
	}
	level.Debug(c.logger).Log("msg", "connected", "addr", c.addr)
	c.tr = tr
	return tr, nil
}

// dropIfDead discards tr if it has failed and is still the current transport.
func (c *Client) dropIfDead(tr *transport.ClientTransport) {
	if tr.Err() == nil {
		return
	}
	c.mu.Lock()
	if c.tr == tr {
		c.tr = nil
	}
	c.mu.Unlock()
	tr.Close()
	level.Debug(c.logger).Log("msg", "dropped broken connection", "addr", c.addr)
}
