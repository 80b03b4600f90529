// Package transport multiplexes concurrent RPC calls over one TCP connection.
//
// Every request carries a sequence id. A single reader goroutine (recvLoop)
// decodes responses and hands each one to the caller waiting on that id:
//
//	caller-1 ──Send(seq=1)──┐
//	caller-2 ──Send(seq=2)──┼──→ one conn ──→ server
//	caller-3 ──Send(seq=3)──┘
//
//	recvLoop ←── response(seq=2) → pending[2] → caller-2
//
// Once the connection breaks the transport is dead for good: every pending
// caller receives an unavailable failure and Done is closed. The client
// package replaces dead transports.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"fleet-rpc/codec"
	"fleet-rpc/message"
	"fleet-rpc/protocol"
	"fleet-rpc/rpcerr"
)

// ErrClosed is reported to pending callers when the transport is closed locally.
var ErrClosed = errors.New("transport: closed")

// DefaultKeepalive is the interval between keepalive frames.
const DefaultKeepalive = 30 * time.Second

// ClientTransport carries the calls of one client over one connection.
type ClientTransport struct {
	conn  net.Conn
	codec codec.Codec

	sending sync.Mutex // serializes frame writes; guards seq
	seq     uint32

	mu      sync.Mutex // guards pending and err
	pending map[uint32]chan *message.Message
	err     error
	done    chan struct{}
}

// NewClientTransport takes ownership of conn and starts the receive loop and,
// when keepalive is positive, the keepalive loop.
func NewClientTransport(conn net.Conn, ct codec.CodecType, keepalive time.Duration) (*ClientTransport, error) {
	c, err := codec.GetCodec(ct)
	if err != nil {
		return nil, err
	}
	t := &ClientTransport{
		conn:    conn,
		codec:   c,
		pending: make(map[uint32]chan *message.Message),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	if keepalive > 0 {
		go t.keepaliveLoop(keepalive)
	}
	return t, nil
}

// Send writes one request and returns its sequence id and the channel its
// response (or transport failure) will arrive on. The channel receives exactly
// one message unless the caller gives up with Cancel.
//
// ctx's deadline bounds the write. A write that times out leaves a partial
// frame on the wire, so it kills the transport like any other write error.
func (t *ClientTransport) Send(ctx context.Context, method string, args any) (uint32, <-chan *message.Message, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, ctxErr("send "+method, err)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, rpcerr.NewBadRequest("marshal args", err)
	}
	body, err := t.codec.Encode(&message.Message{Method: method, Payload: payload})
	if err != nil {
		return 0, nil, rpcerr.NewBadRequest("encode request", err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq
	respCh := make(chan *message.Message, 1)

	// Register before writing so a fast response cannot beat us to the map.
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return 0, nil, err
	}
	t.pending[seq] = respCh
	t.mu.Unlock()

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	deadline, _ := ctx.Deadline()
	t.conn.SetWriteDeadline(deadline)
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.Cancel(seq)
		t.fail(err)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil, rpcerr.NewTimeout("write request", err)
		}
		return 0, nil, rpcerr.NewUnavailable("write request", err)
	}
	return seq, respCh, nil
}

func ctxErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rpcerr.NewTimeout(op, err)
	}
	return rpcerr.NewUnavailable(op+" cancelled", err)
}

// Cancel forgets a pending call. A late response for seq is dropped.
func (t *ClientTransport) Cancel(seq uint32) {
	t.mu.Lock()
	delete(t.pending, seq)
	t.mu.Unlock()
}

// Done is closed once the transport can no longer carry calls.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport died, or nil while it is usable.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close shuts the connection down and fails every pending call.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		c, err := codec.GetCodec(codec.CodecType(header.CodecType))
		if err != nil {
			t.fail(err)
			return
		}
		resp := &message.Message{}
		if err := c.Decode(body, resp); err != nil {
			resp = &message.Message{Code: rpcerr.CodeInternal, Error: fmt.Sprintf("decode response: %v", err)}
		}

		t.mu.Lock()
		ch, ok := t.pending[header.Seq]
		delete(t.pending, header.Seq)
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// fail marks the transport dead exactly once and wakes every pending caller.
func (t *ClientTransport) fail(cause error) {
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return
	}
	t.err = rpcerr.NewUnavailable("connection lost", cause)
	for seq, ch := range t.pending {
		ch <- &message.Message{Code: rpcerr.CodeUnavailable, Error: "connection lost: " + cause.Error()}
		delete(t.pending, seq)
	}
	close(t.done)
	t.mu.Unlock()

	t.conn.Close()
}

func (t *ClientTransport) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	header := &protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeKeepalive,
	}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sending.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(interval))
			err := protocol.Encode(t.conn, header, nil)
			t.sending.Unlock()
			if err != nil {
				t.fail(err)
				return
			}
		}
	}
}
