// Package server implements the RPC server a service node exposes its
// business handlers on.
//
// Request pipeline:
//
//	Accept conn → handleConn (one goroutine reads frames)
//	  → per request: go handleRequest
//	    → codec decode → middleware chain → dispatch (reflect call) → codec encode → write
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"fleet-rpc/codec"
	"fleet-rpc/message"
	"fleet-rpc/middleware"
	"fleet-rpc/protocol"
	"fleet-rpc/rpcerr"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server is the RPC server a node serves its handlers on.
type Server struct {
	serviceMap  map[string]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	logger      log.Logger

	mu       sync.Mutex // guards listener, conns and the shutdown/wg.Add pairing
	listener net.Listener
	conns    map[net.Conn]struct{}
	inFlight sync.WaitGroup
	shutdown atomic.Bool
}

func NewServer(logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		serviceMap: make(map[string]*service),
		conns:      make(map[net.Conn]struct{}),
		logger:     logger,
	}
}

// Register exposes rcvr's RPC methods under its type name.
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName exposes rcvr's RPC methods under name. Registration must
// happen before Serve.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	if _, dup := s.serviceMap[svc.name]; dup {
		return errors.New("server: service already registered: " + svc.name)
	}
	s.serviceMap[svc.name] = svc
	return nil
}

// Use appends mw to the chain. Middlewares run in the order they were added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve accepts connections on lis until Shutdown. It always returns a
// non-nil error; after Shutdown that error is ErrServerClosed.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	s.listener = lis
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.mu.Unlock()

	level.Info(s.logger).Log("msg", "rpc server serving", "addr", lis.Addr())
	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		if !s.trackConn(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listener's address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and new requests, then waits for the
// requests already running to finish or for ctx to end, whichever comes first.
// Remaining connections are closed before it returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

// beginRequest reserves an in-flight slot unless shutdown has started.
// Holding mu makes the check and the Add atomic with respect to Shutdown.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.inFlight.Add(1)
	return true
}

// handleConn reads frames sequentially and runs each request in its own
// goroutine. Requests share one write lock per connection so response frames
// never interleave. Closing the connection cancels the context of the
// requests still running on it.
func (s *Server) handleConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		if !s.beginRequest() {
			s.reply(conn, writeMu, header, &message.Message{Code: rpcerr.CodeUnavailable, Error: "server shutting down"})
			continue
		}
		go func() {
			defer s.inFlight.Done()
			s.handleRequest(ctx, conn, writeMu, header, body)
		}()
	}
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, body []byte) {
	c, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		s.reply(conn, writeMu, header, &message.Message{Code: rpcerr.CodeBadRequest, Error: err.Error()})
		return
	}
	req := &message.Message{}
	if err := c.Decode(body, req); err != nil {
		s.reply(conn, writeMu, header, &message.Message{Code: rpcerr.CodeBadRequest, Error: "malformed request"})
		return
	}

	s.reply(conn, writeMu, header, s.handler(ctx, req))
}

func (s *Server) reply(conn net.Conn, writeMu *sync.Mutex, reqHeader *protocol.Header, resp *message.Message) {
	c, err := codec.GetCodec(codec.CodecType(reqHeader.CodecType))
	if err != nil {
		c, _ = codec.GetCodec(codec.CodecTypeJSON)
	}
	body, err := c.Encode(resp)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to encode response", "method", resp.Method, "err", err)
		return
	}

	header := protocol.Header{
		CodecType: byte(c.Type()),
		MsgType:   protocol.MsgTypeResponse,
		Seq:       reqHeader.Seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &header, body); err != nil {
		level.Debug(s.logger).Log("msg", "failed to write response", "method", resp.Method, "err", err)
	}
}

// dispatch is the innermost handler: it resolves "Service.Method", decodes the
// JSON args, calls the method and encodes the reply.
func (s *Server) dispatch(ctx context.Context, req *message.Message) *message.Message {
	serviceName, methodName, ok := strings.Cut(req.Method, ".")
	if !ok || serviceName == "" || methodName == "" {
		return rpcerr.ToMessage(req.Method, rpcerr.NewBadRequest("invalid method format "+req.Method, nil))
	}
	svc, ok := s.serviceMap[serviceName]
	if !ok {
		return rpcerr.ToMessage(req.Method, rpcerr.NewNotFound("unknown service "+serviceName, nil))
	}
	mt, ok := svc.method[methodName]
	if !ok {
		return rpcerr.ToMessage(req.Method, rpcerr.NewNotFound("unknown method "+req.Method, nil))
	}

	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return rpcerr.ToMessage(req.Method, rpcerr.NewBadRequest("malformed arguments", err))
		}
	}

	if err := svc.call(ctx, mt, argv, replyv); err != nil {
		return rpcerr.ToMessage(req.Method, err)
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to marshal reply", "method", req.Method, "err", err)
		return rpcerr.ToMessage(req.Method, rpcerr.NewInternal("marshal reply", err))
	}
	return &message.Message{Method: req.Method, Payload: payload}
}
