// Package registrytest provides registry doubles for tests: an in-process
// RegistrationService served over the real RPC stack, and an in-memory
// Recorder implementing registry.Client.
package registrytest

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"time"

	"fleet-rpc/registry"
	"fleet-rpc/rpcerr"
	"fleet-rpc/server"
)

// Call is one request the fake registration service received.
type Call struct {
	Method string
	Args   any
	At     time.Time
}

// Service implements the registration side of the discovery contract and
// records every call. It keeps no registry state of its own.
type Service struct {
	mu     sync.Mutex
	calls  []Call
	counts map[string]int
	fail   func(method string, n int) error
}

func NewService() *Service {
	return &Service{counts: make(map[string]int)}
}

func (s *Service) RegisterService(args *registry.RegisterArgs, ack *registry.Ack) error {
	return s.record(registry.MethodRegister, *args, ack)
}

func (s *Service) DeregisterService(args *registry.DeregisterArgs, ack *registry.Ack) error {
	return s.record(registry.MethodDeregister, *args, ack)
}

func (s *Service) UpdateServiceStatus(args *registry.StatusArgs, ack *registry.Ack) error {
	return s.record(registry.MethodStatus, *args, ack)
}

func (s *Service) UpdateServiceHeartbeat(args *registry.HeartbeatArgs, ack *registry.Ack) error {
	return s.record(registry.MethodHeartbeat, *args, ack)
}

// SetFailFunc installs fn, which is asked before every call with the method
// and its 1-based call number. A non-nil error fails that call.
func (s *Service) SetFailFunc(fn func(method string, n int) error) {
	s.mu.Lock()
	s.fail = fn
	s.mu.Unlock()
}

// FailOn fails the given call numbers of method with an unavailable error.
func (s *Service) FailOn(method string, calls ...int) {
	s.SetFailFunc(func(m string, n int) error {
		if m == method && slices.Contains(calls, n) {
			return rpcerr.NewUnavailable("injected failure", nil)
		}
		return nil
	})
}

func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Count returns how many times method was called, failed calls included.
func (s *Service) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

func (s *Service) record(method string, args any, ack *registry.Ack) error {
	s.mu.Lock()
	s.counts[method]++
	n := s.counts[method]
	s.calls = append(s.calls, Call{Method: method, Args: args, At: time.Now()})
	fail := s.fail
	s.mu.Unlock()

	if fail != nil {
		if err := fail(method, n); err != nil {
			var rej *rpcerr.Error
			if errors.As(err, &rej) && rej.Code == rpcerr.CodeRejected {
				ack.Error = rej.Message
				return nil
			}
			return err
		}
	}
	return nil
}

// Server serves a Service on a loopback port.
type Server struct {
	*Service
	srv  *server.Server
	addr string
}

func NewServer() (*Server, error) {
	svc := NewService()
	srv := server.NewServer(nil)
	if err := srv.RegisterName(registry.ServiceName, svc); err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	go srv.Serve(lis)
	return &Server{Service: svc, srv: srv, addr: lis.Addr().String()}, nil
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
