// Package node runs one service instance: an RPC server whose every request
// is load tracked, bound to a lifecycle supervisor that keeps the instance
// registered while it serves.
//
// Startup order is bind → register → serve. Shutdown order is deregister →
// drain, so the registry stops routing to the node before its listener goes
// away.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"fleet-rpc/lifecycle"
	"fleet-rpc/load"
	"fleet-rpc/logging"
	"fleet-rpc/middleware"
	"fleet-rpc/registry"
	"fleet-rpc/server"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var ErrAlreadyStarted = errors.New("node: already started")

// Config describes the node: who it registers as, where it listens and how
// it handles requests. Zero durations take defaults.
type Config struct {
	Identity registry.Identity
	// ListenAddr defaults to ":<Identity.Port>".
	ListenAddr string

	RequestTimeout time.Duration // 0 disables
	RateLimit      float64       // requests per second, 0 disables
	RateBurst      int

	ShutdownTimeout time.Duration // used by Run
	Lifecycle       lifecycle.Config
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":" + strconv.Itoa(c.Identity.Port)
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = max(int(c.RateLimit), 1)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Node is one service instance: an RPC server whose in-flight requests are
// counted and reported to the registry by its supervisor.
type Node struct {
	cfg        Config
	base       log.Logger
	logger     log.Logger
	counter    *load.Counter
	server     *server.Server
	supervisor *lifecycle.Supervisor
	metrics    *prometheus.Registry
	extra      []middleware.Middleware

	mu      sync.Mutex
	started bool
	addr    net.Addr
	served  chan error
}

// New validates the identity and builds the node. Nothing listens until Start.
func New(cfg Config, reg registry.Client, logger log.Logger, opts ...lifecycle.Option) (*Node, error) {
	cfg.applyDefaults()
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	n := &Node{
		cfg:     cfg,
		base:    logger,
		logger:  logging.Component(logger, "node"),
		counter: load.NewDefault(logging.Component(logger, "load")),
		server:  server.NewServer(logging.Component(logger, "rpc")),
		metrics: prometheus.NewRegistry(),
	}
	n.supervisor = lifecycle.New(cfg.Identity, reg, n.counter, cfg.Lifecycle, logging.Component(logger, "lifecycle"), opts...)

	if err := n.registerMetrics(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) registerMetrics() error {
	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "node_load",
			Help: "Current load reported to the registry (in-flight requests plus the idle baseline).",
		}, func() float64 { return float64(n.counter.Snapshot()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "node_lifecycle_state",
			Help: "Lifecycle state: 0 unregistered, 1 registering, 2 active, 3 shutting down, 4 deregistered.",
		}, func() float64 { return float64(n.supervisor.State()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "node_report_ticks_total",
			Help: "Reporting cycles started.",
		}, func() float64 { return float64(n.supervisor.Ticks()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "node_report_failures_total",
			Help: "Status and heartbeat reports that failed.",
		}, func() float64 { return float64(n.supervisor.ReportFailures()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "node_load_violations_total",
			Help: "Decrements without a matching increment.",
		}, func() float64 { return float64(n.counter.Violations()) }),
	}
	for _, c := range cs {
		if err := n.metrics.Register(c); err != nil {
			return fmt.Errorf("node: register metrics: %w", err)
		}
	}
	return nil
}

// Register exposes rcvr's methods over RPC.
func (n *Node) Register(rcvr any) error {
	return n.server.Register(rcvr)
}

// RegisterName exposes rcvr's methods under name. Call it before Start.
func (n *Node) RegisterName(name string, rcvr any) error {
	return n.server.RegisterName(name, rcvr)
}

// Use adds mw to the chain inside the timeout and outside load tracking.
// It must be called before Start.
func (n *Node) Use(mw middleware.Middleware) {
	n.extra = append(n.extra, mw)
}

// WithLoadTracking wraps h so the node's load counts it while it runs.
func (n *Node) WithLoadTracking(h middleware.HandlerFunc) middleware.HandlerFunc {
	return middleware.WithLoadTracking(n.counter, h)
}

// Start binds the listener, registers and starts serving. If registration
// fails the listener is closed and the error returned.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	if err := n.buildChain(); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", n.cfg.ListenAddr, err)
	}
	if err := n.supervisor.Start(ctx); err != nil {
		lis.Close()
		return err
	}

	served := make(chan error, 1)
	n.mu.Lock()
	n.addr = lis.Addr()
	n.served = served
	n.mu.Unlock()
	go func() { served <- n.server.Serve(lis) }()

	level.Info(n.logger).Log("msg", "serving", "addr", lis.Addr(), "service", n.cfg.Identity)
	return nil
}

// buildChain installs, outermost first: logging, metrics, rate limit,
// timeout, caller middlewares, load tracking, recovery.
func (n *Node) buildChain() error {
	n.server.Use(middleware.Logging(logging.Component(n.base, "rpc")))
	metrics, err := middleware.Metrics(n.metrics)
	if err != nil {
		return fmt.Errorf("node: rpc metrics: %w", err)
	}
	n.server.Use(metrics)
	if n.cfg.RateLimit > 0 {
		n.server.Use(middleware.RateLimit(n.cfg.RateLimit, n.cfg.RateBurst))
	}
	if n.cfg.RequestTimeout > 0 {
		n.server.Use(middleware.Timeout(n.cfg.RequestTimeout))
	}
	for _, mw := range n.extra {
		n.server.Use(mw)
	}
	n.server.Use(middleware.LoadTracking(n.counter))
	n.server.Use(middleware.Recovery(logging.Component(n.base, "rpc")))
	return nil
}

// Shutdown deregisters, then waits for in-flight requests to drain and for
// the load to return to its baseline, or for ctx to end. A failed
// deregistration is logged by the supervisor and does not stop the drain.
func (n *Node) Shutdown(ctx context.Context) error {
	if err := n.supervisor.Stop(ctx); err != nil && !errors.Is(err, lifecycle.ErrNotActive) {
		level.Warn(n.logger).Log("msg", "continuing shutdown without deregistration", "err", err)
	}

	err := n.server.Shutdown(ctx)

	n.mu.Lock()
	served := n.served
	n.served = nil
	n.mu.Unlock()
	if served != nil {
		if serr := <-served; serr != nil && !errors.Is(serr, server.ErrServerClosed) {
			level.Error(n.logger).Log("msg", "rpc server stopped with error", "err", serr)
		}
	}

	if err == nil {
		err = n.waitIdle(ctx)
	}
	level.Info(n.logger).Log("msg", "stopped", "load", n.counter.Snapshot())
	return err
}

// waitIdle blocks until the load is back at its baseline. Handlers abandoned
// by the timeout middleware may still be running after the server drained.
func (n *Node) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for n.counter.Snapshot() > load.Baseline {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Run starts the node, serves until ctx is cancelled and shuts down.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()
	return n.Shutdown(shutdownCtx)
}

// Addr returns the bound address, or nil before a successful Start.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

func (n *Node) Identity() registry.Identity       { return n.cfg.Identity }
func (n *Node) Load() *load.Counter               { return n.counter }
func (n *Node) Supervisor() *lifecycle.Supervisor { return n.supervisor }
func (n *Node) Metrics() *prometheus.Registry     { return n.metrics }

// Status is a point-in-time view of the node for operators.
type Status struct {
	Name  string `json:"name"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	State string `json:"state"`
	Load  int64  `json:"load"`
}

func (n *Node) Status() Status {
	return Status{
		Name:  n.cfg.Identity.Name,
		Host:  n.cfg.Identity.Host,
		Port:  n.cfg.Identity.Port,
		State: n.supervisor.State().String(),
		Load:  n.counter.Snapshot(),
	}
}
