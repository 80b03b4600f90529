// Package lifecycle drives a node through registration, periodic status and
// heartbeat reporting, and deregistration.
//
//	Unregistered → Registering → Active → ShuttingDown → Deregistered
//	                    │
//	                    └─ registration failed → Unregistered
//
// The reporting loop exists only while the supervisor is Active.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fleet-rpc/registry"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// State is where a Supervisor is in its lifecycle.
type State int32

const (
	Unregistered State = iota
	Registering
	Active
	ShuttingDown
	Deregistered
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case ShuttingDown:
		return "shutting_down"
	case Deregistered:
		return "deregistered"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNotActive      = errors.New("lifecycle: supervisor was never active")
	ErrAlreadyStarted = errors.New("lifecycle: supervisor already started")
)

// LoadSource reports the node's current load.
type LoadSource interface {
	Snapshot() int64
}

// Config controls registration retries and reporting. Zero fields take defaults.
type Config struct {
	ReportInterval   time.Duration
	RegisterAttempts int
	RegisterBackoff  time.Duration // doubled after each failed attempt
	CallTimeout      time.Duration // per registry call; defaults to ReportInterval
}

const (
	DefaultReportInterval   = time.Second
	DefaultRegisterAttempts = 3
	DefaultRegisterBackoff  = 500 * time.Millisecond
)

func (c *Config) applyDefaults() {
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.RegisterAttempts <= 0 {
		c.RegisterAttempts = DefaultRegisterAttempts
	}
	if c.RegisterBackoff <= 0 {
		c.RegisterBackoff = DefaultRegisterBackoff
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = c.ReportInterval
	}
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithObserver calls fn after every state change, outside the supervisor's lock.
func WithObserver(fn func(from, to State)) Option {
	return func(s *Supervisor) { s.observer = fn }
}

// Supervisor registers one node, keeps its registry entry fresh and
// deregisters it on Stop.
type Supervisor struct {
	id       registry.Identity
	reg      registry.Client
	load     LoadSource
	cfg      Config
	logger   log.Logger
	observer func(from, to State)

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	loopDone chan struct{}

	stopOnce sync.Once
	stopErr  error

	ticks    atomic.Int64
	failures atomic.Int64
}

// New returns a Supervisor in the Unregistered state. src is read once per
// reporting cycle.
func New(id registry.Identity, reg registry.Client, src LoadSource, cfg Config, logger log.Logger, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Supervisor{
		id:     id,
		reg:    reg,
		load:   src,
		cfg:    cfg,
		logger: log.With(logger, "service", id.String()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ticks returns the number of reporting cycles started.
func (s *Supervisor) Ticks() int64 { return s.ticks.Load() }

// ReportFailures returns the number of status and heartbeat calls that failed.
func (s *Supervisor) ReportFailures() int64 { return s.failures.Load() }

func (s *Supervisor) Identity() registry.Identity { return s.id }

// Start registers the node, retrying with exponential backoff, and then starts
// the reporting loop. A registration that still fails after the last attempt
// puts the supervisor back in Unregistered and is returned; the loop is not
// started. ctx bounds registration only, not the loop.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.id.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Unregistered {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	from := s.setState(Registering)
	s.mu.Unlock()
	s.notify(from, Registering)

	if err := s.register(ctx); err != nil {
		s.mu.Lock()
		from := s.setState(Unregistered)
		s.mu.Unlock()
		s.notify(from, Unregistered)
		level.Error(s.logger).Log("msg", "registration failed", "attempts", s.cfg.RegisterAttempts, "err", err)
		return fmt.Errorf("lifecycle: register %s: %w", s.id, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	from = s.setState(Active)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx, s.loopDone)
	s.mu.Unlock()
	s.notify(from, Active)

	level.Info(s.logger).Log("msg", "registered", "report_interval", s.cfg.ReportInterval)
	return nil
}

func (s *Supervisor) register(ctx context.Context) error {
	backoff := s.cfg.RegisterBackoff
	var err error
	for attempt := 1; attempt <= s.cfg.RegisterAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		err = s.reg.Register(callCtx, s.id)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == s.cfg.RegisterAttempts {
			break
		}
		level.Warn(s.logger).Log("msg", "registration attempt failed", "attempt", attempt, "retry_in", backoff, "err", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}

// loop reports once immediately, then once per interval until ctx is cancelled.
func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		s.report(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// report sends the status, then the heartbeat. Failures are logged and
// counted and never end the loop.
func (s *Supervisor) report(ctx context.Context) {
	tick := s.ticks.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	load := s.load.Snapshot()
	err := s.reg.SendStatus(callCtx, s.id, load)
	cancel()
	s.reportFailed(ctx, "status", tick, err)

	callCtx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
	err = s.reg.SendHeartbeat(callCtx, s.id)
	cancel()
	s.reportFailed(ctx, "heartbeat", tick, err)
}

func (s *Supervisor) reportFailed(ctx context.Context, what string, tick int64, err error) {
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// interrupted by Stop
		return
	}
	s.failures.Add(1)
	level.Warn(s.logger).Log("msg", what+" report failed", "tick", tick, "err", err)
}

// Stop ends the reporting loop, waits for it to exit (at most until ctx is
// done) and deregisters exactly once. Later calls return the result of the
// first. Deregistration is best
// effort: its failure is logged and returned, but the supervisor still ends
// Deregistered.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st < Active {
		return ErrNotActive
	}

	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	from := s.setState(ShuttingDown)
	cancel, done := s.cancel, s.loopDone
	s.mu.Unlock()
	s.notify(from, ShuttingDown)

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		// A report is stuck in a registry call; its own call timeout ends it.
		level.Warn(s.logger).Log("msg", "reporting loop still running at stop deadline", "err", ctx.Err())
	}

	callCtx, cancelCall := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err := s.reg.Deregister(callCtx, s.id)
	cancelCall()
	if err != nil {
		level.Warn(s.logger).Log("msg", "deregistration failed", "err", err)
		err = fmt.Errorf("lifecycle: deregister %s: %w", s.id, err)
	} else {
		level.Info(s.logger).Log("msg", "deregistered", "ticks", s.ticks.Load(), "report_failures", s.failures.Load())
	}

	s.mu.Lock()
	from = s.setState(Deregistered)
	s.mu.Unlock()
	s.notify(from, Deregistered)
	return err
}

// setState must be called with mu held.
func (s *Supervisor) setState(to State) State {
	from := s.state
	s.state = to
	level.Info(s.logger).Log("msg", "state change", "from", from, "to", to)
	return from
}

func (s *Supervisor) notify(from, to State) {
	if s.observer != nil {
		s.observer(from, to)
	}
}
