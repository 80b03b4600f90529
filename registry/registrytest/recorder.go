package registrytest

import (
	"context"
	"slices"
	"sync"
	"time"

	"fleet-rpc/registry"
	"fleet-rpc/rpcerr"
)

type Op string

const (
	OpRegister   Op = "register"
	OpDeregister Op = "deregister"
	OpStatus     Op = "status"
	OpHeartbeat  Op = "heartbeat"
)

// Event is one call made on a Recorder. Err is the failure it returned, if any.
type Event struct {
	Op       Op
	Identity registry.Identity
	Load     int64
	At       time.Time
	Err      error
}

// Recorder is an in-memory registry.Client that records what it is asked to
// do. Failures are injected per operation and call number.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	counts map[Op]int
	fail   func(op Op, n int) error
	closed bool
}

var _ registry.Client = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[Op]int)}
}

func (r *Recorder) Register(ctx context.Context, id registry.Identity) error {
	return r.record(ctx, OpRegister, id, 0)
}

func (r *Recorder) Deregister(ctx context.Context, id registry.Identity) error {
	return r.record(ctx, OpDeregister, id, 0)
}

func (r *Recorder) SendStatus(ctx context.Context, id registry.Identity, load int64) error {
	return r.record(ctx, OpStatus, id, load)
}

func (r *Recorder) SendHeartbeat(ctx context.Context, id registry.Identity) error {
	return r.record(ctx, OpHeartbeat, id, 0)
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// SetFailFunc installs fn, asked before every call with the operation and its
// 1-based call number. A non-nil error fails that call.
func (r *Recorder) SetFailFunc(fn func(op Op, n int) error) {
	r.mu.Lock()
	r.fail = fn
	r.mu.Unlock()
}

// FailOn fails the given call numbers of op with an unavailable error.
func (r *Recorder) FailOn(op Op, calls ...int) {
	r.SetFailFunc(func(o Op, n int) error {
		if o == op && slices.Contains(calls, n) {
			return rpcerr.NewUnavailable("injected "+string(op)+" failure", nil)
		}
		return nil
	})
}

// FailAlways fails every call of op with a rejection.
func (r *Recorder) FailAlways(op Op) {
	r.SetFailFunc(func(o Op, _ int) error {
		if o == op {
			return rpcerr.NewRejected("injected "+string(op)+" rejection", nil)
		}
		return nil
	})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// EventsOf returns the events of op in call order.
func (r *Recorder) EventsOf(op Op) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Op == op {
			out = append(out, e)
		}
	}
	return out
}

// Ops returns the sequence of operations called so far.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]Op, len(r.events))
	for i, e := range r.events {
		ops[i] = e.Op
	}
	return ops
}

func (r *Recorder) Count(op Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[op]
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Recorder) record(ctx context.Context, op Op, id registry.Identity, load int64) error {
	r.mu.Lock()
	r.counts[op]++
	n := r.counts[op]
	fail := r.fail
	r.mu.Unlock()

	var err error
	if ctx.Err() != nil {
		err = rpcerr.NewTimeout(string(op), ctx.Err())
	} else if fail != nil {
		err = fail(op, n)
	}

	r.mu.Lock()
	r.events = append(r.events, Event{Op: op, Identity: id, Load: load, At: time.Now(), Err: err})
	r.mu.Unlock()
	return err
}
