package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleet-rpc/load"
	"fleet-rpc/registry"
	"fleet-rpc/registry/registrytest"
	"fleet-rpc/rpcerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testID = registry.Identity{Name: "records-service", Host: "0.0.0.0", Port: 50051}

type transitions struct {
	mu  sync.Mutex
	got [][2]State
}

func (tr *transitions) observe(from, to State) {
	tr.mu.Lock()
	tr.got = append(tr.got, [2]State{from, to})
	tr.mu.Unlock()
}

func (tr *transitions) list() [][2]State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([][2]State(nil), tr.got...)
}

func newSupervisor(t *testing.T, rec *registrytest.Recorder, cfg Config, opts ...Option) *Supervisor {
	t.Helper()
	s := New(testID, rec, load.NewDefault(nil), cfg, nil, opts...)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestStartTransitions(t *testing.T) {
	rec := registrytest.NewRecorder()
	tr := &transitions{}
	s := newSupervisor(t, rec, Config{ReportInterval: time.Hour}, WithObserver(tr.observe))

	assert.Equal(t, Unregistered, s.State())
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Active, s.State())
	assert.Equal(t, [][2]State{{Unregistered, Registering}, {Registering, Active}}, tr.list())

	events := rec.EventsOf(registrytest.OpRegister)
	require.Len(t, events, 1)
	assert.Equal(t, testID, events[0].Identity)
}

func TestRegistrationPrecedesFirstReport(t *testing.T) {
	rec := registrytest.NewRecorder()
	s := newSupervisor(t, rec, Config{ReportInterval: 10 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.Count(registrytest.OpHeartbeat) >= 2 }, time.Second, 5*time.Millisecond)

	ops := rec.Ops()
	assert.Equal(t, []registrytest.Op{registrytest.OpRegister, registrytest.OpStatus, registrytest.OpHeartbeat}, ops[:3])
	assert.Equal(t, load.Baseline, rec.EventsOf(registrytest.OpStatus)[0].Load)
}

func TestFirstReportIsImmediate(t *testing.T) {
	rec := registrytest.NewRecorder()
	s := newSupervisor(t, rec, Config{ReportInterval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.Count(registrytest.OpHeartbeat) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), s.Ticks())
}

func TestHeartbeatFailureDoesNotStopLoop(t *testing.T) {
	const interval = 20 * time.Millisecond
	rec := registrytest.NewRecorder()
	rec.FailOn(registrytest.OpHeartbeat, 2)
	s := newSupervisor(t, rec, Config{ReportInterval: interval})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.Count(registrytest.OpHeartbeat) >= 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	hb := rec.EventsOf(registrytest.OpHeartbeat)[:5]
	for i, e := range hb {
		if i == 1 {
			assert.Error(t, e.Err, "tick 2 heartbeat")
			continue
		}
		assert.NoError(t, e.Err, "tick %d heartbeat", i+1)
	}
	assert.GreaterOrEqual(t, hb[4].At.Sub(hb[0].At), 3*interval, "ticks keep their interval")
	assert.Equal(t, int64(1), s.ReportFailures())
	assert.GreaterOrEqual(t, s.Ticks(), int64(5))
	assert.Equal(t, Deregistered, s.State())
}

func TestStatusReportsCurrentLoad(t *testing.T) {
	rec := registrytest.NewRecorder()
	counter := load.NewDefault(nil)
	s := New(testID, rec, counter, Config{ReportInterval: 10 * time.Millisecond}, nil)
	defer s.Stop(context.Background())

	counter.Increment()
	counter.Increment()
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.Count(registrytest.OpStatus) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), rec.EventsOf(registrytest.OpStatus)[0].Load)
}

func TestRegistrationRetryExhausted(t *testing.T) {
	rec := registrytest.NewRecorder()
	rec.FailAlways(registrytest.OpRegister)
	tr := &transitions{}
	s := newSupervisor(t, rec, Config{
		ReportInterval:   10 * time.Millisecond,
		RegisterAttempts: 3,
		RegisterBackoff:  time.Millisecond,
	}, WithObserver(tr.observe))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, rpcerr.IsRejected(err))
	assert.Equal(t, Unregistered, s.State())
	assert.Equal(t, 3, rec.Count(registrytest.OpRegister))
	assert.Equal(t, [][2]State{{Unregistered, Registering}, {Registering, Unregistered}}, tr.list())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.Count(registrytest.OpStatus), "no reporting without registration")
	assert.Zero(t, rec.Count(registrytest.OpHeartbeat))
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotActive)
}

func TestRegistrationRetrySucceeds(t *testing.T) {
	rec := registrytest.NewRecorder()
	rec.FailOn(registrytest.OpRegister, 1, 2)
	s := newSupervisor(t, rec, Config{ReportInterval: time.Hour, RegisterBackoff: time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, rec.Count(registrytest.OpRegister))
	assert.Equal(t, Active, s.State())
}

func TestStartCancelledDuringBackoff(t *testing.T) {
	rec := registrytest.NewRecorder()
	rec.FailAlways(registrytest.OpRegister)
	s := newSupervisor(t, rec, Config{RegisterAttempts: 5, RegisterBackoff: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Unregistered, s.State())
	assert.Equal(t, 1, rec.Count(registrytest.OpRegister))
}

func TestStartRejectsInvalidIdentity(t *testing.T) {
	rec := registrytest.NewRecorder()
	s := New(registry.Identity{Name: "records-service"}, rec, load.NewDefault(nil), Config{}, nil)
	assert.Error(t, s.Start(context.Background()))
	assert.Zero(t, rec.Count(registrytest.OpRegister))
}

func TestStartTwice(t *testing.T) {
	rec := registrytest.NewRecorder()
	s := newSupervisor(t, rec, Config{ReportInterval: time.Hour})
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, 1, rec.Count(registrytest.OpRegister))
}

func TestStopDeregistersOnce(t *testing.T) {
	rec := registrytest.NewRecorder()
	tr := &transitions{}
	s := newSupervisor(t, rec, Config{ReportInterval: 5 * time.Millisecond}, WithObserver(tr.observe))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Ticks() >= 2 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Stop(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rec.Count(registrytest.OpDeregister))
	assert.Equal(t, Deregistered, s.State())
	got := tr.list()
	assert.Equal(t, [2]State{Active, ShuttingDown}, got[len(got)-2])
	assert.Equal(t, [2]State{ShuttingDown, Deregistered}, got[len(got)-1])

	ops := rec.Ops()
	assert.Equal(t, registrytest.OpDeregister, ops[len(ops)-1], "no report after deregistration")
	reports := rec.Count(registrytest.OpStatus)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, reports, rec.Count(registrytest.OpStatus), "loop stopped")
}

func TestStopDoesNotWaitOutInterval(t *testing.T) {
	rec := registrytest.NewRecorder()
	s := newSupervisor(t, rec, Config{ReportInterval: time.Hour})
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestStopBeforeStart(t *testing.T) {
	s := newSupervisor(t, registrytest.NewRecorder(), Config{})
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotActive)
	assert.Equal(t, Unregistered, s.State())
}

func TestDeregisterFailureIsReported(t *testing.T) {
	rec := registrytest.NewRecorder()
	rec.FailAlways(registrytest.OpDeregister)
	s := newSupervisor(t, rec, Config{ReportInterval: time.Hour})
	require.NoError(t, s.Start(context.Background()))

	err := s.Stop(context.Background())
	assert.True(t, rpcerr.IsRejected(err))
	assert.Equal(t, Deregistered, s.State())
	assert.Equal(t, err, s.Stop(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "shutting_down", ShuttingDown.String())
	assert.Equal(t, "state(9)", State(9).String())
}

// stuckStatus is a registry whose status call ignores its context and never
// returns until unblocked.
type stuckStatus struct {
	*registrytest.Recorder
	entered chan struct{}
	unblock chan struct{}
}

func (r *stuckStatus) SendStatus(ctx context.Context, id registry.Identity, load int64) error {
	r.Recorder.SendStatus(ctx, id, load)
	close(r.entered)
	<-r.unblock
	return nil
}

func TestStopHonoursDeadlineWhenReportIsStuck(t *testing.T) {
	reg := &stuckStatus{
		Recorder: registrytest.NewRecorder(),
		entered:  make(chan struct{}),
		unblock:  make(chan struct{}),
	}
	defer close(reg.unblock)
	s := New(testID, reg, load.NewDefault(nil), Config{ReportInterval: time.Hour}, nil)

	require.NoError(t, s.Start(context.Background()))
	<-reg.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Stop(ctx)

	assert.Less(t, time.Since(start), time.Second)
	assert.Error(t, err, "deregistering with an expired context fails")
	assert.Equal(t, Deregistered, s.State())
	assert.Equal(t, 1, reg.Count(registrytest.OpDeregister))
}
