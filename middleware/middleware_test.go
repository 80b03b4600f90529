package middleware

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"fleet-rpc/load"
	"fleet-rpc/message"
	"fleet-rpc/rpcerr"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return &message.Message{Method: req.Method, Payload: []byte("ok")}
}

func slowHandler(ctx context.Context, req *message.Message) *message.Message {
	time.Sleep(200 * time.Millisecond)
	return &message.Message{Method: req.Method, Payload: []byte("ok")}
}

func notFoundHandler(ctx context.Context, req *message.Message) *message.Message {
	return rpcerr.ToMessage(req.Method, rpcerr.NewNotFound("record 4 not found", nil))
}

func panicHandler(ctx context.Context, req *message.Message) *message.Message {
	panic("boom")
}

func request() *message.Message {
	return &message.Message{Method: "Records.GetRecordInfo"}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Message {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	h := Chain(mark("a"), mark("b"))(echoHandler)
	h(context.Background(), request())

	assert.Equal(t, []string{"a.before", "b.before", "b.after", "a.after"}, order)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(&buf)

	resp := Logging(logger)(echoHandler)(context.Background(), request())
	assert.Equal(t, "ok", string(resp.Payload))

	Logging(logger)(notFoundHandler)(context.Background(), request())
	assert.Contains(t, buf.String(), "error_code=not_found")
}

func TestRecovery(t *testing.T) {
	resp := Recovery(log.NewNopLogger())(panicHandler)(context.Background(), request())
	assert.Equal(t, rpcerr.CodeInternal, resp.Code)
}

func TestTimeoutPass(t *testing.T) {
	resp := Timeout(500*time.Millisecond)(echoHandler)(context.Background(), request())
	assert.False(t, resp.Failed())
}

func TestTimeoutExceeded(t *testing.T) {
	resp := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), request())
	assert.Equal(t, rpcerr.CodeTimeout, resp.Code)
	assert.Equal(t, "request timed out", resp.Error)
}

func TestTimeoutContainsPanic(t *testing.T) {
	resp := Timeout(time.Second)(panicHandler)(context.Background(), request())
	assert.Equal(t, rpcerr.CodeInternal, resp.Code)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := h(context.Background(), request())
		require.False(t, resp.Failed(), "request %d should pass", i)
	}

	resp := h(context.Background(), request())
	assert.Equal(t, rpcerr.CodeRateLimited, resp.Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, err := Metrics(reg)
	require.NoError(t, err)

	mw(echoHandler)(context.Background(), request())
	mw(notFoundHandler)(context.Background(), request())

	n, err := testutil.GatherAndCount(reg, "rpc_server_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = Metrics(reg)
	assert.Error(t, err, "registering twice on one registry must fail")
}

func TestWithLoadTrackingReleasesOnEveryPath(t *testing.T) {
	handlers := map[string]HandlerFunc{
		"success":        echoHandler,
		"business error": notFoundHandler,
		"panic":          Recovery(log.NewNopLogger())(panicHandler),
	}

	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			c := load.NewDefault(nil)
			var during int64
			probe := func(ctx context.Context, req *message.Message) *message.Message {
				during = c.Snapshot()
				return h(ctx, req)
			}

			WithLoadTracking(c, probe)(context.Background(), request())

			assert.Equal(t, load.Baseline+1, during)
			assert.Equal(t, load.Baseline, c.Snapshot())
			assert.Zero(t, c.Violations())
		})
	}
}

func TestWithLoadTrackingUnrecoveredPanic(t *testing.T) {
	c := load.NewDefault(nil)
	h := WithLoadTracking(c, panicHandler)

	assert.Panics(t, func() { h(context.Background(), request()) })
	assert.Equal(t, load.Baseline, c.Snapshot())
}

func TestLoadTrackingUnderTimeoutHoldsSlotUntilHandlerReturns(t *testing.T) {
	c := load.NewDefault(nil)
	release := make(chan struct{})
	finished := make(chan struct{})
	blocking := func(ctx context.Context, req *message.Message) *message.Message {
		<-ctx.Done()
		<-release
		return &message.Message{}
	}

	h := Chain(Timeout(20*time.Millisecond), LoadTracking(c))(func(ctx context.Context, req *message.Message) *message.Message {
		defer close(finished)
		return blocking(ctx, req)
	})

	resp := h(context.Background(), request())
	assert.Equal(t, rpcerr.CodeTimeout, resp.Code)
	assert.Equal(t, load.Baseline+1, c.Snapshot(), "slot is held while the handler still runs")

	close(release)
	<-finished
	assert.Eventually(t, func() bool { return c.Snapshot() == load.Baseline }, time.Second, 5*time.Millisecond)
}

func TestLoadTrackingConcurrentRequests(t *testing.T) {
	c := load.NewDefault(nil)
	h := LoadTracking(c)(func(ctx context.Context, req *message.Message) *message.Message {
		time.Sleep(10 * time.Millisecond)
		return &message.Message{}
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h(context.Background(), request())
		}()
	}
	wg.Wait()

	assert.Equal(t, load.Baseline, c.Snapshot())
}
