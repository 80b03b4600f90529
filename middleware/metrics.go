package middleware

import (
	"context"
	"time"

	"fleet-rpc/message"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts calls and observes their duration, labelled by method and
// result code ("ok" on success). The collectors are registered on reg.
func Metrics(reg prometheus.Registerer) (Middleware, error) {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_server_calls_total",
		Help: "Total number of RPC calls handled.",
	}, []string{"method", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpc_server_duration_seconds",
		Help:    "Duration of RPC calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	for _, c := range []prometheus.Collector{calls, duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)

			code := "ok"
			if resp.Failed() {
				code = resp.Code
			}
			calls.WithLabelValues(req.Method, code).Inc()
			duration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
			return resp
		}
	}, nil
}
