package middleware

import (
	"context"

	"fleet-rpc/message"
	"fleet-rpc/rpcerr"

	"golang.org/x/time/rate"
)

// RateLimit admits r requests per second with the given burst (token bucket).
// Rejected requests never reach the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return &message.Message{Method: req.Method, Code: rpcerr.CodeRateLimited, Error: "rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
