package middleware

import (
	"context"

	"fleet-rpc/load"
	"fleet-rpc/message"
)

// WithLoadTracking wraps next so that c counts the call as in flight from
// before dispatch until next returns, on every exit path including panics.
func WithLoadTracking(c *load.Counter, next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *message.Message) *message.Message {
		release := c.Acquire()
		defer release()
		return next(ctx, req)
	}
}

// LoadTracking is WithLoadTracking in Middleware form.
func LoadTracking(c *load.Counter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return WithLoadTracking(c, next)
	}
}
