package middleware

import (
	"context"
	"runtime/debug"

	"fleet-rpc/message"
	"fleet-rpc/rpcerr"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Recovery turns a panicking handler into an internal failure response.
func Recovery(logger log.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (resp *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					level.Error(logger).Log("msg", "handler panicked", "method", req.Method, "panic", r,
						"stack", string(debug.Stack()))
					resp = &message.Message{Method: req.Method, Code: rpcerr.CodeInternal, Error: "internal error"}
				}
			}()
			return next(ctx, req)
		}
	}
}
