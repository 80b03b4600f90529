package middleware

import (
	"context"
	"time"

	"fleet-rpc/message"
	"fleet-rpc/rpcerr"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logging records every call at debug level. Tagged business failures such as
// not_found are logged at info; internal failures at error.
func Logging(logger log.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			switch {
			case !resp.Failed():
				level.Debug(logger).Log("msg", "rpc call", "method", req.Method, "duration", duration)
			case resp.Code == rpcerr.CodeInternal:
				level.Error(logger).Log("msg", "rpc call failed", "method", req.Method, "duration", duration,
					"error_code", resp.Code, "err", resp.Error)
			default:
				level.Info(logger).Log("msg", "rpc call failed", "method", req.Method, "duration", duration,
					"error_code", resp.Code, "error_message", resp.Error)
			}
			return resp
		}
	}
}
