package middleware

import (
	"context"
	"fmt"
	"time"

	"fleet-rpc/message"
	"fleet-rpc/rpcerr"
)

// Timeout answers with a timeout failure once d elapses. The handler keeps
// running in its own goroutine with a cancelled context; anything it holds,
// such as a load slot, is released when it actually returns.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				// A panic here would not reach any recover above us.
				defer func() {
					if r := recover(); r != nil {
						done <- &message.Message{Method: req.Method, Code: rpcerr.CodeInternal, Error: fmt.Sprintf("panic: %v", r)}
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Message{Method: req.Method, Code: rpcerr.CodeTimeout, Error: "request timed out"}
			}
		}
	}
}
