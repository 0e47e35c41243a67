package middleware

import (
	"context"
	"time"

	"callrpc/message"
)

// TimeOutMiddleware answers with an error once timeout elapses. The callee is
// not interrupted; its late result is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallResponse {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.CallResponse, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewResponse(req.ID).Fail("request timed out")
			}
		}
	}
}
