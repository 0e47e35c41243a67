// Package middleware wraps the dispatcher in an onion of cross-cutting handlers.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// A middleware may short-circuit with its own response, but it must keep the
// request id and return exactly one response.
package middleware

import (
	"context"

	"callrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.CallRequest) *message.CallResponse

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
