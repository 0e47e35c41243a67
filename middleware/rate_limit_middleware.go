package middleware

import (
	"context"

	"callrpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallResponse {
			if !limiter.Allow() {
				return message.NewResponse(req.ID).Fail("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
