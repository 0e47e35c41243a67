package middleware

import (
	"context"
	"time"

	"callrpc/message"

	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs every call with its outcome and duration.
func LoggingMiddleware(log *logrus.Entry) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallResponse {
			start := time.Now()
			log.WithFields(logrus.Fields{
				"requestId": req.ID,
				"target":    req.TargetName,
				"method":    req.MethodName,
			}).Debug("receive client request")

			resp := next(ctx, req)

			entry := log.WithFields(logrus.Fields{
				"requestId": req.ID,
				"target":    req.TargetName,
				"method":    req.MethodName,
				"status":    resp.StatusCode.String(),
				"duration":  time.Since(start),
			})
			if resp.OK() {
				entry.Info("rpc request served")
			} else {
				entry.WithField("error", resp.ErrorMessage).Info("rpc request failed")
			}
			return resp
		}
	}
}
