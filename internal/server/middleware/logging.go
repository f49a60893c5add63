package middleware

import (
	"context"
	"strings"
	"time"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// slowRequestThreshold marks admin requests worth a warning.
const slowRequestThreshold = 3 * time.Second

// Logging returns a middleware that logs method, path, status and latency of
// every admin request.
func Logging(logger log.Logger) middleware.Middleware {
	helper := log.NewHelper(logger)
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			start := time.Now()

			var method, path, ip string
			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					if httpReq.URL.RawQuery != "" {
						path = path + "?" + httpReq.URL.RawQuery
					}
					ip = extractClientIP(httpReq)
				}
			}

			reply, err := handler(ctx, req)

			elapsed := time.Since(start)
			status := 200
			if err != nil {
				status = int(kerrors.FromError(err).Code)
			}

			helper.Infow(
				"msg", "http request",
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", elapsed.Milliseconds(),
				"ip", ip,
			)
			if elapsed >= slowRequestThreshold {
				helper.Warnw(
					"msg", "slow request",
					"method", method,
					"path", path,
					"latency_ms", elapsed.Milliseconds(),
				)
			}

			return reply, err
		}
	}
}

// extractClientIP resolves the client address, preferring proxy headers.
func extractClientIP(req *http.Request) string {
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		if ips := strings.Split(forwarded, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	return req.RemoteAddr
}
