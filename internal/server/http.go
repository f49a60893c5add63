package server

import (
	"encoding/json"
	"io"
	"strconv"
	"time"

	"RelayGuard/internal/biz"
	"RelayGuard/internal/conf"
	"RelayGuard/internal/server/middleware"
	"RelayGuard/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHTTPServer)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, admin *service.AdminService, dispatcher *biz.Dispatcher, logger log.Logger) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logger),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout > 0 {
		opts = append(opts, http.Timeout(c.Http.Timeout))
	}
	srv := http.NewServer(opts...)

	registerAdminRoutes(srv, admin)
	registerGatewayRoutes(srv, dispatcher)

	return srv
}

// gatewayResponse wraps a dispatched reply with its breaker outcome.
type gatewayResponse struct {
	Data          json.RawMessage `json:"data,omitempty"`
	CircuitState  biz.State       `json:"circuit_state"`
	FromFallback  bool            `json:"from_fallback"`
	ExecutionTime time.Duration   `json:"execution_time"`
}

// registerGatewayRoutes exposes the resilient dispatch path over HTTP so
// callers without a broker client can route requests through the breakers.
func registerGatewayRoutes(srv *http.Server, dispatcher *biz.Dispatcher) {
	r := srv.Route("/gateway")

	r.POST("/requests/{routingKey}", func(ctx http.Context) error {
		payload, err := io.ReadAll(ctx.Request().Body)
		if err != nil {
			return err
		}
		opts, exchange := requestOptions(ctx)

		result, err := dispatcher.Request(ctx, exchange, ctx.Vars().Get("routingKey"), payload, opts)
		if err != nil {
			return err
		}
		resp := gatewayResponse{
			CircuitState:  result.CircuitState,
			FromFallback:  result.FromFallback,
			ExecutionTime: result.ExecutionTime,
		}
		if data, ok := result.Data.([]byte); ok {
			resp.Data = data
		}
		return ctx.Result(200, resp)
	})

	r.POST("/publish/{routingKey}", func(ctx http.Context) error {
		payload, err := io.ReadAll(ctx.Request().Body)
		if err != nil {
			return err
		}
		opts, exchange := requestOptions(ctx)

		if err := dispatcher.Publish(ctx, exchange, ctx.Vars().Get("routingKey"), payload, opts); err != nil {
			return err
		}
		return ctx.Result(200, map[string]bool{"published": true})
	})
}

// requestOptions reads dispatch settings from query parameters.
func requestOptions(ctx http.Context) (*biz.RequestOptions, string) {
	q := ctx.Query()
	opts := &biz.RequestOptions{
		Service:   q.Get("service"),
		Operation: q.Get("operation"),
	}
	if raw := q.Get("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			opts.Timeout = d
		}
	}
	exchange := q.Get("exchange")
	if exchange == "" {
		exchange = biz.DefaultExchange
	}
	return opts, exchange
}

// registerAdminRoutes wires the admin read surface under /admin.
func registerAdminRoutes(srv *http.Server, admin *service.AdminService) {
	r := srv.Route("/admin")

	r.GET("/health", func(ctx http.Context) error {
		return ctx.Result(200, admin.GetSystemHealth())
	})

	r.GET("/health/services/{service}", func(ctx http.Context) error {
		views, err := admin.GetServiceHealth(ctx.Vars().Get("service"))
		if err != nil {
			return err
		}
		return ctx.Result(200, views)
	})

	r.GET("/health/unhealthy", func(ctx http.Context) error {
		return ctx.Result(200, admin.ListUnhealthy())
	})

	r.GET("/metrics", func(ctx http.Context) error {
		return ctx.Result(200, admin.GetMetrics())
	})

	r.GET("/metrics/history", func(ctx http.Context) error {
		limit := queryInt(ctx, "limit", 100)
		return ctx.Result(200, admin.GetMetricsHistory(limit))
	})

	r.GET("/metrics/percentiles/{service}", func(ctx http.Context) error {
		window := queryDuration(ctx, "window", time.Hour)
		return ctx.Result(200, admin.GetPercentiles(ctx.Vars().Get("service"), window))
	})

	r.GET("/metrics/trends/{service}", func(ctx http.Context) error {
		return ctx.Result(200, admin.GetTrend(ctx.Vars().Get("service")))
	})

	r.GET("/metrics/trends/{service}/buckets", func(ctx http.Context) error {
		window := queryDuration(ctx, "window", time.Hour)
		bucket := queryDuration(ctx, "bucket", 5*time.Minute)
		return ctx.Result(200, admin.GetBucketedTrends(ctx.Vars().Get("service"), window, bucket))
	})

	r.GET("/alerts", func(ctx http.Context) error {
		q := ctx.Query()
		limit := queryInt(ctx, "limit", 100)
		return ctx.Result(200, admin.GetAlerts(q.Get("severity"), q.Get("service"), limit))
	})

	r.POST("/breakers/{service}/reset", func(ctx http.Context) error {
		service := ctx.Vars().Get("service")
		reset, err := admin.ResetService(service)
		if err != nil {
			return err
		}
		return ctx.Result(200, map[string]interface{}{
			"service": service,
			"reset":   reset,
		})
	})

	r.GET("/debug/breakers", func(ctx http.Context) error {
		return ctx.Result(200, admin.GetDebugState())
	})
}

func queryInt(ctx http.Context, name string, def int) int {
	raw := ctx.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func queryDuration(ctx http.Context, name string, def time.Duration) time.Duration {
	raw := ctx.Query().Get(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
