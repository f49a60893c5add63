package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// Well-known operation names carrying their own timeout overrides.
const (
	OpHealthCheck   = "health-check"
	OpDatabaseQuery = "database-query"
	OpHTTPRequest   = "http-request"
)

// DefaultExchange is used by recovery probes.
const DefaultExchange = "services"

// Transport is the underlying message-broker client. Its failures and
// latencies are what the circuit breaker engine measures.
type Transport interface {
	// Send performs a request/response call and returns the reply payload.
	Send(ctx context.Context, exchange, routingKey string, payload []byte, timeout time.Duration) ([]byte, error)
	// Publish performs a fire-and-forget send.
	Publish(ctx context.Context, exchange, routingKey string, payload []byte) error
}

// FallbackCache stores the last good response per breaker key, serving the
// cached-value fallback for non-critical services.
type FallbackCache interface {
	Get(key string) ([]byte, bool)
	Add(key string, value []byte)
}

// RequestOptions carries optional per-call settings for the dispatcher.
type RequestOptions struct {
	// Service overrides derivation from the routing key.
	Service string
	// Operation tracks the call under a (service, operation) breaker key.
	Operation string
	// Timeout is an explicit per-call timeout override.
	Timeout time.Duration
}

// Dispatcher is the public entry point of the resilience layer. It combines
// timeout resolution, the breaker engine and fallback policies to execute a
// call and return an enriched result.
type Dispatcher struct {
	cfg       *conf.Resilience
	transport Transport
	registry  *Registry
	timeouts  *TimeoutResolver
	cache     FallbackCache
	logger    *log.Helper
}

// NewDispatcher wires the dispatcher and registers recovery probes for every
// service with a configured backoff strategy.
func NewDispatcher(
	cfg *conf.Resilience,
	transport Transport,
	registry *Registry,
	timeouts *TimeoutResolver,
	scheduler *RecoveryScheduler,
	cache FallbackCache,
	logger log.Logger,
) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		timeouts:  timeouts,
		cache:     cache,
		logger:    log.NewHelper(logger),
	}
	if cfg != nil && scheduler != nil {
		for service, rec := range cfg.Recovery {
			switch RecoveryType(rec.Type) {
			case RecoveryLinearBackoff, RecoveryExponentialBackoff:
				scheduler.SetProbe(service, d.probeFor(service))
			}
		}
	}
	return d
}

// Request executes a request/response call through the resilience layer.
// On total failure (no fallback produced a value) the error is returned
// annotated with the circuit-breaker result for diagnostics; caller errors
// pass through unmodified.
func (d *Dispatcher) Request(ctx context.Context, exchange, routingKey string, payload []byte, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	service := opts.Service
	if service == "" {
		service = DeriveService(routingKey)
	}
	key := BreakerKey{Service: service, Operation: opts.Operation}

	resolution := d.timeouts.ResolveWithOverride(service, opts.Operation, opts.Timeout)
	cb := d.registry.GetOrCreate(key)

	var fallbackErr error
	fallback := d.fallbackFor(key, &fallbackErr)

	result := cb.Execute(ctx, func(cctx context.Context) (interface{}, error) {
		data, err := d.transport.Send(cctx, exchange, routingKey, payload, resolution.Timeout)
		if err != nil {
			return nil, err
		}
		return data, nil
	}, ExecuteOptions{Timeout: resolution.Timeout, Fallback: fallback})

	if result.Success && !result.FromFallback && opts.Operation != OpHealthCheck {
		if data, ok := result.Data.([]byte); ok {
			d.cache.Add(key.String(), data)
		}
	}

	if result.Err == nil {
		return result, nil
	}

	if !DefaultErrorFilter(result.Err) {
		// Caller error: propagate unmodified.
		return result, result.Err
	}

	d.logger.Warnw(
		"msg", "request failed",
		"routing_key", routingKey,
		"breaker", key.String(),
		"state", result.CircuitState.String(),
		"execution_time", result.ExecutionTime,
		"error", result.Err,
	)
	return result, fmt.Errorf("request %s via %s failed (state=%s, took=%s): %w",
		routingKey, exchange, result.CircuitState, result.ExecutionTime, result.Err)
}

// Publish executes a fire-and-forget send through the same path, but treats
// failures as best-effort: they are logged and substituted by fallbacks, and
// only a failing fallback is re-raised.
func (d *Dispatcher) Publish(ctx context.Context, exchange, routingKey string, payload []byte, opts *RequestOptions) error {
	if opts == nil {
		opts = &RequestOptions{}
	}
	service := opts.Service
	if service == "" {
		service = DeriveService(routingKey)
	}
	key := BreakerKey{Service: service, Operation: opts.Operation}

	resolution := d.timeouts.ResolveWithOverride(service, opts.Operation, opts.Timeout)
	cb := d.registry.GetOrCreate(key)

	var fallbackErr error
	fallback := d.fallbackFor(key, &fallbackErr)

	result := cb.Execute(ctx, func(cctx context.Context) (interface{}, error) {
		return nil, d.transport.Publish(cctx, exchange, routingKey, payload)
	}, ExecuteOptions{Timeout: resolution.Timeout, Fallback: fallback})

	if result.Err == nil {
		return nil
	}
	if fallbackErr != nil {
		return fallbackErr
	}
	d.logger.Warnw(
		"msg", "publish failed",
		"routing_key", routingKey,
		"breaker", key.String(),
		"state", result.CircuitState.String(),
		"error", result.Err,
	)
	return nil
}

// fallbackFor builds the per-service fallback policy. Health checks get a
// synthetic unhealthy response; non-critical services serve the last good
// cached value; critical and standard services surface the typed
// "temporarily unavailable" condition.
func (d *Dispatcher) fallbackFor(key BreakerKey, fallbackErr *error) Fallback {
	if key.Operation == OpHealthCheck {
		return func(_ context.Context, _ error) (interface{}, error) {
			payload, _ := json.Marshal(map[string]interface{}{
				"service":  key.Service,
				"status":   "unhealthy",
				"fallback": true,
			})
			return payload, nil
		}
	}

	if d.tierOf(key.Service) != TierNonCritical {
		return nil
	}

	return func(_ context.Context, _ error) (interface{}, error) {
		if data, ok := d.cache.Get(key.String()); ok {
			d.logger.Debugw("msg", "serving cached fallback", "breaker", key.String())
			return data, nil
		}
		err := ErrServiceUnavailable(key.Service)
		*fallbackErr = err
		return nil, err
	}
}

func (d *Dispatcher) tierOf(service string) Tier {
	if d.cfg != nil {
		if svc, ok := d.cfg.Services[service]; ok && svc.Tier != "" {
			return Tier(svc.Tier)
		}
	}
	return TierStandard
}

// probeFor issues a live health-check call through the opened breaker itself,
// without any fallback, so that probe outcomes always reflect the real
// dependency and drive that breaker's half-open transition.
func (d *Dispatcher) probeFor(service string) ProbeFunc {
	routingKey := RoutingPrefix(service) + ".health"
	return func(ctx context.Context, key BreakerKey) error {
		resolution := d.timeouts.Resolve(service, OpHealthCheck)
		cb := d.registry.GetOrCreate(key)
		result := cb.Execute(ctx, func(cctx context.Context) (interface{}, error) {
			return d.transport.Send(cctx, DefaultExchange, routingKey, []byte(`{"probe":true}`), resolution.Timeout)
		}, ExecuteOptions{Timeout: resolution.Timeout})
		return result.Err
	}
}

// DeriveService maps a routing key to its target service name:
// "auth.register" -> "auth-service".
func DeriveService(routingKey string) string {
	segment := routingKey
	if i := strings.Index(routingKey, "."); i >= 0 {
		segment = routingKey[:i]
	}
	if segment == "" {
		return "unknown-service"
	}
	if strings.HasSuffix(segment, "-service") {
		return segment
	}
	return segment + "-service"
}

// RoutingPrefix is the inverse of DeriveService for probe routing keys:
// "auth-service" -> "auth".
func RoutingPrefix(service string) string {
	return strings.TrimSuffix(service, "-service")
}
