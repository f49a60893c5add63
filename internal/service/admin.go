// Package service exposes the administrative read surface over the
// resilience core.
package service

import (
	"time"

	"RelayGuard/internal/biz"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewAdminService)

// AdminService is consumed by the thin HTTP admin layer. Everything here is a
// pure read over the resilience data model except ResetService.
type AdminService struct {
	registry  *biz.Registry
	health    *biz.HealthAggregator
	collector *biz.MetricsCollector
	scheduler *biz.RecoveryScheduler
	timeouts  *biz.TimeoutResolver
	logger    *log.Helper
}

// NewAdminService creates a new AdminService instance.
func NewAdminService(
	registry *biz.Registry,
	health *biz.HealthAggregator,
	collector *biz.MetricsCollector,
	scheduler *biz.RecoveryScheduler,
	timeouts *biz.TimeoutResolver,
	logger log.Logger,
) *AdminService {
	return &AdminService{
		registry:  registry,
		health:    health,
		collector: collector,
		scheduler: scheduler,
		timeouts:  timeouts,
		logger:    log.NewHelper(logger),
	}
}

// GetSystemHealth returns the aggregated system-wide health view.
func (s *AdminService) GetSystemHealth() *biz.SystemHealth {
	return s.health.SystemHealth()
}

// GetServiceHealth returns the health views of one service's breakers.
func (s *AdminService) GetServiceHealth(service string) ([]biz.BreakerHealth, error) {
	views := s.health.ServiceHealth(service)
	if len(views) == 0 {
		return nil, errors.New(404, "SERVICE_NOT_FOUND",
			"no circuit breakers tracked for "+service)
	}
	return views, nil
}

// ListUnhealthy returns all breakers currently OPEN or degraded.
func (s *AdminService) ListUnhealthy() []biz.BreakerHealth {
	var out []biz.BreakerHealth
	s.registry.Range(func(cb *biz.CircuitBreaker) bool {
		bh := s.health.BreakerHealthOf(cb)
		if bh.Status != biz.HealthHealthy {
			out = append(out, bh)
		}
		return true
	})
	return out
}

// GetMetrics returns a freshly collected snapshot of all breakers.
func (s *AdminService) GetMetrics() *biz.MetricsSnapshot {
	// The latest periodic snapshot may be up to one interval old; collect on
	// demand so the admin view is current.
	return s.collector.Collect()
}

// GetMetricsHistory returns up to limit retained snapshots, most recent first.
func (s *AdminService) GetMetricsHistory(limit int) []*biz.MetricsSnapshot {
	return s.collector.Snapshots(limit)
}

// GetPercentiles returns response-time percentiles for a service within the
// given window.
func (s *AdminService) GetPercentiles(service string, window time.Duration) biz.ResponseTimePercentiles {
	if window <= 0 {
		window = time.Hour
	}
	return s.collector.Percentiles(service, window)
}

// GetTrend returns the error-rate trend for a service.
func (s *AdminService) GetTrend(service string) biz.Trend {
	return s.collector.Trend(service)
}

// GetBucketedTrends returns the time-bucketed trend view for a service.
func (s *AdminService) GetBucketedTrends(service string, window, bucket time.Duration) []biz.TrendBucket {
	if window <= 0 {
		window = time.Hour
	}
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}
	return s.collector.BucketedTrends(service, window, bucket)
}

// GetAlerts returns recent alerts filtered by severity and service.
func (s *AdminService) GetAlerts(severity, service string, limit int) []*biz.Alert {
	return s.collector.Alerts(biz.AlertSeverity(severity), service, limit)
}

// ResetService force-closes all of a service's breakers and clears their
// counters. The only mutating admin operation.
func (s *AdminService) ResetService(service string) (int, error) {
	reset := s.registry.ResetService(service)
	if reset == 0 {
		return 0, errors.New(404, "SERVICE_NOT_FOUND",
			"no circuit breakers tracked for "+service)
	}
	s.logger.Infow("msg", "administrative reset", "service", service, "breakers", reset)
	return reset, nil
}

// DebugBreaker is one entry of the debug dump.
type DebugBreaker struct {
	Key      string                `json:"key"`
	Config   biz.BreakerConfig     `json:"config"`
	Metrics  biz.BreakerMetrics    `json:"metrics"`
	Recovery biz.RecoveryStrategy  `json:"recovery"`
	Timeout  biz.TimeoutResolution `json:"timeout"`
}

// GetDebugState dumps all active breaker configurations and internal states.
func (s *AdminService) GetDebugState() []DebugBreaker {
	var out []DebugBreaker
	s.registry.Range(func(cb *biz.CircuitBreaker) bool {
		key := cb.Key()
		out = append(out, DebugBreaker{
			Key:      key.String(),
			Config:   cb.Config(),
			Metrics:  cb.Metrics(),
			Recovery: s.scheduler.StrategyFor(key.Service),
			Timeout:  s.timeouts.Resolve(key.Service, key.Operation),
		})
		return true
	})
	return out
}
