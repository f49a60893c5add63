package biz

import (
	"fmt"
	"time"

	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// HealthStatus classifies a breaker or the whole system.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// highLatencyHint is the average latency above which an otherwise healthy
// breaker gets a tuning suggestion.
const highLatencyHint = 5 * time.Second

// BreakerHealth is the derived health view of one breaker. It is computed on
// demand and never stored independently.
type BreakerHealth struct {
	Service   string         `json:"service"`
	Key       string         `json:"key"`
	State     State          `json:"state"`
	Status    HealthStatus   `json:"status"`
	Metrics   BreakerMetrics `json:"metrics"`
	Timestamp time.Time      `json:"timestamp"`
}

// SystemHealth aggregates breaker health system-wide.
type SystemHealth struct {
	Overall         HealthStatus    `json:"overall"`
	Healthy         int             `json:"healthy"`
	Degraded        int             `json:"degraded"`
	Unhealthy       int             `json:"unhealthy"`
	Total           int             `json:"total"`
	Breakers        []BreakerHealth `json:"breakers"`
	Recommendations []string        `json:"recommendations"`
	Timestamp       time.Time       `json:"timestamp"`
}

// HealthAggregator derives health classification and recommendations from
// breaker metrics.
type HealthAggregator struct {
	registry       *Registry
	alertThreshold float64
	logger         *log.Helper
}

// NewHealthAggregator creates the aggregator over the breaker registry.
func NewHealthAggregator(cfg *conf.Resilience, registry *Registry, logger log.Logger) *HealthAggregator {
	threshold := 50.0
	if cfg != nil && cfg.Monitoring != nil && cfg.Monitoring.AlertThreshold > 0 {
		threshold = cfg.Monitoring.AlertThreshold
	}
	return &HealthAggregator{
		registry:       registry,
		alertThreshold: threshold,
		logger:         log.NewHelper(logger),
	}
}

// Classify is a pure function of (state, errorPercentage, alertThreshold).
// OPEN always yields unhealthy regardless of error percentage.
func (h *HealthAggregator) Classify(m BreakerMetrics) HealthStatus {
	switch m.State {
	case StateOpen:
		return HealthUnhealthy
	case StateHalfOpen:
		return HealthDegraded
	}
	if m.ErrorPercentage > h.alertThreshold {
		return HealthDegraded
	}
	return HealthHealthy
}

// BreakerHealthOf builds the derived health view for one breaker.
func (h *HealthAggregator) BreakerHealthOf(cb *CircuitBreaker) BreakerHealth {
	m := cb.Metrics()
	return BreakerHealth{
		Service:   cb.Key().Service,
		Key:       cb.Key().String(),
		State:     m.State,
		Status:    h.Classify(m),
		Metrics:   m,
		Timestamp: time.Now(),
	}
}

// ServiceHealth returns the health views of all breakers for one service.
func (h *HealthAggregator) ServiceHealth(service string) []BreakerHealth {
	var out []BreakerHealth
	h.registry.Range(func(cb *CircuitBreaker) bool {
		if cb.Key().Service == service {
			out = append(out, h.BreakerHealthOf(cb))
		}
		return true
	})
	return out
}

// SystemHealth aggregates all breakers: unhealthy overall if any breaker is
// unhealthy, degraded if any is degraded, healthy otherwise.
func (h *HealthAggregator) SystemHealth() *SystemHealth {
	sys := &SystemHealth{
		Overall:   HealthHealthy,
		Timestamp: time.Now(),
	}

	h.registry.Range(func(cb *CircuitBreaker) bool {
		bh := h.BreakerHealthOf(cb)
		sys.Breakers = append(sys.Breakers, bh)
		sys.Total++
		switch bh.Status {
		case HealthUnhealthy:
			sys.Unhealthy++
		case HealthDegraded:
			sys.Degraded++
		default:
			sys.Healthy++
		}
		return true
	})

	if sys.Unhealthy > 0 {
		sys.Overall = HealthUnhealthy
	} else if sys.Degraded > 0 {
		sys.Overall = HealthDegraded
	}

	sys.Recommendations = h.Recommendations(sys.Breakers)
	return sys
}

// Recommendations produces actionable guidance from breaker health views.
func (h *HealthAggregator) Recommendations(breakers []BreakerHealth) []string {
	var recs []string
	open := 0

	for _, bh := range breakers {
		switch {
		case bh.State == StateOpen:
			open++
			recs = append(recs, fmt.Sprintf(
				"%s: circuit is open; investigate the dependency and consider a manual reset", bh.Key))
		case bh.State == StateHalfOpen:
			recs = append(recs, fmt.Sprintf(
				"%s: recovery in progress; monitor before routing full traffic", bh.Key))
		case bh.Status == HealthDegraded:
			recs = append(recs, fmt.Sprintf(
				"%s: error rate %.1f%% exceeds the alert threshold; breaker may trip soon", bh.Key, bh.Metrics.ErrorPercentage))
		case bh.Metrics.AverageResponseTime > highLatencyHint:
			recs = append(recs, fmt.Sprintf(
				"%s: average response time %s is high; consider tuning the timeout or the dependency", bh.Key, bh.Metrics.AverageResponseTime))
		}
	}

	if open > 1 {
		recs = append(recs, fmt.Sprintf(
			"%d circuits are open simultaneously; possible systemic issue (broker, network, or shared dependency)", open))
	}
	return recs
}
