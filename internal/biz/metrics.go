package biz

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// History bounds. Oldest entries are evicted first.
const (
	maxSnapshotHistory = 1000
	maxAlertHistory    = 500
)

// Alert rule constants.
const (
	severeErrorRate      = 80.0
	highResponseTime     = 10 * time.Second
	criticalResponseTime = 30 * time.Second
	trendThreshold       = 5.0 // percentage points
)

// AlertType categorizes an alert.
type AlertType string

const (
	AlertStateChange      AlertType = "state_change"
	AlertHighErrorRate    AlertType = "high_error_rate"
	AlertHighResponseTime AlertType = "high_response_time"
	AlertRecovery         AlertType = "recovery"
)

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityInfo    AlertSeverity = "info"
	SeverityWarning AlertSeverity = "warning"
	SeverityError   AlertSeverity = "error"
)

// Alert is one raised alert condition.
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Service   string                 `json:"service"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// BreakerSnapshot is the per-breaker slice of a MetricsSnapshot.
type BreakerSnapshot struct {
	Key     string         `json:"key"`
	Service string         `json:"service"`
	Metrics BreakerMetrics `json:"metrics"`
	Health  HealthStatus   `json:"health"`
}

// MetricsSnapshot is a point-in-time aggregate over all breakers.
type MetricsSnapshot struct {
	Timestamp            time.Time                  `json:"timestamp"`
	TotalCircuitBreakers int                        `json:"total_circuit_breakers"`
	StateDistribution    map[string]int             `json:"state_distribution"`
	HealthDistribution   map[string]int             `json:"health_distribution"`
	Breakers             map[string]BreakerSnapshot `json:"breakers"`
	TotalRequests        int64                      `json:"total_requests"`
	TotalFailures        int64                      `json:"total_failures"`
	TotalRejections      int64                      `json:"total_rejections"`
}

// Trend classifies the error-rate direction for a service between the two
// most recent snapshots.
type Trend struct {
	Service   string  `json:"service"`
	Direction string  `json:"direction"` // increasing | decreasing | stable
	Current   float64 `json:"current_error_percentage"`
	Previous  float64 `json:"previous_error_percentage"`
}

// ResponseTimePercentiles holds p50/p95/p99 over a time window.
type ResponseTimePercentiles struct {
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Samples int           `json:"samples"`
}

// TrendBucket averages metrics within one fixed-size bucket of a window.
type TrendBucket struct {
	Start               time.Time     `json:"start"`
	ErrorPercentage     float64       `json:"error_percentage"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	Snapshots           int           `json:"snapshots"`
}

// MetricsCollector periodically snapshots all breakers, retains bounded
// history, and raises alerts on threshold breaches and state transitions.
// Collect is driven by an external timer (the monitoring cron).
type MetricsCollector struct {
	registry       *Registry
	health         *HealthAggregator
	alertThreshold float64
	logger         *log.Helper

	mu         sync.RWMutex
	snapshots  []*MetricsSnapshot
	alerts     []*Alert
	prevStates map[string]State
}

// NewMetricsCollector creates the collector and subscribes it for recovery
// notifications.
func NewMetricsCollector(cfg *conf.Resilience, registry *Registry, health *HealthAggregator, logger log.Logger) *MetricsCollector {
	threshold := 50.0
	if cfg != nil && cfg.Monitoring != nil && cfg.Monitoring.AlertThreshold > 0 {
		threshold = cfg.Monitoring.AlertThreshold
	}
	c := &MetricsCollector{
		registry:       registry,
		health:         health,
		alertThreshold: threshold,
		logger:         log.NewHelper(logger),
		prevStates:     make(map[string]State),
	}
	registry.Subscribe(c)
	return c
}

// OnStateChange implements StateObserver. Recovery completions are alerted
// here so they are never missed between two collection ticks.
func (c *MetricsCollector) OnStateChange(change StateChange) {
	if change.From == StateHalfOpen && change.To == StateClosed {
		c.addAlert(&Alert{
			Type:     AlertRecovery,
			Severity: SeverityInfo,
			Service:  change.Key.Service,
			Message:  fmt.Sprintf("%s recovered: circuit closed after successful probe", change.Key.String()),
			Metadata: map[string]interface{}{"breaker": change.Key.String()},
		})
	}
}

// Collect builds a snapshot over all breakers, appends it to history, and
// evaluates alert conditions against it.
func (c *MetricsCollector) Collect() *MetricsSnapshot {
	snap := &MetricsSnapshot{
		Timestamp:          time.Now(),
		StateDistribution:  map[string]int{},
		HealthDistribution: map[string]int{},
		Breakers:           map[string]BreakerSnapshot{},
	}

	c.registry.Range(func(cb *CircuitBreaker) bool {
		m := cb.Metrics()
		status := c.health.Classify(m)
		key := cb.Key().String()

		snap.Breakers[key] = BreakerSnapshot{
			Key:     key,
			Service: cb.Key().Service,
			Metrics: m,
			Health:  status,
		}
		snap.TotalCircuitBreakers++
		snap.StateDistribution[m.State.String()]++
		snap.HealthDistribution[string(status)]++
		snap.TotalRequests += m.RequestCount
		snap.TotalFailures += m.FailureCount
		snap.TotalRejections += m.RejectionCount
		return true
	})

	c.mu.Lock()
	c.snapshots = append(c.snapshots, snap)
	if len(c.snapshots) > maxSnapshotHistory {
		c.snapshots = append(c.snapshots[:0:0], c.snapshots[len(c.snapshots)-maxSnapshotHistory:]...)
	}
	c.mu.Unlock()

	c.evaluateAlerts(snap)
	return snap
}

// evaluateAlerts applies the alert rules to a fresh snapshot.
func (c *MetricsCollector) evaluateAlerts(snap *MetricsSnapshot) {
	for key, bs := range snap.Breakers {
		m := bs.Metrics

		// State-change alert: state differs from the previous snapshot.
		c.mu.Lock()
		prev, seen := c.prevStates[key]
		c.prevStates[key] = m.State
		c.mu.Unlock()
		if seen && prev != m.State {
			sev := SeverityInfo
			switch m.State {
			case StateOpen:
				sev = SeverityError
			case StateHalfOpen:
				sev = SeverityWarning
			}
			c.addAlert(&Alert{
				Type:     AlertStateChange,
				Severity: sev,
				Service:  bs.Service,
				Message:  fmt.Sprintf("%s changed state: %s -> %s", key, prev, m.State),
				Metadata: map[string]interface{}{"breaker": key, "from": prev.String(), "to": m.State.String()},
			})
		}

		// High error-rate alert.
		if m.RequestCount > 0 && m.ErrorPercentage > c.alertThreshold {
			sev := SeverityWarning
			if m.ErrorPercentage > severeErrorRate {
				sev = SeverityError
			}
			c.addAlert(&Alert{
				Type:     AlertHighErrorRate,
				Severity: sev,
				Service:  bs.Service,
				Message:  fmt.Sprintf("%s error rate %.1f%% exceeds threshold %.1f%%", key, m.ErrorPercentage, c.alertThreshold),
				Metadata: map[string]interface{}{"breaker": key, "error_percentage": m.ErrorPercentage},
			})
		}

		// High response-time alert.
		if m.AverageResponseTime > highResponseTime {
			sev := SeverityWarning
			if m.AverageResponseTime > criticalResponseTime {
				sev = SeverityError
			}
			c.addAlert(&Alert{
				Type:     AlertHighResponseTime,
				Severity: sev,
				Service:  bs.Service,
				Message:  fmt.Sprintf("%s average response time %s is high", key, m.AverageResponseTime),
				Metadata: map[string]interface{}{"breaker": key, "average_response_time": m.AverageResponseTime.String()},
			})
		}
	}
}

func (c *MetricsCollector) addAlert(a *Alert) {
	a.ID = uuid.NewString()
	a.Timestamp = time.Now()

	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	if len(c.alerts) > maxAlertHistory {
		c.alerts = append(c.alerts[:0:0], c.alerts[len(c.alerts)-maxAlertHistory:]...)
	}
	c.mu.Unlock()

	c.logger.Infow(
		"msg", "alert raised",
		"type", string(a.Type),
		"severity", string(a.Severity),
		"service", a.Service,
		"detail", a.Message,
	)
}

// Latest returns the most recent snapshot, or nil when none was collected.
func (c *MetricsCollector) Latest() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.snapshots) == 0 {
		return nil
	}
	return c.snapshots[len(c.snapshots)-1]
}

// Snapshots returns up to limit snapshots, most recent first. limit <= 0
// returns the full retained history.
func (c *MetricsCollector) Snapshots(limit int) []*MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.snapshots)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*MetricsSnapshot, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, c.snapshots[i])
	}
	return out
}

// Alerts returns alerts filtered by severity and service (empty means any),
// most recent first, capped at limit (default 100).
func (c *MetricsCollector) Alerts(severity AlertSeverity, service string, limit int) []*Alert {
	if limit <= 0 {
		limit = 100
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Alert, 0, limit)
	for i := len(c.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		a := c.alerts[i]
		if severity != "" && a.Severity != severity {
			continue
		}
		if service != "" && a.Service != service {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Trend compares the two most recent snapshots' error rates for a service.
func (c *MetricsCollector) Trend(service string) Trend {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t := Trend{Service: service, Direction: "stable"}
	if len(c.snapshots) < 2 {
		return t
	}
	latest := c.snapshots[len(c.snapshots)-1]
	previous := c.snapshots[len(c.snapshots)-2]

	t.Current = serviceErrorRate(latest, service)
	t.Previous = serviceErrorRate(previous, service)

	switch {
	case t.Current-t.Previous > trendThreshold:
		t.Direction = "increasing"
	case t.Previous-t.Current > trendThreshold:
		t.Direction = "decreasing"
	}
	return t
}

// Percentiles computes p50/p95/p99 of the per-snapshot response-time series
// for a service within the given window.
func (c *MetricsCollector) Percentiles(service string, window time.Duration) ResponseTimePercentiles {
	cutoff := time.Now().Add(-window)

	c.mu.RLock()
	var samples []time.Duration
	for _, snap := range c.snapshots {
		if snap.Timestamp.Before(cutoff) {
			continue
		}
		for _, bs := range snap.Breakers {
			if bs.Service == service && bs.Metrics.RequestCount > 0 {
				samples = append(samples, bs.Metrics.AverageResponseTime)
			}
		}
	}
	c.mu.RUnlock()

	res := ResponseTimePercentiles{Samples: len(samples)}
	if len(samples) == 0 {
		return res
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	res.P50 = percentile(samples, 0.50)
	res.P95 = percentile(samples, 0.95)
	res.P99 = percentile(samples, 0.99)
	return res
}

// BucketedTrends averages a service's metrics within fixed-size buckets over
// the requested window, oldest bucket first.
func (c *MetricsCollector) BucketedTrends(service string, window, bucketSize time.Duration) []TrendBucket {
	if bucketSize <= 0 || window <= 0 {
		return nil
	}
	now := time.Now()
	start := now.Add(-window)
	n := int(window / bucketSize)
	if n <= 0 {
		n = 1
	}

	type acc struct {
		errSum float64
		rtSum  time.Duration
		count  int
	}
	accs := make([]acc, n)

	c.mu.RLock()
	for _, snap := range c.snapshots {
		if snap.Timestamp.Before(start) || snap.Timestamp.After(now) {
			continue
		}
		idx := int(snap.Timestamp.Sub(start) / bucketSize)
		if idx >= n {
			idx = n - 1
		}
		for _, bs := range snap.Breakers {
			if bs.Service != service {
				continue
			}
			accs[idx].errSum += bs.Metrics.ErrorPercentage
			accs[idx].rtSum += bs.Metrics.AverageResponseTime
			accs[idx].count++
		}
	}
	c.mu.RUnlock()

	out := make([]TrendBucket, 0, n)
	for i, a := range accs {
		b := TrendBucket{
			Start:     start.Add(time.Duration(i) * bucketSize),
			Snapshots: a.count,
		}
		if a.count > 0 {
			b.ErrorPercentage = a.errSum / float64(a.count)
			b.AverageResponseTime = a.rtSum / time.Duration(a.count)
		}
		out = append(out, b)
	}
	return out
}

// serviceErrorRate aggregates the error rate of all of a service's breakers
// within one snapshot.
func serviceErrorRate(snap *MetricsSnapshot, service string) float64 {
	var success, failure int64
	for _, bs := range snap.Breakers {
		if bs.Service == service {
			success += bs.Metrics.SuccessCount
			failure += bs.Metrics.FailureCount
		}
	}
	return errorPercentage(success, failure)
}

// percentile indexes into a sorted sample slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
