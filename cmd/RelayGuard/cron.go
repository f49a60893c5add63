package main

import (
	"RelayGuard/internal/biz"
	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// NewMonitoringCron starts the periodic monitoring jobs: metrics collection
// on the metrics interval and a system health report on the health check
// interval. When monitoring is disabled the cron starts with no jobs.
func NewMonitoringCron(
	rc *conf.Resilience,
	collector *biz.MetricsCollector,
	health *biz.HealthAggregator,
	logger log.Logger,
) (*cron.Cron, func()) {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())
	cleanup := func() {
		helper.Info("stopping monitoring cron")
		<-c.Stop().Done()
	}

	if rc == nil || rc.Monitoring == nil || !rc.Monitoring.Enabled {
		helper.Info("monitoring disabled, skipping metrics and health jobs")
		c.Start()
		return c, cleanup
	}

	metricsSpec := "@every " + rc.Monitoring.MetricsInterval.String()
	if _, err := c.AddFunc(metricsSpec, func() {
		snap := collector.Collect()
		helper.Debugw(
			"msg", "metrics snapshot collected",
			"breakers", snap.TotalCircuitBreakers,
			"requests", snap.TotalRequests,
			"failures", snap.TotalFailures,
		)
	}); err != nil {
		helper.Errorw("msg", "failed to register metrics collection job", "error", err)
	}

	healthSpec := "@every " + rc.Monitoring.HealthCheckInterval.String()
	if _, err := c.AddFunc(healthSpec, func() {
		sh := health.SystemHealth()
		if sh.Overall == biz.HealthHealthy {
			helper.Debugw("msg", "system health check", "overall", sh.Overall)
			return
		}
		helper.Warnw(
			"msg", "system health check",
			"overall", sh.Overall,
			"unhealthy", sh.Unhealthy,
			"degraded", sh.Degraded,
			"recommendations", sh.Recommendations,
		)
	}); err != nil {
		helper.Errorw("msg", "failed to register health check job", "error", err)
	}

	c.Start()
	helper.Infow(
		"msg", "monitoring cron started",
		"metrics_interval", rc.Monitoring.MetricsInterval,
		"health_check_interval", rc.Monitoring.HealthCheckInterval,
	)

	return c, cleanup
}
