// Package biz contains the resilience core: the circuit breaker engine,
// timeout resolution, recovery scheduling, metrics collection, health
// aggregation and the resilient dispatcher.
package biz

import (
	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewRegistry,
	NewTimeoutResolver,
	NewRecoveryScheduler,
	NewHealthAggregator,
	NewMetricsCollector,
	NewDispatcher,
)
