package biz

import (
	"time"

	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// TimeoutSource records which configuration layer produced a resolved timeout.
type TimeoutSource string

const (
	SourceCallOverride      TimeoutSource = "call-override"
	SourceOperationOverride TimeoutSource = "operation-override"
	SourceServiceOverride   TimeoutSource = "service-override"
	SourceTierDefault       TimeoutSource = "tier-default"
	SourceGlobalDefault     TimeoutSource = "global-default"
)

// Tier is the criticality classification of a service.
type Tier string

const (
	TierCritical    Tier = "critical"
	TierStandard    Tier = "standard"
	TierNonCritical Tier = "non-critical"
)

// fallbackTimeout is the last-resort timeout when configuration is incomplete.
const fallbackTimeout = 10 * time.Second

// TimeoutResolution is the outcome of resolving a (service, operation) timeout.
type TimeoutResolution struct {
	Timeout time.Duration `json:"timeout"`
	Source  TimeoutSource `json:"source"`
	Tier    Tier          `json:"tier"`
	Scaled  bool          `json:"scaled"`
}

// TimeoutResolver computes effective timeouts from static configuration,
// service tiers and environment scaling. It never fails; incomplete
// configuration falls back to the global default.
type TimeoutResolver struct {
	cfg    *conf.Resilience
	logger *log.Helper
}

// NewTimeoutResolver creates a resolver over the resilience configuration.
func NewTimeoutResolver(cfg *conf.Resilience, logger log.Logger) *TimeoutResolver {
	return &TimeoutResolver{
		cfg:    cfg,
		logger: log.NewHelper(logger),
	}
}

// Resolve computes the effective timeout for a (service, operation) call.
// Precedence: operation override > service override > tier default > global default.
func (tr *TimeoutResolver) Resolve(service, operation string) TimeoutResolution {
	return tr.ResolveWithOverride(service, operation, 0)
}

// ResolveWithOverride is Resolve with an explicit per-call override, which
// takes precedence over every configured layer.
func (tr *TimeoutResolver) ResolveWithOverride(service, operation string, override time.Duration) TimeoutResolution {
	res := TimeoutResolution{
		Timeout: fallbackTimeout,
		Source:  SourceGlobalDefault,
		Tier:    tr.tierOf(service),
	}

	switch {
	case override > 0:
		res.Timeout = override
		res.Source = SourceCallOverride
	case tr.operationTimeout(operation) > 0:
		res.Timeout = tr.operationTimeout(operation)
		res.Source = SourceOperationOverride
	case tr.serviceTimeout(service) > 0:
		res.Timeout = tr.serviceTimeout(service)
		res.Source = SourceServiceOverride
	case tr.tierTimeout(res.Tier) > 0:
		res.Timeout = tr.tierTimeout(res.Tier)
		res.Source = SourceTierDefault
	default:
		if tr.cfg != nil && tr.cfg.Defaults != nil && tr.cfg.Defaults.Timeout > 0 {
			res.Timeout = tr.cfg.Defaults.Timeout
		}
	}

	// Environment scaling multiplies the resolved timeout (production scales
	// up, development scales down).
	if tr.cfg != nil && tr.cfg.Scaling != nil && tr.cfg.Scaling.Enabled {
		if factor, ok := tr.cfg.Scaling.Factors[tr.cfg.Scaling.Environment]; ok && factor > 0 {
			res.Timeout = time.Duration(float64(res.Timeout) * factor)
			res.Scaled = true
		}
	}

	return res
}

func (tr *TimeoutResolver) tierOf(service string) Tier {
	if tr.cfg != nil {
		if svc, ok := tr.cfg.Services[service]; ok && svc.Tier != "" {
			return Tier(svc.Tier)
		}
	}
	return TierStandard
}

func (tr *TimeoutResolver) operationTimeout(operation string) time.Duration {
	if operation == "" || tr.cfg == nil {
		return 0
	}
	if op, ok := tr.cfg.Operations[operation]; ok {
		return op.Timeout
	}
	return 0
}

func (tr *TimeoutResolver) serviceTimeout(service string) time.Duration {
	if tr.cfg == nil {
		return 0
	}
	if svc, ok := tr.cfg.Services[service]; ok {
		return svc.Timeout
	}
	return 0
}

func (tr *TimeoutResolver) tierTimeout(tier Tier) time.Duration {
	if tr.cfg == nil {
		return 0
	}
	return tr.cfg.Tiers[string(tier)]
}
