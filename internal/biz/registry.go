package biz

import (
	"sync"

	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// StateObserver receives breaker state-change notifications. The recovery
// scheduler and the metrics collector both subscribe.
type StateObserver interface {
	OnStateChange(change StateChange)
}

// Registry owns all breaker instances, created lazily on first use and kept
// for the process lifetime. Lookups go through a sync.Map so the periodic
// snapshot pass never blocks individual call paths behind a global lock.
type Registry struct {
	cfg    *conf.Resilience
	logger log.Logger
	helper *log.Helper

	breakers sync.Map // key string -> *CircuitBreaker

	obsMu     sync.RWMutex
	observers []StateObserver
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg *conf.Resilience, logger log.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logger,
		helper: log.NewHelper(logger),
	}
}

// Subscribe registers an observer for all future state changes.
func (r *Registry) Subscribe(o StateObserver) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

// GetOrCreate returns the breaker for key, creating it with the merged
// configuration (global defaults + service overrides) on first use.
func (r *Registry) GetOrCreate(key BreakerKey) *CircuitBreaker {
	if existing, ok := r.breakers.Load(key.String()); ok {
		return existing.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(key, r.ConfigFor(key), r.logger)
	cb.notify = r.dispatch

	actual, loaded := r.breakers.LoadOrStore(key.String(), cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}
	r.helper.Debugw("msg", "circuit breaker created", "breaker", key.String())
	return cb
}

// Get returns the breaker for key without creating one.
func (r *Registry) Get(key BreakerKey) (*CircuitBreaker, bool) {
	v, ok := r.breakers.Load(key.String())
	if !ok {
		return nil, false
	}
	return v.(*CircuitBreaker), true
}

// Range calls fn for every known breaker until fn returns false.
func (r *Registry) Range(fn func(cb *CircuitBreaker) bool) {
	r.breakers.Range(func(_, v interface{}) bool {
		return fn(v.(*CircuitBreaker))
	})
}

// Len returns the number of breakers currently tracked.
func (r *Registry) Len() int {
	n := 0
	r.breakers.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// ResetService force-closes every breaker belonging to service and clears its
// counters. Returns the number of breakers reset.
func (r *Registry) ResetService(service string) int {
	reset := 0
	r.Range(func(cb *CircuitBreaker) bool {
		if cb.Key().Service == service {
			cb.ForceReset()
			reset++
		}
		return true
	})
	if reset > 0 {
		r.helper.Infow("msg", "breakers reset", "service", service, "count", reset)
	}
	return reset
}

// ConfigFor merges the global defaults with the service overrides for key.
func (r *Registry) ConfigFor(key BreakerKey) BreakerConfig {
	cfg := BreakerConfig{}
	if r.cfg != nil && r.cfg.Defaults != nil {
		d := r.cfg.Defaults
		cfg = BreakerConfig{
			Timeout:                  d.Timeout,
			ErrorThresholdPercentage: d.ErrorThresholdPercentage,
			ResetTimeout:             d.ResetTimeout,
			VolumeThreshold:          d.VolumeThreshold,
			RollingCountTimeout:      d.RollingCountTimeout,
			RollingCountBuckets:      d.RollingCountBuckets,
		}
	}
	if r.cfg != nil {
		if svc, ok := r.cfg.Services[key.Service]; ok {
			if svc.Timeout > 0 {
				cfg.Timeout = svc.Timeout
			}
			if svc.ErrorThresholdPercentage > 0 {
				cfg.ErrorThresholdPercentage = svc.ErrorThresholdPercentage
			}
			if svc.ResetTimeout > 0 {
				cfg.ResetTimeout = svc.ResetTimeout
			}
			if svc.VolumeThreshold > 0 {
				cfg.VolumeThreshold = svc.VolumeThreshold
			}
		}
		if key.Operation != "" {
			if op, ok := r.cfg.Operations[key.Operation]; ok && op.Timeout > 0 {
				cfg.Timeout = op.Timeout
			}
		}
		// The global enable flag turns every breaker into a pass-through.
		cfg.Disabled = !r.cfg.Enabled
	}
	return cfg.withDefaults()
}

// dispatch fans a state change out to all observers. Called outside the
// breaker lock, so observers may safely call back into the registry.
func (r *Registry) dispatch(change StateChange) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, o := range observers {
		o.OnStateChange(change)
	}
}
