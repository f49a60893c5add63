package biz

import (
	"context"
	"math"
	"sync"
	"time"

	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// RecoveryType selects the backoff policy used while a breaker is OPEN.
type RecoveryType string

const (
	RecoveryImmediate          RecoveryType = "immediate"
	RecoveryLinearBackoff      RecoveryType = "linear_backoff"
	RecoveryExponentialBackoff RecoveryType = "exponential_backoff"
	RecoveryCustom             RecoveryType = "custom"
)

// CustomRecovery is an async predicate; returning true force-resets the
// breaker to CLOSED without waiting for a live probe.
type CustomRecovery func(ctx context.Context) (bool, error)

// ProbeFunc issues a live probe call for the given breaker key. Its outcome
// flows through that breaker's own HALF_OPEN admission.
type ProbeFunc func(ctx context.Context, key BreakerKey) error

// RecoveryStrategy is immutable once resolved for a service.
type RecoveryStrategy struct {
	Type           RecoveryType   `json:"type"`
	BaseDelay      time.Duration  `json:"base_delay"`
	MaxDelay       time.Duration  `json:"max_delay"`
	Multiplier     float64        `json:"multiplier"`
	MaxAttempts    int            `json:"max_attempts"`
	CustomRecovery CustomRecovery `json:"-"`
}

func (s RecoveryStrategy) withDefaults() RecoveryStrategy {
	if s.Type == "" {
		s.Type = RecoveryImmediate
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = time.Minute
	}
	if s.Multiplier <= 0 {
		s.Multiplier = 2
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 10
	}
	return s
}

// Delay returns the backoff delay before the given zero-based attempt.
// Exponential delays are non-decreasing and bounded by MaxDelay; linear
// delays grow by a constant BaseDelay step with the same bound.
func (s RecoveryStrategy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var delay time.Duration
	switch s.Type {
	case RecoveryExponentialBackoff:
		d := float64(s.BaseDelay) * math.Pow(s.Multiplier, float64(attempt))
		if d > float64(s.MaxDelay) {
			return s.MaxDelay
		}
		delay = time.Duration(d)
	case RecoveryLinearBackoff:
		delay = s.BaseDelay + s.BaseDelay*time.Duration(attempt)
	default:
		return 0
	}
	if delay > s.MaxDelay {
		delay = s.MaxDelay
	}
	return delay
}

// probeTimeout bounds a single recovery probe or custom predicate call.
const probeTimeout = 10 * time.Second

// RecoveryScheduler schedules re-probe attempts while breakers are OPEN,
// independent of the engine's own half-open probing. Timers are explicitly
// cancellable and are cancelled the moment a breaker closes.
type RecoveryScheduler struct {
	registry *Registry
	logger   *log.Helper

	mu         sync.Mutex
	strategies map[string]RecoveryStrategy // per service
	probes     map[string]ProbeFunc        // per service
	sequences  map[string]*recoverySequence
	stopped    bool
}

// recoverySequence tracks one in-progress recovery for a breaker key. A key
// has at most one sequence, so concurrent OPEN events never duplicate timers.
type recoverySequence struct {
	timer   *time.Timer
	attempt int
}

// NewRecoveryScheduler builds per-service strategies from configuration and
// subscribes to breaker state changes.
func NewRecoveryScheduler(cfg *conf.Resilience, registry *Registry, logger log.Logger) *RecoveryScheduler {
	s := &RecoveryScheduler{
		registry:   registry,
		logger:     log.NewHelper(logger),
		strategies: make(map[string]RecoveryStrategy),
		probes:     make(map[string]ProbeFunc),
		sequences:  make(map[string]*recoverySequence),
	}
	if cfg != nil {
		for service, rec := range cfg.Recovery {
			s.strategies[service] = RecoveryStrategy{
				Type:        RecoveryType(rec.Type),
				BaseDelay:   rec.BaseDelay,
				MaxDelay:    rec.MaxDelay,
				Multiplier:  rec.Multiplier,
				MaxAttempts: rec.MaxAttempts,
			}.withDefaults()
		}
	}
	registry.Subscribe(s)
	return s
}

// StrategyFor returns the resolved strategy for a service (immediate when
// none is configured).
func (s *RecoveryScheduler) StrategyFor(service string) RecoveryStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.strategies[service]; ok {
		return st
	}
	return RecoveryStrategy{Type: RecoveryImmediate}.withDefaults()
}

// SetProbe registers a live probe for a service, used by backoff strategies.
func (s *RecoveryScheduler) SetProbe(service string, probe ProbeFunc) {
	s.mu.Lock()
	s.probes[service] = probe
	s.mu.Unlock()
}

// SetCustomRecovery installs the async predicate for a service using the
// custom strategy.
func (s *RecoveryScheduler) SetCustomRecovery(service string, fn CustomRecovery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[service]
	if !ok {
		st = RecoveryStrategy{Type: RecoveryCustom}.withDefaults()
	}
	st.CustomRecovery = fn
	s.strategies[service] = st
}

// OnStateChange implements StateObserver.
func (s *RecoveryScheduler) OnStateChange(change StateChange) {
	switch change.To {
	case StateOpen:
		s.begin(change.Key)
	case StateClosed:
		s.cancel(change.Key)
	}
}

// Stop cancels all pending recovery timers.
func (s *RecoveryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, seq := range s.sequences {
		seq.timer.Stop()
		delete(s.sequences, key)
	}
}

func (s *RecoveryScheduler) begin(key BreakerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, exists := s.sequences[key.String()]; exists {
		// A sequence is already running for this key.
		return
	}

	strategy, ok := s.strategies[key.Service]
	if !ok || strategy.Type == RecoveryImmediate {
		// The engine's own HALF_OPEN probing suffices.
		return
	}
	if strategy.Type == RecoveryCustom && strategy.CustomRecovery == nil {
		s.logger.Warnw(
			"msg", "custom recovery configured without a predicate",
			"service", key.Service,
		)
		return
	}

	delay := strategy.Delay(0)
	if strategy.Type == RecoveryCustom {
		delay = strategy.BaseDelay
	}

	seq := &recoverySequence{}
	seq.timer = time.AfterFunc(delay, func() { s.onTimer(key, seq) })
	s.sequences[key.String()] = seq

	s.logger.Infow(
		"msg", "recovery scheduled",
		"breaker", key.String(),
		"strategy", string(strategy.Type),
		"first_delay", delay,
	)
}

func (s *RecoveryScheduler) cancel(key BreakerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.sequences[key.String()]; ok {
		seq.timer.Stop()
		delete(s.sequences, key.String())
		s.logger.Debugw("msg", "recovery timers cancelled", "breaker", key.String())
	}
}

// onTimer runs one recovery attempt. The sequence is validated against the
// map so a cancelled or superseded timer never fires an attempt.
func (s *RecoveryScheduler) onTimer(key BreakerKey, seq *recoverySequence) {
	s.mu.Lock()
	current, ok := s.sequences[key.String()]
	if !ok || current != seq || s.stopped {
		s.mu.Unlock()
		return
	}
	seq.attempt++
	attempt := seq.attempt
	strategy := s.strategies[key.Service]
	probe := s.probes[key.Service]
	s.mu.Unlock()

	cb, exists := s.registry.Get(key)
	if !exists || cb.State() != StateOpen {
		s.cancel(key)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	switch strategy.Type {
	case RecoveryCustom:
		recovered, err := strategy.CustomRecovery(ctx)
		if err != nil {
			s.logger.Warnw(
				"msg", "custom recovery predicate failed",
				"breaker", key.String(),
				"attempt", attempt,
				"error", err,
			)
		}
		if recovered {
			s.logger.Infow("msg", "custom recovery succeeded, resetting breaker", "breaker", key.String())
			// ForceReset emits a CLOSED transition, which cancels this sequence.
			cb.ForceReset()
			return
		}
	default:
		if probe != nil {
			if err := probe(ctx, key); err != nil {
				s.logger.Debugw(
					"msg", "recovery probe failed",
					"breaker", key.String(),
					"attempt", attempt,
					"error", err,
				)
			}
			// A successful probe closes the breaker through the engine's
			// half-open path, which cancels this sequence.
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sequences[key.String()]; !ok || cur != seq || s.stopped {
		return
	}
	if attempt >= strategy.MaxAttempts {
		delete(s.sequences, key.String())
		s.logger.Warnw(
			"msg", "recovery attempts exhausted",
			"breaker", key.String(),
			"attempts", attempt,
		)
		return
	}
	next := strategy.Delay(attempt)
	if strategy.Type == RecoveryCustom {
		next = strategy.BaseDelay
	}
	seq.timer.Reset(next)
}
