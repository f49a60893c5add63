package biz

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
)

// Test exponential backoff delays: doubling, non-decreasing, capped
func TestRecoveryStrategy_ExponentialDelay(t *testing.T) {
	s := RecoveryStrategy{
		Type:       RecoveryExponentialBackoff,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2,
	}.withDefaults()

	assert.Equal(t, 1*time.Second, s.Delay(0))
	assert.Equal(t, 2*time.Second, s.Delay(1))
	assert.Equal(t, 4*time.Second, s.Delay(2))
	assert.Equal(t, 8*time.Second, s.Delay(3))
	assert.Equal(t, 10*time.Second, s.Delay(4))
	assert.Equal(t, 10*time.Second, s.Delay(50))

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := s.Delay(i)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

// Test linear backoff delays: constant step, capped
func TestRecoveryStrategy_LinearDelay(t *testing.T) {
	s := RecoveryStrategy{
		Type:      RecoveryLinearBackoff,
		BaseDelay: 2 * time.Second,
		MaxDelay:  7 * time.Second,
	}.withDefaults()

	assert.Equal(t, 2*time.Second, s.Delay(0))
	assert.Equal(t, 4*time.Second, s.Delay(1))
	assert.Equal(t, 6*time.Second, s.Delay(2))
	assert.Equal(t, 7*time.Second, s.Delay(3))
	assert.Equal(t, 7*time.Second, s.Delay(10))
}

// Test immediate strategy has no delay
func TestRecoveryStrategy_ImmediateDelay(t *testing.T) {
	s := RecoveryStrategy{Type: RecoveryImmediate}.withDefaults()

	assert.Equal(t, time.Duration(0), s.Delay(0))
	assert.Equal(t, time.Duration(0), s.Delay(5))
}

// Test defaults fill for an empty strategy
func TestRecoveryStrategy_Defaults(t *testing.T) {
	s := RecoveryStrategy{}.withDefaults()

	assert.Equal(t, RecoveryImmediate, s.Type)
	assert.Equal(t, time.Second, s.BaseDelay)
	assert.Equal(t, time.Minute, s.MaxDelay)
	assert.Equal(t, float64(2), s.Multiplier)
	assert.Equal(t, 10, s.MaxAttempts)
}

func schedulerFixture(t *testing.T, recovery map[string]*conf.RecoverySettings) (*Registry, *RecoveryScheduler) {
	t.Helper()
	logger := log.NewStdLogger(os.Stdout)
	cfg := &conf.Resilience{
		Enabled: true,
		Defaults: &conf.BreakerDefaults{
			Timeout:                  time.Second,
			ErrorThresholdPercentage: 50,
			ResetTimeout:             time.Minute,
			VolumeThreshold:          2,
		},
		Recovery: recovery,
	}
	registry := NewRegistry(cfg, logger)
	scheduler := NewRecoveryScheduler(cfg, registry, logger)
	return registry, scheduler
}

func tripBreaker(cb *CircuitBreaker) {
	ctx := context.Background()
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, fail, ExecuteOptions{})
}

// Test StrategyFor resolves configured strategies and defaults to immediate
func TestScheduler_StrategyFor(t *testing.T) {
	_, scheduler := schedulerFixture(t, map[string]*conf.RecoverySettings{
		"payment-service": {
			Type:        "exponential_backoff",
			BaseDelay:   2 * time.Second,
			MaxDelay:    5 * time.Minute,
			Multiplier:  2,
			MaxAttempts: 8,
		},
	})

	s := scheduler.StrategyFor("payment-service")
	assert.Equal(t, RecoveryExponentialBackoff, s.Type)
	assert.Equal(t, 2*time.Second, s.BaseDelay)
	assert.Equal(t, 8, s.MaxAttempts)

	assert.Equal(t, RecoveryImmediate, scheduler.StrategyFor("mystery-service").Type)
}

// Test that a backoff strategy schedules probes that eventually close the
// breaker once the dependency recovers
func TestScheduler_ProbeClosesBreaker(t *testing.T) {
	registry, scheduler := schedulerFixture(t, map[string]*conf.RecoverySettings{
		"auth-service": {
			Type:        "linear_backoff",
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
			MaxAttempts: 20,
		},
	})
	defer scheduler.Stop()

	key := BreakerKey{Service: "auth-service"}
	var healthy atomic.Bool
	scheduler.SetProbe("auth-service", func(ctx context.Context, k BreakerKey) error {
		cb := registry.GetOrCreate(k)
		res := cb.Execute(ctx, func(_ context.Context) (interface{}, error) {
			if healthy.Load() {
				return "pong", nil
			}
			return nil, errBackend
		}, ExecuteOptions{})
		return res.Err
	})

	// The breaker must be past its reset timeout for probes to be admitted
	cb := registry.GetOrCreate(key)
	cb.cfg.ResetTimeout = 5 * time.Millisecond
	tripBreaker(cb)
	assert.Equal(t, StateOpen, cb.State())

	// Still failing: probes keep reopening the breaker
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateOpen, cb.State())

	healthy.Store(true)
	assert.Eventually(t, func() bool {
		return cb.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)
}

// Test that a successful custom predicate force-resets the breaker
func TestScheduler_CustomRecoveryForceReset(t *testing.T) {
	registry, scheduler := schedulerFixture(t, map[string]*conf.RecoverySettings{
		"legacy-service": {
			Type:        "custom",
			BaseDelay:   10 * time.Millisecond,
			MaxAttempts: 20,
		},
	})
	defer scheduler.Stop()

	var recovered atomic.Bool
	scheduler.SetCustomRecovery("legacy-service", func(_ context.Context) (bool, error) {
		return recovered.Load(), nil
	})

	cb := registry.GetOrCreate(BreakerKey{Service: "legacy-service"})
	tripBreaker(cb)
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateOpen, cb.State())

	recovered.Store(true)
	assert.Eventually(t, func() bool {
		return cb.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)
}

// Test that closing a breaker cancels its pending recovery sequence
func TestScheduler_CancelOnClose(t *testing.T) {
	registry, scheduler := schedulerFixture(t, map[string]*conf.RecoverySettings{
		"auth-service": {
			Type:      "linear_backoff",
			BaseDelay: time.Hour, // never fires within the test
		},
	})
	defer scheduler.Stop()

	key := BreakerKey{Service: "auth-service"}
	cb := registry.GetOrCreate(key)
	tripBreaker(cb)

	scheduler.mu.Lock()
	_, pending := scheduler.sequences[key.String()]
	scheduler.mu.Unlock()
	assert.True(t, pending)

	cb.ForceReset()

	scheduler.mu.Lock()
	_, pending = scheduler.sequences[key.String()]
	scheduler.mu.Unlock()
	assert.False(t, pending)
}

// Test that the immediate strategy never schedules timers
func TestScheduler_ImmediateSchedulesNothing(t *testing.T) {
	registry, scheduler := schedulerFixture(t, map[string]*conf.RecoverySettings{
		"analytics-service": {Type: "immediate"},
	})
	defer scheduler.Stop()

	key := BreakerKey{Service: "analytics-service"}
	cb := registry.GetOrCreate(key)
	tripBreaker(cb)

	scheduler.mu.Lock()
	_, pending := scheduler.sequences[key.String()]
	scheduler.mu.Unlock()
	assert.False(t, pending)
}

// Test that recovery attempts stop after MaxAttempts
func TestScheduler_AttemptsExhausted(t *testing.T) {
	registry, scheduler := schedulerFixture(t, map[string]*conf.RecoverySettings{
		"auth-service": {
			Type:        "linear_backoff",
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 3,
		},
	})
	defer scheduler.Stop()

	var probes atomic.Int32
	scheduler.SetProbe("auth-service", func(_ context.Context, _ BreakerKey) error {
		probes.Add(1)
		return errBackend
	})

	key := BreakerKey{Service: "auth-service"}
	cb := registry.GetOrCreate(key)
	tripBreaker(cb)

	assert.Eventually(t, func() bool {
		scheduler.mu.Lock()
		defer scheduler.mu.Unlock()
		_, pending := scheduler.sequences[key.String()]
		return !pending
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), probes.Load())
}

// Test Stop cancels everything and blocks new sequences
func TestScheduler_Stop(t *testing.T) {
	registry, scheduler := schedulerFixture(t, map[string]*conf.RecoverySettings{
		"auth-service": {
			Type:      "linear_backoff",
			BaseDelay: time.Hour,
		},
	})

	cb := registry.GetOrCreate(BreakerKey{Service: "auth-service"})
	tripBreaker(cb)
	scheduler.Stop()

	scheduler.mu.Lock()
	assert.Empty(t, scheduler.sequences)
	scheduler.mu.Unlock()

	// New OPEN events after Stop are ignored
	scheduler.OnStateChange(StateChange{
		Key: BreakerKey{Service: "auth-service"},
		To:  StateOpen,
	})
	scheduler.mu.Lock()
	assert.Empty(t, scheduler.sequences)
	scheduler.mu.Unlock()
}
