package biz

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
)

var errBackend = errors.New("backend exploded")

// Helper function to create a breaker with test-friendly parameters
func newTestBreaker(cfg BreakerConfig) *CircuitBreaker {
	logger := log.NewStdLogger(os.Stdout)
	return NewCircuitBreaker(BreakerKey{Service: "auth-service"}, cfg, logger)
}

func succeed(_ context.Context) (interface{}, error) {
	return []byte(`{"ok":true}`), nil
}

func fail(_ context.Context) (interface{}, error) {
	return nil, errBackend
}

// Test Execute - Normal case
func TestExecute_Success(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{})

	res := cb.Execute(context.Background(), succeed, ExecuteOptions{})

	assert.True(t, res.Success)
	assert.NoError(t, res.Err)
	assert.Equal(t, []byte(`{"ok":true}`), res.Data)
	assert.Equal(t, StateClosed, res.CircuitState)
	assert.False(t, res.FromFallback)

	m := cb.Metrics()
	assert.Equal(t, int64(1), m.RequestCount)
	assert.Equal(t, int64(1), m.SuccessCount)
	assert.Equal(t, float64(0), m.ErrorPercentage)
}

// Test tripping: 3 failures + 2 successes = 60% error rate over 5 requests,
// above a 40% threshold with volume threshold 5
func TestBreaker_TripsAtThreshold(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 40,
		VolumeThreshold:          5,
	})

	ctx := context.Background()
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, succeed, ExecuteOptions{})
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, succeed, ExecuteOptions{})
	assert.Equal(t, StateClosed, cb.State())

	cb.Execute(ctx, fail, ExecuteOptions{})
	assert.Equal(t, StateOpen, cb.State())

	m := cb.Metrics()
	assert.Equal(t, int64(5), m.RequestCount)
	assert.Equal(t, int64(3), m.FailureCount)
	assert.InDelta(t, 60.0, m.ErrorPercentage, 0.001)
	assert.Equal(t, errBackend.Error(), m.LastError)
}

// Test that a disabled breaker passes every call through: no admission
// control, no tripping, no outcome recording
func TestBreaker_DisabledPassthrough(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          2,
		Disabled:                 true,
	})

	ctx := context.Background()
	executed := 0
	failing := func(_ context.Context) (interface{}, error) {
		executed++
		return nil, errBackend
	}

	for i := 0; i < 5; i++ {
		res := cb.Execute(ctx, failing, ExecuteOptions{})
		assert.ErrorIs(t, res.Err, errBackend)
		assert.Equal(t, StateClosed, res.CircuitState)
		assert.False(t, res.FromFallback)
	}

	// Every call ran live and nothing was recorded.
	assert.Equal(t, 5, executed)
	assert.Equal(t, StateClosed, cb.State())
	m := cb.Metrics()
	assert.Equal(t, int64(0), m.RequestCount)
	assert.Equal(t, int64(0), m.RejectionCount)
}

// Test that a disabled breaker ignores fallbacks and propagates the error
func TestBreaker_DisabledSkipsFallback(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{Disabled: true})

	res := cb.Execute(context.Background(), fail, ExecuteOptions{
		Fallback: func(_ context.Context, _ error) (interface{}, error) {
			return []byte("substitute"), nil
		},
	})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, errBackend)
	assert.False(t, res.FromFallback)
}

// Test that the breaker never trips below the volume threshold, even at 100%
// error rate
func TestBreaker_BelowVolumeNoTrip(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 40,
		VolumeThreshold:          5,
	})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		cb.Execute(ctx, fail, ExecuteOptions{})
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.InDelta(t, 100.0, cb.Metrics().ErrorPercentage, 0.001)
}

// Test rejection while OPEN: the call is not executed and the rejection is
// tracked separately from failures
func TestBreaker_RejectsWhileOpen(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          2,
		ResetTimeout:             time.Minute,
	})

	ctx := context.Background()
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, fail, ExecuteOptions{})
	assert.Equal(t, StateOpen, cb.State())

	executed := false
	res := cb.Execute(ctx, func(_ context.Context) (interface{}, error) {
		executed = true
		return nil, nil
	}, ExecuteOptions{})

	assert.False(t, executed)
	assert.False(t, res.Success)
	assert.True(t, IsCircuitOpen(res.Err))
	assert.Equal(t, StateOpen, res.CircuitState)

	m := cb.Metrics()
	assert.Equal(t, int64(1), m.RejectionCount)
	assert.Equal(t, int64(2), m.RequestCount)
	assert.Greater(t, m.TimeToReset, time.Duration(0))
}

// Test OPEN -> HALF_OPEN -> CLOSED: a successful probe closes the breaker and
// clears all counters
func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          2,
		ResetTimeout:             30 * time.Millisecond,
	})

	ctx := context.Background()
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, fail, ExecuteOptions{})
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(50 * time.Millisecond)

	res := cb.Execute(ctx, succeed, ExecuteOptions{})
	assert.True(t, res.Success)
	assert.Equal(t, StateClosed, cb.State())

	m := cb.Metrics()
	assert.Equal(t, int64(0), m.RequestCount)
	assert.Equal(t, int64(0), m.RejectionCount)
	assert.Empty(t, m.LastError)
}

// Test OPEN -> HALF_OPEN -> OPEN: a failed probe reopens the breaker and
// restarts the reset timer
func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          2,
		ResetTimeout:             30 * time.Millisecond,
	})

	ctx := context.Background()
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, fail, ExecuteOptions{})
	time.Sleep(50 * time.Millisecond)

	res := cb.Execute(ctx, fail, ExecuteOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, StateOpen, cb.State())

	// The reset timer restarted, so an immediate retry is rejected
	res = cb.Execute(ctx, succeed, ExecuteOptions{})
	assert.True(t, IsCircuitOpen(res.Err))
}

// Test that HALF_OPEN admits exactly one trial call: concurrent arrivals are
// rejected while the probe is in flight
func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          2,
		ResetTimeout:             10 * time.Millisecond,
	})

	ctx := context.Background()
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, fail, ExecuteOptions{})
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(ctx, func(_ context.Context) (interface{}, error) {
			<-release
			return nil, nil
		}, ExecuteOptions{})
	}()

	// Wait until the probe holds the half-open slot
	assert.Eventually(t, func() bool {
		return cb.State() == StateHalfOpen
	}, time.Second, time.Millisecond)

	res := cb.Execute(ctx, succeed, ExecuteOptions{})
	assert.True(t, IsCircuitOpen(res.Err))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

// Test that exceeding the call timeout is a failure outcome with the typed
// timeout error
func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		Timeout:                  20 * time.Millisecond,
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          1,
	})

	res := cb.Execute(context.Background(), func(cctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-cctx.Done():
			return nil, cctx.Err()
		}
	}, ExecuteOptions{})

	assert.False(t, res.Success)
	assert.True(t, IsCallTimeout(res.Err))
	assert.Equal(t, StateOpen, cb.State())
}

// Test per-call timeout override
func TestBreaker_TimeoutOverride(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{Timeout: 10 * time.Millisecond})

	res := cb.Execute(context.Background(), func(cctx context.Context) (interface{}, error) {
		select {
		case <-time.After(30 * time.Millisecond):
			return "slow but fine", nil
		case <-cctx.Done():
			return nil, cctx.Err()
		}
	}, ExecuteOptions{Timeout: time.Second})

	assert.True(t, res.Success)
	assert.Equal(t, "slow but fine", res.Data)
}

// Test that caller errors (4xx) never count toward the error rate and pass
// through unmodified
func TestBreaker_CallerErrorsExcluded(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 1,
		VolumeThreshold:          1,
	})

	callerErr := kerrors.New(400, "VALIDATION_FAILED", "email is required")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		res := cb.Execute(ctx, func(_ context.Context) (interface{}, error) {
			return nil, callerErr
		}, ExecuteOptions{})
		assert.Equal(t, callerErr, res.Err)
		assert.False(t, res.Success)
	}

	assert.Equal(t, StateClosed, cb.State())
	m := cb.Metrics()
	assert.Equal(t, int64(10), m.SuccessCount)
	assert.Equal(t, int64(0), m.FailureCount)
}

// Test that a fallback is not applied to caller errors
func TestBreaker_FallbackSkippedForCallerError(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{})

	callerErr := kerrors.New(404, "NOT_FOUND", "no such user")
	res := cb.Execute(context.Background(), func(_ context.Context) (interface{}, error) {
		return nil, callerErr
	}, ExecuteOptions{
		Fallback: func(_ context.Context, _ error) (interface{}, error) {
			return "substituted", nil
		},
	})

	assert.False(t, res.FromFallback)
	assert.Equal(t, callerErr, res.Err)
}

// Test fallback on rejection: the result carries the substituted value
func TestBreaker_FallbackOnRejection(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          2,
		ResetTimeout:             time.Minute,
	})

	ctx := context.Background()
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, fail, ExecuteOptions{})

	res := cb.Execute(ctx, succeed, ExecuteOptions{
		Fallback: func(_ context.Context, cause error) (interface{}, error) {
			assert.True(t, IsCircuitOpen(cause))
			return "cached", nil
		},
	})

	assert.True(t, res.Success)
	assert.True(t, res.FromFallback)
	assert.Equal(t, "cached", res.Data)
	assert.NoError(t, res.Err)
}

// Test that a failing fallback propagates its own error
func TestBreaker_FallbackFailurePropagates(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          1,
	})

	fallbackErr := errors.New("cache empty")
	res := cb.Execute(context.Background(), fail, ExecuteOptions{
		Fallback: func(_ context.Context, _ error) (interface{}, error) {
			return nil, fallbackErr
		},
	})

	assert.False(t, res.Success)
	assert.False(t, res.FromFallback)
	assert.Equal(t, fallbackErr, res.Err)
}

// Test parent context cancellation passthrough
func TestBreaker_ParentCancellation(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := cb.Execute(ctx, func(cctx context.Context) (interface{}, error) {
		<-cctx.Done()
		return nil, cctx.Err()
	}, ExecuteOptions{})

	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, IsCallTimeout(res.Err))
}

// Test ForceReset from OPEN
func TestBreaker_ForceReset(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          2,
		ResetTimeout:             time.Minute,
	})

	ctx := context.Background()
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, fail, ExecuteOptions{})
	assert.Equal(t, StateOpen, cb.State())

	cb.ForceReset()

	assert.Equal(t, StateClosed, cb.State())
	m := cb.Metrics()
	assert.Equal(t, int64(0), m.RequestCount)
	assert.Equal(t, int64(0), m.RejectionCount)

	// The breaker admits calls again right away
	res := cb.Execute(ctx, succeed, ExecuteOptions{})
	assert.True(t, res.Success)
}

// Test state-change notifications fire with before/after states
func TestBreaker_Notifications(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          2,
		ResetTimeout:             20 * time.Millisecond,
	})

	var mu sync.Mutex
	var changes []StateChange
	cb.notify = func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}

	ctx := context.Background()
	cb.Execute(ctx, fail, ExecuteOptions{})
	cb.Execute(ctx, fail, ExecuteOptions{})
	time.Sleep(30 * time.Millisecond)
	cb.Execute(ctx, succeed, ExecuteOptions{})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, changes, 3)
	assert.Equal(t, StateClosed, changes[0].From)
	assert.Equal(t, StateOpen, changes[0].To)
	assert.Equal(t, StateOpen, changes[1].From)
	assert.Equal(t, StateHalfOpen, changes[1].To)
	assert.Equal(t, StateHalfOpen, changes[2].From)
	assert.Equal(t, StateClosed, changes[2].To)
}

// Test concurrent execution against a single breaker
func TestBreaker_ConcurrentExecute(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{
		ErrorThresholdPercentage: 200, // unreachable, stay closed
		VolumeThreshold:          1,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				cb.Execute(context.Background(), succeed, ExecuteOptions{})
			} else {
				cb.Execute(context.Background(), fail, ExecuteOptions{})
			}
		}(i)
	}
	wg.Wait()

	m := cb.Metrics()
	assert.Equal(t, int64(50), m.RequestCount)
	assert.Equal(t, int64(25), m.SuccessCount)
	assert.Equal(t, int64(25), m.FailureCount)
	assert.InDelta(t, 50.0, m.ErrorPercentage, 0.001)
}

// Test errorPercentage bounds
func TestErrorPercentage(t *testing.T) {
	assert.Equal(t, float64(0), errorPercentage(0, 0))
	assert.Equal(t, float64(0), errorPercentage(10, 0))
	assert.Equal(t, float64(100), errorPercentage(0, 10))
	assert.InDelta(t, 33.333, errorPercentage(2, 1), 0.001)
}

// Test state names and JSON encoding
func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())

	b, err := StateHalfOpen.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"half_open"`, string(b))
}

// Test breaker key rendering
func TestBreakerKey_String(t *testing.T) {
	assert.Equal(t, "auth-service", BreakerKey{Service: "auth-service"}.String())
	assert.Equal(t, "auth-service:health-check",
		BreakerKey{Service: "auth-service", Operation: "health-check"}.String())
}
