package biz

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// State is the circuit breaker state. CLOSED is the initial state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the canonical lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// BreakerKey identifies one breaker instance. Operation is optional; an empty
// operation means the key covers all operations for the service.
type BreakerKey struct {
	Service   string `json:"service"`
	Operation string `json:"operation,omitempty"`
}

// String renders the key as "service" or "service:operation".
func (k BreakerKey) String() string {
	if k.Operation == "" {
		return k.Service
	}
	return k.Service + ":" + k.Operation
}

// ErrorFilter decides whether an error counts toward the breaker error rate.
type ErrorFilter func(error) bool

// BreakerConfig holds the merged breaker parameters for one key.
type BreakerConfig struct {
	// Timeout bounds the wrapped call; exceeding it is a failure outcome.
	Timeout time.Duration `json:"timeout"`
	// ErrorThresholdPercentage is the windowed error rate that trips the breaker.
	ErrorThresholdPercentage float64 `json:"error_threshold_percentage"`
	// ResetTimeout is how long the breaker stays OPEN before a probe is allowed.
	ResetTimeout time.Duration `json:"reset_timeout"`
	// VolumeThreshold is the minimum windowed request count before tripping is evaluated.
	VolumeThreshold int `json:"volume_threshold"`
	// RollingCountTimeout is the span of the rolling statistics window.
	RollingCountTimeout time.Duration `json:"rolling_count_timeout"`
	// RollingCountBuckets is the number of buckets the window is divided into.
	RollingCountBuckets int `json:"rolling_count_buckets"`
	// ErrorFilter excludes caller errors from breaker accounting.
	// Defaults to DefaultErrorFilter.
	ErrorFilter ErrorFilter `json:"-"`
	// Disabled turns the breaker into a pass-through: calls run against the
	// transport with no admission control, tripping or outcome recording.
	Disabled bool `json:"disabled,omitempty"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ErrorThresholdPercentage <= 0 {
		c.ErrorThresholdPercentage = 50
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.RollingCountTimeout <= 0 {
		c.RollingCountTimeout = 10 * time.Second
	}
	if c.RollingCountBuckets <= 0 {
		c.RollingCountBuckets = 10
	}
	if c.ErrorFilter == nil {
		c.ErrorFilter = DefaultErrorFilter
	}
	return c
}

// BreakerMetrics is a point-in-time view of one breaker's counters.
type BreakerMetrics struct {
	State               State         `json:"state"`
	RequestCount        int64         `json:"request_count"`
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	RejectionCount      int64         `json:"rejection_count"`
	ErrorPercentage     float64       `json:"error_percentage"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastStateChange     time.Time     `json:"last_state_change"`
	LastError           string        `json:"last_error,omitempty"`
	// TimeToReset is set only while the breaker is OPEN.
	TimeToReset time.Duration `json:"time_to_reset,omitempty"`
}

// Operation is the wrapped asynchronous call.
type Operation func(ctx context.Context) (interface{}, error)

// Fallback substitutes a value when a call is rejected or fails.
type Fallback func(ctx context.Context, cause error) (interface{}, error)

// ExecuteOptions carries per-call overrides for Execute.
type ExecuteOptions struct {
	// Timeout overrides the breaker's configured timeout when > 0.
	Timeout time.Duration
	// Fallback, if set, is applied to rejections and counted failures.
	Fallback Fallback
}

// Result is the enriched outcome of one Execute call.
type Result struct {
	Data          interface{}   `json:"data,omitempty"`
	Success       bool          `json:"success"`
	ExecutionTime time.Duration `json:"execution_time"`
	CircuitState  State         `json:"circuit_state"`
	FromFallback  bool          `json:"from_fallback"`
	Err           error         `json:"-"`
}

// StateChange describes one breaker transition, delivered to observers.
type StateChange struct {
	Key     BreakerKey
	From    State
	To      State
	At      time.Time
	Metrics BreakerMetrics
}

// CircuitBreaker is the per-key state machine. All state is guarded by mu so
// concurrent calls against the same key are serialized through the machine
// even though the wrapped calls themselves run in parallel.
type CircuitBreaker struct {
	key    BreakerKey
	cfg    BreakerConfig
	logger *log.Helper

	// notify is invoked outside the lock for every state transition.
	notify func(StateChange)

	mu              sync.Mutex
	state           State
	lastStateChange time.Time
	buckets         []windowBucket
	rejectionCount  int64
	execCount       int64
	avgResponseMs   float64
	lastError       string
	probeInFlight   bool
}

// windowBucket aggregates outcomes for one slice of the rolling window.
type windowBucket struct {
	start   time.Time
	success int64
	failure int64
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(key BreakerKey, cfg BreakerConfig, logger log.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		key:             key,
		cfg:             cfg.withDefaults(),
		logger:          log.NewHelper(logger),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Key returns the breaker's identity.
func (cb *CircuitBreaker) Key() BreakerKey { return cb.key }

// Config returns the merged configuration the breaker was created with.
func (cb *CircuitBreaker) Config() BreakerConfig { return cb.cfg }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs op through the breaker, applying admission control, the
// timeout race, outcome recording and the optional fallback.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation, opts ExecuteOptions) *Result {
	start := time.Now()

	if cb.cfg.Disabled {
		return cb.passthrough(ctx, op, opts, start)
	}

	admitted, isProbe, stateAtAdmission, change := cb.admit(start)
	cb.fire(change)

	if !admitted {
		cb.recordRejection()
		res := &Result{
			Success:       false,
			ExecutionTime: time.Since(start),
			CircuitState:  stateAtAdmission,
			Err:           ErrCircuitOpen(cb.key.Service),
		}
		cb.applyFallback(ctx, res, opts.Fallback)
		return res
	}

	timeout := cb.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	data, err := cb.run(ctx, op, timeout)
	elapsed := time.Since(start)

	// Near-timeout diagnostic only; state transitions depend on real outcomes.
	if err == nil && elapsed >= timeout*9/10 {
		cb.logger.Warnw(
			"msg", "call completed near timeout",
			"breaker", cb.key.String(),
			"elapsed", elapsed,
			"timeout", timeout,
		)
	}

	countsAsFailure := err != nil && cb.cfg.ErrorFilter(err)

	change = cb.record(!countsAsFailure, elapsed, isProbe, err)
	cb.fire(change)

	res := &Result{
		Data:          data,
		Success:       err == nil,
		ExecutionTime: elapsed,
		CircuitState:  cb.State(),
		Err:           err,
	}

	if err == nil {
		return res
	}
	if !countsAsFailure {
		// Caller error: always propagated unmodified, never substituted.
		return res
	}
	cb.applyFallback(ctx, res, opts.Fallback)
	return res
}

// passthrough serves calls while the resilience layer is globally disabled.
// The timeout still bounds the call so Execute cannot hang, but outcomes are
// never recorded and the state machine never moves.
func (cb *CircuitBreaker) passthrough(ctx context.Context, op Operation, opts ExecuteOptions, start time.Time) *Result {
	timeout := cb.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	data, err := cb.run(ctx, op, timeout)
	return &Result{
		Data:          data,
		Success:       err == nil,
		ExecutionTime: time.Since(start),
		CircuitState:  StateClosed,
		Err:           err,
	}
}

// ForceReset transitions the breaker to CLOSED and clears all counters.
// Used by the administrative reset and by custom recovery strategies.
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	var change *StateChange
	if cb.state != StateClosed {
		change = cb.transitionLocked(StateClosed, time.Now())
	}
	cb.resetCountersLocked()
	cb.mu.Unlock()
	cb.fire(change)
}

// Metrics returns a consistent snapshot of the breaker's counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.metricsLocked(time.Now())
}

// admit decides whether a call may proceed, applying the OPEN→HALF_OPEN
// transition when the reset timeout has elapsed.
func (cb *CircuitBreaker) admit(now time.Time) (admitted, isProbe bool, state State, change *StateChange) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if now.Sub(cb.lastStateChange) >= cb.cfg.ResetTimeout {
			change = cb.transitionLocked(StateHalfOpen, now)
			cb.probeInFlight = true
			return true, true, cb.state, change
		}
		return false, false, cb.state, nil
	case StateHalfOpen:
		if cb.probeInFlight {
			// Exactly one trial call is admitted.
			return false, false, cb.state, nil
		}
		cb.probeInFlight = true
		return true, true, cb.state, nil
	default:
		return true, false, cb.state, nil
	}
}

// run races the wrapped call against the timeout. A late result after the
// timeout fires is discarded and never mutates recorded state.
func (cb *CircuitBreaker) run(ctx context.Context, op Operation, timeout time.Duration) (interface{}, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data interface{}
		err  error
	}
	done := make(chan outcome, 1) // buffered so an abandoned call never blocks

	go func() {
		data, err := op(cctx)
		done <- outcome{data: data, err: err}
	}()

	select {
	case o := <-done:
		return o.data, o.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not our timer.
			return nil, ctx.Err()
		}
		return nil, ErrCallTimeout(cb.key.Service, timeout)
	}
}

// record updates the rolling window and drives state transitions.
func (cb *CircuitBreaker) record(success bool, elapsed time.Duration, isProbe bool, err error) *StateChange {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.lastError = err.Error()
	}

	if isProbe {
		cb.probeInFlight = false
		if cb.state != StateHalfOpen {
			// An administrative reset overtook the probe; its outcome no
			// longer decides anything.
			return nil
		}
		if success {
			change := cb.transitionLocked(StateClosed, now)
			cb.resetCountersLocked()
			return change
		}
		// Failed probe reopens the breaker and restarts the reset timer.
		return cb.transitionLocked(StateOpen, now)
	}

	cb.execCount++
	cb.avgResponseMs += (float64(elapsed.Milliseconds()) - cb.avgResponseMs) / float64(cb.execCount)

	b := cb.currentBucketLocked(now)
	if success {
		b.success++
	} else {
		b.failure++
	}

	if cb.state == StateClosed {
		s, f := cb.windowCountsLocked(now)
		total := s + f
		if total >= int64(cb.cfg.VolumeThreshold) && errorPercentage(s, f) >= cb.cfg.ErrorThresholdPercentage {
			return cb.transitionLocked(StateOpen, now)
		}
	}
	return nil
}

func (cb *CircuitBreaker) recordRejection() {
	cb.mu.Lock()
	cb.rejectionCount++
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) applyFallback(ctx context.Context, res *Result, fb Fallback) {
	if fb == nil {
		return
	}
	data, err := fb(ctx, res.Err)
	if err != nil {
		// Fallback failure propagates; there is no further recovery layer.
		res.Err = err
		return
	}
	res.Data = data
	res.Success = true
	res.FromFallback = true
	res.Err = nil
}

// transitionLocked applies a state change and returns the notification to be
// fired once the lock is released.
func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) *StateChange {
	if cb.state == to {
		return nil
	}
	from := cb.state
	cb.state = to
	cb.lastStateChange = now
	if to != StateHalfOpen {
		cb.probeInFlight = false
	}
	return &StateChange{
		Key:     cb.key,
		From:    from,
		To:      to,
		At:      now,
		Metrics: cb.metricsLocked(now),
	}
}

func (cb *CircuitBreaker) fire(change *StateChange) {
	if change == nil {
		return
	}
	cb.logger.Infow(
		"msg", "circuit breaker state change",
		"breaker", cb.key.String(),
		"from", change.From.String(),
		"to", change.To.String(),
	)
	if cb.notify != nil {
		cb.notify(*change)
	}
}

func (cb *CircuitBreaker) resetCountersLocked() {
	cb.buckets = nil
	cb.rejectionCount = 0
	cb.execCount = 0
	cb.avgResponseMs = 0
	cb.lastError = ""
}

// currentBucketLocked returns the bucket covering now, rotating and pruning
// the window as needed.
func (cb *CircuitBreaker) currentBucketLocked(now time.Time) *windowBucket {
	cb.pruneLocked(now)
	width := cb.cfg.RollingCountTimeout / time.Duration(cb.cfg.RollingCountBuckets)
	n := len(cb.buckets)
	if n > 0 && now.Sub(cb.buckets[n-1].start) < width {
		return &cb.buckets[n-1]
	}
	cb.buckets = append(cb.buckets, windowBucket{start: now})
	return &cb.buckets[len(cb.buckets)-1]
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.RollingCountTimeout)
	i := 0
	for i < len(cb.buckets) && cb.buckets[i].start.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.buckets = append(cb.buckets[:0:0], cb.buckets[i:]...)
	}
}

func (cb *CircuitBreaker) windowCountsLocked(now time.Time) (success, failure int64) {
	cb.pruneLocked(now)
	for _, b := range cb.buckets {
		success += b.success
		failure += b.failure
	}
	return success, failure
}

func (cb *CircuitBreaker) metricsLocked(now time.Time) BreakerMetrics {
	s, f := cb.windowCountsLocked(now)
	m := BreakerMetrics{
		State:               cb.state,
		RequestCount:        s + f,
		SuccessCount:        s,
		FailureCount:        f,
		RejectionCount:      cb.rejectionCount,
		ErrorPercentage:     errorPercentage(s, f),
		AverageResponseTime: time.Duration(cb.avgResponseMs * float64(time.Millisecond)),
		LastStateChange:     cb.lastStateChange,
		LastError:           cb.lastError,
	}
	if cb.state == StateOpen {
		remaining := cb.cfg.ResetTimeout - now.Sub(cb.lastStateChange)
		if remaining < 0 {
			remaining = 0
		}
		m.TimeToReset = remaining
	}
	return m
}

// errorPercentage is failures over completed calls, clamped to [0, 100],
// and 0 when no calls completed.
func errorPercentage(success, failure int64) float64 {
	total := success + failure
	if total == 0 {
		return 0
	}
	pct := float64(failure) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
