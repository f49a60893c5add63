package biz

import (
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons for resilience failures. Callers can branch on these via the
// Is* helpers without string-matching messages.
const (
	ReasonCircuitOpen        = "CIRCUIT_OPEN"
	ReasonCallTimeout        = "CALL_TIMEOUT"
	ReasonServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker for
// its key is OPEN and no fallback produced a substitute value.
func ErrCircuitOpen(service string) error {
	return errors.New(
		503,
		ReasonCircuitOpen,
		fmt.Sprintf("circuit breaker is open for %s", service),
	)
}

// ErrCallTimeout is returned when the wrapped transport call exceeds its
// resolved timeout. Counted as a failure by the breaker.
func ErrCallTimeout(service string, timeout time.Duration) error {
	return errors.New(
		504,
		ReasonCallTimeout,
		fmt.Sprintf("call to %s timed out after %s", service, timeout),
	)
}

// ErrServiceUnavailable is the single user-visible condition for a fully
// unavailable dependency, distinguishable from business-logic errors.
func ErrServiceUnavailable(service string) error {
	return errors.New(
		503,
		ReasonServiceUnavailable,
		fmt.Sprintf("%s is temporarily unavailable", service),
	)
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Reason(err) == ReasonCircuitOpen
}

// IsCallTimeout reports whether err is a call timeout.
func IsCallTimeout(err error) bool {
	return errors.Reason(err) == ReasonCallTimeout
}

// IsServiceUnavailable reports whether err is the typed unavailable condition.
func IsServiceUnavailable(err error) bool {
	return errors.Reason(err) == ReasonServiceUnavailable
}

// DefaultErrorFilter decides whether an error counts toward the breaker error
// rate. Caller errors (validation, authorization, any 4xx-equivalent) are
// excluded so that caller-side mistakes never trip the breaker; only failures
// attributable to the callee do.
func DefaultErrorFilter(err error) bool {
	if err == nil {
		return false
	}
	if se := errors.FromError(err); se != nil {
		if se.Code >= 400 && se.Code < 500 {
			return false
		}
	}
	return true
}
