// Package retry computes backoff delays for failed job attempts.
//
// Attempt numbering starts at 1: the delay before the second try uses
// attempt 1, the delay before the third try uses attempt 2, and so on.
package retry

import (
	"math"
	"strings"
	"time"

	"github.com/teranos/relay/errors"
)

// Strategy names a backoff curve
type Strategy string

const (
	Exponential Strategy = "exponential" // base × 2^(attempt-1)
	Linear      Strategy = "linear"      // base × attempt
	Fixed       Strategy = "fixed"       // base
)

// DefaultStrategy is used when a job names none
const DefaultStrategy = Exponential

// DefaultDelay is the base delay when a job's retry block omits delayMs
const DefaultDelay = time.Second

// ParseStrategy accepts a strategy name, case-insensitively.
// The empty string selects DefaultStrategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultStrategy, nil
	case Exponential:
		return Exponential, nil
	case Linear:
		return Linear, nil
	case Fixed:
		return Fixed, nil
	}
	return "", errors.WithHint(
		errors.NewInvalidRequestError("unknown backoff strategy %q", s),
		"use one of: exponential, linear, fixed",
	)
}

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	switch s {
	case Exponential, Linear, Fixed:
		return true
	}
	return false
}

// Delay returns the wait before retrying after the given failed attempt.
// Attempts below 1 are treated as 1. Results saturate instead of overflowing.
func Delay(strategy Strategy, base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	switch strategy {
	case Fixed:
		return base
	case Linear:
		if int64(attempt) > math.MaxInt64/int64(base) {
			return time.Duration(math.MaxInt64)
		}
		return base * time.Duration(attempt)
	default:
		shift := attempt - 1
		if shift >= 62 || int64(base) > math.MaxInt64>>uint(shift) {
			return time.Duration(math.MaxInt64)
		}
		return base << uint(shift)
	}
}

// Policy is the retry budget and backoff for one job
type Policy struct {
	MaxAttempts int // retries after the first attempt; 0 = no retry
	Strategy    Strategy
	Base        time.Duration
	MaxDelay    time.Duration // 0 = uncapped
}

// ShouldRetry reports whether a job that has failed `attempts` times gets
// another try. A job with MaxAttempts = 2 runs at most three times.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts <= p.MaxAttempts
}

// Delay returns the capped backoff after the given failed attempt
func (p Policy) Delay(attempt int) time.Duration {
	d := Delay(p.Strategy, p.Base, attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
