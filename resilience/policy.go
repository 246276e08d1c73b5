// Package resilience implements the retry/compensation wrapper every
// accepter invocation goes through (component I): configurable retry
// policies, local/distributed/hybrid attempt counters, and composable
// compensation actions run once a task gives up.
package resilience

import (
	"regexp"
	"time"
)

// CounterType selects where retry attempt counts are tracked.
type CounterType int

const (
	// Local tracks attempts in an in-memory map; each node independently
	// gets up to MaxAttempts tries at a message.
	Local CounterType = iota
	// Distributed tracks attempts in L2 keyed by the message id, so total
	// attempts across every node are bounded by MaxAttempts.
	Distributed
	// Hybrid routes each message to Local or Distributed counting based on
	// DistributedKeyPattern.
	Hybrid
)

// RetryPolicy configures a Wrapper's retry/backoff behavior.
type RetryPolicy struct {
	MaxAttempts           int
	BaseDelay             time.Duration
	ExponentialBackoff    bool
	MaxDelay              time.Duration
	RetryCondition        func(err error) bool
	CounterType           CounterType
	DistributedKeyPattern *regexp.Regexp
}

// DefaultRetryPolicy matches the specification's defaults: three attempts,
// 500ms base delay, exponential backoff, retry every error, local counting.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		BaseDelay:          500 * time.Millisecond,
		ExponentialBackoff: true,
		RetryCondition:     func(error) bool { return true },
		CounterType:        Local,
	}
}

func (p RetryPolicy) condition() func(error) bool {
	if p.RetryCondition != nil {
		return p.RetryCondition
	}
	return func(error) bool { return true }
}

// Delay computes the backoff before the given attempt number (1-based):
// constant BaseDelay, or BaseDelay*2^(attempt-1) under exponential backoff,
// capped at MaxDelay when set.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	if p.ExponentialBackoff {
		d = p.BaseDelay * time.Duration(1<<uint(attempt-1))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// usesDistributed reports whether key should be counted distributedly
// under this policy's CounterType.
func (p RetryPolicy) usesDistributed(key string) bool {
	switch p.CounterType {
	case Distributed:
		return true
	case Hybrid:
		return p.DistributedKeyPattern != nil && p.DistributedKeyPattern.MatchString(key)
	default:
		return false
	}
}
