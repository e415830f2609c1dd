// Package resilience provides the retry harness that wraps every swarm
// attempt, plus a circuit breaker used around outbound HTTP calls.
package resilience

import (
	"context"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
)

// Permitter is a bounded permit pool. Each retry attempt runs inside its
// own Use scope so the permit is released during backoff sleeps and
// other workers can run.
type Permitter interface {
	Use(ctx context.Context, fn func(ctx context.Context) error) error
}

// RetryOn decides whether a completed attempt should be retried. It is
// evaluated after every attempt; the last attempt's result is returned
// regardless of its verdict.
type RetryOn func(result *core.SwarmResult) bool

// DefaultRetryOn retries on error status. The bestOf judge always uses
// this predicate, irrespective of any caller-supplied one.
func DefaultRetryOn(result *core.SwarmResult) bool {
	return result.Status == core.StatusError
}

// Policy configures the retry harness.
//
// Delays grow linearly (attempt × Backoff) and are capped at MaxBackoff.
// Linear growth keeps attempt timing predictable for the small attempt
// counts agent retries use; network-level retries with large attempt
// budgets belong behind the circuit breaker instead.
type Policy struct {
	MaxAttempts int           // must be >= 1
	Backoff     time.Duration // base delay between attempts
	MaxBackoff  time.Duration // cap on a single delay; defaults to 30s
	RetryOn     RetryOn       // defaults to DefaultRetryOn
	OnRetry     func(attempt int, result *core.SwarmResult)
}

const defaultMaxBackoff = 30 * time.Second

// Normalize fills defaults and clamps invalid values.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.RetryOn == nil {
		p.RetryOn = DefaultRetryOn
	}
	return p
}

// NoRetry is the single-attempt policy used when no retry is configured.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}.Normalize()
}

// ExecuteWithRetry runs the attempt function until its result satisfies
// the policy or attempts are exhausted, returning the last result.
//
// Every attempt executes inside its own permit scope on sem; the permit
// is released before the backoff sleep and re-acquired for the next
// attempt. The attempt callback receives the 1-indexed attempt number so
// callers can derive retry tags and metadata.
func ExecuteWithRetry(ctx context.Context, sem Permitter, p Policy, attempt func(ctx context.Context, attemptNo int) *core.SwarmResult) *core.SwarmResult {
	p = p.Normalize()

	var result *core.SwarmResult
	for attemptNo := 1; ; attemptNo++ {
		err := sem.Use(ctx, func(ctx context.Context) error {
			result = attempt(ctx, attemptNo)
			return nil
		})
		if err != nil {
			// Context ended while waiting for a permit; surface in-band
			// like any other attempt failure.
			return &core.SwarmResult{
				ExecResult: core.ExecResult{
					Status: core.StatusError,
					Error:  err.Error(),
				},
			}
		}

		if attemptNo >= p.MaxAttempts || !p.RetryOn(result) {
			return result
		}
		if p.OnRetry != nil {
			p.OnRetry(attemptNo, result)
		}
		if !sleep(ctx, backoffDelay(p, attemptNo)) {
			return result
		}
	}
}

func backoffDelay(p Policy, attemptNo int) time.Duration {
	delay := time.Duration(attemptNo) * p.Backoff
	if delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// sleep waits for d or until ctx ends; returns false when interrupted.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
