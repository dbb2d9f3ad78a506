// Package resilience runs remote operations through a per-key circuit
// breaker and a jittered exponential retry loop, with an optional fallback
// once retries are exhausted.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Func is one attempt of a remote operation.
type Func func(ctx context.Context) error

const (
	ViaPrimary  = "primary"
	ViaFallback = "fallback"
)

type Outcome struct {
	OperationKey string `json:"operationKey"`
	Attempts     int    `json:"attempts"`
	Degraded     bool   `json:"degraded"`
	Via          string `json:"via"`
}

type Options struct {
	Retry   RetryPolicy
	Breaker *Breaker
	Stats   *Stats
	// Classify decides whether an error is retried. Defaults to IsTransient.
	Classify func(error) bool
	Logger   Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	Rand     func() float64
}

type Invoker struct {
	policy   RetryPolicy
	breaker  *Breaker
	stats    *Stats
	classify func(error) bool
	logger   Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	rand     func() float64
}

func New(opts Options) *Invoker {
	inv := &Invoker{
		policy:   opts.Retry.withDefaults(),
		breaker:  opts.Breaker,
		stats:    opts.Stats,
		classify: opts.Classify,
		logger:   opts.Logger,
		now:      opts.Now,
		sleep:    opts.Sleep,
		rand:     opts.Rand,
	}
	if inv.now == nil {
		inv.now = time.Now
	}
	if inv.breaker == nil {
		inv.breaker = NewBreaker(BreakerOptions{Now: inv.now})
	}
	if inv.stats == nil {
		inv.stats, _ = NewStats(nil)
	}
	if inv.classify == nil {
		inv.classify = IsTransient
	}
	if inv.sleep == nil {
		inv.sleep = sleepContext
	}
	if inv.rand == nil {
		inv.rand = rand.Float64
	}
	return inv
}

func (i *Invoker) Breaker() *Breaker { return i.breaker }

func (i *Invoker) Stats() *Stats { return i.stats }

func (i *Invoker) Policy() RetryPolicy { return i.policy }

// Status reports the breaker state for key.
func (i *Invoker) Status(key string) (CircuitBreakerState, error) {
	return i.breaker.Status(key)
}

// Call runs primary under the breaker for key. Transient failures are
// retried up to the policy's MaxRetries; the breaker records one outcome per
// call once the retry loop ends. When retries are exhausted and fallback is
// non-nil, its success is returned as a degraded Outcome.
func (i *Invoker) Call(ctx context.Context, key string, primary, fallback Func) (Outcome, error) {
	out := Outcome{OperationKey: key, Via: ViaPrimary}
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("%w: %s: %w", ErrCanceled, key, err)
	}
	if err := i.breaker.Allow(key); err != nil {
		i.logf("resilience: %s rejected: %v", key, err)
		return out, err
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		i.stats.recordAttempt(key, attempt > 1, i.now())
		err := primary(ctx)
		if err == nil {
			i.recordSuccess(key)
			return out, nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			i.breaker.releaseTrial(key)
			i.recordStats(key, false)
			return out, fmt.Errorf("%w: %s: %w", ErrCanceled, key, ctxErr)
		}
		if !i.classify(err) {
			i.recordFailure(key)
			return out, err
		}
		if attempt > i.policy.MaxRetries {
			break
		}
		delay := i.policy.Delay(attempt, i.rand())
		if hint := retryAfterHint(err); hint > delay {
			delay = min(hint, i.policy.MaxDelay)
		}
		i.logf("resilience: %s attempt %d/%d failed, retrying in %s: %v", key, attempt, i.policy.MaxRetries+1, delay, err)
		if err := i.sleep(ctx, delay); err != nil {
			i.breaker.releaseTrial(key)
			i.recordStats(key, false)
			return out, fmt.Errorf("%w: %s: %w", ErrCanceled, key, err)
		}
	}

	i.recordFailure(key)
	exhausted := &RetriesExhaustedError{Key: key, Attempts: out.Attempts, Err: lastErr}
	if fallback == nil {
		return out, exhausted
	}
	if err := fallback(ctx); err != nil {
		exhausted.FallbackErr = err
		return out, exhausted
	}
	out.Degraded = true
	out.Via = ViaFallback
	i.logf("resilience: degraded: %s served by fallback after %d attempts: %v", key, out.Attempts, lastErr)
	return out, nil
}

func (i *Invoker) recordSuccess(key string) {
	if err := i.breaker.RecordSuccess(key); err != nil {
		i.logf("resilience: record success for %s: %v", key, err)
	}
	i.recordStats(key, true)
}

func (i *Invoker) recordFailure(key string) {
	if err := i.breaker.RecordFailure(key); err != nil {
		i.logf("resilience: record failure for %s: %v", key, err)
	}
	i.recordStats(key, false)
}

func (i *Invoker) recordStats(key string, success bool) {
	if err := i.stats.recordOutcome(key, success); err != nil {
		i.logf("resilience: persist stats: %v", err)
	}
}

func (i *Invoker) logf(format string, args ...any) {
	if i.logger == nil {
		return
	}
	i.logger.Printf(format, args...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsCircuitOpen is a convenience for errors.Is(err, ErrCircuitOpen).
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
