package resilience

import (
	"math"
	"time"
)

const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitterRatio = 0.25
)

// RetryPolicy shapes the exponential backoff between attempts. The zero
// value means DefaultRetryPolicy; set MaxRetries to -1 for a single attempt.
type RetryPolicy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	JitterRatio float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  DefaultMaxRetries,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		JitterRatio: DefaultJitterRatio,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	p.JitterRatio = clampJitterRatio(p.JitterRatio)
	return p
}

// Delay returns the wait before retry number attempt (1-based) for a jitter
// sample in [0,1). The un-jittered delay is base*multiplier^(attempt-1)
// capped at MaxDelay; jitter spreads it by ±JitterRatio.
func (p RetryPolicy) Delay(attempt int, sample float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if base > float64(p.MaxDelay) || math.IsInf(base, 0) {
		base = float64(p.MaxDelay)
	}
	return jitteredWithSample(time.Duration(base), p.JitterRatio, sample)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredWithSample(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = clampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	d := time.Duration(float64(base) * factor)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
