// Package backoff computes retry delays for failed queries.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy returns the delay to wait after the given number of failures.
// failures is 1 after the first failure.
type Strategy interface {
	Delay(failures int) time.Duration
}

// Constant waits the same amount after every failure.
type Constant time.Duration

func (c Constant) Delay(int) time.Duration {
	if c < 0 {
		return 0
	}
	return time.Duration(c)
}

// Exponential grows the delay by Multiplier per failure, capped at Max, with
// up to Jitter (0..1) of the delay added at random.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (e Exponential) Delay(failures int) time.Duration {
	attempt := failures - 1
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	multiplier := e.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := time.Duration(float64(e.Initial) * Pow(multiplier, attempt))
	if e.Max > 0 && (delay < 0 || delay > e.Max) {
		delay = e.Max
	}

	jitter := ClampJitter(e.Jitter)
	if jitter > 0 {
		delay += time.Duration(float64(delay) * jitter * rand.Float64())
		if e.Max > 0 && delay > e.Max {
			delay = e.Max
		}
	}
	return delay
}

// Decorrelated picks a delay uniformly between Initial and
// min(Max, Initial*3^failures).
type Decorrelated struct {
	Initial time.Duration
	Max     time.Duration
}

func (d Decorrelated) Delay(failures int) time.Duration {
	if failures <= 1 {
		return d.Initial
	}
	if failures > 10 {
		failures = 10
	}

	base := float64(d.Initial)
	upper := base * Pow(3.0, failures-1)
	if d.Max > 0 && (upper > float64(d.Max) || upper < 0) {
		upper = float64(d.Max)
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if d.Max > 0 && (delay < 0 || delay > d.Max) {
		delay = d.Max
	}
	return delay
}

// ClampJitter ensures jitter is within valid bounds [0, 1].
func ClampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow calculates base^exponent using integer exponentiation.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
