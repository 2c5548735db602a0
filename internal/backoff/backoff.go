package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes how the delay between retries grows.
type Policy struct {
	// Name is fixed, linear, exponential, exp_equal_jitter or exp_full_jitter (default).
	Name string
	Base time.Duration
	Max  time.Duration
}

// Compute returns the delay before retry number attempts (0 for the first retry).
func Compute(p Policy, attempts int, rng *rand.Rand) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch p.Name {
	case "fixed":
		return min(base, maxDelay)
	case "linear":
		return min(base*time.Duration(max(1, attempts)), maxDelay)
	case "exponential":
		return exp(base, maxDelay, attempts)
	case "exp_equal_jitter":
		d := exp(base, maxDelay, attempts)
		half := d / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default: // exp_full_jitter
		d := exp(base, maxDelay, attempts)
		if d <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(d) + 1))
	}
}

func exp(base, maxDelay time.Duration, attempts int) time.Duration {
	f := float64(base) * math.Pow(2, float64(attempts))
	if f >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(f)
}
