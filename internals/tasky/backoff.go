package tasky

import (
	"math"
	"math/rand/v2"
	"time"
)

type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// Jitter in [0,1] shortens each delay by up to that fraction.
	Jitter float64
}

// BackoffExponential returns base*factor^(attempts-1), capped at Max.
func BackoffExponential(cfg BackoffConfig) func(attempts int) time.Duration {
	factor := cfg.Factor
	if factor <= 0 {
		factor = 2
	}
	jitter := math.Min(math.Max(cfg.Jitter, 0), 1)

	return func(attempts int) time.Duration {
		if attempts <= 0 || cfg.Base <= 0 {
			return 0
		}
		delay := float64(cfg.Base) * math.Pow(factor, float64(attempts-1))
		if cfg.Max > 0 && delay > float64(cfg.Max) {
			delay = float64(cfg.Max)
		}
		if jitter > 0 {
			delay -= delay * jitter * rand.Float64()
		}
		if delay >= float64(math.MaxInt64) {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(delay)
	}
}
