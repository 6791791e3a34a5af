// Package backoff computes retry delays for the HTTP transport adapter.
package backoff

import (
	"math/rand"
	"strings"
	"time"
)

// Config holds the parameters shared by every strategy.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is a fraction in [0, 1] of the computed delay added at random.
	Jitter float64
}

// Strategy maps a zero-based retry attempt to a delay.
type Strategy interface {
	Delay(attempt int, cfg Config) time.Duration
}

// Exponential grows the delay by Multiplier per attempt and adds uniform jitter.
type Exponential struct{}

// Decorrelated draws the delay between Initial and Initial*3^attempt, capped at Max.
type Decorrelated struct{}

// ByName resolves "exponential" or "decorrelated". Unknown names report false.
func ByName(name string) (Strategy, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exponential":
		return Exponential{}, true
	case "decorrelated":
		return Decorrelated{}, true
	default:
		return nil, false
	}
}

func (Exponential) Delay(attempt int, cfg Config) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	d := time.Duration(float64(cfg.Initial) * pow(cfg.Multiplier, attempt))
	if d < 0 || d > cfg.Max {
		d = cfg.Max
	}

	if j := clamp(cfg.Jitter); j > 0 {
		d += time.Duration(float64(d) * j * rand.Float64())
		if d > cfg.Max {
			d = cfg.Max
		}
	}
	return d
}

func (Decorrelated) Delay(attempt int, cfg Config) time.Duration {
	if attempt <= 0 {
		return cfg.Initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(cfg.Initial)
	upper := base * pow(3, attempt)
	if limit := float64(cfg.Max); upper > limit || upper < 0 {
		upper = limit
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if d < 0 || d > cfg.Max {
		d = cfg.Max
	}
	return d
}

func clamp(j float64) float64 {
	switch {
	case j < 0:
		return 0
	case j > 1:
		return 1
	default:
		return j
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
