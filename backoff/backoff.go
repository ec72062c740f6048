// Package backoff computes retry delays for the reconnect engine.
//
// The schedule has three bands: a short fixed delay for the first few
// attempts, a medium fixed delay while the peripheral is plausibly
// still nearby, and exponential growth capped at five minutes once it
// clearly is not.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	shortDelay  = 10 * time.Second
	mediumDelay = 30 * time.Second
	expStart    = 60 * time.Second

	// MaxDelay caps the pre-jitter delay for any attempt.
	MaxDelay = 5 * time.Minute

	// growth is a tuning knob; delays stay non-decreasing and under
	// MaxDelay for any value >= 1.
	growth = 1.5

	jitterFraction = 0.2
)

// Delay returns the pre-jitter delay before reconnect attempt n.
// Attempts are numbered from 1.
func Delay(n int) time.Duration {
	switch {
	case n <= 5:
		return shortDelay
	case n <= 10:
		return mediumDelay
	}

	exp := n - 11
	if exp > 10 {
		exp = 10
	}
	d := time.Duration(float64(expStart) * math.Pow(growth, float64(exp)))
	if d > MaxDelay {
		d = MaxDelay
	}
	return d
}

// Jitter perturbs d by a uniform ±20% so that a fleet of hosts losing
// the same peripheral does not retry in lockstep. A nil source falls
// back to the package-level generator.
func Jitter(d time.Duration, src *rand.Rand) time.Duration {
	var f float64
	if src != nil {
		f = src.Float64()
	} else {
		f = rand.Float64()
	}
	factor := 1.0 - jitterFraction + 2.0*jitterFraction*f
	return time.Duration(float64(d) * factor)
}
