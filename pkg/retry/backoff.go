package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewBackOff builds the exponential schedule for a policy. A zero
// MaxElapsedTime retries forever; the caller bounds it with a context.
func NewBackOff(p Policy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = p.MaxElapsedTime
	if p.RandomizationFactor > 0 {
		exp.RandomizationFactor = p.RandomizationFactor
	}
	exp.Reset()
	return exp
}

// CalculateBackoffDuration is the un-jittered delay before the given retry.
func CalculateBackoffDuration(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if duration > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(duration)
}
