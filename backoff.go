package outbus

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffStrategy decides when a failed event becomes due again.
// attempt is 1-based: the value retry_count will hold after this failure.
type BackoffStrategy interface {
	NextAttemptAt(attempt int) time.Time
}

// DefaultBackoffStrategy returns the exponential strategy the drainer uses
// unless configured otherwise.
func DefaultBackoffStrategy() BackoffStrategy {
	return NewExponentialBackoff(defaultRetryBaseDelay, defaultRetryMaxDelay)
}

type exponentialStrategy struct {
	initial time.Duration
	max     time.Duration
}

// NewExponentialBackoff doubles the delay each attempt, with jitter, capped
// at max.
func NewExponentialBackoff(initial, max time.Duration) BackoffStrategy {
	return &exponentialStrategy{initial: initial, max: max}
}

func (s *exponentialStrategy) NextAttemptAt(attempt int) time.Time {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	// Delays are derived per attempt, never exhausted by elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return time.Now().UTC().Add(delay)
}

type fixedStrategy struct {
	delay time.Duration
}

// NewFixedBackoff retries at a constant interval regardless of attempt count.
func NewFixedBackoff(delay time.Duration) BackoffStrategy {
	return &fixedStrategy{delay: delay}
}

func (s *fixedStrategy) NextAttemptAt(int) time.Time {
	return time.Now().UTC().Add(s.delay)
}
