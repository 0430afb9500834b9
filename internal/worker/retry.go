package worker

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy spaces transport retries exponentially: Base after the first
// failed attempt, doubling after each further one, never above Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given number of failed attempts (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.Reset()

	d := p.Base
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
