package payments

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetrySchedule computes bounded exponential delays between payment retries.
// The schedule is pure data; the scheduler persists next_retry_at.
type RetrySchedule struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// Delay returns the wait before retry number attempt (1-based).
func (s RetrySchedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.Initial
	b.MaxInterval = s.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// NextAt returns when retry number attempt becomes due, or nil once retries are exhausted.
func (s RetrySchedule) NextAt(attempt int, from time.Time) *time.Time {
	if attempt > s.MaxRetries {
		return nil
	}
	at := from.Add(s.Delay(attempt)).UTC()
	return &at
}
