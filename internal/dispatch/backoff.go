package dispatch

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds the retry schedule for failed deliveries.
type Policy struct {
	BaseDelay  time.Duration
	JitterMax  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultPolicy returns the standard delivery retry schedule.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  2 * time.Second,
		JitterMax:  time.Second,
		MaxDelay:   5 * time.Minute,
		MaxRetries: 8,
	}
}

// Delay computes the wait before the next attempt for the given retry count:
// min(base*2^k + jitter[0,jitterMax), maxDelay). The retry count is persisted
// per event, so the schedule is replayed from a fresh deterministic backoff on
// every call; jitter is added on top so the bound stays testable.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.BaseDelay
	schedule.RandomizationFactor = 0
	schedule.Multiplier = 2
	schedule.MaxInterval = p.MaxDelay

	delay := schedule.NextBackOff()
	for i := 0; i < retryCount && delay < p.MaxDelay; i++ {
		delay = schedule.NextBackOff()
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterMax > 0 && delay < p.MaxDelay {
		delay += time.Duration(rand.Int63n(int64(p.JitterMax)))
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// Exhausted reports whether the retry count has reached the ceiling.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
