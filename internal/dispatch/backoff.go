package dispatch

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential doubling from Base, capped at
// Cap, plus a random jitter in [0, delay) to spread synchronized retries.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before retry number attempt (0-based: the delay
// after the first failed call is Delay(0)).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}

	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if b.Cap > 0 && delay >= b.Cap {
			delay = b.Cap
			break
		}
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}

	return delay + time.Duration(rand.Int63n(int64(delay)))
}
