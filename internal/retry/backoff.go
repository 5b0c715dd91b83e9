package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns the delay before the next attempt after attempts failures:
// base * 2^attempts plus up to base of jitter, never more than ceiling.
// A ceiling <= 0 means no ceiling.
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}

	limit := ceiling
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}

	delay := limit
	if attempts < 62 && base <= limit>>uint(attempts) {
		delay = base << uint(attempts)
	}

	jitter := time.Duration(rand.Int63n(int64(base)))
	if delay > limit-jitter {
		return limit
	}
	return delay + jitter
}
