package dispatch

import (
	"math/rand"
	"time"
)

// backoffDelay computes the retry delay after a transient failure.
//
// Exponential in the attempt count (base * 2^(attempt-1)), capped, with
// symmetric jitter so many jobs failing together don't retry together.
// A downstream hint (e.g. a flood-wait) raises the delay but never past cap.
func backoffDelay(base, cap time.Duration, jitter float64, attempt int, hint time.Duration) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if cap <= 0 {
		cap = 10 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if hint > d {
		d = hint
	}
	if d > cap {
		d = cap
	}

	if jitter > 0 {
		f := 1 - jitter + rand.Float64()*2*jitter
		d = time.Duration(float64(d) * f)
		if d > cap {
			d = cap
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}
