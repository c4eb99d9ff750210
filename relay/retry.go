package relay

import (
	"math/rand/v2"
	"time"
)

// nextDelay computes the wait before the (attempt+1)th redelivery round:
// exponential backoff from a 1-minute base, perturbed by up to ±10% so that
// a burst of messages queued at the same time (e.g. after a restart) doesn't
// all retry in lockstep, and capped at 4 hours after the perturbation.
//
// Adapted from internal/queue/queue.go's nextDelay, which instead used a
// small number of fixed steps (1m/5m/10m/20m); this uses a true exponential
// schedule.
func nextDelay(attempt int) time.Duration {
	const base = time.Minute
	const maxDelay = 4 * time.Hour

	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}

	jitter := 0.9 + 0.2*rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
