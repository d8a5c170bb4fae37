package worker

import (
	"math/rand"
	"time"
)

const (
	baseBackoff = time.Second
	maxBackoff  = 2 * time.Minute
)

// retryBackoff returns the redelivery delay for the given retry count:
// exponential from one second with full +/-50% jitter, capped at two
// minutes. Jitter keeps a burst of same-aged retries from thundering back
// in step.
func retryBackoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := baseBackoff
	for i := 0; i < retries && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)))
	return d/2 + jitter
}
