package realtime

import (
	"math"
	"math/rand"
	"time"
)

// reconnector calcula esperas con backoff exponencial y jitter.
type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int
	jitter    func() float64
}

func newReconnector(base, maxDelay time.Duration) *reconnector {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &reconnector{baseDelay: base, maxDelay: maxDelay, jitter: rand.Float64}
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := r.jitter() * float64(r.baseDelay) * 0.5
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter,
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}
