package delivery

import "time"

const (
	defaultBackoffBase   = 5 * time.Second
	defaultBackoffFactor = 2.0
	defaultBackoffMax    = time.Hour
)

// Backoff computes the retry delay after a failed attempt.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns Base * Factor^(attempt-1), capped at Max. It never shrinks
// as attempt grows.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	factor := b.Factor
	if factor < 1 {
		factor = defaultBackoffFactor
	}
	max := b.Max
	if max <= 0 {
		max = defaultBackoffMax
	}
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if delay >= float64(max) {
			return max
		}
	}
	return time.Duration(delay)
}
