// Package backoff provides exponential retry delays shared by the radio
// join logic and the power manager.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes exponential backoff delays. The zero value is not
// usable; construct with DefaultPolicy or from configuration.
type Policy struct {
	// Base is the delay for attempt 0.
	Base time.Duration
	// Multiplier scales the delay for each subsequent attempt.
	Multiplier float64
	// Cap bounds the returned delay, jitter included.
	Cap time.Duration
	// Jitter is the fraction of the delay added as uniform random
	// jitter, in [0, 1]. Zero disables jitter.
	Jitter float64

	// rand returns a uniform value in [0, 1). Tests override it.
	rand func() float64
}

// DefaultPolicy returns the policy used when configuration leaves
// backoff unset: 30s base, doubling, capped at one hour, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:       30 * time.Second,
		Multiplier: 2.0,
		Cap:        time.Hour,
		Jitter:     0.1,
	}
}

// Delay returns the backoff delay for the given zero-based attempt
// number: min(Base*Multiplier^attempt, Cap) plus up to Jitter*delay of
// random jitter. The result never decreases as attempt grows and never
// exceeds Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Cap {
			d = float64(p.Cap)
			break
		}
	}
	if time.Duration(d) > p.Cap {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		d += d * p.Jitter * r()
		if time.Duration(d) > p.Cap {
			d = float64(p.Cap)
		}
	}
	return time.Duration(d)
}
