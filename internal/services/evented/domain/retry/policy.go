// Package retry computes exponential backoff with jitter and classifies errors
// as retryable, transport-level, or terminal.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultJitter is the ±fraction applied to every computed delay.
const DefaultJitter = 0.25

// Policy is an explicit backoff configuration. The zero value never retries.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
	// Jitter is the multiplicative jitter fraction; 0.25 yields ±25%.
	Jitter float64
	// Rand returns values in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// New returns a doubling policy with the default jitter.
func New(base, max time.Duration, attempts int) Policy {
	return Policy{
		BaseDelay:   base,
		MaxDelay:    max,
		Multiplier:  2,
		MaxAttempts: attempts,
		Jitter:      DefaultJitter,
	}
}

// Fast is the in-process aggregate-conflict profile.
func Fast() Policy {
	return New(10*time.Millisecond, 2*time.Second, 10)
}

// Connection is the cross-process connection-establishment profile.
func Connection() Policy {
	return New(100*time.Millisecond, 5*time.Second, 30)
}

// Immediate retries attempts times without waiting. Tests use it to drive
// retry loops deterministically.
func Immediate(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Multiplier: 1}
}

// NextDelay returns the wait before retry number attempt (0-based) and false
// once attempt reaches MaxAttempts. The delay never exceeds MaxDelay.
func (p Policy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= p.MaxAttempts {
		return 0, false
	}
	if p.BaseDelay <= 0 {
		return 0, true
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt))
	limit := float64(p.MaxDelay)
	if p.MaxDelay > 0 && delay > limit {
		delay = limit
	}
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*(2*p.random()-1)
	}
	if p.MaxDelay > 0 && delay > limit {
		delay = limit
	}
	if delay < 0 || math.IsNaN(delay) {
		delay = 0
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(delay), true
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackOff adapts the policy to backoff.BackOff for use with backoff.Retry.
func (p Policy) BackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	delay, ok := b.policy.NextDelay(b.attempt)
	if !ok {
		return backoff.Stop
	}
	b.attempt++
	return delay
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}
