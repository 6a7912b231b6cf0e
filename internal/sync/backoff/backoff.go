// Package backoff computes retry schedules and dead-letter eligibility.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Defaults for the retry schedule.
const (
	DefaultBaseDelay      = 10 * time.Second
	DefaultCapDelay       = 300 * time.Second
	DefaultMaxRetries     = 5
	DefaultJitterFraction = 0.1
)

// Policy is an exponential backoff schedule with additive jitter.
// Delay(n) = min(Base * 2^n, Cap) + jitter, jitter in [0, JitterFraction * capped).
type Policy struct {
	Base           time.Duration
	Cap            time.Duration
	MaxRetries     int
	JitterFraction float64

	// Now and Rand are injectable for deterministic tests.
	Now  func() time.Time
	Rand func() float64
}

var (
	randMu  sync.Mutex
	randSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func lockedFloat64() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSrc.Float64()
}

// DefaultPolicy returns the production schedule.
func DefaultPolicy() *Policy {
	return &Policy{
		Base:           DefaultBaseDelay,
		Cap:            DefaultCapDelay,
		MaxRetries:     DefaultMaxRetries,
		JitterFraction: DefaultJitterFraction,
		Now:            time.Now,
		Rand:           lockedFloat64,
	}
}

// BaseDelay returns min(Base * 2^retryCount, Cap) without jitter.
func (p *Policy) BaseDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	base, limit := p.Base, p.ceiling()
	if base <= 0 {
		base = DefaultBaseDelay
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		if delay >= limit {
			break
		}
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay
}

func (p *Policy) ceiling() time.Duration {
	if p.Cap <= 0 {
		return DefaultCapDelay
	}
	return p.Cap
}

// Delay returns the wait before attempt retryCount+1, including jitter.
// The result never exceeds Cap: below it jitter is added, at it jitter is
// subtracted so capped retries still spread out.
func (p *Policy) Delay(retryCount int) time.Duration {
	delay := p.BaseDelay(retryCount)
	if p.JitterFraction <= 0 {
		return delay
	}
	r := p.Rand
	if r == nil {
		r = lockedFloat64
	}
	jitter := time.Duration(r() * p.JitterFraction * float64(delay))

	limit := p.ceiling()
	if delay >= limit {
		return limit - jitter
	}
	if d := delay + jitter; d < limit {
		return d
	}
	return limit
}

// NextAttemptTime returns now + Delay(retryCount).
func (p *Policy) NextAttemptTime(retryCount int) time.Time {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return now().Add(p.Delay(retryCount))
}

// ShouldDeadLetter reports whether retryCount has exhausted the retry budget.
func (p *Policy) ShouldDeadLetter(retryCount int) bool {
	max := p.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return retryCount >= max
}
