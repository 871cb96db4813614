package syncd

import (
	"sync"
	"time"
)

// DefaultBreakerThreshold is the consecutive sync failures before the
// breaker opens and background sync pauses.
const DefaultBreakerThreshold = 3

// DefaultBreakerCooldown is how long the breaker stays open before allowing
// a probe sync.
const DefaultBreakerCooldown = 30 * time.Second

// BreakerState is the state of the remote health breaker.
type BreakerState int

const (
	// BreakerClosed allows syncs normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks syncs while the remote is failing.
	BreakerOpen
	// BreakerHalfOpen allows a single probe sync after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards the remote endpoint: after repeated sync failures it opens
// and background sync skips attempts until the cooldown elapses. This keeps a
// dead server from burning battery and bandwidth on a mobile client.
type Breaker struct {
	mu           sync.Mutex
	threshold    int
	cooldown     time.Duration
	failureCount int
	state        BreakerState
	openedAt     time.Time

	now func() time.Time
}

// NewBreaker creates a Breaker. Zero threshold or cooldown fall back to
// defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a sync attempt should proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		// Half-open allows the probe attempt.
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.state = BreakerClosed
}

// RecordFailure counts a failed sync; reaching the threshold opens the
// breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	if b.failureCount >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state, applying the open to half-open
// transition if the cooldown elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
	return b.state
}

// FailureCount returns the consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// SetClock overrides the breaker clock for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
