package poll

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Circuit breaker tuning. Five consecutive failed reads open the breaker for
// thirty seconds; a successful read closes it.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// ─────────────────────────────────────────────────────────────────────────────
// Circuit breaker
// ─────────────────────────────────────────────────────────────────────────────

// breaker is the per-connection circuit breaker. While open, poll ticks
// return immediately without touching the driver. After the open window
// elapses, the next tick attempts one read: success closes the breaker,
// failure re-opens it for another window.
type breaker struct {
	clk clock.Clock

	mu          sync.Mutex
	consecutive int
	openUntil   time.Time
}

func newBreaker(clk clock.Clock) *breaker {
	return &breaker{clk: clk}
}

// Allow reports whether a read may be attempted now.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.clk.Now().Before(b.openUntil)
}

// Failure records one failed read. It returns true exactly when this failure
// opens the breaker (threshold reached, or a re-open after a failed recovery
// attempt), so the caller publishes the Error status once per transition
// rather than once per tick.
func (b *breaker) Failure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= breakerThreshold {
		b.openUntil = b.clk.Now().Add(breakerOpenFor)
		return true
	}
	return false
}

// Success records one successful read, resetting the counter and the open
// window. It returns true when the breaker was tripped, so the caller
// publishes the Connected status on the open→closed transition.
func (b *breaker) Success() (recovered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	recovered = b.consecutive >= breakerThreshold
	b.consecutive = 0
	b.openUntil = time.Time{}
	return recovered
}

// Failures returns the consecutive-failure count, for status reporting.
func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
