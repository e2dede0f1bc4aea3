package validator

import (
	"math"
	"sync"
	"time"
)

// FreeRelayLimiter throttles transactions paying less than the minimum relay fee. It keeps an
// exponentially decaying count of the bytes of free transactions accepted; the count halves
// every halfLife.
type FreeRelayLimiter struct {
	mu       sync.Mutex
	limit    float64 // bytes
	halfLife time.Duration
	count    float64
	last     time.Time
	now      func() time.Time
}

// NewFreeRelayLimiter allows about limitKBPerMinute kB of free transactions per minute on
// average, in bursts of ten minutes worth.
func NewFreeRelayLimiter(limitKBPerMinute int64, halfLife time.Duration) *FreeRelayLimiter {
	return &FreeRelayLimiter{
		limit:    float64(limitKBPerMinute) * 10 * 1000,
		halfLife: halfLife,
		now:      time.Now,
	}
}

// Allow adds size bytes to the decaying count and reports whether the transaction may be
// relayed. A transaction that would push the count over the limit is not counted.
func (l *FreeRelayLimiter) Allow(size int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if !l.last.IsZero() && l.halfLife > 0 {
		elapsed := now.Sub(l.last).Seconds()
		l.count *= math.Pow(0.5, elapsed/l.halfLife.Seconds())
	}

	l.last = now

	if l.count+float64(size) >= l.limit {
		return false
	}

	l.count += float64(size)

	return true
}
