// Package ratelimit provides the per-connection token bucket used to
// throttle inbound frames.
package ratelimit

import (
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// DefaultWindow is the refill window the frame budget is expressed in.
const DefaultWindow = 10 * time.Second

// Bucket holds up to capacity tokens and refills capacity tokens per window.
// Refill is computed on demand from the clock, so no timer runs in the
// background. A Bucket is owned by a single goroutine and is not safe for
// concurrent use.
type Bucket struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
}

// NewBucket returns a full bucket. capacity and window must be positive.
func NewBucket(capacity int, window time.Duration, clock clockwork.Clock) *Bucket {
	perSecond := float64(capacity) / window.Seconds()
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), capacity),
		clock:   clock,
	}
}

// PerWindow is NewBucket over DefaultWindow.
func PerWindow(capacity int, clock clockwork.Clock) *Bucket {
	return NewBucket(capacity, DefaultWindow, clock)
}

// Consume debits n tokens if they are available and reports whether it did.
func (b *Bucket) Consume(n int) bool {
	return b.limiter.AllowN(b.clock.Now(), n)
}

// Tokens reports the tokens available right now.
func (b *Bucket) Tokens() float64 {
	return b.limiter.TokensAt(b.clock.Now())
}
