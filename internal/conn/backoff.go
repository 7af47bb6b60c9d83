package conn

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// stableAfter is how long a connection must stay up before the attempt
// counter starts over.
const stableAfter = 60 * time.Second

type backoff struct {
	clock       clockwork.Clock
	base        time.Duration
	max         time.Duration
	maxAttempts int // 0 = unlimited
	attempt     int
	connectedAt time.Time
}

func (b *backoff) shouldRetry() bool {
	return b.maxAttempts == 0 || b.attempt < b.maxAttempts
}

func (b *backoff) markConnected() {
	b.connectedAt = b.clock.Now()
}

// next returns the delay before the next dial: base*2^attempt plus up to 50%
// of base as jitter, capped at max.
func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() && b.clock.Since(b.connectedAt) > stableAfter {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}
	jitter := rand.Float64() * float64(b.base) * 0.5
	delay := math.Min(float64(b.base)*math.Pow(2, float64(b.attempt))+jitter, float64(b.max))
	b.attempt++
	return time.Duration(delay)
}
