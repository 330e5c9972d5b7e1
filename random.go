package stagez

import (
	"math"
	"math/rand/v2"
	"time"
)

// Random supplies uniform values in [0,1). Implementations must be safe for
// concurrent use; the engine shares one source across all runs.
type Random interface {
	Float64() float64
}

// RandomFunc adapts a function to Random.
type RandomFunc func() float64

// Float64 calls f.
func (f RandomFunc) Float64() float64 {
	return f()
}

// DefaultRandom draws from the math/rand/v2 global generator.
var DefaultRandom Random = RandomFunc(rand.Float64)

// drawLatency maps r onto [lo, hi] inclusive.
func drawLatency(r float64, lo, hi time.Duration) time.Duration {
	span := hi - lo
	// float64 keeps span+1 from wrapping when span is math.MaxInt64.
	off := math.Floor(r * (float64(span) + 1))
	if off >= float64(span) {
		return hi
	}
	return lo + time.Duration(off)
}
