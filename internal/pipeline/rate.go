package pipeline

import (
	"math"
	"sync"
	"time"
)

// rateWindow bounds how far back tick timestamps are kept for the measured
// rate. Short enough to react to stalls, long enough to smooth jitter.
const rateWindow = 5 * time.Second

// RateCounter measures the achieved tick rate of one loop.
type RateCounter struct {
	mu    sync.Mutex
	ticks []time.Time
	total uint64
}

// Tick records one completed loop tick.
func (r *RateCounter) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.ticks = append(r.ticks, now)

	cutoff := now.Add(-rateWindow)
	drop := 0
	for drop < len(r.ticks) && r.ticks[drop].Before(cutoff) {
		drop++
	}
	r.ticks = r.ticks[drop:]
}

// Hz returns the measured rate over the retained window.
func (r *RateCounter) Hz() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ticks) < 2 {
		return 0
	}
	span := r.ticks[len(r.ticks)-1].Sub(r.ticks[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(r.ticks)-1) / span
}

// JitterMs returns the standard deviation of the inter-tick gaps over the
// retained window, in milliseconds. Zero until enough ticks accumulate.
func (r *RateCounter) JitterMs() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ticks) < 3 {
		return 0
	}
	gaps := make([]float64, 0, len(r.ticks)-1)
	var sum float64
	for i := 1; i < len(r.ticks); i++ {
		g := r.ticks[i].Sub(r.ticks[i-1]).Seconds() * 1000
		gaps = append(gaps, g)
		sum += g
	}
	mean := sum / float64(len(gaps))
	var variance float64
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(gaps)))
}

// Reset clears the window and the total. The mutex itself is untouched, so
// Reset is safe against concurrent readers; the counter must never be
// reassigned wholesale once shared.
func (r *RateCounter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = nil
	r.total = 0
}

// Total returns the tick count since the counter was created.
func (r *RateCounter) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
