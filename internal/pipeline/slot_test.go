package pipeline

import (
	"sync"
	"testing"
	"time"
)

// TestSlotSetGetClear verifies basic slot semantics.
func TestSlotSetGetClear(t *testing.T) {
	var s slot[int]

	if _, ok := s.get(); ok {
		t.Error("Expected empty slot")
	}

	s.set(42)
	v, ok := s.get()
	if !ok || v != 42 {
		t.Errorf("Expected 42, got %d (ok=%v)", v, ok)
	}

	s.set(7)
	if v, _ := s.get(); v != 7 {
		t.Errorf("Expected overwrite to 7, got %d", v)
	}

	s.clear()
	if _, ok := s.get(); ok {
		t.Error("Expected empty slot after clear")
	}
}

// TestSlotSnapshotIsolation verifies readers keep the value they read even
// after the writer moves on.
func TestSlotSnapshotIsolation(t *testing.T) {
	var s slot[[]string]

	s.set([]string{"a"})
	first, _ := s.get()

	s.set([]string{"b", "c"})
	if len(first) != 1 || first[0] != "a" {
		t.Errorf("Earlier snapshot mutated: %v", first)
	}
}

// TestSlotConcurrentAccess verifies one writer and many readers race
// cleanly.
func TestSlotConcurrentAccess(t *testing.T) {
	var s slot[uint64]
	done := make(chan struct{})

	go func() {
		for i := uint64(1); i <= 1000; i++ {
			s.set(i)
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var prev uint64
			for {
				select {
				case <-done:
					return
				default:
				}
				if v, ok := s.get(); ok {
					if v < prev {
						t.Errorf("Value went backwards: %d after %d", v, prev)
						return
					}
					prev = v
				}
			}
		}()
	}
	wg.Wait()
}

// TestRateCounter verifies the measured rate over evenly spaced ticks.
func TestRateCounter(t *testing.T) {
	var r RateCounter

	base := time.Now()
	// 11 ticks 100ms apart: 10 intervals over 1 second = 10 Hz
	for i := 0; i <= 10; i++ {
		r.Tick(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	hz := r.Hz()
	if hz < 9.9 || hz > 10.1 {
		t.Errorf("Expected ~10 Hz, got %.2f", hz)
	}
	if r.Total() != 11 {
		t.Errorf("Expected 11 total ticks, got %d", r.Total())
	}
}

// TestRateCounterWindowTrim verifies old ticks fall out of the measurement
// window but the total keeps counting.
func TestRateCounterWindowTrim(t *testing.T) {
	var r RateCounter

	base := time.Now()
	r.Tick(base)
	r.Tick(base.Add(10 * time.Second)) // first tick is outside the window now
	r.Tick(base.Add(10*time.Second + 500*time.Millisecond))

	hz := r.Hz()
	if hz < 1.9 || hz > 2.1 {
		t.Errorf("Expected ~2 Hz over the retained window, got %.2f", hz)
	}
	if r.Total() != 3 {
		t.Errorf("Expected 3 total ticks, got %d", r.Total())
	}
}

// TestRateCounterEmpty verifies zero and single-tick counters report 0 Hz.
func TestRateCounterEmpty(t *testing.T) {
	var r RateCounter
	if r.Hz() != 0 {
		t.Errorf("Expected 0 Hz for empty counter, got %.2f", r.Hz())
	}
	r.Tick(time.Now())
	if r.Hz() != 0 {
		t.Errorf("Expected 0 Hz for single tick, got %.2f", r.Hz())
	}
}

// TestRateCounterJitter verifies the inter-tick jitter: evenly spaced ticks
// report zero, alternating 50ms/150ms gaps report a 50ms spread.
func TestRateCounterJitter(t *testing.T) {
	var even RateCounter
	base := time.Now()
	for i := 0; i < 10; i++ {
		even.Tick(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	if j := even.JitterMs(); j > 0.001 {
		t.Errorf("Expected zero jitter for even ticks, got %.4fms", j)
	}

	var uneven RateCounter
	at := base
	for i := 0; i < 4; i++ {
		uneven.Tick(at)
		at = at.Add(50 * time.Millisecond)
		uneven.Tick(at)
		at = at.Add(150 * time.Millisecond)
	}
	j := uneven.JitterMs()
	if j < 49.9 || j > 50.1 {
		t.Errorf("Expected ~50ms jitter for alternating gaps, got %.4fms", j)
	}

	var sparse RateCounter
	sparse.Tick(base)
	sparse.Tick(base.Add(100 * time.Millisecond))
	if sparse.JitterMs() != 0 {
		t.Errorf("Expected zero jitter below three ticks, got %.4fms", sparse.JitterMs())
	}
}

// TestRateCounterReset verifies Reset clears the window and the total while
// staying safe against concurrent readers.
func TestRateCounterReset(t *testing.T) {
	var r RateCounter
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Tick(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	r.Reset()
	if r.Hz() != 0 {
		t.Errorf("Expected 0 Hz after reset, got %.2f", r.Hz())
	}
	if r.Total() != 0 {
		t.Errorf("Expected 0 total after reset, got %d", r.Total())
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			r.Hz()
			r.JitterMs()
			r.Total()
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		r.Tick(time.Now())
		if i%10 == 0 {
			r.Reset()
		}
	}
	<-done

	// Still usable after the churn
	r.Reset()
	r.Tick(base)
	r.Tick(base.Add(100 * time.Millisecond))
	if r.Total() != 2 {
		t.Errorf("Expected 2 ticks after final reset, got %d", r.Total())
	}
}
