package extract

import (
	"sort"
	"sync"
	"time"

	"github.com/haidar-ali/card-scanner/internal/types"
)

// Window accumulates per-field text hypotheses bounded by age and by a
// per-field cap. Duplicate readings (same field, text and variant) merge via
// exponential smoothing of confidence instead of growing the list.
//
// The medium loop is the only writer during normal operation; the slow loop
// resets the window after a commit, so access is mutex-guarded.
type Window struct {
	mu     sync.Mutex
	maxAge time.Duration
	cap    int
	alpha  float64
	fields map[string][]types.TextHypothesis
}

// NewWindow creates a window. alpha is the EWMA weight of the incoming
// reading (merged = old*(1-alpha) + incoming*alpha).
func NewWindow(maxAge time.Duration, capPerField int, alpha float64) *Window {
	return &Window{
		maxAge: maxAge,
		cap:    capPerField,
		alpha:  alpha,
		fields: make(map[string][]types.TextHypothesis),
	}
}

// Merge folds one hypothesis into the window.
func (w *Window) Merge(h types.TextHypothesis) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if h.Votes < 1 {
		h.Votes = 1
	}

	list := w.fields[h.Field]
	for i := range list {
		if list[i].Text == h.Text && list[i].Variant == h.Variant {
			list[i].Confidence = list[i].Confidence*(1-w.alpha) + h.Confidence*w.alpha
			list[i].Timestamp = h.Timestamp
			list[i].Votes += h.Votes
			w.fields[h.Field] = list
			return
		}
	}

	list = append(list, h)
	if len(list) > w.cap {
		// Keep the strongest hypotheses
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Confidence > list[j].Confidence
		})
		list = list[:w.cap]
	}
	w.fields[h.Field] = list
}

// Cleanup drops hypotheses older than the window age.
func (w *Window) Cleanup(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.maxAge)
	for field, list := range w.fields {
		kept := list[:0]
		for _, h := range list {
			if !h.Timestamp.Before(cutoff) {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(w.fields, field)
		} else {
			w.fields[field] = kept
		}
	}
}

// Snapshot returns a deep copy of the current field map, safe for readers in
// other loops.
func (w *Window) Snapshot() map[string][]types.TextHypothesis {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string][]types.TextHypothesis, len(w.fields))
	for field, list := range w.fields {
		cp := make([]types.TextHypothesis, len(list))
		copy(cp, list)
		out[field] = cp
	}
	return out
}

// Counts returns the number of retained hypotheses per field.
func (w *Window) Counts() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]int, len(w.fields))
	for field, list := range w.fields {
		out[field] = len(list)
	}
	return out
}

// Reset discards all accumulated hypotheses. Called after a commit so the
// next physical card starts from a clean slate.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fields = make(map[string][]types.TextHypothesis)
}
