package extract

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/haidar-ali/card-scanner/internal/config"
	"github.com/haidar-ali/card-scanner/internal/types"
)

// scriptedText returns a canned reading per variant for every ROI and
// counts calls.
type scriptedText struct {
	byVariant map[string]types.TextReading
	err       error
	calls     int
}

func (s *scriptedText) Recognize(ctx context.Context, region types.Image, variant string) (types.TextReading, error) {
	s.calls++
	if s.err != nil {
		return types.TextReading{}, s.err
	}
	r, ok := s.byVariant[variant]
	if !ok {
		return types.TextReading{}, nil
	}
	return r, nil
}

func testImage() types.Image {
	const w, h = 480, 680
	return types.Image{Width: w, Height: h, Data: make([]byte, w*h)}
}

func testPose() types.FramePose {
	return types.FramePose{Homography: types.IdentityHomography()}
}

func extractionConfig() config.ExtractionConfig {
	return config.ExtractionConfig{
		AcceptanceFloor:       0.3,
		MaxHypothesesPerField: 5,
		SmoothingAlpha:        0.3,
		CropReuseDelta:        0.02,
		UpscaleFactor:         2,
	}
}

func singleROI(variants ...string) config.ROIsConfig {
	return config.ROIsConfig{
		ActiveROIs: []string{types.FieldCollectorNumber},
		Definitions: map[string]config.ROIDefinition{
			types.FieldCollectorNumber: {
				Rect:     types.NormalizedRect{X: 0.04, Y: 0.92, Width: 0.22, Height: 0.06},
				Variants: variants,
			},
		},
	}
}

// TestExtractAcceptsAboveFloor verifies readings below or at the acceptance
// floor and empty texts are discarded.
func TestExtractAcceptsAboveFloor(t *testing.T) {
	tests := []struct {
		name    string
		reading types.TextReading
		kept    bool
	}{
		{"above floor", types.TextReading{Text: "204", Confidence: 0.6}, true},
		{"at floor", types.TextReading{Text: "204", Confidence: 0.3}, false},
		{"below floor", types.TextReading{Text: "204", Confidence: 0.1}, false},
		{"empty text", types.TextReading{Text: "   ", Confidence: 0.9}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := &scriptedText{byVariant: map[string]types.TextReading{"": tt.reading}}
			ex := New(extractionConfig(), singleROI(), 2*time.Second, text)

			window := ex.Extract(context.Background(), testImage(), testPose())

			got := len(window[types.FieldCollectorNumber])
			want := 0
			if tt.kept {
				want = 1
			}
			if got != want {
				t.Errorf("Expected %d hypotheses, got %d", want, got)
			}
		})
	}
}

// TestVariantsTriedAfterRaw verifies the raw pass runs first and every
// configured variant is attempted per ROI.
func TestVariantsTriedAfterRaw(t *testing.T) {
	text := &scriptedText{byVariant: map[string]types.TextReading{
		"":          {Text: "204", Confidence: 0.5},
		"threshold": {Text: "204", Confidence: 0.7},
		"sharpen":   {Text: "2O4", Confidence: 0.4},
	}}
	ex := New(extractionConfig(), singleROI("threshold", "sharpen"), 2*time.Second, text)

	window := ex.Extract(context.Background(), testImage(), testPose())

	if text.calls != 3 {
		t.Errorf("Expected 3 recognize calls (raw + 2 variants), got %d", text.calls)
	}
	// "204" raw and "204" threshold have different variants, kept separately;
	// "2O4" sharpen is a third entry.
	if got := len(window[types.FieldCollectorNumber]); got != 3 {
		t.Errorf("Expected 3 hypotheses, got %d", got)
	}
}

// TestRepeatedReadingSmoothes verifies a repeated identical reading merges
// via EWMA and accumulates votes instead of growing the list.
func TestRepeatedReadingSmoothes(t *testing.T) {
	text := &scriptedText{byVariant: map[string]types.TextReading{
		"": {Text: "204", Confidence: 0.8},
	}}
	ex := New(extractionConfig(), singleROI(), 2*time.Second, text)

	ex.Extract(context.Background(), testImage(), testPose())
	window := ex.Extract(context.Background(), testImage(), testPose())

	list := window[types.FieldCollectorNumber]
	if len(list) != 1 {
		t.Fatalf("Expected 1 merged hypothesis, got %d", len(list))
	}
	if list[0].Votes != 2 {
		t.Errorf("Expected 2 votes, got %d", list[0].Votes)
	}
	// EWMA of equal values is the value itself
	if diff := list[0].Confidence - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected confidence 0.8, got %.4f", list[0].Confidence)
	}
}

// TestWindowCapKeepsStrongest verifies the per-field cap retains the
// highest-confidence hypotheses.
func TestWindowCapKeepsStrongest(t *testing.T) {
	w := NewWindow(time.Minute, 3, 0.3)
	now := time.Now()

	for i := 0; i < 6; i++ {
		w.Merge(types.TextHypothesis{
			Field:      types.FieldTitle,
			Text:       fmt.Sprintf("reading-%d", i),
			Confidence: 0.1 * float64(i+1),
			Timestamp:  now,
		})
	}

	snap := w.Snapshot()
	list := snap[types.FieldTitle]
	if len(list) != 3 {
		t.Fatalf("Expected cap of 3, got %d", len(list))
	}
	for _, h := range list {
		if h.Confidence < 0.3 {
			t.Errorf("Weak hypothesis survived the cap: %+v", h)
		}
	}
}

// TestCleanupDropsExpired verifies hypotheses age out of the window.
func TestCleanupDropsExpired(t *testing.T) {
	w := NewWindow(2*time.Second, 5, 0.3)
	base := time.Now()

	w.Merge(types.TextHypothesis{Field: types.FieldSetCode, Text: "EMN", Confidence: 0.7, Timestamp: base})
	w.Merge(types.TextHypothesis{Field: types.FieldSetCode, Text: "ENN", Confidence: 0.5, Timestamp: base.Add(3 * time.Second)})

	w.Cleanup(base.Add(4 * time.Second))

	snap := w.Snapshot()
	list := snap[types.FieldSetCode]
	if len(list) != 1 {
		t.Fatalf("Expected 1 surviving hypothesis, got %d", len(list))
	}
	if list[0].Text != "ENN" {
		t.Errorf("Expected the fresh hypothesis to survive, got %q", list[0].Text)
	}

	// Aging out the rest removes the field entirely
	w.Cleanup(base.Add(10 * time.Second))
	if counts := w.Counts(); len(counts) != 0 {
		t.Errorf("Expected empty window, got %v", counts)
	}
}

// TestCancelledContextMergesNothing verifies an extraction finishing after
// cancellation contributes no hypotheses.
func TestCancelledContextMergesNothing(t *testing.T) {
	text := &scriptedText{byVariant: map[string]types.TextReading{
		"": {Text: "204", Confidence: 0.9},
	}}
	ex := New(extractionConfig(), singleROI("threshold"), 2*time.Second, text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	window := ex.Extract(ctx, testImage(), testPose())

	if len(window) != 0 {
		t.Errorf("Expected no hypotheses after cancellation, got %v", window)
	}
	if text.calls != 0 {
		t.Errorf("Expected no recognize calls after cancellation, got %d", text.calls)
	}
}

// TestFailedROIIsolated verifies an extraction error skips the reading but
// the tick completes.
func TestFailedROIIsolated(t *testing.T) {
	text := &scriptedText{err: errors.New("worker crashed")}
	ex := New(extractionConfig(), singleROI("threshold"), 2*time.Second, text)

	window := ex.Extract(context.Background(), testImage(), testPose())

	if len(window) != 0 {
		t.Errorf("Expected empty window on failures, got %v", window)
	}
	stats := ex.Stats()
	if stats.Failures != 2 {
		t.Errorf("Expected 2 recorded failures (raw + variant), got %d", stats.Failures)
	}
}

// TestCropCacheReuse verifies ROI crops are reused while the homography is
// materially unchanged and recomputed once it moves.
func TestCropCacheReuse(t *testing.T) {
	text := &scriptedText{byVariant: map[string]types.TextReading{
		"": {Text: "204", Confidence: 0.6},
	}}
	ex := New(extractionConfig(), singleROI(), 2*time.Second, text)

	pose := testPose()
	ex.Extract(context.Background(), testImage(), pose)
	ex.Extract(context.Background(), testImage(), pose)

	if hits := ex.Stats().CacheHits; hits != 1 {
		t.Errorf("Expected 1 cache hit for identical pose, got %d", hits)
	}

	moved := pose
	moved.Homography[2] += 1.0 // translation well past the reuse delta
	ex.Extract(context.Background(), testImage(), moved)

	if hits := ex.Stats().CacheHits; hits != 1 {
		t.Errorf("Expected cache miss after homography moved, got %d hits", hits)
	}
}

// TestEmptyImageNoop verifies an empty rectified crop leaves the window
// untouched.
func TestEmptyImageNoop(t *testing.T) {
	text := &scriptedText{byVariant: map[string]types.TextReading{
		"": {Text: "204", Confidence: 0.9},
	}}
	ex := New(extractionConfig(), singleROI(), 2*time.Second, text)

	window := ex.Extract(context.Background(), types.Image{}, testPose())

	if len(window) != 0 {
		t.Errorf("Expected empty window, got %v", window)
	}
	if text.calls != 0 {
		t.Errorf("Expected no recognize calls for empty image, got %d", text.calls)
	}
}
