package source

import (
	"testing"

	"github.com/haidar-ali/card-scanner/internal/types"
)

// TestNextFrameSequencing verifies monotonic sequence numbers and a shared
// trace id until the card changes.
func TestNextFrameSequencing(t *testing.T) {
	s := NewSynthetic(640, 480)

	f1, ok := s.NextFrame()
	if !ok {
		t.Fatal("Expected a frame")
	}
	f2, _ := s.NextFrame()

	if f2.Seq != f1.Seq+1 {
		t.Errorf("Expected consecutive sequence numbers, got %d then %d", f1.Seq, f2.Seq)
	}
	if f1.TraceID == "" || f1.TraceID != f2.TraceID {
		t.Errorf("Expected a shared trace id, got %q and %q", f1.TraceID, f2.TraceID)
	}
	if len(f1.Data) != 640*480 {
		t.Errorf("Expected GRAY8 buffer of %d bytes, got %d", 640*480, len(f1.Data))
	}

	s.NewCard()
	f3, _ := s.NextFrame()
	if f3.TraceID == f1.TraceID {
		t.Error("Expected a new trace id after NewCard")
	}
}

// TestDetectStaysUnderThresholds verifies the simulated wobble is small
// enough for a default stability configuration to settle.
func TestDetectStaysUnderThresholds(t *testing.T) {
	s := NewSynthetic(1280, 720)

	var prev types.Point
	for i := 0; i < 20; i++ {
		frame, _ := s.NextFrame()
		obs, err := s.Detect(frame)
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if obs.Sharpness <= 100 {
			t.Fatalf("Sharpness %f under the default threshold", obs.Sharpness)
		}
		c := obs.Corners.Center()
		if i > 0 {
			dx := c.X - prev.X
			dy := c.Y - prev.Y
			if dx*dx+dy*dy > 64 {
				t.Fatalf("Frame %d: center moved more than 8px", i)
			}
		}
		prev = c
	}
}

// TestRectifyShape verifies the canonical crop dimensions.
func TestRectifyShape(t *testing.T) {
	s := NewSynthetic(1280, 720)
	frame, _ := s.NextFrame()

	img := s.Rectify(frame, types.FramePose{})
	if img.Empty() {
		t.Fatal("Expected a non-empty rectified image")
	}
	if img.Width != 480 || img.Height != 680 {
		t.Errorf("Unexpected crop size: %dx%d", img.Width, img.Height)
	}
}
