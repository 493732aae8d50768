package types

import "context"

// FrameSource provides the current video frame and, given the latest
// accepted pose, a rectified top-down crop of the card. Implementations own
// all pixel acquisition; the core never touches a camera.
type FrameSource interface {
	// NextFrame returns the most recent frame, or false if none is available
	NextFrame() (Frame, bool)
	// Rectify returns a top-down crop of the card for the given pose.
	// An empty image means the crop is unavailable this tick.
	Rectify(frame Frame, pose FramePose) Image
}

// CardDetector locates the card quadrilateral in a frame and measures
// sharpness over the card area. Detection failure is non-fatal for the
// caller; the stability tracker degrades to fallback corners.
type CardDetector interface {
	Detect(frame Frame) (PoseObservation, error)
}

// TextReading is one extraction result from the text collaborator.
type TextReading struct {
	Text       string
	Confidence float64
}

// TextExtractor is the external text-extraction service. Variant names a
// preprocessing treatment applied by the collaborator before recognition;
// the empty variant means the raw crop. Calls may block; they are the
// pipeline's single suspension point and must honor ctx.
type TextExtractor interface {
	Recognize(ctx context.Context, region Image, variant string) (TextReading, error)
}

// SymbolClassifier is the optional set-symbol collaborator. Purely advisory;
// candidates only boost fusion confidence.
type SymbolClassifier interface {
	Classify(ctx context.Context, region Image) ([]SymbolCandidate, error)
}
