package types

import "time"

// Frame represents a single video frame handed to the fast loop.
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the frame data (GRAY8 format by default)
	Data []byte
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// Image is a rectified (top-down) card crop or a sliced ROI region.
type Image struct {
	Width  int
	Height int
	// Data is GRAY8 pixel data, row-major, Width*Height bytes
	Data []byte
}

// Empty reports whether the image carries no pixels.
func (i Image) Empty() bool {
	return i.Width <= 0 || i.Height <= 0 || len(i.Data) == 0
}

// FramePose is the per-frame card geometry produced by the fast loop.
// Superseded every tick, never persisted.
type FramePose struct {
	Corners    Quad
	Homography Homography
	Timestamp  time.Time
}

// StabilityMetrics is the fast loop's per-tick verdict on whether the card
// is currently still and in focus.
type StabilityMetrics struct {
	CardPresent             bool    `json:"card_present"`
	IsStable                bool    `json:"is_stable"`
	StabilityScore          float64 `json:"stability_score"`
	SharpnessScore          float64 `json:"sharpness_score"`
	MotionDelta             float64 `json:"motion_delta"`
	RotationDelta           float64 `json:"rotation_delta"`
	ConsecutiveStableFrames int     `json:"consecutive_stable_frames"`
}

// PoseObservation is what a card detector reports for one frame: the card
// quadrilateral, the rectifying homography and a sharpness scalar
// (variance-of-Laplacian style) measured over the card area.
type PoseObservation struct {
	Corners    Quad
	Homography Homography
	Sharpness  float64
}
