// Package source provides a synthetic frame source and card detector for
// running the scanner without a camera integration: demos, smoke tests and
// environments where the real capture stack is not wired yet.
package source

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haidar-ali/card-scanner/internal/types"
)

// Synthetic generates gray frames with a steady simulated card. Implements
// both types.FrameSource and types.CardDetector.
type Synthetic struct {
	width  int
	height int
	// Sharpness reported for every frame; above the default threshold so a
	// demo pipeline reaches stability.
	sharpness float64
	// JitterPx adds a small periodic wobble to the card center so motion
	// deltas are nonzero but under threshold.
	jitterPx float64

	seq uint64

	mu    sync.Mutex
	trace string
}

// NewSynthetic creates a synthetic source for the given frame size.
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{
		width:     width,
		height:    height,
		sharpness: 250,
		jitterPx:  1.5,
		trace:     uuid.NewString(),
	}
}

// NextFrame implements types.FrameSource.
func (s *Synthetic) NextFrame() (types.Frame, bool) {
	seq := atomic.AddUint64(&s.seq, 1)

	s.mu.Lock()
	trace := s.trace
	s.mu.Unlock()

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      make([]byte, s.width*s.height),
		TraceID:   trace,
	}, true
}

// Rectify implements types.FrameSource: a flat gray canonical card crop.
func (s *Synthetic) Rectify(frame types.Frame, pose types.FramePose) types.Image {
	const cardW, cardH = 480, 680
	data := make([]byte, cardW*cardH)
	for i := range data {
		data[i] = 0x80
	}
	return types.Image{Width: cardW, Height: cardH, Data: data}
}

// Detect implements types.CardDetector with a gently wobbling centered card.
func (s *Synthetic) Detect(frame types.Frame) (types.PoseObservation, error) {
	w := float64(s.width)
	h := float64(s.height)
	phase := float64(frame.Seq) * 0.2
	dx := s.jitterPx * math.Sin(phase)
	dy := s.jitterPx * math.Cos(phase)

	quad := types.Quad{
		{X: w*0.3 + dx, Y: h*0.15 + dy},
		{X: w*0.7 + dx, Y: h*0.15 + dy},
		{X: w*0.7 + dx, Y: h*0.85 + dy},
		{X: w*0.3 + dx, Y: h*0.85 + dy},
	}

	return types.PoseObservation{
		Corners:    quad,
		Homography: types.IdentityHomography(),
		Sharpness:  s.sharpness,
	}, nil
}

// NewCard rotates the trace id, simulating a new physical card being
// presented.
func (s *Synthetic) NewCard() {
	s.mu.Lock()
	s.trace = uuid.NewString()
	s.mu.Unlock()
}
