// Package stability implements the fast-loop frame stability tracker: per
// frame pose and sharpness analysis deciding whether the card is currently
// still enough to read.
package stability

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/haidar-ali/card-scanner/internal/config"
	"github.com/haidar-ali/card-scanner/internal/types"
)

// Score blend weights. The continuous score gives downstream consumers a
// signal before the hard isStable flip.
const (
	weightMotion     = 0.30
	weightRotation   = 0.20
	weightSharpness  = 0.30
	weightFrameRatio = 0.20
)

// ChangeFunc is invoked on the rising or falling edge of isStable or
// cardPresent, never on every tick.
type ChangeFunc func(types.StabilityMetrics)

// Tracker analyzes one frame per fast-loop tick. Only the fast loop calls
// Observe; the mutex exists for the read-only accessors polled from the
// stats and health goroutines.
type Tracker struct {
	cfg      config.StabilityConfig
	detector types.CardDetector
	onChange ChangeFunc

	mu          sync.Mutex
	poses       []types.FramePose // ring, most recent last
	consecutive int
	wasStable   bool
	wasPresent  bool
	observed    uint64
	failures    uint64
}

// New creates a tracker. onChange may be nil.
func New(cfg config.StabilityConfig, detector types.CardDetector, onChange ChangeFunc) *Tracker {
	return &Tracker{
		cfg:      cfg,
		detector: detector,
		onChange: onChange,
	}
}

// Reset clears all internal state for a fresh pipeline start.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.poses = t.poses[:0]
	t.consecutive = 0
	t.wasStable = false
	t.wasPresent = false
	t.observed = 0
	t.failures = 0
}

// Observe analyzes one frame and returns the resulting metrics and pose.
// Detection failure is non-fatal: the tracker degrades to fallback corners
// so the pipeline keeps producing some pose instead of stalling.
func (t *Tracker) Observe(frame types.Frame) (types.StabilityMetrics, types.FramePose) {
	t.mu.Lock()
	t.observed++

	obs, err := t.detector.Detect(frame)
	cardPresent := err == nil
	if err != nil {
		t.failures++
		slog.Debug("card detection failed, using fallback corners",
			"frame_seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		obs = types.PoseObservation{
			Corners:    types.FallbackQuad(frame.Width, frame.Height),
			Homography: types.IdentityHomography(),
			Sharpness:  0,
		}
	}

	pose := types.FramePose{
		Corners:    obs.Corners,
		Homography: obs.Homography,
		Timestamp:  frame.Timestamp,
	}

	motion, rotation := t.deltas(pose)
	t.pushPose(pose)

	locallyStable := cardPresent &&
		motion < t.cfg.MotionThresholdPx &&
		rotation < t.cfg.RotationThresholdDeg &&
		obs.Sharpness > t.cfg.SharpnessThreshold

	if locallyStable {
		t.consecutive++
	} else {
		// Strict reset, no grace period
		t.consecutive = 0
	}

	isStable := t.consecutive >= t.cfg.StableFramesRequired

	metrics := types.StabilityMetrics{
		CardPresent:             cardPresent,
		IsStable:                isStable,
		SharpnessScore:          obs.Sharpness,
		MotionDelta:             motion,
		RotationDelta:           rotation,
		ConsecutiveStableFrames: t.consecutive,
	}
	metrics.StabilityScore = t.score(metrics)

	fire := false
	if isStable != t.wasStable || cardPresent != t.wasPresent {
		t.wasStable = isStable
		t.wasPresent = cardPresent
		fire = t.onChange != nil
	}
	t.mu.Unlock()

	// Fired outside the lock: handlers may poll the read accessors.
	if fire {
		t.onChange(metrics)
	}
	return metrics, pose
}

// deltas computes center motion (pixels) and rotation change (degrees)
// against the most recent pose. The first frame has no reference and
// reports zero deltas.
func (t *Tracker) deltas(pose types.FramePose) (motion, rotation float64) {
	if len(t.poses) == 0 {
		return 0, 0
	}
	prev := t.poses[len(t.poses)-1]

	pc := prev.Corners.Center()
	cc := pose.Corners.Center()
	motion = math.Hypot(cc.X-pc.X, cc.Y-pc.Y)

	rotation = math.Abs(pose.Corners.Rotation()-prev.Corners.Rotation()) * 180 / math.Pi
	if rotation > 180 {
		rotation = 360 - rotation
	}
	return motion, rotation
}

func (t *Tracker) pushPose(pose types.FramePose) {
	t.poses = append(t.poses, pose)
	if n := t.cfg.PoseHistory; n > 0 && len(t.poses) > n {
		t.poses = t.poses[len(t.poses)-n:]
	}
}

// score blends motion, rotation, sharpness and the stable-frame ratio into
// a continuous 0-1 signal.
func (t *Tracker) score(m types.StabilityMetrics) float64 {
	motionComp := clamp01(1 - m.MotionDelta/t.cfg.MotionThresholdPx)
	rotationComp := clamp01(1 - m.RotationDelta/t.cfg.RotationThresholdDeg)
	sharpnessComp := clamp01(m.SharpnessScore / t.cfg.SharpnessThreshold)
	ratioComp := clamp01(float64(m.ConsecutiveStableFrames) / float64(t.cfg.StableFramesRequired))

	return weightMotion*motionComp +
		weightRotation*rotationComp +
		weightSharpness*sharpnessComp +
		weightFrameRatio*ratioComp
}

// PoseHistory returns a copy of the retained poses, most recent last.
func (t *Tracker) PoseHistory() []types.FramePose {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.FramePose, len(t.poses))
	copy(out, t.poses)
	return out
}

// Stats returns tracker counters for health reporting.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		FramesObserved:    t.observed,
		DetectionFailures: t.failures,
	}
}

// Stats contains tracker counters.
type Stats struct {
	FramesObserved    uint64
	DetectionFailures uint64
}

// LastPoseAge returns how old the newest pose is, or a negative duration if
// no pose has been observed yet.
func (t *Tracker) LastPoseAge(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.poses) == 0 {
		return -1
	}
	return now.Sub(t.poses[len(t.poses)-1].Timestamp)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
