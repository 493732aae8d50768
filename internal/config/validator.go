package config

import (
	"fmt"
	"regexp"

	"github.com/haidar-ali/card-scanner/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults.
// Rejected configurations leave the pipeline unstarted.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Loop rates: zero means default, negative is rejected
	if cfg.Loops.FastHz < 0 || cfg.Loops.MediumHz < 0 || cfg.Loops.SlowHz < 0 {
		return fmt.Errorf("loop rates must be >= 0")
	}
	if cfg.Loops.FastHz == 0 {
		cfg.Loops.FastHz = 30
	}
	if cfg.Loops.MediumHz == 0 {
		cfg.Loops.MediumHz = 6
	}
	if cfg.Loops.SlowHz == 0 {
		cfg.Loops.SlowHz = 2
	}
	if cfg.Loops.FastHz > 120 {
		return fmt.Errorf("loops.fast_hz must be <= 120, got %.1f", cfg.Loops.FastHz)
	}

	// Stability thresholds
	if cfg.Stability.MotionThresholdPx < 0 || cfg.Stability.RotationThresholdDeg < 0 {
		return fmt.Errorf("stability thresholds must be >= 0")
	}
	if cfg.Stability.MotionThresholdPx == 0 {
		cfg.Stability.MotionThresholdPx = 8.0
	}
	if cfg.Stability.RotationThresholdDeg == 0 {
		cfg.Stability.RotationThresholdDeg = 3.0
	}
	if cfg.Stability.SharpnessThreshold == 0 {
		cfg.Stability.SharpnessThreshold = 100.0
	}
	if cfg.Stability.StableFramesRequired < 0 {
		return fmt.Errorf("stability.stable_frames_required must be >= 0")
	}
	if cfg.Stability.StableFramesRequired == 0 {
		cfg.Stability.StableFramesRequired = 5
	}
	if cfg.Stability.PoseHistory == 0 {
		cfg.Stability.PoseHistory = 10
	}

	// Extraction
	if cfg.Extraction.AcceptanceFloor < 0 || cfg.Extraction.AcceptanceFloor > 1 {
		return fmt.Errorf("extraction.acceptance_floor must be in [0,1], got %.2f", cfg.Extraction.AcceptanceFloor)
	}
	if cfg.Extraction.AcceptanceFloor == 0 {
		cfg.Extraction.AcceptanceFloor = 0.3
	}
	if cfg.Extraction.MaxHypothesesPerField == 0 {
		cfg.Extraction.MaxHypothesesPerField = 5
	}
	if cfg.Extraction.SmoothingAlpha < 0 || cfg.Extraction.SmoothingAlpha > 1 {
		return fmt.Errorf("extraction.smoothing_alpha must be in [0,1], got %.2f", cfg.Extraction.SmoothingAlpha)
	}
	if cfg.Extraction.SmoothingAlpha == 0 {
		cfg.Extraction.SmoothingAlpha = 0.3
	}
	if cfg.Extraction.CropReuseDelta == 0 {
		cfg.Extraction.CropReuseDelta = 0.02
	}
	if cfg.Extraction.UpscaleFactor == 0 {
		cfg.Extraction.UpscaleFactor = 3
	}

	// Fusion
	if cfg.Fusion.WindowMs < 0 || cfg.Fusion.CommitCooldownMs < 0 {
		return fmt.Errorf("fusion window and cooldown must be >= 0")
	}
	if cfg.Fusion.WindowMs == 0 {
		cfg.Fusion.WindowMs = 2000
	}
	if cfg.Fusion.CommitCooldownMs == 0 {
		cfg.Fusion.CommitCooldownMs = 3000
	}
	if cfg.Fusion.MinVotes == 0 {
		cfg.Fusion.MinVotes = 3
	}
	if cfg.Fusion.CommitConfidence < 0 || cfg.Fusion.CommitConfidence > 1 {
		return fmt.Errorf("fusion.commit_confidence must be in [0,1], got %.2f", cfg.Fusion.CommitConfidence)
	}
	if cfg.Fusion.CommitConfidence == 0 {
		cfg.Fusion.CommitConfidence = 0.9
	}
	if cfg.Fusion.ConsensusConfidence == 0 {
		cfg.Fusion.ConsensusConfidence = 0.8
	}

	// ROIs
	if len(cfg.ROIs.Definitions) == 0 {
		cfg.ROIs.Definitions = DefaultROIs()
	}
	if len(cfg.ROIs.ActiveROIs) == 0 {
		for name := range cfg.ROIs.Definitions {
			cfg.ROIs.ActiveROIs = append(cfg.ROIs.ActiveROIs, name)
		}
	}
	if err := ValidateROIs(cfg.ROIs); err != nil {
		return fmt.Errorf("roi validation failed: %w", err)
	}

	// MQTT is optional; topics get defaults only when a broker is configured
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("cardscan/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("cardscan/events/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("cardscan/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.HealthIntervalS == 0 {
			cfg.MQTT.HealthIntervalS = 10
		}
		if cfg.MQTT.HealthIntervalS < 0 {
			return fmt.Errorf("mqtt.health_interval_s must be positive, got %d", cfg.MQTT.HealthIntervalS)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control":         1,
				"card-committed":  1,
				"card-identified": 0,
				"health":          0,
			}
		}
	}

	return nil
}

// ValidateROIs validates ROI configuration for correctness
func ValidateROIs(rois ROIsConfig) error {
	for name, roi := range rois.Definitions {
		if !roi.Rect.Valid() {
			return fmt.Errorf("ROI '%s': rect must lie inside the unit square with positive size, got %+v",
				name, roi.Rect)
		}
	}

	for _, active := range rois.ActiveROIs {
		if _, exists := rois.Definitions[active]; !exists {
			return fmt.Errorf("active ROI '%s' not found in definitions", active)
		}
	}

	return nil
}

// DefaultROIs returns the standard field regions for a rectified card crop.
// The footer spans the bottom strip where older layouts combine the set code
// and collector number on one line.
func DefaultROIs() map[string]ROIDefinition {
	return map[string]ROIDefinition{
		"collector_number": {
			Rect:     rect(0.04, 0.92, 0.22, 0.06),
			Variants: []string{"threshold", "sharpen"},
		},
		"set_code": {
			Rect:     rect(0.04, 0.945, 0.16, 0.045),
			Variants: []string{"threshold"},
		},
		"title": {
			Rect:     rect(0.06, 0.04, 0.80, 0.07),
			Variants: []string{"sharpen"},
		},
		"footer": {
			Rect:     rect(0.02, 0.90, 0.60, 0.09),
			Variants: []string{"threshold", "invert"},
		},
	}
}

func rect(x, y, w, h float64) types.NormalizedRect {
	return types.NormalizedRect{X: x, Y: y, Width: w, Height: h}
}
