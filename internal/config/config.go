package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haidar-ali/card-scanner/internal/types"
)

// Config represents the complete scanner configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Loops            LoopsConfig     `yaml:"loops"`
	Stability        StabilityConfig `yaml:"stability"`
	Extraction       ExtractionConfig `yaml:"extraction"`
	Fusion           FusionConfig    `yaml:"fusion"`
	ROIs             ROIsConfig      `yaml:"rois"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	OCR              OCRConfig       `yaml:"ocr"`
}

// LoopsConfig contains the target rates of the three pipeline loops
type LoopsConfig struct {
	FastHz   float64 `yaml:"fast_hz"`   // stability tracking (default: 30)
	MediumHz float64 `yaml:"medium_hz"` // hypothesis extraction (default: 6)
	SlowHz   float64 `yaml:"slow_hz"`   // temporal fusion (default: 2)
}

// StabilityConfig contains frame stability thresholds
type StabilityConfig struct {
	MotionThresholdPx    float64 `yaml:"motion_threshold_px"`    // max center movement between frames
	RotationThresholdDeg float64 `yaml:"rotation_threshold_deg"` // max rotation between frames
	SharpnessThreshold   float64 `yaml:"sharpness_threshold"`    // min variance-of-Laplacian
	StableFramesRequired int     `yaml:"stable_frames_required"` // consecutive frames before isStable
	PoseHistory          int     `yaml:"pose_history"`           // pose ring buffer size
}

// ExtractionConfig contains hypothesis harvesting settings
type ExtractionConfig struct {
	AcceptanceFloor       float64 `yaml:"acceptance_floor"`         // min confidence to accept a reading
	MaxHypothesesPerField int     `yaml:"max_hypotheses_per_field"` // cap per field, kept by confidence
	SmoothingAlpha        float64 `yaml:"smoothing_alpha"`          // EWMA weight of the incoming reading
	CropReuseDelta        float64 `yaml:"crop_reuse_delta"`         // max homography cell delta for crop reuse
	UpscaleFactor         int     `yaml:"upscale_factor"`           // ROI upscale before extraction
}

// FusionConfig contains voting and commit policy settings
type FusionConfig struct {
	WindowMs            int     `yaml:"window_ms"`            // fusion window (default: 2000)
	CommitCooldownMs    int     `yaml:"commit_cooldown_ms"`   // min time between commits
	MinVotes            int     `yaml:"min_votes"`            // votes per field for strong consensus
	CommitConfidence    float64 `yaml:"commit_confidence"`    // fast-path confidence (default: 0.9)
	ConsensusConfidence float64 `yaml:"consensus_confidence"` // strong-consensus confidence (default: 0.8)
	AutoCommit          *bool   `yaml:"auto_commit"`          // nil means enabled
	SymbolBoost         bool    `yaml:"symbol_boost"`         // enable symbol classifier boost
}

// ROIsConfig contains ROI definitions for the rectified card crop
type ROIsConfig struct {
	ActiveROIs  []string                 `yaml:"active_rois"`
	Definitions map[string]ROIDefinition `yaml:"definitions"`
}

// ROIDefinition defines a single named text region. Static configuration,
// never mutated at runtime.
type ROIDefinition struct {
	Rect     types.NormalizedRect `yaml:"rect"`
	Variants []string             `yaml:"variants"` // preprocessing variants tried after the raw pass
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker          string          `yaml:"broker"`
	Topics          MQTTTopics      `yaml:"topics"`
	QoS             map[string]byte `yaml:"qos"`
	HealthIntervalS int             `yaml:"health_interval_s"` // Periodic health publish interval (default: 10)
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Health  string `yaml:"health"`
}

// OCRConfig configures the subprocess text-extraction worker
type OCRConfig struct {
	WorkerCmd  string   `yaml:"worker_cmd"`
	WorkerArgs []string `yaml:"worker_args"`
}

// AutoCommitEnabled reports whether the fusion engine may commit on its own.
func (f FusionConfig) AutoCommitEnabled() bool {
	return f.AutoCommit == nil || *f.AutoCommit
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
