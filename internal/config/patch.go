package config

import "fmt"

// Patch is a partial configuration update. Nil sections are left untouched;
// a non-nil section replaces the corresponding section wholesale. The merged
// result is validated before it is accepted, so an invalid patch leaves the
// previous configuration in force.
type Patch struct {
	Loops      *LoopsConfig      `json:"loops,omitempty" yaml:"loops,omitempty"`
	Stability  *StabilityConfig  `json:"stability,omitempty" yaml:"stability,omitempty"`
	Extraction *ExtractionConfig `json:"extraction,omitempty" yaml:"extraction,omitempty"`
	Fusion     *FusionConfig     `json:"fusion,omitempty" yaml:"fusion,omitempty"`
	ROIs       *ROIsConfig       `json:"rois,omitempty" yaml:"rois,omitempty"`
}

// Apply merges the patch over a copy of the configuration and validates the
// result. The receiver is never mutated.
func (c *Config) Apply(p Patch) (*Config, error) {
	merged := *c

	if p.Loops != nil {
		merged.Loops = *p.Loops
	}
	if p.Stability != nil {
		merged.Stability = *p.Stability
	}
	if p.Extraction != nil {
		merged.Extraction = *p.Extraction
	}
	if p.Fusion != nil {
		merged.Fusion = *p.Fusion
	}
	if p.ROIs != nil {
		merged.ROIs = *p.ROIs
	}

	if err := Validate(&merged); err != nil {
		return nil, fmt.Errorf("merged configuration invalid: %w", err)
	}
	return &merged, nil
}
