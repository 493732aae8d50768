package types

import "time"

// Well-known ROI field names. The footer carries set code and collector
// number combined on older card layouts.
const (
	FieldCollectorNumber = "collector_number"
	FieldSetCode         = "set_code"
	FieldTitle           = "title"
	FieldFooter          = "footer"
)

// TextHypothesis is one text reading for one ROI field. Hypotheses are
// ephemeral evidence, never authoritative by themselves.
type TextHypothesis struct {
	Field      string    `json:"field"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Variant    string    `json:"variant"`
	Timestamp  time.Time `json:"timestamp"`
	// Votes counts how many raw readings were folded into this hypothesis
	// by the window's duplicate merge. At least 1.
	Votes int `json:"votes"`
}

// FieldAlternative is a runner-up vote group kept for transparency.
type FieldAlternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Votes      int     `json:"votes"`
}

// FusedField is the per-field voting outcome for one slow-loop tick.
// Recomputed from scratch every tick, never mutated in place.
type FusedField struct {
	Field        string             `json:"field"`
	Text         string             `json:"text"`
	Confidence   float64            `json:"confidence"`
	Votes        int                `json:"votes"`
	TotalVotes   int                `json:"total_votes"`
	Alternatives []FieldAlternative `json:"alternatives,omitempty"`
}

// Era is a coarse classification of a card's expected metadata completeness,
// derived from which fields could be read.
type Era string

const (
	EraModern  Era = "modern"  // set code and collector number both present
	EraMiddle  Era = "middle"  // collector number but no set code
	EraEarly   Era = "early"   // title only
	EraUnknown Era = "unknown"
)

// CardIdentification is a candidate (and eventually committed) answer for
// the physical card currently in front of the camera.
type CardIdentification struct {
	ID              string    `json:"id"`
	SetCode         string    `json:"set_code,omitempty"`
	CollectorNumber string    `json:"collector_number,omitempty"`
	Title           string    `json:"title,omitempty"`
	Era             Era       `json:"era"`
	Confidence      float64   `json:"confidence"`
	Fields          []FusedField `json:"fields,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// SymbolCandidate is an advisory set-code guess from the optional symbol
// classifier collaborator.
type SymbolCandidate struct {
	SetCode    string  `json:"set_code"`
	Confidence float64 `json:"confidence"`
}
