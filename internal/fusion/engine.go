// Package fusion implements the slow-loop temporal fusion engine:
// confusion-aware voting across the hypothesis window, candidate assembly
// and the tiered commit policy.
package fusion

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haidar-ali/card-scanner/internal/config"
	"github.com/haidar-ali/card-scanner/internal/types"
)

const (
	maxAlternatives = 2

	// symbolBoostFloor is the minimum classifier confidence for the ×1.1 boost.
	symbolBoostFloor = 0.7

	bothFieldsBoost = 1.2
	symbolBoost     = 1.1

	// repeatRuns is how many identical successive identifications commit a
	// noisy read on their own.
	repeatRuns = 3
)

// Result is the outcome of one slow-loop fusion tick.
type Result struct {
	// Fields are the per-field voting outcomes, sorted by field name.
	Fields []types.FusedField
	// Identification is the assembled candidate, nil when no field produced
	// a usable value this tick.
	Identification *types.CardIdentification
	// Committed reports whether the identification passed the commit policy
	// this tick. Committing is one-way; the caller must reset the
	// hypothesis window.
	Committed bool
}

// Engine fuses hypothesis windows into committed card identifications.
type Engine struct {
	cfg config.FusionConfig
	now func() time.Time

	mu           sync.Mutex
	lastCommitAt time.Time
	haveCommit   bool
	recentRuns   []string // signatures of successive candidates, newest last
	history      []types.CardIdentification
}

// NewEngine creates a fusion engine with the wall clock.
func NewEngine(cfg config.FusionConfig) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// SetNow overrides the clock, for deterministic commit/cooldown tests.
func (e *Engine) SetNow(now func() time.Time) {
	e.now = now
}

// Reset clears all fusion state for a fresh pipeline start.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastCommitAt = time.Time{}
	e.haveCommit = false
	e.recentRuns = nil
	e.history = nil
}

// Fuse runs one fusion tick over a hypothesis window snapshot. symbol is the
// optional advisory set-symbol candidate, nil when absent.
//
// Fusion is a pure recomputation: an unchanged window yields an identical
// field snapshot. A window with no hypotheses is a no-op tick.
func (e *Engine) Fuse(window map[string][]types.TextHypothesis, symbol *types.SymbolCandidate) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	fields := FuseFields(window, now.Add(-time.Duration(e.cfg.WindowMs)*time.Millisecond))
	if len(fields) == 0 {
		return Result{}
	}

	ident := e.assemble(fields, symbol, now)
	if ident == nil {
		return Result{Fields: fields}
	}

	e.pushRun(ident)

	res := Result{Fields: fields, Identification: ident}
	if e.cfg.AutoCommitEnabled() && e.cooldownElapsed(now) && e.policySatisfied(fields, ident) {
		e.commit(*ident, now)
		res.Committed = true
	}
	return res
}

// ManualCommit commits whatever the current window assembles, bypassing the
// commit policy and cooldown but not candidate assembly. Returns false when
// the window yields no identification.
func (e *Engine) ManualCommit(window map[string][]types.TextHypothesis, symbol *types.SymbolCandidate) (types.CardIdentification, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	fields := FuseFields(window, now.Add(-time.Duration(e.cfg.WindowMs)*time.Millisecond))
	ident := e.assemble(fields, symbol, now)
	if ident == nil {
		return types.CardIdentification{}, false
	}

	e.commit(*ident, now)
	return *ident, true
}

// History returns a copy of the committed identifications, oldest first.
func (e *Engine) History() []types.CardIdentification {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.CardIdentification, len(e.history))
	copy(out, e.history)
	return out
}

// CommitCount returns how many identifications have been committed.
func (e *Engine) CommitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

func (e *Engine) cooldownElapsed(now time.Time) bool {
	if !e.haveCommit {
		return true
	}
	return now.Sub(e.lastCommitAt) >= time.Duration(e.cfg.CommitCooldownMs)*time.Millisecond
}

// policySatisfied checks the tiered commit policy: a clean fast read, strong
// consensus on a noisy one, or stability across repeated candidates.
func (e *Engine) policySatisfied(fields []types.FusedField, ident *types.CardIdentification) bool {
	// Fast path: high confidence with both key fields present
	if ident.Confidence >= e.cfg.CommitConfidence &&
		ident.SetCode != "" && ident.CollectorNumber != "" {
		return true
	}

	// Strong consensus: every field in play is well supported
	consensus := true
	for _, f := range fields {
		if f.Votes < e.cfg.MinVotes || f.Confidence < e.cfg.ConsensusConfidence {
			consensus = false
			break
		}
	}
	if consensus {
		return true
	}

	// Stability across repeats: the same answer keeps coming back
	if len(e.recentRuns) >= repeatRuns {
		last := e.recentRuns[len(e.recentRuns)-1]
		if last != "" {
			same := true
			for _, sig := range e.recentRuns[len(e.recentRuns)-repeatRuns:] {
				if sig != last {
					same = false
					break
				}
			}
			if same {
				return true
			}
		}
	}

	return false
}

func (e *Engine) pushRun(ident *types.CardIdentification) {
	sig := ""
	if ident.SetCode != "" && ident.CollectorNumber != "" {
		sig = ident.SetCode + "|" + ident.CollectorNumber
	}
	e.recentRuns = append(e.recentRuns, sig)
	if len(e.recentRuns) > repeatRuns {
		e.recentRuns = e.recentRuns[len(e.recentRuns)-repeatRuns:]
	}
}

func (e *Engine) commit(ident types.CardIdentification, now time.Time) {
	e.history = append(e.history, ident)
	e.lastCommitAt = now
	e.haveCommit = true
	e.recentRuns = nil
}

// assemble builds a candidate identification from the fused fields, falling
// back to parsing the combined footer when the dedicated fields are empty.
// Partial fields still produce an identification, just with lower
// confidence.
func (e *Engine) assemble(fields []types.FusedField, symbol *types.SymbolCandidate, now time.Time) *types.CardIdentification {
	byName := make(map[string]types.FusedField, len(fields))
	for _, f := range fields {
		byName[f.Field] = f
	}

	var contributing []float64

	setCode := ""
	if f, ok := byName[types.FieldSetCode]; ok {
		setCode = normalizeSetCode(f.Text)
		if setCode != "" {
			contributing = append(contributing, f.Confidence)
		}
	}

	number := ""
	if f, ok := byName[types.FieldCollectorNumber]; ok {
		number = normalizeCollectorNumber(f.Text)
		if number != "" {
			contributing = append(contributing, f.Confidence)
		}
	}

	if footer, ok := byName[types.FieldFooter]; ok && (setCode == "" || number == "") {
		fSet, fNum := parseFooter(footer.Text)
		if setCode == "" && fSet != "" {
			setCode = fSet
			contributing = append(contributing, footer.Confidence)
		}
		if number == "" && fNum != "" {
			number = fNum
			if setCode != fSet || fSet == "" {
				contributing = append(contributing, footer.Confidence)
			}
		}
	}

	title := ""
	if f, ok := byName[types.FieldTitle]; ok {
		title = f.Text
		contributing = append(contributing, f.Confidence)
	}

	if setCode == "" && number == "" && title == "" {
		return nil
	}

	confidence := mean(contributing)
	if setCode != "" && number != "" {
		confidence *= bothFieldsBoost
	}
	if e.cfg.SymbolBoost && symbol != nil && symbol.Confidence >= symbolBoostFloor {
		confidence *= symbolBoost
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	return &types.CardIdentification{
		ID:              uuid.NewString(),
		SetCode:         setCode,
		CollectorNumber: number,
		Title:           title,
		Era:             classifyEra(setCode, number, title),
		Confidence:      confidence,
		Fields:          fields,
		Timestamp:       now,
	}
}

// classifyEra derives the card era from which fields could be read. Modern
// layouts carry both a set code and collector number, middle-era ones only a
// collector number, the earliest only a title.
func classifyEra(setCode, number, title string) types.Era {
	switch {
	case setCode != "" && number != "":
		return types.EraModern
	case number != "":
		return types.EraMiddle
	case title != "":
		return types.EraEarly
	default:
		return types.EraUnknown
	}
}

var (
	footerNumberPattern = regexp.MustCompile(`(\d{1,4}[a-z]?)\s*/\s*\d{1,4}|(?:^|\s)(\d{1,4}[a-z]?)(?:\s|$)`)
	footerSetPattern    = regexp.MustCompile(`(?:^|\s)([A-Z][A-Z0-9]{1,4})(?:\s|$)`)
	setCodePattern      = regexp.MustCompile(`^[A-Z0-9]{2,5}$`)
	numberPattern       = regexp.MustCompile(`^\d{1,4}[a-z]?$`)
)

// parseFooter pulls a set code and collector number out of a combined footer
// line such as "204/205 EMN".
func parseFooter(text string) (setCode, number string) {
	if m := footerNumberPattern.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			number = m[1]
		} else {
			number = m[2]
		}
	}
	if m := footerSetPattern.FindStringSubmatch(strings.ToUpper(text)); m != nil {
		setCode = m[1]
	}
	return setCode, number
}

func normalizeSetCode(text string) string {
	code := strings.ToUpper(strings.TrimSpace(text))
	if !setCodePattern.MatchString(code) {
		return ""
	}
	return code
}

func normalizeCollectorNumber(text string) string {
	num := strings.TrimSpace(text)
	// Accept "204/205" by keeping the card's own number
	if idx := strings.IndexByte(num, '/'); idx > 0 {
		num = strings.TrimSpace(num[:idx])
	}
	if !numberPattern.MatchString(num) {
		return ""
	}
	return num
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
