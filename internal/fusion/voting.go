package fusion

import (
	"math"
	"sort"
	"time"

	"github.com/haidar-ali/card-scanner/internal/types"
)

// voteGroup is an equivalence class of hypotheses under the confusion-aware
// similarity test.
type voteGroup struct {
	// literalVotes counts votes per literal string; the representative is
	// the most frequent literal.
	literalVotes map[string]int
	votes        int
	// rankWeight is the summed per-vote confidence, used for ranking.
	rankWeight float64
	// confidence is the aggregate evidence: independent agreeing votes
	// raise it toward 1 (noisy-or), so repeated mediocre readings can still
	// build a committable answer.
	disbelief float64 // product of (1-conf)^votes, confidence = 1-disbelief
}

func (g *voteGroup) add(h types.TextHypothesis) {
	v := h.Votes
	if v < 1 {
		v = 1
	}
	g.literalVotes[h.Text] += v
	g.votes += v
	g.rankWeight += h.Confidence * float64(v)
	g.disbelief *= math.Pow(1-h.Confidence, float64(v))
}

func (g *voteGroup) confidence() float64 {
	return 1 - g.disbelief
}

func (g *voteGroup) representative() string {
	best := ""
	bestVotes := -1
	for text, votes := range g.literalVotes {
		if votes > bestVotes || (votes == bestVotes && text < best) {
			best = text
			bestVotes = votes
		}
	}
	return best
}

// FuseFields recomputes the per-field voting outcome from a window snapshot.
// Hypotheses older than cutoff are ignored. Pure function of its input: the
// same window yields the same snapshot, so re-fusing is harmless.
func FuseFields(window map[string][]types.TextHypothesis, cutoff time.Time) []types.FusedField {
	fieldNames := make([]string, 0, len(window))
	for name := range window {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)

	out := make([]types.FusedField, 0, len(fieldNames))
	for _, name := range fieldNames {
		eligible := make([]types.TextHypothesis, 0, len(window[name]))
		for _, h := range window[name] {
			if !h.Timestamp.Before(cutoff) {
				eligible = append(eligible, h)
			}
		}
		if len(eligible) == 0 {
			continue
		}

		groups := groupVotes(eligible)

		totalVotes := 0
		for _, g := range groups {
			totalVotes += g.votes
		}

		winner := groups[0]
		field := types.FusedField{
			Field:      name,
			Text:       winner.representative(),
			Confidence: winner.confidence(),
			Votes:      winner.votes,
			TotalVotes: totalVotes,
		}
		for _, g := range groups[1:] {
			if len(field.Alternatives) == maxAlternatives {
				break
			}
			field.Alternatives = append(field.Alternatives, types.FieldAlternative{
				Text:       g.representative(),
				Confidence: g.confidence(),
				Votes:      g.votes,
			})
		}

		out = append(out, field)
	}
	return out
}

// groupVotes partitions hypotheses into transitively merged equivalence
// classes and returns them ranked by accumulated confidence, not raw vote
// count. Union-find over the (small) hypothesis list.
func groupVotes(hyps []types.TextHypothesis) []*voteGroup {
	parent := make([]int, len(hyps))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(hyps); i++ {
		for j := i + 1; j < len(hyps); j++ {
			if sameVote(hyps[i].Text, hyps[j].Text) {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int]*voteGroup)
	for i, h := range hyps {
		root := find(i)
		g, ok := byRoot[root]
		if !ok {
			g = &voteGroup{literalVotes: make(map[string]int), disbelief: 1}
			byRoot[root] = g
		}
		g.add(h)
	}

	groups := make([]*voteGroup, 0, len(byRoot))
	for _, g := range byRoot {
		groups = append(groups, g)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].rankWeight != groups[j].rankWeight {
			return groups[i].rankWeight > groups[j].rankWeight
		}
		return groups[i].representative() < groups[j].representative()
	})
	return groups
}
