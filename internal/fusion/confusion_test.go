package fusion

import "testing"

// TestSameVote covers the confusion-aware similarity rule.
func TestSameVote(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		// Identical
		{"204", "204", true},
		{"", "", true},

		// Confusion pairs at equal length
		{"204", "2O4", true},
		{"C16", "Cl6", true},
		{"C16", "CI6", true},
		{"EMN", "EMN", true},
		{"S01", "501", true},
		{"Z8", "28", true},
		{"G6", "66", true},
		{"17", "1/", true},

		// One plain difference at equal length is tolerated
		{"EMN", "ENN", true},
		{"204", "209", true},

		// Two plain differences are not
		{"EMN", "ANN", false},
		{"204", "719", false},

		// A plain difference plus a non-confusable pair is two differences
		{"EMA", "ENR", false},

		// Completely different strings never merge
		{"C16", "M20", false},
		{"204", "EMN", false},

		// Length differs by one: the extra rune consumes the tolerance
		{"204", "2045", true},
		{"EMN", "EMNX", true},
		{"204", "04", true},

		// Length differs by one but remaining positions also differ
		{"204", "9995", false},

		// Length differs by more than one
		{"204", "20456", false},
		{"A", "ABC", false},
	}

	for _, tt := range tests {
		if got := sameVote(tt.a, tt.b); got != tt.want {
			t.Errorf("sameVote(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
		// Symmetry
		if got := sameVote(tt.b, tt.a); got != tt.want {
			t.Errorf("sameVote(%q, %q) = %v, want %v (asymmetric)", tt.b, tt.a, got, tt.want)
		}
	}
}

// TestConfusable spot-checks the character classes.
func TestConfusable(t *testing.T) {
	pairs := []struct {
		a, b rune
		want bool
	}{
		{'O', '0', true},
		{'I', 'l', true},
		{'1', 'l', true},
		{'S', '5', true},
		{'Z', '2', true},
		{'B', '8', true},
		{'G', '6', true},
		{'q', '9', true},
		{'/', '7', true},
		{'A', 'A', true},
		{'A', 'B', false},
		{'0', '8', false},
		{'5', '2', false},
	}
	for _, p := range pairs {
		if got := confusable(p.a, p.b); got != p.want {
			t.Errorf("confusable(%q, %q) = %v, want %v", p.a, p.b, got, p.want)
		}
	}
}
