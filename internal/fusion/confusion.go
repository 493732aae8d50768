package fusion

// confusionClass maps characters commonly misread for one another by text
// extraction onto a shared class. Two characters are confusable when they
// share a class.
var confusionClass = map[rune]rune{
	'O': 'O', '0': 'O',
	'I': '1', '1': '1', 'l': '1',
	'S': 'S', '5': 'S',
	'Z': 'Z', '2': 'Z',
	'B': 'B', '8': 'B',
	'G': 'G', '6': 'G',
	'q': '9', '9': '9',
	'/': '7', '7': '7',
}

func confusable(a, b rune) bool {
	if a == b {
		return true
	}
	ca, ok := confusionClass[a]
	if !ok {
		return false
	}
	cb, ok := confusionClass[b]
	if !ok {
		return false
	}
	return ca == cb
}

// sameVote reports whether two extracted strings should count as the same
// vote: equal or near-equal length, every differing position either a
// confusion pair or one of at most one tolerated plain difference. A length
// difference of one consumes the tolerated difference.
func sameVote(a, b string) bool {
	if a == b {
		return true
	}

	ra := []rune(a)
	rb := []rune(b)

	switch {
	case len(ra) == len(rb):
		plain := 0
		for i := range ra {
			if confusable(ra[i], rb[i]) {
				continue
			}
			plain++
			if plain > 1 {
				return false
			}
		}
		return true

	case abs(len(ra)-len(rb)) == 1:
		long, short := ra, rb
		if len(rb) > len(ra) {
			long, short = rb, ra
		}
		// The extra character is the one tolerated difference: some single
		// deletion from the longer string must leave a confusable-equal pair.
		for skip := 0; skip < len(long); skip++ {
			if confusableEqualSkipping(long, short, skip) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// confusableEqualSkipping compares long (minus the rune at skip) against
// short position-wise, allowing only confusion pairs.
func confusableEqualSkipping(long, short []rune, skip int) bool {
	j := 0
	for i := 0; i < len(long); i++ {
		if i == skip {
			continue
		}
		if !confusable(long[i], short[j]) {
			return false
		}
		j++
	}
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
