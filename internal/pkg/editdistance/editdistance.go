// Package editdistance implements Levenshtein distance over runes and the
// length-dependent tolerance used for fuzzy tag lookup.
package editdistance

// Distance returns the minimum number of single-rune insertions, deletions
// and substitutions that turn a into b.
func Distance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Tolerance returns the largest distance accepted for a candidate of the
// given rune length. Short tokens must match exactly.
func Tolerance(length int) int {
	switch {
	case length < 4:
		return 0
	case length < 8:
		return 2
	default:
		return 3
	}
}

// Within reports the distance between a and b when it does not exceed max.
// Pairs whose rune lengths differ by more than max are rejected without
// running the DP.
func Within(a, b string, max int) (int, bool) {
	if max < 0 {
		return 0, false
	}
	diff := runeLen(a) - runeLen(b)
	if diff < 0 {
		diff = -diff
	}
	if diff > max {
		return 0, false
	}
	d := Distance(a, b)
	if d > max {
		return d, false
	}
	return d, true
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
