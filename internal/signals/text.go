package signals

import (
	"math"
	"strings"
	"unicode/utf8"
)

// Normalize lower-cases s, collapses runs of whitespace to one space and
// truncates to maxRunes runes.
func Normalize(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	if maxRunes > 0 && utf8.RuneCountInString(s) > maxRunes {
		s = string([]rune(s)[:maxRunes])
	}
	return s
}

// Similarity is 1 - levenshtein(a, b)/max(len(a), len(b)) over runes.
// Two empty strings are identical.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// similarityAbove returns the similarity of a and b when it is strictly
// greater than floor, and 0 otherwise. Edit paths that cannot beat floor
// are never explored.
func similarityAbove(a, b []rune, floor float64) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		if floor < 1 {
			return 1
		}
		return 0
	}
	k := int(math.Ceil((1-floor)*float64(longest))) - 1
	if k < 0 {
		return 0
	}
	d := levenshteinWithin(a, b, k)
	if d > k {
		return 0
	}
	s := 1 - float64(d)/float64(longest)
	if s <= floor {
		return 0
	}
	return s
}

func levenshtein(a, b []rune) int {
	return levenshteinWithin(a, b, max(len(a), len(b)))
}

// levenshteinWithin is the two-row edit distance restricted to the
// diagonal band of width k. Any distance above k is reported as k+1, and
// the scan stops as soon as a whole row exceeds k.
func levenshteinWithin(a, b []rune, k int) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(a)-len(b) > k {
		return k + 1
	}
	if len(b) == 0 {
		return len(a)
	}

	outside := len(a) + len(b) + 1
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
		if j > k {
			prev[j] = outside
		}
	}

	for i := 1; i <= len(a); i++ {
		lo, hi := max(1, i-k), min(len(b), i+k)
		if lo == 1 {
			curr[0] = i
		} else {
			curr[lo-1] = outside
		}
		if hi < len(b) {
			curr[hi+1] = outside
		}

		rowMin := curr[lo-1]
		for j := lo; j <= hi; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			rowMin = min(rowMin, curr[j])
		}
		if rowMin > k {
			return k + 1
		}
		prev, curr = curr, prev
	}
	return min(prev[len(b)], k+1)
}
