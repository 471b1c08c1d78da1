package signals

import "strings"

type phrase struct {
	text  string
	words int
}

func compilePhrases(raw []string, maxRunes int) []phrase {
	out := make([]phrase, 0, len(raw))
	for _, r := range raw {
		n := Normalize(r, maxRunes)
		if n == "" {
			continue
		}
		out = append(out, phrase{text: n, words: len(strings.Fields(n))})
	}
	return out
}

// pattern scores norm against the adversarial phrases. A verbatim
// occurrence scores 1. Otherwise every window of the prompt with the same
// word count as a phrase is compared, and the best similarity counts if it
// reaches the near-match threshold.
func (e *Extractor) pattern(norm string) float64 {
	words := strings.Fields(norm)
	best := 0.0

	for _, ph := range e.phrases {
		if strings.Contains(norm, ph.text) {
			return 1
		}
		if len(words) <= ph.words {
			best = max(best, Similarity(norm, ph.text))
			continue
		}
		for i := 0; i+ph.words <= len(words); i++ {
			window := strings.Join(words[i:i+ph.words], " ")
			best = max(best, Similarity(window, ph.text))
		}
	}

	if best >= e.params.Pattern.NearMatch {
		return best
	}
	return 0
}
