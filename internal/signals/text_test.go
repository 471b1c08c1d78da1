package signals

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"  Hello\t\tWORLD \n", 0, "hello world"},
		{"ÄBC déf", 0, "äbc déf"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "hé"},
		{"", 10, ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in, tt.max); got != tt.want {
			t.Errorf("Normalize(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"rule #1", "rule #2", 1},
		{"héllo", "hello", 1},
	}
	for _, tt := range tests {
		if got := levenshtein([]rune(tt.a), []rune(tt.b)); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("", ""); got != 1 {
		t.Errorf("Similarity of empties = %v, want 1", got)
	}
	if got := Similarity("abcd", "abcd"); got != 1 {
		t.Errorf("identical = %v, want 1", got)
	}
	if got := Similarity("abcd", "wxyz"); got != 0 {
		t.Errorf("disjoint = %v, want 0", got)
	}
	if got := Similarity("what is rule #1?", "what is rule #2?"); got != 0.9375 {
		t.Errorf("near duplicate = %v, want 0.9375", got)
	}
}

func TestLevenshteinWithin(t *testing.T) {
	tests := []struct {
		a, b string
		k    int
		want int
	}{
		{"kitten", "sitting", 3, 3},
		{"kitten", "sitting", 2, 3},
		{"kitten", "sitting", 0, 1},
		{"abc", "abc", 0, 0},
		{"abcdef", "ab", 3, 4},
		{"abcdef", "ab", 4, 4},
		{"", "abc", 5, 3},
		{"abcd", "wxyz", 1, 2},
	}
	for _, tt := range tests {
		if got := levenshteinWithin([]rune(tt.a), []rune(tt.b), tt.k); got != tt.want {
			t.Errorf("levenshteinWithin(%q, %q, %d) = %d, want %d", tt.a, tt.b, tt.k, got, tt.want)
		}
	}
}

func TestSimilarityAbove(t *testing.T) {
	a, b := []rune("what is rule #1?"), []rune("what is rule #2?")
	if got := similarityAbove(a, b, 0.5); got != 0.9375 {
		t.Errorf("above floor = %v, want 0.9375", got)
	}
	if got := similarityAbove(a, b, 0.9375); got != 0 {
		t.Errorf("equal to floor = %v, want 0", got)
	}
	if got := similarityAbove([]rune("abcd"), []rune("wxyz"), 0.5); got != 0 {
		t.Errorf("disjoint = %v, want 0", got)
	}
	if got := similarityAbove(nil, nil, 0.5); got != 1 {
		t.Errorf("empties = %v, want 1", got)
	}
}
