// Package signals turns a single request plus the user's recent history
// into three normalized behavioral measurements: request rate, similarity
// to recent prompts and adversarial phrase matching. Each lies in [0,1].
package signals

import (
	"errors"
	"strings"
	"time"

	"github.com/mbd888/sentinelgate/internal/tuning"
)

// ErrInvalidInput is returned for an empty user ID or prompt.
var ErrInvalidInput = errors.New("signals: userId and prompt are required")

// Kind names a signal.
type Kind string

const (
	KindRate       Kind = "rate"
	KindSimilarity Kind = "similarity"
	KindPattern    Kind = "pattern"
)

// AttackType is the threat-log label for a dominant signal.
func (k Kind) AttackType() string {
	switch k {
	case KindRate:
		return "high_frequency"
	case KindSimilarity:
		return "repetitive_probing"
	case KindPattern:
		return "instruction_override"
	default:
		return "elevated_score"
	}
}

// Vector is one request's signal breakdown.
type Vector struct {
	Rate       float64 `json:"rate"`
	Similarity float64 `json:"similarity"`
	Pattern    float64 `json:"pattern"`
}

// Weighted returns the weighted sum of the three signals.
func (v Vector) Weighted(w tuning.Weights) float64 {
	return w.Rate*v.Rate + w.Similarity*v.Similarity + w.Pattern*v.Pattern
}

// Dominant returns the signal with the largest weighted contribution.
// Ties prefer pattern, then similarity, then rate. ok is false when every
// contribution is zero.
func (v Vector) Dominant(w tuning.Weights) (kind Kind, ok bool) {
	best := 0.0
	candidates := []struct {
		kind Kind
		val  float64
	}{
		{KindPattern, w.Pattern * v.Pattern},
		{KindSimilarity, w.Similarity * v.Similarity},
		{KindRate, w.Rate * v.Rate},
	}
	for _, c := range candidates {
		if c.val > best {
			best = c.val
			kind = c.kind
		}
	}
	return kind, best > 0
}

// Prompt is a previously seen prompt and when it arrived.
type Prompt struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Request is the request being scored.
type Request struct {
	UserID  string
	Prompt  string
	Arrival time.Time
}

// History is the per-user state the signals are computed against.
type History struct {
	Prompts      []Prompt
	LastSeen     time.Time // zero for a first request
	RateEstimate float64
}

// Validate rejects requests with a blank user ID or prompt.
func (r Request) Validate() error {
	if strings.TrimSpace(r.UserID) == "" || strings.TrimSpace(r.Prompt) == "" {
		return ErrInvalidInput
	}
	return nil
}

// Extractor computes signal vectors for one parameter snapshot. It is
// safe for concurrent use.
type Extractor struct {
	params  *tuning.Params
	phrases []phrase
}

// NewExtractor prepares an extractor for p.
func NewExtractor(p *tuning.Params) *Extractor {
	return &Extractor{
		params:  p,
		phrases: compilePhrases(p.Pattern.Phrases, p.Similarity.MaxRunes),
	}
}

// Extract computes the signal vector for req. It also returns the rate
// estimate to persist for the next request. It has no side effects.
func (e *Extractor) Extract(req Request, hist History) (Vector, float64, error) {
	if err := req.Validate(); err != nil {
		return Vector{}, 0, err
	}

	rate := e.rate(req.Arrival, hist)
	norm := Normalize(req.Prompt, e.params.Similarity.MaxRunes)

	v := Vector{
		Rate:       rate,
		Similarity: e.similarity(norm, req.Arrival, hist.Prompts),
		Pattern:    e.pattern(norm),
	}
	return v, rate, nil
}

func (e *Extractor) rate(arrival time.Time, hist History) float64 {
	if hist.LastSeen.IsZero() {
		return 0
	}
	rp := e.params.Rate

	gap := arrival.Sub(hist.LastSeen)
	if gap < 0 {
		gap = 0
	}
	burst := clamp(float64(rp.HumanInterval-gap) / float64(rp.HumanInterval-rp.FastInterval))
	return clamp(rp.Smoothing*burst + (1-rp.Smoothing)*hist.RateEstimate)
}

func (e *Extractor) similarity(norm string, arrival time.Time, prompts []Prompt) float64 {
	sp := e.params.Similarity

	// Only a prompt more similar than the best so far can change the
	// result, so each comparison is bounded by the current best.
	cur := []rune(norm)
	best := sp.NoiseFloor
	for _, p := range prompts {
		if arrival.Sub(p.At) > sp.Window {
			continue
		}
		if s := similarityAbove(cur, []rune(Normalize(p.Text, sp.MaxRunes)), best); s > best {
			best = s
		}
	}
	return clamp((best - sp.NoiseFloor) / (1 - sp.NoiseFloor))
}

func clamp(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
