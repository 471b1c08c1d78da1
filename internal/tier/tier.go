// Package tier maps a suspicion score to an admission tier.
package tier

import "github.com/mbd888/sentinelgate/internal/tuning"

// Tier is the admission decision for a score.
type Tier string

const (
	Allow    Tier = "ALLOW"
	Throttle Tier = "THROTTLE"
	Block    Tier = "BLOCK"
)

// Rejected reports whether requests in t are refused.
func (t Tier) Rejected() bool {
	return t == Throttle || t == Block
}

// Classifier holds the two thresholds.
type Classifier struct {
	throttle float64
	block    float64
}

// NewClassifier returns a classifier using p's thresholds.
func NewClassifier(p *tuning.Params) Classifier {
	return Classifier{throttle: p.ThrottleThreshold, block: p.BlockThreshold}
}

// Classify checks the block threshold first; a score equal to a threshold
// belongs to the stricter tier.
func (c Classifier) Classify(score float64) Tier {
	switch {
	case score >= c.block:
		return Block
	case score >= c.throttle:
		return Throttle
	default:
		return Allow
	}
}
