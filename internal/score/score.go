// Package score applies signal vectors to a user's suspicion score.
//
// Every update adds learningRate times the weighted signal sum, scaled
// down for human-verified users, and clamps the result to [0,1]. Updates
// never lower the score; only Reset does.
package score

import (
	"github.com/mbd888/sentinelgate/internal/signals"
	"github.com/mbd888/sentinelgate/internal/tuning"
)

// Update is the outcome of one scoring pass.
type Update struct {
	Previous float64        `json:"previous"`
	Current  float64        `json:"current"`
	Delta    float64        `json:"delta"`
	Signals  signals.Vector `json:"signals"`
	Dominant signals.Kind   `json:"dominant,omitempty"`
}

// Engine is stateless apart from its parameters.
type Engine struct {
	params *tuning.Params
}

// NewEngine returns an engine for p.
func NewEngine(p *tuning.Params) *Engine {
	return &Engine{params: p}
}

// Update computes the next score from prev and v.
func (e *Engine) Update(prev float64, v signals.Vector, verified bool) Update {
	delta := e.params.LearningRate * v.Weighted(e.params.Weights)
	if verified {
		delta *= e.params.VerifiedDampening
	}
	if delta < 0 {
		delta = 0
	}

	prev = clamp(prev)
	dominant, _ := v.Dominant(e.params.Weights)
	return Update{
		Previous: prev,
		Current:  clamp(prev + delta),
		Delta:    delta,
		Signals:  v,
		Dominant: dominant,
	}
}

// Reset lowers current to floor, used when a user completes human
// verification. It never raises the score.
func Reset(current, floor float64) float64 {
	return min(clamp(current), clamp(floor))
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
