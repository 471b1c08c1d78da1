// Package admission decides, per request, whether a user's prompt is
// forwarded, throttled or blocked. Each decision updates the user's
// suspicion score under a per-user lock and is recorded in the audit trail.
package admission

import (
	"errors"
	"time"

	"github.com/mbd888/sentinelgate/internal/score"
	"github.com/mbd888/sentinelgate/internal/signals"
	"github.com/mbd888/sentinelgate/internal/tier"
)

var (
	ErrStorageUnavailable    = errors.New("admission: storage unavailable")
	ErrDownstreamUnavailable = errors.New("admission: downstream unavailable")
	ErrUserNotFound          = errors.New("admission: user not found")
	ErrVersionConflict       = errors.New("admission: version conflict")
)

// Rejection reasons returned to the caller. They never disclose the score.
const (
	ReasonBlocked   = "Access Forbidden: Account flagged for malicious activity."
	ReasonThrottled = "Too many requests: Human verification required."
)

// UserState is the persisted per-user scoring state.
type UserState struct {
	UserID          string           `json:"userId"`
	SuspicionScore  float64          `json:"suspicionScore"`
	IsHumanVerified bool             `json:"isHumanVerified"`
	RateEstimate    float64          `json:"rateEstimate"`
	RecentPrompts   []signals.Prompt `json:"recentPrompts"`
	LastSeen        time.Time        `json:"lastSeen"`
	CreatedAt       time.Time        `json:"createdAt"`
	VerifiedAt      *time.Time       `json:"verifiedAt,omitempty"`
	Version         int64            `json:"version"`
}

// Clone returns a deep copy.
func (u *UserState) Clone() *UserState {
	c := *u
	c.RecentPrompts = append([]signals.Prompt(nil), u.RecentPrompts...)
	if u.VerifiedAt != nil {
		v := *u.VerifiedAt
		c.VerifiedAt = &v
	}
	return &c
}

func (u *UserState) history() signals.History {
	return signals.History{
		Prompts:      u.RecentPrompts,
		LastSeen:     u.LastSeen,
		RateEstimate: u.RateEstimate,
	}
}

// remember appends p and evicts the oldest prompts beyond max.
func (u *UserState) remember(p signals.Prompt, max int) {
	u.RecentPrompts = append(u.RecentPrompts, p)
	if n := len(u.RecentPrompts); n > max {
		u.RecentPrompts = append([]signals.Prompt(nil), u.RecentPrompts[n-max:]...)
	}
	if p.At.After(u.LastSeen) {
		u.LastSeen = p.At
	}
}

func newUser(userID string, now time.Time) *UserState {
	return &UserState{
		UserID:        userID,
		RecentPrompts: []signals.Prompt{},
		CreatedAt:     now,
	}
}

// Result is the outcome of one admission.
type Result struct {
	Tier       tier.Tier    `json:"tier"`
	Reason     string       `json:"reason,omitempty"`
	Response   string       `json:"response,omitempty"`
	AttackType string       `json:"attackType,omitempty"`
	Update     score.Update `json:"-"`
}
