// Package audit is the append-only record of admission decisions: one
// query entry per admitted request and one threat entry per throttle or
// block. Entries are written asynchronously so recording never delays or
// fails a request.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sentinelgate/internal/signals"
	"github.com/mbd888/sentinelgate/internal/tier"
)

// ErrStoreUnavailable wraps backend failures from read operations.
var ErrStoreUnavailable = errors.New("audit: store unavailable")

// ResponseType is what the user was served.
type ResponseType string

const (
	Forwarded ResponseType = "forwarded"
	Throttled ResponseType = "throttled"
	Blocked   ResponseType = "blocked"
)

// ResponseTypeFor maps a tier to the response served for it.
func ResponseTypeFor(t tier.Tier) ResponseType {
	switch t {
	case tier.Block:
		return Blocked
	case tier.Throttle:
		return Throttled
	default:
		return Forwarded
	}
}

// QueryEntry records one request and the decision made for it.
type QueryEntry struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	Prompt       string         `json:"prompt"`
	ResponseType ResponseType   `json:"responseTypeServed"`
	ScoreBefore  float64        `json:"scoreBefore"`
	ScoreAfter   float64        `json:"scoreAfter"`
	Tier         tier.Tier      `json:"tier"`
	Signals      signals.Vector `json:"signals"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ThreatEntry records a throttle or block decision.
type ThreatEntry struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	AttackType      string    `json:"attackType"`
	LedgerReference string    `json:"ledgerReference"`
	Score           float64   `json:"score"`
	Tier            tier.Tier `json:"tier"`
	Timestamp       time.Time `json:"timestamp"`
}

// Store persists audit entries. List methods return newest first.
//
// AppendAnchor records the ledger reference for an already stored threat.
// The first reference recorded for a threat wins; ListRecentThreats reports
// it as the entry's LedgerReference.
type Store interface {
	AppendQuery(ctx context.Context, e *QueryEntry) error
	AppendThreat(ctx context.Context, e *ThreatEntry) error
	AppendAnchor(ctx context.Context, threatID, ledgerReference string, at time.Time) error
	ListRecentQueries(ctx context.Context, limit int) ([]*QueryEntry, error)
	ListRecentThreats(ctx context.Context, limit int) ([]*ThreatEntry, error)
}
