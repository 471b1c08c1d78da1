// Package anchor records threat events on an EVM ThreatLog contract so the
// audit trail has an external, tamper-evident reference for every
// throttle or block decision.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPrivateKey = errors.New("anchor: invalid private key")
	ErrInvalidContract   = errors.New("anchor: invalid contract address")
	ErrRPCConnection     = errors.New("anchor: RPC connection failed")
	ErrReverted          = errors.New("anchor: transaction reverted")
	ErrConfirmTimeout    = errors.New("anchor: confirmation timed out")
)

// SubmitError wraps a failed submission step.
type SubmitError struct {
	Op     string // pack, nonce, gas_price, sign, send
	TxHash string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("anchor: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("anchor: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// ThreatEvent is what gets anchored. The raw user ID never leaves the
// process; only its hash is submitted.
type ThreatEvent struct {
	UserID     string
	AttackType string
	At         time.Time
}

// Submitter anchors threat events and returns an opaque reference.
type Submitter interface {
	Submit(ctx context.Context, ev ThreatEvent) (string, error)
}

// Noop is used when anchoring is not configured. It returns an empty
// reference.
type Noop struct{}

// Submit implements Submitter.
func (Noop) Submit(context.Context, ThreatEvent) (string, error) { return "", nil }

// HashUserID returns the hex SHA-256 of a user ID.
func HashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}
