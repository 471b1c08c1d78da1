package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/sentinelgate/internal/tier"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) AppendQuery(ctx context.Context, e *QueryEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO query_log (
			id, user_id, prompt, response_type, score_before, score_after,
			tier, rate_signal, similarity_signal, pattern_signal, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.UserID, e.Prompt, string(e.ResponseType), e.ScoreBefore, e.ScoreAfter,
		string(e.Tier), e.Signals.Rate, e.Signals.Similarity, e.Signals.Pattern, e.Timestamp,
	)
	return err
}

func (p *PostgresStore) AppendThreat(ctx context.Context, e *ThreatEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO threat_log (
			id, user_id, attack_type, ledger_reference, score, tier, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.UserID, e.AttackType, e.LedgerReference, e.Score, string(e.Tier), e.Timestamp,
	)
	return err
}

func (p *PostgresStore) AppendAnchor(ctx context.Context, threatID, ref string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO threat_anchors (threat_id, ledger_reference, anchored_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (threat_id) DO NOTHING`,
		threatID, ref, at,
	)
	return err
}

func (p *PostgresStore) ListRecentQueries(ctx context.Context, limit int) ([]*QueryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, prompt, response_type, score_before, score_after,
		       tier, rate_signal, similarity_signal, pattern_signal, created_at
		FROM query_log
		ORDER BY created_at DESC, seq DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueries(rows)
}

func (p *PostgresStore) ListRecentThreats(ctx context.Context, limit int) ([]*ThreatEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.user_id, t.attack_type,
		       COALESCE(NULLIF(t.ledger_reference, ''), a.ledger_reference, ''),
		       t.score, t.tier, t.created_at
		FROM threat_log t
		LEFT JOIN threat_anchors a ON a.threat_id = t.id
		ORDER BY t.created_at DESC, t.seq DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	return scanThreats(rows)
}

// scanner is satisfied by *sql.Rows.
type scanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanQueries(rows scanner) ([]*QueryEntry, error) {
	var result []*QueryEntry
	for rows.Next() {
		var (
			e        QueryEntry
			respType string
			tierName string
		)
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Prompt, &respType, &e.ScoreBefore, &e.ScoreAfter,
			&tierName, &e.Signals.Rate, &e.Signals.Similarity, &e.Signals.Pattern, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.ResponseType = ResponseType(respType)
		e.Tier = tier.Tier(tierName)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func scanThreats(rows scanner) ([]*ThreatEntry, error) {
	var result []*ThreatEntry
	for rows.Next() {
		var (
			e        ThreatEntry
			tierName string
		)
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.AttackType, &e.LedgerReference, &e.Score, &tierName, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Tier = tier.Tier(tierName)
		result = append(result, &e)
	}
	return result, rows.Err()
}
