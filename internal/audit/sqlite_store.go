package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore persists audit entries in a SQLite database opened with the
// modernc.org/sqlite driver. Timestamps are stored as Unix nanoseconds so
// ordering is exact.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed audit store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) AppendQuery(ctx context.Context, e *QueryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO query_log (
			id, user_id, prompt, response_type, score_before, score_after,
			tier, rate_signal, similarity_signal, pattern_signal, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Prompt, string(e.ResponseType), e.ScoreBefore, e.ScoreAfter,
		string(e.Tier), e.Signals.Rate, e.Signals.Similarity, e.Signals.Pattern, e.Timestamp.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) AppendThreat(ctx context.Context, e *ThreatEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO threat_log (
			id, user_id, attack_type, ledger_reference, score, tier, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.AttackType, e.LedgerReference, e.Score, string(e.Tier), e.Timestamp.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) AppendAnchor(ctx context.Context, threatID, ref string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO threat_anchors (threat_id, ledger_reference, anchored_at)
		VALUES (?, ?, ?)`,
		threatID, ref, at.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListRecentQueries(ctx context.Context, limit int) ([]*QueryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, prompt, response_type, score_before, score_after,
		       tier, rate_signal, similarity_signal, pattern_signal, created_at
		FROM query_log
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueries(&unixNanoRows{rows: rows, col: 10})
}

func (s *SQLiteStore) ListRecentThreats(ctx context.Context, limit int) ([]*ThreatEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.user_id, t.attack_type,
		       COALESCE(NULLIF(t.ledger_reference, ''), a.ledger_reference, ''),
		       t.score, t.tier, t.created_at
		FROM threat_log t
		LEFT JOIN threat_anchors a ON a.threat_id = t.id
		ORDER BY t.created_at DESC, t.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	return scanThreats(&unixNanoRows{rows: rows, col: 6})
}

// unixNanoRows converts the integer timestamp column at index col into a
// time.Time so the shared scan helpers work unchanged.
type unixNanoRows struct {
	rows *sql.Rows
	col  int
}

func (u *unixNanoRows) Next() bool { return u.rows.Next() }
func (u *unixNanoRows) Err() error { return u.rows.Err() }

func (u *unixNanoRows) Scan(dest ...any) error {
	target, ok := dest[u.col].(*time.Time)
	if !ok {
		return u.rows.Scan(dest...)
	}
	var nanos int64
	dest[u.col] = &nanos
	if err := u.rows.Scan(dest...); err != nil {
		return err
	}
	*target = time.Unix(0, nanos).UTC()
	return nil
}
