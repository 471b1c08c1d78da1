package admission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sentinelgate/internal/signals"
)

// PostgresStore persists user state in PostgreSQL. Recent prompts are
// stored as a JSONB array.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `user_id, suspicion_score, is_human_verified, rate_estimate,
	recent_prompts, last_seen, created_at, verified_at, version`

func (p *PostgresStore) GetUser(ctx context.Context, userID string) (*UserState, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)

	u, err := scanPostgresUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return u, nil
}

func (p *PostgresStore) UpsertUser(ctx context.Context, u *UserState, expectedVersion int64) error {
	prompts, err := encodePrompts(u.RecentPrompts)
	if err != nil {
		return err
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = p.db.ExecContext(ctx, `
			INSERT INTO users (
				user_id, suspicion_score, is_human_verified, rate_estimate,
				recent_prompts, last_seen, created_at, verified_at, version
			) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, 1)
			ON CONFLICT (user_id) DO NOTHING`,
			u.UserID, u.SuspicionScore, u.IsHumanVerified, u.RateEstimate,
			prompts, u.LastSeen, u.CreatedAt, nullTime(u.VerifiedAt),
		)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE users SET
				suspicion_score = $2,
				is_human_verified = $3,
				rate_estimate = $4,
				recent_prompts = $5::jsonb,
				last_seen = $6,
				verified_at = $7,
				version = version + 1
			WHERE user_id = $1 AND version = $8`,
			u.UserID, u.SuspicionScore, u.IsHumanVerified, u.RateEstimate,
			prompts, u.LastSeen, nullTime(u.VerifiedAt), expectedVersion,
		)
	}
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	u.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListRecentUsers(ctx context.Context, limit int) ([]*UserState, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY last_seen DESC, user_id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*UserState
	for rows.Next() {
		u, err := scanPostgresUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresUser(row rowScanner) (*UserState, error) {
	var (
		u        UserState
		prompts  []byte
		verified sql.NullTime
	)
	err := row.Scan(
		&u.UserID, &u.SuspicionScore, &u.IsHumanVerified, &u.RateEstimate,
		&prompts, &u.LastSeen, &u.CreatedAt, &verified, &u.Version,
	)
	if err != nil {
		return nil, err
	}
	if u.RecentPrompts, err = decodePrompts(prompts); err != nil {
		return nil, err
	}
	if verified.Valid {
		t := verified.Time
		u.VerifiedAt = &t
	}
	return &u, nil
}

func encodePrompts(prompts []signals.Prompt) (string, error) {
	if prompts == nil {
		prompts = []signals.Prompt{}
	}
	data, err := json.Marshal(prompts)
	if err != nil {
		return "", fmt.Errorf("admission: encode prompts: %w", err)
	}
	return string(data), nil
}

func decodePrompts(data []byte) ([]signals.Prompt, error) {
	prompts := []signals.Prompt{}
	if len(data) == 0 {
		return prompts, nil
	}
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("admission: decode prompts: %w", err)
	}
	return prompts, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
