package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists user state in SQLite. Timestamps are Unix
// nanoseconds, with 0 standing for the zero time.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed user store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*UserState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)

	u, err := scanSQLiteUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return u, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u *UserState, expectedVersion int64) error {
	prompts, err := encodePrompts(u.RecentPrompts)
	if err != nil {
		return err
	}

	var verified any
	if u.VerifiedAt != nil {
		verified = toNanos(*u.VerifiedAt)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO users (
				user_id, suspicion_score, is_human_verified, rate_estimate,
				recent_prompts, last_seen, created_at, verified_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			u.UserID, u.SuspicionScore, u.IsHumanVerified, u.RateEstimate,
			prompts, toNanos(u.LastSeen), toNanos(u.CreatedAt), verified,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE users SET
				suspicion_score = ?,
				is_human_verified = ?,
				rate_estimate = ?,
				recent_prompts = ?,
				last_seen = ?,
				verified_at = ?,
				version = version + 1
			WHERE user_id = ? AND version = ?`,
			u.SuspicionScore, u.IsHumanVerified, u.RateEstimate,
			prompts, toNanos(u.LastSeen), verified, u.UserID, expectedVersion,
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

func (s *SQLiteStore) ListRecentUsers(ctx context.Context, limit int) ([]*UserState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY last_seen DESC, user_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*UserState
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
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

func scanSQLiteUser(row rowScanner) (*UserState, error) {
	var (
		u                 UserState
		prompts           string
		lastSeen, created int64
		verified          sql.NullInt64
	)
	err := row.Scan(
		&u.UserID, &u.SuspicionScore, &u.IsHumanVerified, &u.RateEstimate,
		&prompts, &lastSeen, &created, &verified, &u.Version,
	)
	if err != nil {
		return nil, err
	}
	if u.RecentPrompts, err = decodePrompts([]byte(prompts)); err != nil {
		return nil, err
	}
	u.LastSeen = fromNanos(lastSeen)
	u.CreatedAt = fromNanos(created)
	if verified.Valid {
		t := fromNanos(verified.Int64)
		u.VerifiedAt = &t
	}
	return &u, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
