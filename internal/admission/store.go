package admission

import "context"

// UserStore persists user state.
//
// UpsertUser writes u only if the stored version equals expectedVersion
// (0 for a user that has never been stored) and otherwise returns
// ErrVersionConflict. On success u.Version is set to the new version.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*UserState, error)
	UpsertUser(ctx context.Context, u *UserState, expectedVersion int64) error
	ListRecentUsers(ctx context.Context, limit int) ([]*UserState, error)
}
