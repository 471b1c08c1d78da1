package admission

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory user store for development and testing.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*UserState
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*UserState)}
}

func (m *MemoryStore) GetUser(_ context.Context, userID string) (*UserState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

func (m *MemoryStore) UpsertUser(_ context.Context, u *UserState, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if existing, ok := m.users[u.UserID]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	u.Version = expectedVersion + 1
	m.users[u.UserID] = u.Clone()
	return nil
}

func (m *MemoryStore) ListRecentUsers(_ context.Context, limit int) ([]*UserState, error) {
	m.mu.RLock()
	out := make([]*UserState, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
