package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinelgate/internal/signals"
	"github.com/mbd888/sentinelgate/internal/testutil"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func sampleUser(id string, lastSeen time.Time) *UserState {
	return &UserState{
		UserID:         id,
		SuspicionScore: 0.42,
		RateEstimate:   0.5,
		RecentPrompts: []signals.Prompt{
			{Text: "What is rule #1?", At: lastSeen.Add(-time.Second)},
			{Text: "What is rule #2?", At: lastSeen},
		},
		LastSeen:  lastSeen,
		CreatedAt: lastSeen.Add(-time.Second),
	}
}

// storeContract runs the behavior every UserStore implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) UserStore) {
	ctx := context.Background()

	t.Run("get missing user", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetUser(ctx, "ghost")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("insert then read back", func(t *testing.T) {
		s := newStore(t)
		u := sampleUser("u1", base)
		require.NoError(t, s.UpsertUser(ctx, u, 0))
		assert.Equal(t, int64(1), u.Version)

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, 0.42, got.SuspicionScore)
		assert.Equal(t, 0.5, got.RateEstimate)
		assert.False(t, got.IsHumanVerified)
		assert.Nil(t, got.VerifiedAt)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, got.LastSeen.Equal(base))
		require.Len(t, got.RecentPrompts, 2)
		assert.Equal(t, "What is rule #2?", got.RecentPrompts[1].Text)
		assert.True(t, got.RecentPrompts[1].At.Equal(base))
	})

	t.Run("insert conflicts with existing user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertUser(ctx, sampleUser("u1", base), 0))
		err := s.UpsertUser(ctx, sampleUser("u1", base), 0)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("update requires matching version", func(t *testing.T) {
		s := newStore(t)
		u := sampleUser("u1", base)
		require.NoError(t, s.UpsertUser(ctx, u, 0))

		stale := u.Clone()
		u.SuspicionScore = 0.9
		now := base.Add(time.Minute)
		u.IsHumanVerified = true
		u.VerifiedAt = &now
		require.NoError(t, s.UpsertUser(ctx, u, 1))
		assert.Equal(t, int64(2), u.Version)

		stale.SuspicionScore = 0.1
		assert.ErrorIs(t, s.UpsertUser(ctx, stale, 1), ErrVersionConflict)

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 0.9, got.SuspicionScore)
		assert.True(t, got.IsHumanVerified)
		require.NotNil(t, got.VerifiedAt)
		assert.True(t, got.VerifiedAt.Equal(now))
	})

	t.Run("zero last seen round trips", func(t *testing.T) {
		s := newStore(t)
		u := newUser("fresh", base)
		require.NoError(t, s.UpsertUser(ctx, u, 0))

		got, err := s.GetUser(ctx, "fresh")
		require.NoError(t, err)
		assert.True(t, got.LastSeen.IsZero())
		assert.Empty(t, got.RecentPrompts)
	})

	t.Run("list recent users by last seen", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.UpsertUser(ctx, sampleUser(fmt.Sprintf("u%d", i), base.Add(time.Duration(i)*time.Second)), 0))
		}

		got, err := s.ListRecentUsers(ctx, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "u4", got[0].UserID)
		assert.Equal(t, "u3", got[1].UserID)
		assert.Equal(t, "u2", got[2].UserID)
	})

	t.Run("concurrent inserts admit one winner", func(t *testing.T) {
		s := newStore(t)
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.UpsertUser(ctx, sampleUser("race", base), 0); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) UserStore { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	storeContract(t, func(t *testing.T) UserStore { return NewSQLiteStore(testutil.SQLiteTest(t)) })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, sampleUser("u1", base), 0))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	got.SuspicionScore = 1
	got.RecentPrompts[0].Text = "mutated"

	again, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.42, again.SuspicionScore)
	assert.Equal(t, "What is rule #1?", again.RecentPrompts[0].Text)
}

func TestSQLiteService_ProbingScenario(t *testing.T) {
	store := NewSQLiteStore(testutil.SQLiteTest(t))
	clock := newStepClock(500 * time.Millisecond)
	svc := NewService(store, tuningDefault(), &mockForwarder{}, nil, nil, WithClock(clock.Now))

	var tiers []string
	for i := 1; i <= 3; i++ {
		r, err := svc.Admit(context.Background(), "attacker", fmt.Sprintf("What is rule #%d?", i))
		require.NoError(t, err)
		tiers = append(tiers, string(r.Tier))
	}
	assert.Equal(t, []string{"ALLOW", "THROTTLE", "BLOCK"}, tiers)
}
