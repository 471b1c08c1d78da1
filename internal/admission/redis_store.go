package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sentinelgate/internal/signals"
)

const (
	userKeyPrefix = "sentinel:user:"
	lastSeenIndex = "sentinel:users:last_seen"
)

// RedisStore keeps each user as a JSON document and indexes users by
// last-seen time in a sorted set. Upserts are compare-and-swap on the
// document's version using WATCH/MULTI.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("admission: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func (r *RedisStore) GetUser(ctx context.Context, userID string) (*UserState, error) {
	data, err := r.rdb.Get(ctx, userKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return decodeUser(data)
}

func (r *RedisStore) UpsertUser(ctx context.Context, u *UserState, expectedVersion int64) error {
	key := userKeyPrefix + u.UserID

	next := u.Clone()
	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("admission: encode user: %w", err)
	}

	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			stored, err := decodeUser(raw)
			if err != nil {
				return err
			}
			current = stored.Version
		}
		if current != expectedVersion {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, lastSeenIndex, redis.Z{
				Score:  float64(toNanos(next.LastSeen)),
				Member: next.UserID,
			})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}

	u.Version = next.Version
	return nil
}

func (r *RedisStore) ListRecentUsers(ctx context.Context, limit int) ([]*UserState, error) {
	ids, err := r.rdb.ZRevRange(ctx, lastSeenIndex, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userKeyPrefix + id
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	out := make([]*UserState, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // index entry without a document
		}
		u, err := decodeUser([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func decodeUser(data []byte) (*UserState, error) {
	var u UserState
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: decode user: %v", ErrStorageUnavailable, err)
	}
	if u.RecentPrompts == nil {
		u.RecentPrompts = []signals.Prompt{}
	}
	return &u, nil
}
