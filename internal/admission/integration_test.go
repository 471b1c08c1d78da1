//go:build integration

package admission

import (
	"context"
	"os"
	"testing"

	"github.com/mbd888/sentinelgate/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	storeContract(t, func(t *testing.T) UserStore {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	storeContract(t, func(t *testing.T) UserStore {
		ctx := context.Background()
		rdb, err := DialRedis(ctx, url)
		if err != nil {
			t.Fatalf("dial redis: %v", err)
		}
		if err := rdb.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		t.Cleanup(func() { _ = rdb.Close() })
		return NewRedisStore(rdb)
	})
}
