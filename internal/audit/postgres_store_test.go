//go:build integration

package audit

import (
	"testing"

	"github.com/mbd888/sentinelgate/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}
