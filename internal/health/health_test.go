package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", Static("cache", "ok"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck("postgres", func(context.Context) error { return nil })
	if st := ok(context.Background()); !st.Healthy || st.Name != "postgres" {
		t.Errorf("expected healthy postgres, got %+v", st)
	}

	bad := PingCheck("redis", func(context.Context) error { return errors.New("dial tcp: refused") })
	st := bad(context.Background())
	if st.Healthy {
		t.Error("expected unhealthy redis")
	}
	if st.Detail != "dial tcp: refused" {
		t.Errorf("unexpected detail %q", st.Detail)
	}
}

func TestCheckAll_BoundsSlowChecker(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", PingCheck("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Minute):
			return nil
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	healthy, statuses := r.CheckAll(ctx)
	if healthy {
		t.Error("timed out checker should be unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Errorf("CheckAll took %v", time.Since(start))
	}
	if statuses[0].Name != "slow" {
		t.Errorf("unexpected name %q", statuses[0].Name)
	}
}

func TestCheckAll_FillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "ledger" {
		t.Errorf("expected name ledger, got %q", statuses[0].Name)
	}
}
