package health

import (
	"context"
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
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("outbox_relay", func(_ context.Context) Status {
		return Status{Name: "outbox_relay", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "outbox_relay" {
		t.Fatalf("expected registration order, got %q, %q", statuses[0].Name, statuses[1].Name)
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("kafka", func(_ context.Context) Status {
		return Status{Name: "kafka", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryChecksRunConcurrently(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		r.Register("slow", func(_ context.Context) Status {
			time.Sleep(50 * time.Millisecond)
			return Status{Healthy: true}
		})
	}

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected healthy")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("checks ran serially: %v", elapsed)
	}
	for _, s := range statuses {
		if s.Name != "slow" {
			t.Errorf("expected registered name to fill blank status name, got %q", s.Name)
		}
		if s.LatencyMS < 40 {
			t.Errorf("expected latency to be recorded, got %dms", s.LatencyMS)
		}
	}
}

func TestRegistryPanickingChecker(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(_ context.Context) Status {
		panic("nil pool")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("panicking checker should be unhealthy")
	}
	if statuses[0].Name != "broken" || statuses[0].Detail == "" {
		t.Fatalf("unexpected status %+v", statuses[0])
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
