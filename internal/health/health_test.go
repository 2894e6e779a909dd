package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

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

func TestRegistryOrderAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Ping(fakePinger{}))
	r.Register("escrow_timer", func(context.Context) Status {
		return Status{Name: "ignored", Healthy: false, Detail: "not running"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with a failing checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || !statuses[0].Healthy {
		t.Errorf("unexpected database status %+v", statuses[0])
	}
	if statuses[1].Name != "escrow_timer" || statuses[1].Detail != "not running" {
		t.Errorf("unexpected timer status %+v", statuses[1])
	}
}

func TestChecksRunInParallel(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		r.Register("slow", func(context.Context) Status {
			time.Sleep(50 * time.Millisecond)
			return Status{Healthy: true}
		})
	}

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected healthy")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("checks took %v, expected them to overlap", elapsed)
	}
}

func TestPing(t *testing.T) {
	st := Ping(fakePinger{err: errors.New("connection refused")})(context.Background())
	if st.Healthy {
		t.Fatal("failed ping should be unhealthy")
	}
	if st.Detail != "connection refused" {
		t.Errorf("expected detail 'connection refused', got %q", st.Detail)
	}
}

func TestLoop(t *testing.T) {
	var running, started bool
	check := Loop(func() bool { return running }, func() bool { return started })

	if !check(context.Background()).Healthy {
		t.Error("loop that has not been started yet should be healthy")
	}

	started = true
	if check(context.Background()).Healthy {
		t.Error("started server with a stopped loop should be unhealthy")
	}

	running = true
	if !check(context.Background()).Healthy {
		t.Error("running loop should be healthy")
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
				return Status{Healthy: true}
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
