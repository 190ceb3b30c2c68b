package counters

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestIncrAndGet(t *testing.T) {
	r := New()

	r.Incr("session.setup")
	r.Incr("session.setup")
	r.IncrBy("bulk_run.local", 3)

	if got := r.Get("session.setup"); got != 2 {
		t.Errorf("session.setup = %d", got)
	}
	if got := r.Get("bulk_run.local"); got != 3 {
		t.Errorf("bulk_run.local = %d", got)
	}
	if got := r.Get("never.touched"); got != 0 {
		t.Errorf("untouched counter = %d", got)
	}
}

func TestSet(t *testing.T) {
	r := New()
	r.Set("sessions", 42)
	if got := r.Get("sessions"); got != 42 {
		t.Errorf("sessions = %d", got)
	}
	r.Set("sessions", 7)
	if got := r.Get("sessions"); got != 7 {
		t.Errorf("sessions after reset = %d", got)
	}
}

func TestRegisterPublishesZero(t *testing.T) {
	r := New()
	r.Register("bulk_run.remote")

	snap := r.Snapshot()
	if v, ok := snap["bulk_run.remote"]; !ok || v != 0 {
		t.Errorf("registered counter missing from snapshot: %v", snap)
	}
}

func TestConcurrentIncr(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Incr("hot")
			}
		}()
	}
	wg.Wait()

	if got := r.Get("hot"); got != 5000 {
		t.Errorf("hot = %d, want 5000", got)
	}
}

func TestCollector(t *testing.T) {
	r := New()
	r.Incr("error.CONNECTION_ERROR")
	r.Set("sessions", 4)

	reg := prometheus.NewRegistry()
	if err := reg.Register(r.Collector()); err != nil {
		t.Fatal(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 1 {
		t.Fatalf("families = %d", len(families))
	}
	if got := len(families[0].GetMetric()); got != 2 {
		t.Errorf("metrics = %d, want 2", got)
	}
}
