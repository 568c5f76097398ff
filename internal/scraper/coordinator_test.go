package scraper

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoordinator_Lifecycle(t *testing.T) {
	c := NewCoordinator()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	if st := c.Status(); st.Running || st.Message != "idle" {
		t.Fatalf("unexpected initial status: %+v", st)
	}

	if !c.TryBegin("starting") {
		t.Fatalf("first TryBegin should succeed")
	}
	if c.TryBegin("again") {
		t.Fatalf("second TryBegin should fail while running")
	}

	c.SetStatus("scraping 1/3")
	st := c.Status()
	if !st.Running || st.Message != "scraping 1/3" || st.StartedAt == nil || !st.StartedAt.Equal(fixed) {
		t.Fatalf("unexpected running status: %+v", st)
	}

	c.Finish("done", &AllResult{Keywords: 3, TotalScraped: 10, TotalSaved: 4})
	st = c.Status()
	if st.Running || st.Message != "done" || st.FinishedAt == nil || st.LastResult.TotalSaved != 4 {
		t.Fatalf("unexpected finished status: %+v", st)
	}

	// 返回的是副本
	st.LastResult.TotalSaved = 99
	if c.Status().LastResult.TotalSaved != 4 {
		t.Fatalf("status snapshot must not alias internal state")
	}

	if !c.TryBegin("next run") {
		t.Fatalf("TryBegin should succeed after Finish")
	}
	if c.Status().FinishedAt != nil {
		t.Fatalf("FinishedAt should reset on a new run")
	}
}

func TestCoordinator_ConcurrentTryBegin(t *testing.T) {
	c := NewCoordinator()
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryBegin("race") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}
