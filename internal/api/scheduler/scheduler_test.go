package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"goodsdeck/internal/pkg/queue"
	"goodsdeck/internal/scraper"
)

type fakeRunner struct {
	calls   atomic.Int32
	release chan struct{}
}

func (f *fakeRunner) RunClaimed(ctx context.Context, coord *scraper.Coordinator, _ int) (scraper.AllResult, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	res := scraper.AllResult{Keywords: 1}
	coord.Finish("done", &res)
	return res, nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewQueue(logger, 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = q.Shutdown(context.Background())
	})
	return q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTrigger_SkipsWhileRunning(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &fakeRunner{release: make(chan struct{})}
	coord := scraper.NewCoordinator()
	s := NewScheduler(runner, coord, newTestQueue(t), logger, time.Hour, 100)

	if !s.Trigger() {
		t.Fatalf("first trigger should start a run")
	}
	waitFor(t, func() bool { return runner.calls.Load() == 1 })

	if s.Trigger() {
		t.Fatalf("trigger must be skipped while a run is active")
	}

	close(runner.release)
	waitFor(t, func() bool { return !coord.Status().Running })

	if !s.Trigger() {
		t.Fatalf("trigger should succeed after the run finished")
	}
	waitFor(t, func() bool { return runner.calls.Load() == 2 })
}

func TestRun_TicksAndStops(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &fakeRunner{}
	coord := scraper.NewCoordinator()
	s := NewScheduler(runner, coord, newTestQueue(t), logger, 10*time.Millisecond, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return runner.calls.Load() >= 2 })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop")
	}
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(&fakeRunner{}, scraper.NewCoordinator(), newTestQueue(t), logger, 0, 100)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("disabled scheduler should return")
	}
}
