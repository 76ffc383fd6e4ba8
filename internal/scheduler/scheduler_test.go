package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hireloop/payments/internal/clock"
)

var testStart = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestScheduler() (*Scheduler, *clock.Fake) {
	clk := clock.NewFake(testStart)
	return New(clk, slog.New(slog.DiscardHandler)), clk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s, clk := newTestScheduler()
	var runs atomic.Int32
	if err := s.Add("auto-release", "@hourly", func(context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)
	waitFor(t, "timer armed", func() bool { return clk.Waiters() == 1 })

	next, _ := s.Next("auto-release")
	if want := testStart.Add(time.Hour); !next.Equal(want) {
		t.Errorf("Expected next run at %v, got %v", want, next)
	}

	clk.Advance(59 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("Expected no run before the hour, got %d", runs.Load())
	}

	clk.Advance(time.Minute)
	waitFor(t, "first run", func() bool { return runs.Load() == 1 })
	waitFor(t, "timer re-armed", func() bool { return clk.Waiters() == 1 })

	clk.Advance(time.Hour)
	waitFor(t, "second run", func() bool { return runs.Load() == 2 })
}

func TestScheduler_StopAndRunning(t *testing.T) {
	s, _ := newTestScheduler()
	if s.Running() {
		t.Fatal("Expected not running before Start")
	}
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	waitFor(t, "running", s.Running)

	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if s.Running() {
		t.Error("Expected not running after Stop")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	s, _ := newTestScheduler()
	_ = s.Add("expiry", "*/10 * * * *", func(context.Context) (int, error) { return 3, nil })

	n, err := s.RunNow(context.Background(), "expiry")
	if err != nil || n != 3 {
		t.Errorf("RunNow = %d, %v", n, err)
	}
	if _, err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Expected ErrUnknownJob, got %v", err)
	}
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s, clk := newTestScheduler()
	var after atomic.Int32
	_ = s.Add("boom", "@every 1m", func(context.Context) (int, error) { panic("boom") })
	_ = s.Add("steady", "@every 1m", func(context.Context) (int, error) {
		after.Add(1)
		return 0, nil
	})

	if _, err := s.RunNow(context.Background(), "boom"); err == nil {
		t.Error("Expected an error from a panicking job")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)
	waitFor(t, "timer armed", func() bool { return clk.Waiters() == 1 })
	clk.Advance(time.Minute)
	waitFor(t, "steady job after panic", func() bool { return after.Load() == 1 })
}

func TestScheduler_AddRejects(t *testing.T) {
	s, _ := newTestScheduler()
	if err := s.Add("bad", "not a spec", func(context.Context) (int, error) { return 0, nil }); err == nil {
		t.Error("Expected a parse error")
	}
	_ = s.Add("job", "@hourly", func(context.Context) (int, error) { return 0, nil })
	if err := s.Add("job", "@daily", func(context.Context) (int, error) { return 0, nil }); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Expected ErrDuplicateJob, got %v", err)
	}
}
