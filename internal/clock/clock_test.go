package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	short := c.After(time.Minute)
	long := c.After(time.Hour)

	c.Advance(2 * time.Minute)

	select {
	case got := <-short:
		if !got.Equal(start.Add(2 * time.Minute)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("expected short timer to fire")
	}

	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	if c.Waiters() != 1 {
		t.Errorf("expected 1 waiter, got %d", c.Waiters())
	}
}

func TestFake_ZeroDurationFiresImmediately(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}
