package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fired := 0
	c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	c.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeTimerStopAndReset(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := 0
	tm := c.AfterFunc(time.Second, func() { fired++ })

	if !tm.Stop() {
		t.Fatal("expected Stop to report a pending timer")
	}
	c.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("stopped timer fired")
	}

	tm.Reset(time.Second)
	if c.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", c.PendingCount())
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 after reset", fired)
	}
}

func TestFakeResetFromCallback(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	var tm *Timer
	var at []time.Time
	tm = c.AfterFunc(10*time.Second, func() {
		at = append(at, c.Now())
		if len(at) == 1 {
			tm.Reset(time.Second)
		}
	})

	c.Advance(10 * time.Second)
	c.Advance(time.Second)
	if len(at) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(at))
	}
	if got := at[1].Sub(at[0]); got != time.Second {
		t.Fatalf("second fire after %v, want 1s", got)
	}
}
