package timectrl

import (
	"testing"
	"time"
)

func TestEventScheduler_SingleEvent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	sched := NewEventScheduler(clock)

	var counter int
	t1 := start.Add(10 * time.Second)

	id := sched.Schedule(t1, func() {
		counter++
	})
	if id == "" {
		t.Fatalf("Schedule returned empty ID")
	}

	sched.RunDue()
	if counter != 0 {
		t.Fatalf("expected counter=0 before time advance, got %d", counter)
	}

	clock.SetTime(t1)
	sched.RunDue()
	if counter != 1 {
		t.Fatalf("expected counter=1 after time advance, got %d", counter)
	}

	sched.RunDue()
	if counter != 1 {
		t.Fatalf("expected counter=1 after second RunDue (event should not run twice), got %d", counter)
	}
	if sched.Pending() != 0 {
		t.Fatalf("Pending() = %d after event ran, want 0", sched.Pending())
	}
}

func TestEventScheduler_MultipleEventsInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	sched := NewEventScheduler(clock)

	var executionOrder []string
	t1 := start.Add(10 * time.Second)
	t2 := start.Add(20 * time.Second)
	t3 := start.Add(30 * time.Second)

	sched.Schedule(t3, func() { executionOrder = append(executionOrder, "e3") })
	sched.Schedule(t1, func() { executionOrder = append(executionOrder, "e1") })
	sched.Schedule(t2, func() { executionOrder = append(executionOrder, "e2") })
	sched.Schedule(t2, func() { executionOrder = append(executionOrder, "e2b") })

	clock.SetTime(t2)
	sched.RunDue()
	if len(executionOrder) != 3 {
		t.Fatalf("expected 3 events executed, got %v", executionOrder)
	}
	if executionOrder[0] != "e1" || executionOrder[1] != "e2" || executionOrder[2] != "e2b" {
		t.Fatalf("expected execution order [e1 e2 e2b], got %v", executionOrder)
	}

	clock.SetTime(t3)
	sched.RunDue()
	if len(executionOrder) != 4 || executionOrder[3] != "e3" {
		t.Fatalf("expected e3 last, got %v", executionOrder)
	}
}

func TestEventScheduler_PastDueEvent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := NewEventScheduler(NewManualClock(start))

	var counter int
	sched.Schedule(start.Add(-5*time.Second), func() { counter++ })
	sched.RunDue()

	if counter != 1 {
		t.Fatalf("expected past-due event to run immediately, counter=%d", counter)
	}
}

func TestEventScheduler_CancelAndReschedule(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	sched := NewEventScheduler(clock)

	var fired []int
	id := sched.Schedule(start.Add(500*time.Millisecond), func() { fired = append(fired, 1) })

	clock.Advance(300 * time.Millisecond)
	sched.Cancel(id)
	sched.Schedule(clock.Now().Add(500*time.Millisecond), func() { fired = append(fired, 2) })

	clock.Advance(300 * time.Millisecond)
	sched.RunDue()
	if len(fired) != 0 {
		t.Fatalf("cancelled or future event fired: %v", fired)
	}

	clock.Advance(200 * time.Millisecond)
	sched.RunDue()
	if len(fired) != 1 || fired[0] != 2 {
		t.Fatalf("fired = %v, want only the rescheduled event", fired)
	}
}

func TestEventScheduler_CancelUnknownID(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	sched := NewEventScheduler(clock)

	sched.Cancel("unknown-id")
	clock.Advance(time.Second)
	sched.RunDue()
}

func TestEventScheduler_Reentrancy(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	sched := NewEventScheduler(clock)

	var counter int
	t1 := start.Add(10 * time.Second)
	t2 := start.Add(20 * time.Second)

	sched.Schedule(t1, func() {
		counter++
		sched.Schedule(t2, func() { counter++ })
	})

	clock.SetTime(t1)
	sched.RunDue()
	if counter != 1 {
		t.Fatalf("expected counter=1 after first event, got %d", counter)
	}

	clock.SetTime(t2)
	sched.RunDue()
	if counter != 2 {
		t.Fatalf("expected counter=2 after nested event, got %d", counter)
	}
}

func TestEventScheduler_Now(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	sched := NewEventScheduler(clock)

	if now := sched.Now(); !now.Equal(start) {
		t.Fatalf("Now() = %v, want %v", now, start)
	}
	newTime := clock.Advance(time.Hour)
	if now := sched.Now(); !now.Equal(newTime) {
		t.Fatalf("Now() after advance = %v, want %v", now, newTime)
	}
}
