package timectrl

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventScheduler schedules callbacks to run at specific times read from a
// Clock. The engine calls RunDue once per frame; the remote gateway uses
// Schedule and Cancel to debounce position saves.
type EventScheduler interface {
	// Schedule registers a callback f to run at time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current time of the underlying Clock.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now().
	// Already-run events never run again.
	RunDue()

	// Pending returns the number of events that are scheduled and not
	// cancelled.
	Pending() int
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

type eventScheduler struct {
	clock Clock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by 'when' (earliest first)
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates an event scheduler backed by clock.
func NewEventScheduler(clock Clock) EventScheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

// Schedule registers a callback to run at the specified time.
func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)

	ev := &scheduledEvent{id: id, when: at, f: f}

	// Events with equal times keep their scheduling order.
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(ev.when)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev

	s.index[id] = ev
	return id
}

// Cancel attempts to cancel a previously scheduled event.
func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; RunDue skips cancelled events.
}

// Now returns the current time from the underlying clock.
func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

// Pending returns the number of live scheduled events.
func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// popDueLocked removes and returns the earliest non-cancelled event due at
// now, or nil. Caller must hold s.mu.
func (s *eventScheduler) popDueLocked(now time.Time) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			// Ordered by time: everything after this is in the future too.
			return nil
		}
		s.events = s.events[1:]
		return ev
	}
	return nil
}

// RunDue executes all events whose scheduled time is <= Now().
func (s *eventScheduler) RunDue() {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		ev := s.popDueLocked(now)
		if ev == nil {
			s.mu.Unlock()
			return
		}
		delete(s.index, ev.id)
		s.mu.Unlock()

		// Execute callback OUTSIDE the lock to allow re-entrancy.
		if ev.f != nil {
			ev.f()
		}
	}
}
