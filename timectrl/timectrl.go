// Package timectrl provides the clocks that drive per-frame animation and
// time-based callbacks.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is an interface for reading the current time. Components depend on
// it rather than on time.Now so tests can drive them with synthetic
// timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock whose time only changes when told to.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock constructs a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// SetTime moves the clock to t.
func (c *ManualClock) SetTime(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Scheduler is a component advanced once per frame.
type Scheduler interface {
	// Start marks the scheduler running. It may be called again after Stop.
	Start(ctx context.Context)
	// Stop halts the scheduler; subsequent Ticks are ignored until Start.
	Stop()
	// Tick advances the scheduler to now.
	Tick(now time.Time)
}

// Dispatcher runs fn on the caller's execution context. The engine uses it
// to move frame callbacks onto its cooperative loop.
type Dispatcher func(fn func())

// FrameOption customises a FrameClock.
type FrameOption func(*FrameClock)

// WithClock sets the time source read on every frame.
func WithClock(c Clock) FrameOption {
	return func(fc *FrameClock) {
		if c != nil {
			fc.clock = c
		}
	}
}

// WithDispatcher routes each frame through d instead of running listeners
// on the ticker goroutine.
func WithDispatcher(d Dispatcher) FrameOption {
	return func(fc *FrameClock) {
		if d != nil {
			fc.dispatch = d
		}
	}
}

// FrameClock emits a frame at a fixed interval and notifies registered
// listeners and schedulers with the frame timestamp.
type FrameClock struct {
	Interval time.Duration

	clock    Clock
	dispatch Dispatcher

	mu         sync.Mutex
	listeners  []func(time.Time)
	schedulers []Scheduler
	cancel     context.CancelFunc
	done       chan struct{}
}

// DefaultFrameInterval approximates a 60Hz display.
const DefaultFrameInterval = 16 * time.Millisecond

// NewFrameClock constructs a stopped frame clock.
func NewFrameClock(interval time.Duration, opts ...FrameOption) *FrameClock {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	fc := &FrameClock{
		Interval: interval,
		clock:    SystemClock{},
		dispatch: func(fn func()) { fn() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(fc)
		}
	}
	return fc
}

// AddListener registers a callback invoked on every frame.
func (fc *FrameClock) AddListener(fn func(time.Time)) {
	fc.mu.Lock()
	fc.listeners = append(fc.listeners, fn)
	fc.mu.Unlock()
}

// Attach registers a scheduler. Attached schedulers are started and stopped
// with the clock and ticked after the listeners on every frame.
func (fc *FrameClock) Attach(s Scheduler) {
	fc.mu.Lock()
	fc.schedulers = append(fc.schedulers, s)
	fc.mu.Unlock()
}

// Running reports whether the frame loop is active.
func (fc *FrameClock) Running() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.done != nil
}

// Start launches the frame loop. It returns a channel that is closed when
// the loop exits, either because Stop was called or ctx was cancelled.
// Starting a running clock returns the existing channel.
func (fc *FrameClock) Start(ctx context.Context) <-chan struct{} {
	fc.mu.Lock()
	if fc.done != nil {
		done := fc.done
		fc.mu.Unlock()
		return done
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	fc.cancel, fc.done = cancel, done
	schedulers := append([]Scheduler(nil), fc.schedulers...)
	fc.mu.Unlock()

	for _, s := range schedulers {
		s.Start(ctx)
	}

	go func() {
		defer close(done)

		ticker := time.NewTicker(fc.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := fc.clock.Now()
				fc.dispatch(func() { fc.Step(now) })
			}
		}
	}()
	return done
}

// Stop halts the frame loop, waits for it to exit and stops the attached
// schedulers. Calling Stop on a stopped clock is a no-op.
func (fc *FrameClock) Stop() {
	fc.mu.Lock()
	cancel, done := fc.cancel, fc.done
	fc.cancel, fc.done = nil, nil
	schedulers := append([]Scheduler(nil), fc.schedulers...)
	fc.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	for _, s := range schedulers {
		s.Stop()
	}
}

// Step delivers one frame at now synchronously on the calling goroutine.
func (fc *FrameClock) Step(now time.Time) {
	fc.mu.Lock()
	listeners := append(([]func(time.Time))(nil), fc.listeners...)
	schedulers := append([]Scheduler(nil), fc.schedulers...)
	fc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	for _, s := range schedulers {
		s.Tick(now)
	}
}
