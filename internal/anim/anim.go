// Package anim advances items along connections once per frame.
//
// An item is either stationary at a location or travelling from a source
// location to its single outbound neighbour. Travel time is derived from
// the source: duration = length / speed seconds. When an item reaches the
// target it continues to the target's neighbour if the target again has
// exactly one outbound connection and a positive speed; otherwise it stops
// and waits there until that becomes true.
package anim

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/SimoneErba/Flumen/core"
	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/logging"
)

// Transit is the animation state of one travelling item. A travelling item
// is detached from any location until it arrives.
type Transit struct {
	ItemID   string
	Source   string
	Target   string
	Start    time.Time
	Duration time.Duration
}

// Progress returns how far along the connection the item is at now, in
// [0,1]. A non-positive duration is complete immediately.
func (t Transit) Progress(now time.Time) float64 {
	if t.Duration <= 0 {
		return 1
	}
	return core.Clamp01(float64(now.Sub(t.Start)) / float64(t.Duration))
}

// TransitDuration converts a location's length and speed into travel time.
// It reports false when speed is not positive, meaning items never leave.
func TransitDuration(speed, length float64) (time.Duration, bool) {
	if !(speed > 0) || math.IsInf(speed, 0) {
		return 0, false
	}
	if !(length > 0) {
		return 0, true
	}
	ms := length / speed * 1000
	if ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		ms = float64(math.MaxInt64 / int64(time.Millisecond))
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// Metrics receives per-frame measurements.
type Metrics interface {
	ObserveTick(d time.Duration, active int)
	AddHops(n int)
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		s.log = logging.OrNoop(l)
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithDragging sets the function reporting the node currently held by the
// pointer. That node is never written by the scheduler.
func WithDragging(fn func() string) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.dragging = fn
		}
	}
}

// Scheduler owns the transit table and writes item positions into the graph
// on every Tick. It implements timectrl.Scheduler.
type Scheduler struct {
	g        *graph.Graph
	log      logging.Logger
	metrics  Metrics
	dragging func() string

	mu       sync.Mutex
	running  bool
	transits map[string]*Transit
}

// New constructs a stopped scheduler over g.
func New(g *graph.Graph, opts ...Option) *Scheduler {
	s := &Scheduler{
		g:        g,
		log:      logging.Noop(),
		dragging: func() string { return "" },
		transits: make(map[string]*Transit),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start enables ticking. The transit table survives a Stop/Start cycle.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.log.Debug(ctx, "animation scheduler started")
}

// Stop disables ticking; Ticks delivered afterwards are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Running reports whether Tick currently has an effect.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State returns the transit of itemID, or false when it is stationary.
func (s *Scheduler) State(itemID string) (Transit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transits[itemID]
	if !ok {
		return Transit{}, false
	}
	return *t, true
}

// Active returns the number of items in transit.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transits)
}

// Forget drops the transit of itemID, leaving the item where it stands.
// Attaching it to a location afterwards lets it depart again.
func (s *Scheduler) Forget(itemID string) {
	s.mu.Lock()
	delete(s.transits, itemID)
	s.mu.Unlock()
}

// Reset drops every transit, typically after the graph was reloaded.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.transits = make(map[string]*Transit)
	s.mu.Unlock()
}

// Tick advances every item to now. Tick, Forget and Reset are called from
// the engine loop; the lock only guards inspection from other goroutines,
// and graph writes happen outside it.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	table := make(map[string]*Transit, len(s.transits))
	for id, t := range s.transits {
		table[id] = t
	}
	s.mu.Unlock()

	began := time.Now()
	hops := s.advance(table, now)

	s.mu.Lock()
	s.transits = table
	active := len(table)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AddHops(hops)
		s.metrics.ObserveTick(time.Since(began), active)
	}
}

func (s *Scheduler) advance(table map[string]*Transit, now time.Time) (hops int) {
	dragged := s.dragging()

	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if id == dragged {
			continue
		}
		t := table[id]
		if s.g.NodeType(id) != graph.TypeItem {
			delete(table, id)
			continue
		}
		from, okFrom := s.g.Position(t.Source)
		to, okTo := s.g.Position(t.Target)
		if !okFrom || !okTo {
			// An endpoint was deleted under the item. It waits at the
			// endpoint that is left and departs again once the route is
			// restored.
			delete(table, id)
			switch {
			case okFrom:
				_ = s.g.AttachItem(id, t.Source)
			case okTo:
				_ = s.g.AttachItem(id, t.Target)
			}
			continue
		}

		p := t.Progress(now)
		if p < 1 {
			_ = s.g.SetPosition(id, core.Lerp(from, to, p))
			continue
		}

		hops++
		delete(table, id)
		if err := s.g.AttachItem(id, t.Target); err != nil {
			continue
		}
		if next, ok := s.departure(id, t.Target, now); ok {
			table[id] = next
			_ = s.g.AttachItem(id, "")
		}
	}

	for _, id := range s.g.NodeIDs(graph.TypeItem) {
		if id == dragged {
			continue
		}
		if _, moving := table[id]; moving {
			continue
		}
		loc := s.g.ItemLocation(id)
		if loc == "" {
			continue
		}
		if next, ok := s.departure(id, loc, now); ok {
			table[id] = next
			_ = s.g.AttachItem(id, "")
			continue
		}
		s.followLocation(id, loc)
	}
	return hops
}

// departure builds the transit of an item leaving location from at now. It
// reports false when the item has to stay: zero or several outbound targets,
// or a speed that is not positive.
func (s *Scheduler) departure(itemID, from string, now time.Time) (*Transit, bool) {
	targets := s.g.OutgoingTargets(from)
	if len(targets) != 1 {
		return nil, false
	}
	speed, length, ok := s.g.Transit(from)
	if !ok {
		return nil, false
	}
	d, ok := TransitDuration(speed, length)
	if !ok {
		return nil, false
	}
	return &Transit{ItemID: itemID, Source: from, Target: targets[0], Start: now, Duration: d}, true
}

// followLocation keeps a waiting item on top of its location when the
// location was moved.
func (s *Scheduler) followLocation(itemID, loc string) {
	want, ok := s.g.Position(loc)
	if !ok {
		return
	}
	if got, ok := s.g.Position(itemID); ok && got == want {
		return
	}
	_ = s.g.SetPosition(itemID, want)
}
