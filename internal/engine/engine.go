// Package engine owns the cooperative loop that ties the graph, the
// animation scheduler, the interaction machine, the remote gateway and the
// live feed together.
//
// Every mutation of the graph made by the engine's components happens on a
// single goroutine. Frames, feed messages, and rollbacks of failed remote
// writes are posted to that loop and run in arrival order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/anim"
	"github.com/SimoneErba/Flumen/internal/interaction"
	"github.com/SimoneErba/Flumen/internal/layout"
	"github.com/SimoneErba/Flumen/internal/logging"
	"github.com/SimoneErba/Flumen/internal/remote"
	"github.com/SimoneErba/Flumen/model"
	"github.com/SimoneErba/Flumen/timectrl"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")
	// ErrStarted is returned when Start is called twice.
	ErrStarted = errors.New("engine already started")
)

// Surface renders the graph. Refresh runs on the loop once per frame,
// after the animation has advanced.
type Surface interface {
	Refresh(now time.Time, g *graph.Graph)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(now time.Time, g *graph.Graph)

// Refresh calls f(now, g).
func (f SurfaceFunc) Refresh(now time.Time, g *graph.Graph) { f(now, g) }

// Metrics is the sink for graph and gateway counters.
type Metrics interface {
	graph.CountsRecorder
	remote.Metrics
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. It is handed to every component.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.log = logging.OrNoop(l)
	}
}

// WithClock sets the time source for frames and debounced saves.
func WithClock(c timectrl.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithFrameInterval overrides timectrl.DefaultFrameInterval.
func WithFrameInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.frameInterval = d
		}
	}
}

// WithMetrics attaches graph and gateway metrics.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithAnimationMetrics attaches per-frame animation metrics.
func WithAnimationMetrics(m anim.Metrics) Option {
	return func(e *Engine) {
		e.animMetrics = m
	}
}

// WithFeed subscribes the engine to the live feed on Start.
func WithFeed(f *remote.Feed) Option {
	return func(e *Engine) {
		e.feed = f
	}
}

// WithLayoutStore restores stored location positions on Start and saves
// the graph on Close.
func WithLayoutStore(s *layout.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithSurface sets the renderer refreshed every frame.
func WithSurface(s Surface) Option {
	return func(e *Engine) {
		e.surface = s
	}
}

// WithNotifier is told about every failed remote write, on the loop.
func WithNotifier(n remote.Notifier) Option {
	return func(e *Engine) {
		e.notify = n
	}
}

// WithLayoutScale sets the scale of hashed and backend coordinates.
func WithLayoutScale(scale float64) Option {
	return func(e *Engine) {
		if scale > 0 {
			e.scale = scale
		}
	}
}

// WithGatewayOptions passes extra options to the remote gateway.
func WithGatewayOptions(opts ...remote.Option) Option {
	return func(e *Engine) {
		e.gatewayOpts = append(e.gatewayOpts, opts...)
	}
}

// WithInteractionOptions passes extra options to the interaction machine.
func WithInteractionOptions(opts ...interaction.Option) Option {
	return func(e *Engine) {
		e.interactionOpts = append(e.interactionOpts, opts...)
	}
}

// Engine runs the loop. Build it with New, call Start once and Close when
// done.
type Engine struct {
	api             remote.API
	log             logging.Logger
	clock           timectrl.Clock
	frameInterval   time.Duration
	scale           float64
	metrics         Metrics
	animMetrics     anim.Metrics
	feed            *remote.Feed
	store           *layout.Store
	surface         Surface
	notify          remote.Notifier
	gatewayOpts     []remote.Option
	interactionOpts []interaction.Option

	g       *graph.Graph
	anim    *anim.Scheduler
	gw      *remote.Gateway
	machine *interaction.Machine
	frames  *timectrl.FrameClock
	events  timectrl.EventScheduler

	mu       sync.Mutex
	queue    []func()
	closed   bool
	started  bool
	wake     chan struct{}
	loopDone chan struct{}

	framePending atomic.Bool
	loaded       atomic.Bool

	cancel    context.CancelFunc
	feedDone  chan struct{}
	unsubs    []func()
	unwatch   func()
	closeOnce sync.Once
}

// New wires the components over api and starts the loop. Nothing is
// fetched until Start.
func New(api remote.API, opts ...Option) *Engine {
	e := &Engine{
		api:           api,
		log:           logging.Noop(),
		clock:         timectrl.SystemClock{},
		frameInterval: timectrl.DefaultFrameInterval,
		scale:         1,
		wake:          make(chan struct{}, 1),
		loopDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	var graphOpts []graph.Option
	if e.metrics != nil {
		graphOpts = append(graphOpts, graph.WithMetricsRecorder(e.metrics))
	}
	e.g = graph.New(graphOpts...)

	animOpts := []anim.Option{
		anim.WithLogger(e.log),
		anim.WithDragging(func() string { return e.machine.Dragging() }),
	}
	if e.animMetrics != nil {
		animOpts = append(animOpts, anim.WithMetrics(e.animMetrics))
	}
	e.anim = anim.New(e.g, animOpts...)
	e.unwatch = e.g.Subscribe(e.onGraphEvent)

	e.events = timectrl.NewEventScheduler(e.clock)
	gwOpts := []remote.Option{
		remote.WithDispatcher(e.dispatch),
		remote.WithScheduler(e.events),
		remote.WithAnimator(e.anim),
		remote.WithLogger(e.log),
		remote.WithLayoutScale(e.scale),
		remote.WithNotifier(e.onWriteFailure),
	}
	if e.metrics != nil {
		gwOpts = append(gwOpts, remote.WithMetrics(e.metrics))
	}
	e.gw = remote.NewGateway(e.g, api, append(gwOpts, e.gatewayOpts...)...)

	e.machine = interaction.New(e.g, e.gw, append([]interaction.Option{interaction.WithLogger(e.log)}, e.interactionOpts...)...)

	e.frames = timectrl.NewFrameClock(e.frameInterval,
		timectrl.WithClock(e.clock),
		timectrl.WithDispatcher(e.dispatchFrame),
	)
	e.frames.AddListener(func(time.Time) { e.events.RunDue() })
	e.frames.Attach(e.anim)
	if e.surface != nil {
		e.frames.Attach(&surfaceScheduler{surface: e.surface, g: e.g})
	}

	go e.loop()
	return e
}

// Graph returns the graph the engine renders. Mutate it only from the loop.
func (e *Engine) Graph() *graph.Graph { return e.g }

// Gateway returns the remote gateway. Call it only from the loop.
func (e *Engine) Gateway() *remote.Gateway { return e.gw }

// Machine returns the interaction machine. Call it only from the loop.
func (e *Engine) Machine() *interaction.Machine { return e.machine }

// Animation returns the animation scheduler.
func (e *Engine) Animation() *anim.Scheduler { return e.anim }

// Post queues fn to run on the loop and reports whether it was accepted.
// It never blocks and may be called from any goroutine, including the loop.
func (e *Engine) Post(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop itself.
func (e *Engine) Do(fn func()) error {
	done := make(chan struct{})
	if !e.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	<-done
	return nil
}

func (e *Engine) dispatch(fn func()) { e.Post(fn) }

// dispatchFrame drops a frame while the previous one is still queued so a
// slow loop does not accumulate a backlog of stale frames.
func (e *Engine) dispatchFrame(fn func()) {
	if !e.framePending.CompareAndSwap(false, true) {
		return
	}
	if !e.Post(func() {
		e.framePending.Store(false)
		fn()
	}) {
		e.framePending.Store(false)
	}
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	for range e.wake {
		e.mu.Lock()
		batch, closed := e.queue, e.closed
		e.queue = nil
		e.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if closed {
			return
		}
	}
}

// Start fetches the graph, loads it, restores the stored layout and starts
// the frame clock and the live feed. The engine keeps running until Close
// or until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case e.started:
		e.mu.Unlock()
		return ErrStarted
	}
	e.started = true
	e.mu.Unlock()

	// Close cancels runCtx, which stops the frame clock and the feed.
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	data, err := e.api.FetchGraph(ctx)
	if err != nil {
		return fmt.Errorf("fetch graph: %w", err)
	}
	snap := graph.FromGraphData(data, e.scale)

	var saved graph.Snapshot
	haveLayout := false
	if e.store != nil {
		var savedAt time.Time
		saved, savedAt, err = e.store.Load(ctx)
		switch {
		case err == nil:
			haveLayout = true
			e.log.Debug(ctx, "stored layout found", logging.Any("saved_at", savedAt))
		case errors.Is(err, layout.ErrNotFound):
		default:
			e.log.Warn(ctx, "stored layout unreadable; using backend positions", logging.Err(err))
		}
	}

	var loadErr error
	if err := e.Do(func() {
		skipped, err := e.g.Load(snap)
		if err != nil {
			loadErr = err
			return
		}
		e.loaded.Store(true)
		if skipped > 0 {
			e.log.Warn(ctx, "connections skipped while loading graph",
				logging.Int("skipped", skipped), logging.Err(graph.ErrDanglingReference))
		}
		moved := 0
		if haveLayout {
			moved = layout.Apply(e.g, saved)
		}
		locations, items, edges := e.g.Counts()
		e.log.Info(ctx, "graph loaded",
			logging.Int("locations", locations), logging.Int("items", items),
			logging.Int("connections", edges), logging.Int("restored_positions", moved))
	}); err != nil {
		return err
	}
	if loadErr != nil {
		return fmt.Errorf("load graph: %w", loadErr)
	}

	e.frames.Start(runCtx)

	if e.feed != nil {
		unsubs := []func(){
			e.feed.SubscribePositions(func(u model.PositionUpdate) {
				e.Post(func() { e.gw.ApplyPosition(u) })
			}),
			e.feed.SubscribeNodes(func(u model.NodeUpdate) {
				e.Post(func() { e.gw.ApplyNode(u) })
			}),
		}
		done := make(chan struct{})
		e.mu.Lock()
		e.unsubs, e.feedDone = unsubs, done
		e.mu.Unlock()
		go func() {
			defer close(done)
			if err := e.feed.Run(runCtx); err != nil {
				e.log.Warn(runCtx, "live feed stopped", logging.Err(err))
			}
		}()
	}
	return nil
}

// Step delivers one frame at now on the loop and waits for it.
func (e *Engine) Step(now time.Time) error {
	return e.Do(func() { e.frames.Step(now) })
}

// SaveLayout stores the current graph in the layout store, if one is set.
func (e *Engine) SaveLayout(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var snap graph.Snapshot
	if err := e.Do(func() { snap = e.g.Export() }); err != nil {
		return err
	}
	return e.store.SaveSnapshot(ctx, snap)
}

// Close stops the frame clock and the feed, flushes pending saves, waits
// for in-flight writes and their rollbacks, saves the layout and drains the
// loop. Nothing runs on the graph after Close returns. Close must not be
// called from the loop.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.frames.Stop()

		e.mu.Lock()
		unsubs, cancel, feedDone := e.unsubs, e.cancel, e.feedDone
		e.unsubs = nil
		e.mu.Unlock()
		for _, unsubscribe := range unsubs {
			unsubscribe()
		}
		if cancel != nil {
			cancel()
		}
		if feedDone != nil {
			<-feedDone
		}

		_ = e.Do(e.gw.FlushSaves)
		e.gw.Close()

		if e.store != nil && e.loaded.Load() {
			if serr := e.SaveLayout(context.Background()); serr != nil {
				err = fmt.Errorf("save layout: %w", serr)
			}
		}

		e.unwatch()
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		select {
		case e.wake <- struct{}{}:
		default:
		}
		<-e.loopDone
	})
	return err
}

// onGraphEvent drops the transit of a removed item and clears the transit
// table when a new graph is loaded.
func (e *Engine) onGraphEvent(ev graph.Event) {
	switch ev.Type {
	case graph.EventNodeRemoved:
		e.anim.Forget(ev.NodeID)
	case graph.EventLoaded:
		e.anim.Reset()
	}
}

func (e *Engine) onWriteFailure(werr *remote.WriteError) {
	if e.notify != nil {
		e.notify(werr)
	}
}

// surfaceScheduler refreshes the surface after the animation tick.
type surfaceScheduler struct {
	surface Surface
	g       *graph.Graph
	running atomic.Bool
}

func (s *surfaceScheduler) Start(context.Context) { s.running.Store(true) }
func (s *surfaceScheduler) Stop()                 { s.running.Store(false) }

func (s *surfaceScheduler) Tick(now time.Time) {
	if s.running.Load() {
		s.surface.Refresh(now, s.g)
	}
}
