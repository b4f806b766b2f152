package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SimoneErba/Flumen/core"
	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/logging"
	"github.com/SimoneErba/Flumen/model"
	"github.com/SimoneErba/Flumen/timectrl"
)

// DefaultDebounce is the quiet period after the last drag move before the
// position is saved.
const DefaultDebounce = 500 * time.Millisecond

// Executor runs remote calls off the engine loop.
type Executor interface {
	Go(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

// Go calls f(fn).
func (f ExecutorFunc) Go(fn func()) { f(fn) }

// InlineExecutor runs calls synchronously on the caller. Tests use it to
// make remote completion deterministic.
var InlineExecutor Executor = ExecutorFunc(func(fn func()) { fn() })

// SerialExecutor runs calls one at a time in submission order on a single
// worker goroutine, so a connection is never posted before the location it
// references.
type SerialExecutor struct {
	jobs chan func()
	done chan struct{}
	once sync.Once
}

// NewSerialExecutor starts a worker with a queue of the given depth.
func NewSerialExecutor(depth int) *SerialExecutor {
	if depth < 1 {
		depth = 64
	}
	e := &SerialExecutor{jobs: make(chan func(), depth), done: make(chan struct{})}
	go func() {
		defer close(e.done)
		for fn := range e.jobs {
			fn()
		}
	}()
	return e
}

// Go enqueues fn.
func (e *SerialExecutor) Go(fn func()) { e.jobs <- fn }

// Close stops accepting work and waits for queued calls to finish.
func (e *SerialExecutor) Close() {
	e.once.Do(func() { close(e.jobs) })
	<-e.done
}

// Notifier is told about every failed remote write after its rollback.
type Notifier func(err *WriteError)

// Animator is the part of the animation scheduler inbound updates reset.
type Animator interface {
	Forget(itemID string)
}

// Metrics receives gateway counters.
type Metrics interface {
	IncWriteFailure(op string)
	IncRollback()
	IncDebouncedSave()
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithExecutor sets where remote calls run. Defaults to a SerialExecutor.
func WithExecutor(e Executor) Option {
	return func(gw *Gateway) {
		if e != nil {
			gw.exec = e
		}
	}
}

// WithDispatcher sets how completions are delivered back to the engine
// loop. Defaults to running them on the executor goroutine.
func WithDispatcher(d timectrl.Dispatcher) Option {
	return func(gw *Gateway) {
		if d != nil {
			gw.dispatch = d
		}
	}
}

// WithNotifier registers a failure callback, invoked on the engine loop.
func WithNotifier(n Notifier) Option {
	return func(gw *Gateway) {
		gw.notify = n
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l logging.Logger) Option {
	return func(gw *Gateway) {
		gw.log = logging.OrNoop(l)
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(gw *Gateway) {
		gw.metrics = m
	}
}

// WithAnimator lets inbound position updates reset item animations.
func WithAnimator(a Animator) Option {
	return func(gw *Gateway) {
		gw.anim = a
	}
}

// WithScheduler sets the callback scheduler used for debouncing.
func WithScheduler(s timectrl.EventScheduler) Option {
	return func(gw *Gateway) {
		if s != nil {
			gw.sched = s
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(gw *Gateway) {
		if d > 0 {
			gw.debounce = d
		}
	}
}

// WithLayoutScale sets the scale applied to hashed coordinates of new
// locations without an explicit position.
func WithLayoutScale(scale float64) Option {
	return func(gw *Gateway) {
		if scale > 0 {
			gw.scale = scale
		}
	}
}

// Gateway applies edits optimistically to the graph and mirrors them to the
// backend. All methods except Close are meant to be called from the engine
// loop.
type Gateway struct {
	g        *graph.Graph
	api      API
	exec     Executor
	dispatch timectrl.Dispatcher
	notify   Notifier
	log      logging.Logger
	metrics  Metrics
	anim     Animator
	sched    timectrl.EventScheduler
	debounce time.Duration
	scale    float64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	pending  map[string]*pendingSave
}

type pendingSave struct {
	eventID string
	origin  core.Vec2
}

// NewGateway constructs a gateway writing g's edits through api.
func NewGateway(g *graph.Graph, api API, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &Gateway{
		g:        g,
		api:      api,
		dispatch: func(fn func()) { fn() },
		log:      logging.Noop(),
		debounce: DefaultDebounce,
		scale:    1,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingSave),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gw)
		}
	}
	if gw.exec == nil {
		gw.exec = NewSerialExecutor(0)
	}
	if gw.sched == nil {
		gw.sched = timectrl.NewEventScheduler(timectrl.SystemClock{})
	}
	return gw
}

// Scheduler returns the callback scheduler holding debounced saves. The
// engine calls its RunDue once per frame.
func (gw *Gateway) Scheduler() timectrl.EventScheduler { return gw.sched }

// Execute applies cmd locally and commits it asynchronously. A local
// failure is returned and nothing is sent. A remote failure rolls the local
// edit back on the engine loop and is reported through the notifier.
func (gw *Gateway) Execute(cmd Command) error {
	if !gw.begin() {
		return ErrGatewayClosed
	}
	undo, err := cmd.Apply()
	if err != nil {
		gw.inflight.Done()
		return err
	}
	gw.exec.Go(func() {
		defer gw.inflight.Done()
		if err := cmd.Commit(gw.ctx, gw.api); err != nil {
			gw.fail(cmd.Op(), err, undo)
		}
	})
	return nil
}

func (gw *Gateway) begin() bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.closed {
		return false
	}
	gw.inflight.Add(1)
	return true
}

// fail runs on the executor; the rollback is moved onto the engine loop.
func (gw *Gateway) fail(op string, err error, undo Undo) {
	werr := &WriteError{Op: op, Err: err}
	gw.dispatch(func() {
		if undo != nil {
			undo()
			if gw.metrics != nil {
				gw.metrics.IncRollback()
			}
		}
		if gw.metrics != nil {
			gw.metrics.IncWriteFailure(op)
		}
		if errors.Is(err, context.Canceled) {
			gw.log.Debug(gw.ctx, "remote write cancelled", logging.String("op", op))
		} else {
			gw.log.Warn(gw.ctx, "remote write failed; local edit rolled back",
				logging.String("op", op), logging.Err(err))
		}
		if gw.notify != nil {
			gw.notify(werr)
		}
	})
}

// CreateLocation adds loc to the graph and posts it. A location without an
// explicit position gets its hashed one.
func (gw *Gateway) CreateLocation(loc model.Location) error {
	return gw.Execute(&CreateLocation{Graph: gw.g, Location: loc, Scale: gw.scale})
}

// CreateConnection adds source -> target and posts it.
func (gw *Gateway) CreateConnection(source, target string) error {
	return gw.Execute(&CreateConnection{Graph: gw.g, Source: source, Target: target})
}

// UpdateLocation merges backend-named properties into a location and
// patches them.
func (gw *Gateway) UpdateLocation(id string, props map[string]any) error {
	return gw.Execute(&UpdateLocation{Graph: gw.g, ID: id, Properties: props})
}

// DeleteLocation removes a location and its incident connections.
func (gw *Gateway) DeleteLocation(id string) error {
	gw.cancelSave(id)
	return gw.Execute(&DeleteLocation{Graph: gw.g, ID: id})
}

// DeleteConnection removes source -> target.
func (gw *Gateway) DeleteConnection(source, target string) error {
	return gw.Execute(&DeleteConnection{Graph: gw.g, Source: source, Target: target})
}

// ReverseConnection turns source -> target around and writes props onto
// target, the new source.
func (gw *Gateway) ReverseConnection(source, target string, props map[string]any) error {
	return gw.Execute(&ReverseConnection{Graph: gw.g, Source: source, Target: target, Properties: props})
}

// SavePosition schedules a debounced save of node id's current position.
// Successive calls within the debounce window coalesce into one PATCH; a
// failure restores origin, the position before the first call of the
// window.
func (gw *Gateway) SavePosition(id string, origin core.Vec2) {
	gw.mu.Lock()
	if gw.closed {
		gw.mu.Unlock()
		return
	}
	p, ok := gw.pending[id]
	if ok {
		gw.sched.Cancel(p.eventID)
	} else {
		p = &pendingSave{origin: origin}
		gw.pending[id] = p
	}
	p.eventID = gw.sched.Schedule(gw.sched.Now().Add(gw.debounce), func() { gw.flushSave(id) })
	gw.mu.Unlock()
}

// PendingSaves returns the number of nodes with an unsent position.
func (gw *Gateway) PendingSaves() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.pending)
}

// FlushSaves sends every pending position immediately.
func (gw *Gateway) FlushSaves() {
	gw.mu.Lock()
	ids := make([]string, 0, len(gw.pending))
	for id, p := range gw.pending {
		gw.sched.Cancel(p.eventID)
		ids = append(ids, id)
	}
	gw.mu.Unlock()
	for _, id := range ids {
		gw.flushSave(id)
	}
}

func (gw *Gateway) cancelSave(id string) {
	gw.mu.Lock()
	if p, ok := gw.pending[id]; ok {
		gw.sched.Cancel(p.eventID)
		delete(gw.pending, id)
	}
	gw.mu.Unlock()
}

func (gw *Gateway) flushSave(id string) {
	gw.mu.Lock()
	p, ok := gw.pending[id]
	delete(gw.pending, id)
	gw.mu.Unlock()
	if !ok {
		return
	}
	pos, ok := gw.g.Position(id)
	if !ok {
		return
	}
	if gw.metrics != nil {
		gw.metrics.IncDebouncedSave()
	}
	cmd := &positionSave{g: gw.g, id: id, origin: p.origin, pos: pos}
	if err := gw.Execute(cmd); err != nil && !errors.Is(err, ErrGatewayClosed) {
		gw.log.Warn(gw.ctx, "position save not sent", logging.String("node_id", id), logging.Err(err))
	}
}

// positionSave patches the position a drag already wrote to the graph.
type positionSave struct {
	g      *graph.Graph
	id     string
	origin core.Vec2
	pos    core.Vec2
}

func (c *positionSave) Op() string { return OpSavePosition }

func (c *positionSave) Apply() (Undo, error) {
	return func() {
		if c.g.HasNode(c.id) {
			_ = c.g.SetPosition(c.id, c.origin)
		}
	}, nil
}

func (c *positionSave) Commit(ctx context.Context, api API) error {
	return api.UpdateLocation(ctx, model.UpdateModel{
		ID:         c.id,
		Properties: map[string]any{"longitude": c.pos.X, "latitude": c.pos.Y},
	})
}

// Close flushes pending position saves, waits for in-flight calls and
// rejects further edits. Rollbacks of calls still failing during Close are
// dispatched as usual.
func (gw *Gateway) Close() {
	gw.FlushSaves()
	gw.mu.Lock()
	gw.closed = true
	gw.mu.Unlock()
	gw.inflight.Wait()
	gw.cancel()
	if se, ok := gw.exec.(*SerialExecutor); ok {
		se.Close()
	}
}
