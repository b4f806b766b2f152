package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/SimoneErba/Flumen/internal/logging"
	"github.com/SimoneErba/Flumen/model"
	"github.com/SimoneErba/Flumen/timectrl"
)

// Feed defaults, matching the browser client.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 4 * time.Second
	DefaultReceiptTimeout = 2 * time.Second
	handshakeTimeout      = 10 * time.Second
)

// Message is a MESSAGE frame delivered to a subscription.
type Message struct {
	Destination string
	Body        []byte
	Header      *frame.Header
}

// FeedMetrics receives feed counters.
type FeedMetrics interface {
	IncFeedReconnect()
	IncFeedMessage(destination string)
}

// FeedOption customises a Feed.
type FeedOption func(*Feed)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) FeedOption {
	return func(f *Feed) {
		if d != nil {
			f.dialer = d
		}
	}
}

// WithReconnectDelay sets the fixed wait between connection attempts.
func WithReconnectDelay(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.reconnectDelay = d
		}
	}
}

// WithHeartbeat sets the outgoing and expected incoming heartbeat
// intervals. Zero disables that direction.
func WithHeartbeat(outgoing, incoming time.Duration) FeedOption {
	return func(f *Feed) {
		f.sendBeat, f.recvBeat = outgoing, incoming
	}
}

// WithReceiptTimeout bounds the wait for the broker to confirm an
// UNSUBSCRIBE or DISCONNECT.
func WithReceiptTimeout(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.receiptTimeout = d
		}
	}
}

// WithFeedLogger sets the feed logger.
func WithFeedLogger(l logging.Logger) FeedOption {
	return func(f *Feed) {
		f.log = logging.OrNoop(l)
	}
}

// WithFeedMetrics attaches a metrics sink.
func WithFeedMetrics(m FeedMetrics) FeedOption {
	return func(f *Feed) {
		f.metrics = m
	}
}

// WithFeedDispatcher routes handler calls onto the engine loop instead of
// the read goroutine.
func WithFeedDispatcher(d timectrl.Dispatcher) FeedOption {
	return func(f *Feed) {
		if d != nil {
			f.dispatch = d
		}
	}
}

type subscription struct {
	id          string
	destination string
	handler     func(Message)
}

// Feed is a STOMP 1.2 client over WebSocket that keeps its subscriptions
// alive across reconnects.
type Feed struct {
	url            string
	host           string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	receiptTimeout time.Duration
	sendBeat       time.Duration
	recvBeat       time.Duration
	log            logging.Logger
	metrics        FeedMetrics
	dispatch       timectrl.Dispatcher

	// silentBroker is set once the broker advertised that it sends no
	// heartbeats; later sessions stop asking for them.
	silentBroker atomic.Bool

	mu     sync.Mutex
	subs   map[string]*subscription
	nextID int
	sess   *session
}

// NewFeed constructs a feed for the broker at rawURL, e.g.
// "ws://localhost:8080/ws/websocket".
func NewFeed(rawURL string, opts ...FeedOption) (*Feed, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url %q: %w", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("parse feed url %q: scheme must be ws or wss", rawURL)
	}
	f := &Feed{
		url:            rawURL,
		host:           u.Hostname(),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: DefaultReconnectDelay,
		receiptTimeout: DefaultReceiptTimeout,
		sendBeat:       DefaultHeartbeat,
		recvBeat:       DefaultHeartbeat,
		log:            logging.Noop(),
		dispatch:       func(fn func()) { fn() },
		subs:           make(map[string]*subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Connected reports whether a STOMP session is currently established.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess != nil
}

// Subscribe registers handler for destination. The subscription is sent
// now if connected and again after every reconnect. The returned function
// unsubscribes and is safe to call more than once.
func (f *Feed) Subscribe(destination string, handler func(Message)) (unsubscribe func()) {
	f.mu.Lock()
	f.nextID++
	sub := &subscription{id: "sub-" + strconv.Itoa(f.nextID), destination: destination, handler: handler}
	f.subs[sub.id] = sub
	sess := f.sess
	f.mu.Unlock()

	if sess != nil {
		if err := f.attach(sess, sub); err != nil {
			f.log.Warn(context.Background(), "feed subscribe failed", logging.String("destination", destination), logging.Err(err))
		}
	}

	return func() {
		f.mu.Lock()
		_, ok := f.subs[sub.id]
		delete(f.subs, sub.id)
		sess := f.sess
		f.mu.Unlock()
		if ok && sess != nil {
			if err := sess.detach(sub.id); err != nil {
				f.log.Debug(context.Background(), "feed unsubscribe failed", logging.String("destination", destination), logging.Err(err))
			}
		}
	}
}

// SubscribePositions decodes /topic/positions messages.
func (f *Feed) SubscribePositions(fn func(model.PositionUpdate)) (unsubscribe func()) {
	return f.Subscribe(model.TopicPositions, func(m Message) {
		var u model.PositionUpdate
		if err := json.Unmarshal(m.Body, &u); err != nil {
			f.log.Warn(context.Background(), "bad position update payload", logging.Err(err))
			return
		}
		fn(u)
	})
}

// SubscribeNodes decodes /topic/nodes/* messages. A payload without an id
// takes it from the destination's last segment.
func (f *Feed) SubscribeNodes(fn func(model.NodeUpdate)) (unsubscribe func()) {
	return f.Subscribe(model.TopicNodes, func(m Message) {
		var u model.NodeUpdate
		if err := json.Unmarshal(m.Body, &u); err != nil {
			f.log.Warn(context.Background(), "bad node update payload",
				logging.String("destination", m.Destination), logging.Err(err))
			return
		}
		if u.ID == "" {
			u.ID = path.Base(m.Destination)
		}
		fn(u)
	})
}

// Run connects and keeps reconnecting with a fixed delay until ctx is
// cancelled. On cancellation it unsubscribes, sends DISCONNECT and returns
// nil.
func (f *Feed) Run(ctx context.Context) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if attempts > 0 && f.metrics != nil {
			f.metrics.IncFeedReconnect()
		}
		attempts++
		err := f.session(ctx)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, fmt.Errorf("%w: %v", ErrStreamDisconnect, err)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(f.reconnectDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.log.Warn(ctx, "feed disconnected; reconnecting",
				logging.Err(err), logging.Duration("wait", wait))
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session is one live STOMP connection and the broker-side subscriptions
// made on it.
type session struct {
	conn   *stomp.Conn
	stream *wsStream
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[string]*stomp.Subscription
}

func (s *session) detach(id string) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// session runs one connection until it fails or ctx is cancelled.
func (f *Feed) session(ctx context.Context) error {
	ws, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	stream := newWSStream(ws)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, err := stomp.ConnectWithContext(hctx, stream, f.connectOptions()...)
	cancel()
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("connect: %w", err)
	}

	s := &session{conn: conn, stream: stream, subs: make(map[string]*stomp.Subscription)}
	f.mu.Lock()
	f.sess = s
	subs := f.orderedSubsLocked()
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		if f.sess == s {
			f.sess = nil
		}
		f.mu.Unlock()
		_ = stream.Close()
		s.wg.Wait()
	}()

	for _, sub := range subs {
		if err := f.attach(s, sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.destination, err)
		}
	}
	f.log.Info(ctx, "feed connected", logging.String("url", f.url), logging.Int("subscriptions", len(subs)))

	select {
	case <-ctx.Done():
		f.teardown(ctx, s)
		return ctx.Err()
	case <-stream.Done():
		return fmt.Errorf("connection lost: %w", stream.Err())
	}
}

func (f *Feed) connectOptions() []func(*stomp.Conn) error {
	recv := f.recvBeat
	if f.silentBroker.Load() {
		recv = 0
	}
	return []func(*stomp.Conn) error{
		stomp.ConnOpt.AcceptVersion(stomp.V12),
		stomp.ConnOpt.Host(f.host),
		stomp.ConnOpt.HeartBeat(f.sendBeat, recv),
		// The broker gets one missed beat of grace before the session drops.
		stomp.ConnOpt.HeartBeatError(recv),
		stomp.ConnOpt.UnsubscribeReceiptTimeout(f.receiptTimeout),
		stomp.ConnOpt.DisconnectReceiptTimeout(f.receiptTimeout),
		stomp.ConnOpt.Logger(stompLogger{log: f.log}),
		stomp.ConnOpt.ResponseHeaders(f.checkHeartBeat),
	}
}

// checkHeartBeat inspects CONNECTED. stomp expects incoming beats at the
// interval we asked for even when the broker sends none, which would drop
// every session after one interval; remember the broker is silent so the
// next session stops asking.
func (f *Feed) checkHeartBeat(h *frame.Header) {
	v, ok := h.Contains(frame.HeartBeat)
	if !ok || f.recvBeat == 0 || f.silentBroker.Load() {
		return
	}
	sx, _, err := frame.ParseHeartBeat(v)
	if err == nil && sx == 0 {
		f.silentBroker.Store(true)
		f.log.Info(context.Background(), "broker sends no heartbeats; not expecting them after reconnect")
	}
}

// attach subscribes sub on s and starts delivering its messages.
func (f *Feed) attach(s *session, sub *subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.id]; ok {
		return nil
	}
	ss, err := s.conn.Subscribe(sub.destination, stomp.AckAuto, stomp.SubscribeOpt.Id(sub.id))
	if err != nil {
		return err
	}
	s.subs[sub.id] = ss
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range ss.C {
			if msg.Err != nil {
				f.log.Debug(context.Background(), "feed subscription ended",
					logging.String("destination", sub.destination), logging.Err(msg.Err))
				continue
			}
			f.deliver(sub, msg)
		}
	}()
	return nil
}

func (f *Feed) deliver(sub *subscription, msg *stomp.Message) {
	if f.metrics != nil {
		f.metrics.IncFeedMessage(msg.Destination)
	}
	if !MatchDestination(sub.destination, msg.Destination) {
		f.log.Debug(context.Background(), "dropping message outside subscription",
			logging.String("subscription", sub.destination), logging.String("destination", msg.Destination))
		return
	}
	f.mu.Lock()
	_, live := f.subs[sub.id]
	f.mu.Unlock()
	if !live {
		return
	}
	m := Message{Destination: msg.Destination, Body: msg.Body, Header: msg.Header}
	f.dispatch(func() { sub.handler(m) })
}

// teardown unsubscribes everything and disconnects. Errors are only
// logged: the stream is closed right after.
func (f *Feed) teardown(ctx context.Context, s *session) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return subOrder(ids[i]) < subOrder(ids[j]) })
	for _, id := range ids {
		if err := s.detach(id); err != nil {
			f.log.Debug(ctx, "feed unsubscribe failed", logging.String("id", id), logging.Err(err))
		}
	}
	if err := s.conn.Disconnect(); err != nil {
		f.log.Debug(ctx, "feed disconnect failed", logging.Err(err))
	}
}

func (f *Feed) orderedSubsLocked() []*subscription {
	subs := make([]*subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subOrder(subs[i].id) < subOrder(subs[j].id) })
	return subs
}

func subOrder(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "sub-"))
	return n
}

// stompLogger routes stomp's internal logging into the feed logger.
type stompLogger struct {
	log logging.Logger
}

func (l stompLogger) Debugf(format string, v ...interface{}) { l.Debug(fmt.Sprintf(format, v...)) }
func (l stompLogger) Infof(format string, v ...interface{})  { l.Info(fmt.Sprintf(format, v...)) }
func (l stompLogger) Warningf(format string, v ...interface{}) {
	l.Warning(fmt.Sprintf(format, v...))
}
func (l stompLogger) Errorf(format string, v ...interface{}) { l.Error(fmt.Sprintf(format, v...)) }

func (l stompLogger) Debug(msg string)   { l.log.Debug(context.Background(), "stomp: "+msg) }
func (l stompLogger) Info(msg string)    { l.log.Debug(context.Background(), "stomp: "+msg) }
func (l stompLogger) Warning(msg string) { l.log.Warn(context.Background(), "stomp: "+msg) }
func (l stompLogger) Error(msg string)   { l.log.Warn(context.Background(), "stomp: "+msg) }

// MatchDestination reports whether destination matches pattern, where a
// "*" segment matches exactly one path segment.
func MatchDestination(pattern, destination string) bool {
	if pattern == destination {
		return true
	}
	ps := strings.Split(pattern, "/")
	ds := strings.Split(destination, "/")
	if len(ps) != len(ds) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ds[i] {
			return false
		}
	}
	return true
}

// IsDisconnect reports whether err came from a dropped feed connection.
func IsDisconnect(err error) bool { return errors.Is(err, ErrStreamDisconnect) }
