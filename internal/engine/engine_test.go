package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/SimoneErba/Flumen/core"
	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/interaction"
	"github.com/SimoneErba/Flumen/internal/layout"
	"github.com/SimoneErba/Flumen/internal/remote"
	"github.com/SimoneErba/Flumen/model"
	"github.com/SimoneErba/Flumen/timectrl"
)

var t0 = time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)

const waitTimeout = 2 * time.Second

// backend serves GET /graph and accepts writes, failing the methods listed
// in fail.
type backend struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func newBackend(t *testing.T, data model.GraphData) *backend {
	t.Helper()
	b := &backend{fail: make(map[string]bool)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.calls = append(b.calls, key)
		fail := b.fail[key]
		b.mu.Unlock()
		switch {
		case fail:
			http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		case key == "GET /graph":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(data)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) setFail(key string) {
	b.mu.Lock()
	b.fail[key] = true
	b.mu.Unlock()
}

func (b *backend) count(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == key {
			n++
		}
	}
	return n
}

func lineGraph() model.GraphData {
	return model.GraphData{
		Locations: []model.Location{
			{ID: "A", Name: "Dock", X: model.Float(0), Y: model.Float(0), Speed: 1, Length: 10,
				Items: []model.Item{{ID: "i1", Name: "crate"}}},
			{ID: "B", Name: "Yard", X: model.Float(10), Y: model.Float(0), Speed: 0, Length: 0},
		},
		Connections: []model.Connection{
			{SourceID: "A", TargetID: "B"},
			{SourceID: "A", TargetID: "gone"},
		},
	}
}

func newEngine(t *testing.T, b *backend, opts ...Option) *Engine {
	t.Helper()
	api, err := remote.NewRESTClient(b.srv.URL)
	if err != nil {
		t.Fatalf("NewRESTClient() error = %v", err)
	}
	base := []Option{
		WithClock(timectrl.NewManualClock(t0)),
		WithFrameInterval(time.Hour),
	}
	e := New(api, append(base, opts...)...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func position(t *testing.T, e *Engine, id string) core.Vec2 {
	t.Helper()
	var p core.Vec2
	if err := e.Do(func() { p, _ = e.Graph().Position(id) }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	return p
}

func TestStartLoadsGraphAndSkipsDanglingConnections(t *testing.T) {
	b := newBackend(t, lineGraph())
	e := newEngine(t, b)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	var locations, items, edges int
	_ = e.Do(func() { locations, items, edges = e.Graph().Counts() })
	if locations != 2 || items != 1 || edges != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", locations, items, edges)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Start() error = %v, want ErrStarted", err)
	}
}

func TestStartFailsWhenGraphUnavailable(t *testing.T) {
	b := newBackend(t, lineGraph())
	b.setFail("GET /graph")
	e := newEngine(t, b)
	var herr *remote.HTTPError
	if err := e.Start(context.Background()); !errors.As(err, &herr) || herr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Start() error = %v, want HTTP 503", err)
	}
}

func TestFramesAnimateItemsAndRefreshSurface(t *testing.T) {
	b := newBackend(t, lineGraph())
	var refreshes []time.Time
	e := newEngine(t, b, WithSurface(SurfaceFunc(func(now time.Time, _ *graph.Graph) {
		refreshes = append(refreshes, now)
	})))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	steps := []struct {
		at   time.Duration
		want core.Vec2
	}{
		{0, core.Vec2{X: 0, Y: 0}},
		{5 * time.Second, core.Vec2{X: 5, Y: 0}},
		{10 * time.Second, core.Vec2{X: 10, Y: 0}},
		{20 * time.Second, core.Vec2{X: 10, Y: 0}},
	}
	for _, s := range steps {
		if err := e.Step(t0.Add(s.at)); err != nil {
			t.Fatalf("Step(%v) error = %v", s.at, err)
		}
		if got := position(t, e, "i1"); got != s.want {
			t.Fatalf("item at +%v = %v, want %v", s.at, got, s.want)
		}
	}
	var loc string
	_ = e.Do(func() { loc = e.Graph().ItemLocation("i1") })
	if loc != "B" {
		t.Fatalf("item location = %q, want B", loc)
	}
	if len(refreshes) != len(steps) {
		t.Fatalf("surface refreshed %d times, want %d", len(refreshes), len(steps))
	}
}

func TestRemovedItemLeavesTransitTable(t *testing.T) {
	b := newBackend(t, lineGraph())
	e := newEngine(t, b)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Step(t0.Add(time.Second)); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	var active int
	_ = e.Do(func() { active = e.Animation().Active() })
	if active != 1 {
		t.Fatalf("active transits = %d, want 1", active)
	}

	_ = e.Do(func() {
		_, _ = e.Graph().RemoveNode("i1")
		active = e.Animation().Active()
	})
	if active != 0 {
		t.Fatalf("active transits after removal = %d, want 0", active)
	}
	if err := e.Step(t0.Add(5 * time.Second)); err != nil {
		t.Fatalf("Step() after removal error = %v", err)
	}
}

func TestRolledBackDeleteResumesTransit(t *testing.T) {
	b := newBackend(t, lineGraph())
	b.setFail("DELETE /locations/B")
	e := newEngine(t, b)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Step(t0); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if err := e.Step(t0.Add(5 * time.Second)); err != nil {
		t.Fatalf("Step() error = %v", err)
	}

	var delErr error
	_ = e.Do(func() { delErr = e.Gateway().DeleteLocation("B") })
	if delErr != nil {
		t.Fatalf("DeleteLocation() error = %v", delErr)
	}
	if err := e.Step(t0.Add(6 * time.Second)); err != nil {
		t.Fatalf("Step() error = %v", err)
	}

	deadline := time.Now().Add(waitTimeout)
	for {
		var present bool
		_ = e.Do(func() { present = e.Graph().HasNode("B") })
		if present {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("B was not restored after the failed delete")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for at := 7 * time.Second; at <= 30*time.Second; at += time.Second {
		if err := e.Step(t0.Add(at)); err != nil {
			t.Fatalf("Step(%v) error = %v", at, err)
		}
	}
	var loc string
	_ = e.Do(func() { loc = e.Graph().ItemLocation("i1") })
	if loc != "B" {
		t.Fatalf("item location = %q, want B", loc)
	}
	if got := position(t, e, "i1"); got != (core.Vec2{X: 10, Y: 0}) {
		t.Fatalf("item at %v, want (10,0)", got)
	}
}

func TestFailedWriteRollsBackOnLoop(t *testing.T) {
	b := newBackend(t, lineGraph())
	b.setFail("POST /locations")
	var mu sync.Mutex
	var failures []*remote.WriteError
	e := newEngine(t, b,
		WithNotifier(func(err *remote.WriteError) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}),
		WithInteractionOptions(interaction.WithIDGenerator(func() string { return "L9" })),
	)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var clickErr error
	var created bool
	_ = e.Do(func() {
		clickErr = e.Machine().Click(interaction.PointerEvent{Pos: core.Vec2{X: 50, Y: 50}})
		created = e.Graph().HasNode("L9")
	})
	if clickErr != nil || !created {
		t.Fatalf("Click() error = %v, created = %v", clickErr, created)
	}

	deadline := time.Now().Add(waitTimeout)
	for {
		var present bool
		_ = e.Do(func() { present = e.Graph().HasNode("L9") })
		if !present {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("L9 still present after failed create")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || failures[0].Op != remote.OpCreateLocation {
		t.Fatalf("failures = %v, want one create_location", failures)
	}
	if !errors.Is(failures[0], remote.ErrRemoteWrite) {
		t.Fatalf("failure %v is not ErrRemoteWrite", failures[0])
	}
}

func TestCloseFlushesPendingSaveAndRejectsWork(t *testing.T) {
	b := newBackend(t, lineGraph())
	e := newEngine(t, b)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = e.Do(func() {
		m := e.Machine()
		m.PointerDown(interaction.PointerEvent{NodeID: "B", Pos: core.Vec2{X: 10, Y: 0}})
		m.PointerMove(interaction.PointerEvent{Pos: core.Vec2{X: 12, Y: 3}})
		_ = m.PointerUp(interaction.PointerEvent{Pos: core.Vec2{X: 12, Y: 3}})
	})
	if n := b.count("PATCH /locations"); n != 0 {
		t.Fatalf("PATCH sent before the debounce elapsed: %d", n)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := b.count("PATCH /locations"); n != 1 {
		t.Fatalf("PATCH calls after Close = %d, want 1", n)
	}
	if e.Post(func() {}) {
		t.Fatalf("Post() accepted work after Close")
	}
	if err := e.Do(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Do() after Close error = %v, want ErrClosed", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() after Close error = %v, want ErrClosed", err)
	}
}

func TestLayoutSurvivesRestart(t *testing.T) {
	b := newBackend(t, lineGraph())
	store, err := layout.Open(filepath.Join(t.TempDir(), "layout.db"))
	if err != nil {
		t.Fatalf("layout.Open() error = %v", err)
	}
	defer store.Close()

	first := newEngine(t, b, WithLayoutStore(store))
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = first.Do(func() { _ = first.Graph().SetPosition("B", core.Vec2{X: 40, Y: -2}) })
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := newEngine(t, b, WithLayoutStore(store))
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := position(t, second, "B"); got != (core.Vec2{X: 40, Y: -2}) {
		t.Fatalf("B = %v, want stored (40,-2)", got)
	}
	if got := position(t, second, "A"); got != (core.Vec2{}) {
		t.Fatalf("A = %v, want (0,0)", got)
	}
}

// stompBroker accepts one STOMP session and hands its frames to the test.
// Frames asking for a receipt get one.
type stompBroker struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan *frame.Frame

	writeMu sync.Mutex
}

func newStompBroker(t *testing.T) *stompBroker {
	t.Helper()
	sb := &stompBroker{conns: make(chan *websocket.Conn, 1), frames: make(chan *frame.Frame, 16)}
	upgrader := websocket.Upgrader{}
	sb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := sb.write(conn, frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0")); err != nil {
			return
		}
		sb.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := frame.NewReader(bytes.NewReader(data)).Read()
			if err != nil || f == nil {
				continue
			}
			if receipt, ok := f.Header.Contains(frame.Receipt); ok {
				_ = sb.write(conn, frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
			sb.frames <- f
		}
	}))
	t.Cleanup(sb.srv.Close)
	return sb
}

func (sb *stompBroker) url() string { return "ws" + strings.TrimPrefix(sb.srv.URL, "http") }

func (sb *stompBroker) write(conn *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	sb.writeMu.Lock()
	defer sb.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func TestFeedUpdatesAreAppliedOnLoop(t *testing.T) {
	b := newBackend(t, lineGraph())
	sb := newStompBroker(t)
	feed, err := remote.NewFeed(sb.url(), remote.WithHeartbeat(0, 0), remote.WithReconnectDelay(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewFeed() error = %v", err)
	}
	e := newEngine(t, b, WithFeed(feed))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var conn *websocket.Conn
	select {
	case conn = <-sb.conns:
	case <-time.After(waitTimeout):
		t.Fatalf("engine did not connect to the broker")
	}
	subs := make(map[string]string)
	for len(subs) < 2 {
		select {
		case f := <-sb.frames:
			if f.Command == frame.SUBSCRIBE {
				subs[f.Header.Get(frame.Destination)] = f.Header.Get(frame.Id)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("subscriptions = %v, want positions and nodes", subs)
		}
	}

	send := func(dest, sub, body string) {
		f := frame.New(frame.MESSAGE, frame.Destination, dest, frame.Subscription, sub, frame.MessageId, dest)
		f.Body = []byte(body)
		if err := sb.write(conn, f); err != nil {
			t.Fatalf("broker write: %v", err)
		}
	}
	send(model.TopicPositions, subs[model.TopicPositions], `{"itemId":"i1","locationId":"B"}`)
	send("/topic/nodes/A", subs[model.TopicNodes], `{"id":"A","properties":{"name":"North dock"}}`)

	deadline := time.Now().Add(waitTimeout)
	for {
		var loc string
		var label any
		_ = e.Do(func() {
			loc = e.Graph().ItemLocation("i1")
			label, _ = e.Graph().GetNodeAttribute("A", graph.AttrLabel)
		})
		if loc == "B" && label == "North dock" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item at %q, A label %v; want B and North dock", loc, label)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := position(t, e, "i1"); got != (core.Vec2{X: 10, Y: 0}) {
		t.Fatalf("item position = %v, want B's (10,0)", got)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if feed.Connected() {
		t.Fatalf("feed still connected after Close")
	}
}
