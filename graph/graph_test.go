package graph

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/SimoneErba/Flumen/core"
	"github.com/SimoneErba/Flumen/model"
)

type countsRecorder struct {
	locations, items, edges int
	calls                   int
}

func (r *countsRecorder) SetGraphCounts(locations, items, edges int) {
	r.locations, r.items, r.edges = locations, items, edges
	r.calls++
}

func newLocations(t *testing.T, g *Graph, ids ...string) {
	t.Helper()
	for i, id := range ids {
		attrs := map[string]any{AttrX: float64(i), AttrY: 0.0, AttrSpeed: 1.0, AttrLength: 10.0}
		if err := g.AddLocationNode(id, attrs); err != nil {
			t.Fatalf("AddLocationNode(%q) error = %v", id, err)
		}
	}
}

func TestAddNodeDuplicate(t *testing.T) {
	g := New()
	newLocations(t, g, "A")
	err := g.AddLocationNode("A", nil)
	if !errors.Is(err, ErrDuplicateEntity) {
		t.Fatalf("duplicate AddLocationNode error = %v, want ErrDuplicateEntity", err)
	}
	if err := g.AddItemNode("A", nil); !errors.Is(err, ErrDuplicateEntity) {
		t.Fatalf("duplicate AddItemNode error = %v, want ErrDuplicateEntity", err)
	}
	if got := g.NodeType("A"); got != TypeLocation {
		t.Fatalf("NodeType(A) = %q, want location", got)
	}
}

func TestAddEdgeDanglingIsSkipped(t *testing.T) {
	g := New()
	newLocations(t, g, "A")

	err := g.AddConnectionEdge("A", "missing")
	if !errors.Is(err, ErrDanglingReference) {
		t.Fatalf("AddConnectionEdge error = %v, want ErrDanglingReference", err)
	}
	if g.HasEdge("A", "missing") {
		t.Fatalf("dangling edge was added")
	}
	if got := len(g.Edges()); got != 0 {
		t.Fatalf("Edges() len = %d, want 0", got)
	}
}

func TestAddEdgeIdempotent(t *testing.T) {
	g := New()
	newLocations(t, g, "A", "B")
	for i := 0; i < 3; i++ {
		if err := g.AddConnectionEdge("A", "B"); err != nil {
			t.Fatalf("AddConnectionEdge #%d error = %v", i, err)
		}
	}
	if got := g.OutgoingTargets("A"); len(got) != 1 || got[0] != "B" {
		t.Fatalf("OutgoingTargets(A) = %v, want [B]", got)
	}
	if got := len(g.Edges()); got != 1 {
		t.Fatalf("Edges() len = %d, want 1", got)
	}
}

func TestAddEdgeRejectsInvalid(t *testing.T) {
	g := New()
	newLocations(t, g, "A")
	if err := g.AddItemNode("I", nil); err != nil {
		t.Fatalf("AddItemNode error = %v", err)
	}
	if err := g.AddConnectionEdge("A", "A"); !errors.Is(err, ErrInvalidEdge) {
		t.Fatalf("self loop error = %v, want ErrInvalidEdge", err)
	}
	if err := g.AddConnectionEdge("A", "I"); !errors.Is(err, ErrInvalidEdge) {
		t.Fatalf("edge to item error = %v, want ErrInvalidEdge", err)
	}
}

func TestRemoveNodeCascadesEdges(t *testing.T) {
	g := New()
	newLocations(t, g, "A", "B", "C")
	for _, e := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "B"}, {"A", "C"}} {
		if err := g.AddConnectionEdge(e[0], e[1]); err != nil {
			t.Fatalf("AddConnectionEdge(%v) error = %v", e, err)
		}
	}
	if err := g.AddItemNode("I", map[string]any{AttrLocation: "B"}); err != nil {
		t.Fatalf("AddItemNode error = %v", err)
	}

	removal, err := g.RemoveNode("B")
	if err != nil {
		t.Fatalf("RemoveNode error = %v", err)
	}
	if len(removal.Edges) != 3 {
		t.Fatalf("RemoveNode removed %d edges, want 3", len(removal.Edges))
	}
	for _, e := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "B"}} {
		if g.HasEdge(e[0], e[1]) {
			t.Fatalf("edge %v survived removal of B", e)
		}
	}
	if !g.HasEdge("A", "C") {
		t.Fatalf("unrelated edge A->C was removed")
	}
	if loc := g.ItemLocation("I"); loc != "" {
		t.Fatalf("item still attached to %q after its location was removed", loc)
	}

	if err := g.Restore(removal); err != nil {
		t.Fatalf("Restore error = %v", err)
	}
	for _, e := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "B"}, {"A", "C"}} {
		if !g.HasEdge(e[0], e[1]) {
			t.Fatalf("edge %v missing after Restore", e)
		}
	}
	if loc := g.ItemLocation("I"); loc != "B" {
		t.Fatalf("ItemLocation(I) after Restore = %q, want B", loc)
	}
	if got := g.NodeIDs(TypeLocation); fmt.Sprint(got) != "[A B C]" {
		t.Fatalf("discovery order after Restore = %v, want [A B C]", got)
	}
}

func TestRemoveMissing(t *testing.T) {
	g := New()
	if _, err := g.RemoveNode("nope"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("RemoveNode error = %v, want ErrNodeNotFound", err)
	}
	if _, err := g.RemoveEdge("a", "b"); !errors.Is(err, ErrEdgeNotFound) {
		t.Fatalf("RemoveEdge error = %v, want ErrEdgeNotFound", err)
	}
}

func TestAttributes(t *testing.T) {
	g := New()
	newLocations(t, g, "A")

	if err := g.SetNodeAttribute("A", AttrLabel, "Alpha"); err != nil {
		t.Fatalf("SetNodeAttribute error = %v", err)
	}
	if v, ok := g.GetNodeAttribute("A", AttrLabel); !ok || v != "Alpha" {
		t.Fatalf("GetNodeAttribute(label) = %v, %v, want Alpha", v, ok)
	}
	if err := g.SetNodeAttribute("A", AttrType, "item"); !errors.Is(err, ErrReadOnlyAttribute) {
		t.Fatalf("SetNodeAttribute(type) error = %v, want ErrReadOnlyAttribute", err)
	}
	if err := g.SetNodeAttribute("missing", AttrLabel, "x"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("SetNodeAttribute(missing) error = %v, want ErrNodeNotFound", err)
	}

	if err := g.SetPosition("A", core.Vec2{X: 3, Y: 4}); err != nil {
		t.Fatalf("SetPosition error = %v", err)
	}
	if p, ok := g.Position("A"); !ok || p != (core.Vec2{X: 3, Y: 4}) {
		t.Fatalf("Position = %+v, %v, want (3,4)", p, ok)
	}

	// Node returns a copy.
	n, _ := g.Node("A")
	n.Attrs[AttrLabel] = "mutated"
	if v, _ := g.GetNodeAttribute("A", AttrLabel); v != "Alpha" {
		t.Fatalf("Node() result aliases graph state: label = %v", v)
	}
}

func TestAttachItem(t *testing.T) {
	g := New()
	newLocations(t, g, "A", "B")
	if err := g.AddItemNode("I", map[string]any{AttrX: 0.0, AttrY: 0.0}); err != nil {
		t.Fatalf("AddItemNode error = %v", err)
	}
	if err := g.AttachItem("I", "B"); err != nil {
		t.Fatalf("AttachItem error = %v", err)
	}
	if p, _ := g.Position("I"); p != (core.Vec2{X: 1, Y: 0}) {
		t.Fatalf("item position = %+v, want B's (1,0)", p)
	}
	if err := g.AttachItem("I", ""); err != nil {
		t.Fatalf("detach error = %v", err)
	}
	if loc := g.ItemLocation("I"); loc != "" {
		t.Fatalf("ItemLocation after detach = %q", loc)
	}
	if err := g.AttachItem("I", "missing"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("AttachItem(missing) error = %v, want ErrNodeNotFound", err)
	}
}

func TestLoadIsAtomic(t *testing.T) {
	g := New()
	newLocations(t, g, "old")

	bad := Snapshot{Nodes: []Node{{ID: "X", Type: TypeLocation}, {ID: "X", Type: TypeLocation}}}
	if _, err := g.Load(bad); !errors.Is(err, ErrDuplicateEntity) {
		t.Fatalf("Load with duplicates error = %v, want ErrDuplicateEntity", err)
	}
	if !g.HasNode("old") || g.HasNode("X") {
		t.Fatalf("failed Load modified the graph")
	}

	good := Snapshot{
		Nodes: []Node{{ID: "A", Type: TypeLocation}, {ID: "B", Type: TypeLocation}},
		Edges: []Edge{{Source: "A", Target: "B"}, {Source: "B", Target: "gone"}},
	}
	var events []EventType
	g.Subscribe(func(e Event) { events = append(events, e.Type) })

	skipped, err := g.Load(good)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if skipped != 1 {
		t.Fatalf("Load skipped = %d, want 1", skipped)
	}
	if g.HasNode("old") || !g.HasEdge("A", "B") {
		t.Fatalf("Load did not replace the graph")
	}
	if len(events) != 1 || events[0] != EventLoaded {
		t.Fatalf("Load events = %v, want exactly [loaded]", events)
	}
}

func TestConcurrentReadersDuringLoad(t *testing.T) {
	g := New()
	snap := Snapshot{}
	for i := 0; i < 50; i++ {
		snap.Nodes = append(snap.Nodes, Node{ID: fmt.Sprintf("n%d", i), Type: TypeLocation})
	}
	for i := 1; i < 50; i++ {
		snap.Edges = append(snap.Edges, Edge{Source: fmt.Sprintf("n%d", i-1), Target: fmt.Sprintf("n%d", i)})
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = g.Load(snap)
		}()
		go func() {
			defer wg.Done()
			locs, _, edges := g.Counts()
			if locs != 0 && locs != 50 {
				t.Errorf("observed partial graph with %d locations", locs)
			}
			if edges != 0 && edges != 49 {
				t.Errorf("observed partial graph with %d edges", edges)
			}
		}()
	}
	wg.Wait()
}

func TestMetricsRecorder(t *testing.T) {
	rec := &countsRecorder{}
	g := New(WithMetricsRecorder(rec))
	newLocations(t, g, "A", "B")
	if err := g.AddItemNode("I", nil); err != nil {
		t.Fatalf("AddItemNode error = %v", err)
	}
	if err := g.AddConnectionEdge("A", "B"); err != nil {
		t.Fatalf("AddConnectionEdge error = %v", err)
	}
	if rec.locations != 2 || rec.items != 1 || rec.edges != 1 {
		t.Fatalf("recorded counts = %d/%d/%d, want 2/1/1", rec.locations, rec.items, rec.edges)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	g := New()
	var got []Event
	unsubscribe := g.Subscribe(func(e Event) { got = append(got, e) })
	newLocations(t, g, "A", "B")
	if err := g.AddConnectionEdge("A", "B"); err != nil {
		t.Fatalf("AddConnectionEdge error = %v", err)
	}
	unsubscribe()
	unsubscribe()
	if _, err := g.RemoveNode("A"); err != nil {
		t.Fatalf("RemoveNode error = %v", err)
	}

	want := []EventType{EventNodeAdded, EventNodeAdded, EventEdgeAdded}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.Type != want[i] {
			t.Fatalf("event %d = %v, want %v", i, e.Type, want[i])
		}
	}
}

func TestFromGraphData(t *testing.T) {
	data := model.GraphData{
		Locations: []model.Location{
			{ID: "A", Name: "Alpha", X: model.Float(1), Y: model.Float(2), Speed: 2, Length: 10,
				Items: []model.Item{{ID: "I", Name: "Item"}}},
			{ID: "B", Speed: 1, Length: 5, Items: []model.Item{{ID: "I"}}},
		},
		Connections: []model.Connection{{SourceID: "A", TargetID: "B"}, {SourceID: "B", TargetID: "Z"}},
	}
	snap := FromGraphData(data, 100)
	g := New()
	skipped, err := g.Load(snap)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1 (B->Z)", skipped)
	}

	if p, _ := g.Position("A"); p != (core.Vec2{X: 1, Y: 2}) {
		t.Fatalf("explicit position = %+v, want (1,2)", p)
	}
	if p, _ := g.Position("B"); p != core.ScaledPosition("B", 100) {
		t.Fatalf("hashed position = %+v, want %+v", p, core.ScaledPosition("B", 100))
	}
	if label, _ := g.GetNodeAttribute("B", AttrLabel); label != "B" {
		t.Fatalf("unnamed location label = %v, want its id", label)
	}
	if loc := g.ItemLocation("I"); loc != "A" {
		t.Fatalf("item location = %q, want first listing A", loc)
	}
	if p, _ := g.Position("I"); p != (core.Vec2{X: 1, Y: 2}) {
		t.Fatalf("item position = %+v, want A's position", p)
	}
	if speed, length, ok := g.Transit("A"); !ok || speed != 2 || length != 10 {
		t.Fatalf("Transit(A) = %v, %v, %v, want 2, 10, true", speed, length, ok)
	}
}

func TestMergeNodeProperties(t *testing.T) {
	g := New()
	newLocations(t, g, "A")
	err := g.MergeNodeProperties("A", map[string]any{
		"name":      "Renamed",
		"speed":     3,
		"longitude": 7.5,
		"type":      "item",
		"custom":    "kept",
	})
	if err != nil {
		t.Fatalf("MergeNodeProperties error = %v", err)
	}
	if v, _ := g.GetNodeAttribute("A", AttrLabel); v != "Renamed" {
		t.Fatalf("label = %v, want Renamed", v)
	}
	if v, _ := g.Float("A", AttrSpeed); v != 3 {
		t.Fatalf("speed = %v, want 3", v)
	}
	if v, _ := g.Float("A", AttrX); v != 7.5 {
		t.Fatalf("x = %v, want 7.5", v)
	}
	if g.NodeType("A") != TypeLocation {
		t.Fatalf("node type was overwritten")
	}
	if v, _ := g.GetNodeAttribute("A", "custom"); v != "kept" {
		t.Fatalf("custom = %v, want kept", v)
	}
	if err := g.MergeNodeProperties("missing", map[string]any{"name": "x"}); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("MergeNodeProperties(missing) error = %v, want ErrNodeNotFound", err)
	}
}
