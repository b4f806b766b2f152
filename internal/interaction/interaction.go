// Package interaction turns pointer and keyboard input into graph edits.
//
// The Machine holds exactly one State at a time. Pointer gestures either
// drag a location, draw a new connection from a node, or select a node or
// connection; clicks on empty space create a location. All methods run on
// the engine loop and are not safe for concurrent use.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/SimoneErba/Flumen/core"
	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/logging"
	"github.com/SimoneErba/Flumen/model"
)

var (
	// ErrNoSelection is returned by operations that need a selected node or
	// connection when nothing is selected.
	ErrNoSelection = errors.New("nothing selected")
	// ErrNotDeletable indicates a selected node that cannot be deleted from
	// the editor. Items are owned by the backend.
	ErrNotDeletable = errors.New("node cannot be deleted")
)

// Defaults for locations created by clicking on empty space.
const (
	DefaultLocationName   = "New location"
	DefaultLocationSpeed  = 1.0
	DefaultLocationLength = 10.0
	autoConnectCount      = 2
)

// Kind tags a State.
type Kind int

const (
	Idle Kind = iota
	DraggingNode
	CreatingEdge
	NodeSelected
	EdgeSelected
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case DraggingNode:
		return "dragging_node"
	case CreatingEdge:
		return "creating_edge"
	case NodeSelected:
		return "node_selected"
	case EdgeSelected:
		return "edge_selected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// EdgeSelection is the connection captured by EdgeSelected. Speed and
// Length are those of the endpoint being edited: the source, or the target
// when Reversed.
type EdgeSelection struct {
	Source   string
	Target   string
	Speed    float64
	Length   float64
	Reversed bool
}

// Editing returns the id of the location whose speed and length are shown.
func (e EdgeSelection) Editing() string {
	if e.Reversed {
		return e.Target
	}
	return e.Source
}

// State is the single interaction mode. NodeID is set for DraggingNode,
// NodeSelected and CreatingEdge (its source); Pointer is the live pointer
// of CreatingEdge; Edge is set for EdgeSelected.
type State struct {
	Kind    Kind
	NodeID  string
	Pointer core.Vec2
	Edge    EdgeSelection
}

// PointerEvent is one pointer sample in graph coordinates. NodeID names the
// node under the pointer, or EdgeSource/EdgeTarget the connection under it;
// both empty means the stage.
type PointerEvent struct {
	Pos        core.Vec2
	NodeID     string
	EdgeSource string
	EdgeTarget string
	Modifier   bool
}

func (e PointerEvent) onEdge() bool {
	return e.NodeID == "" && e.EdgeSource != "" && e.EdgeTarget != ""
}

func (e PointerEvent) onStage() bool { return e.NodeID == "" && !e.onEdge() }

// Key is a keyboard command.
type Key int

const (
	KeyDelete Key = iota + 1
	KeyEscape
)

// Gateway is the subset of the remote gateway the machine edits through.
type Gateway interface {
	CreateLocation(loc model.Location) error
	CreateConnection(source, target string) error
	DeleteLocation(id string) error
	DeleteConnection(source, target string) error
	SavePosition(id string, origin core.Vec2)
}

// Option customises a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Machine) {
		m.log = logging.OrNoop(l)
	}
}

// WithIDGenerator replaces uuid.NewString for new location ids.
func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithLocationDefaults sets the name, speed and length of locations created
// by clicking on the stage.
func WithLocationDefaults(name string, speed, length float64) Option {
	return func(m *Machine) {
		m.defaults = model.Location{Name: name, Speed: speed, Length: length, Active: true}
	}
}

// WithStateListener is called after every state change.
func WithStateListener(fn func(prev, next State)) Option {
	return func(m *Machine) {
		m.onChange = fn
	}
}

// Machine is the interaction state machine.
type Machine struct {
	g        *graph.Graph
	gw       Gateway
	log      logging.Logger
	newID    func() string
	defaults model.Location
	onChange func(prev, next State)

	state   State
	hovered string

	// drag bookkeeping, valid while state.Kind == DraggingNode
	origin core.Vec2
	moved  bool
}

// New constructs a machine editing g through gw.
func New(g *graph.Graph, gw Gateway, opts ...Option) *Machine {
	m := &Machine{
		g:     g,
		gw:    gw,
		log:   logging.Noop(),
		newID: uuid.NewString,
		defaults: model.Location{
			Name:   DefaultLocationName,
			Speed:  DefaultLocationSpeed,
			Length: DefaultLocationLength,
			Active: true,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Dragging returns the id of the node being dragged, or "". The animation
// scheduler uses it to leave that node alone.
func (m *Machine) Dragging() string {
	if m.state.Kind == DraggingNode {
		return m.state.NodeID
	}
	return ""
}

// Selection returns the current selection, or false when nothing is
// selected.
func (m *Machine) Selection() (State, bool) {
	switch m.state.Kind {
	case NodeSelected, EdgeSelected:
		return m.state, true
	default:
		return State{}, false
	}
}

// Hover records the node under the pointer; "" clears it.
func (m *Machine) Hover(nodeID string) {
	if nodeID != "" && !m.g.HasNode(nodeID) {
		nodeID = ""
	}
	m.hovered = nodeID
}

// Hovered returns the hovered node id, or "".
func (m *Machine) Hovered() string {
	if m.hovered != "" && !m.g.HasNode(m.hovered) {
		m.hovered = ""
	}
	return m.hovered
}

func (m *Machine) set(next State) {
	prev := m.state
	m.state = next
	if prev.Kind != next.Kind {
		m.log.Debug(context.Background(), "interaction state",
			logging.String("from", prev.Kind.String()), logging.String("to", next.Kind.String()))
	}
	if m.onChange != nil {
		m.onChange(prev, next)
	}
}

// PointerDown starts a gesture on a node: with the modifier held it starts
// drawing a connection, otherwise it starts dragging a location. Items are
// never dragged.
func (m *Machine) PointerDown(ev PointerEvent) {
	if ev.NodeID == "" || !m.g.HasNode(ev.NodeID) {
		return
	}
	if m.state.Kind == DraggingNode || m.state.Kind == CreatingEdge {
		return
	}
	if ev.Modifier {
		m.set(State{Kind: CreatingEdge, NodeID: ev.NodeID, Pointer: ev.Pos})
		return
	}
	if m.g.NodeType(ev.NodeID) == graph.TypeItem {
		return
	}
	origin, _ := m.g.Position(ev.NodeID)
	m.origin, m.moved = origin, false
	m.set(State{Kind: DraggingNode, NodeID: ev.NodeID})
}

// PointerMove moves the dragged node, or the loose end of the connection
// being drawn. Nothing else is touched.
func (m *Machine) PointerMove(ev PointerEvent) {
	switch m.state.Kind {
	case DraggingNode:
		m.moveDragged(ev.Pos)
	case CreatingEdge:
		next := m.state
		next.Pointer = ev.Pos
		m.set(next)
	}
}

func (m *Machine) moveDragged(p core.Vec2) {
	id := m.state.NodeID
	if err := m.g.SetPosition(id, p); err != nil {
		// The node went away under the pointer, e.g. a remote delete.
		m.log.Debug(context.Background(), "dragged node vanished", logging.String("node_id", id))
		m.set(State{})
		return
	}
	m.moved = true
	m.gw.SavePosition(id, m.origin)
}

// PointerUp ends the current gesture. A drag leaves the node where it was
// released with its save pending; a connection drawn onto a different node
// is created. The machine returns to Idle either way.
func (m *Machine) PointerUp(ev PointerEvent) error {
	switch m.state.Kind {
	case DraggingNode:
		if m.moved {
			if pos, ok := m.g.Position(m.state.NodeID); ok && pos != ev.Pos {
				m.moveDragged(ev.Pos)
			}
		}
		if m.state.Kind == DraggingNode {
			m.set(State{})
		}
		return nil
	case CreatingEdge:
		source := m.state.NodeID
		m.set(State{})
		if ev.NodeID == "" || ev.NodeID == source || !m.g.HasNode(ev.NodeID) {
			return nil
		}
		if err := m.gw.CreateConnection(source, ev.NodeID); err != nil {
			m.log.Warn(context.Background(), "create connection rejected",
				logging.String("source_id", source), logging.String("target_id", ev.NodeID), logging.Err(err))
			return err
		}
		return nil
	default:
		return nil
	}
}

// Click handles a completed click. On a node or connection it selects
// it. On the stage it clears an active selection, or creates a location
// at the pointer when nothing was selected.
func (m *Machine) Click(ev PointerEvent) error {
	if m.state.Kind == DraggingNode || m.state.Kind == CreatingEdge {
		return nil
	}
	switch {
	case ev.NodeID != "":
		if !m.g.HasNode(ev.NodeID) {
			return nil
		}
		m.set(State{Kind: NodeSelected, NodeID: ev.NodeID})
		return nil
	case ev.onEdge():
		return m.selectEdge(ev.EdgeSource, ev.EdgeTarget)
	}

	if m.state.Kind != Idle {
		m.set(State{})
		return nil
	}
	return m.createAt(ev.Pos)
}

func (m *Machine) selectEdge(source, target string) error {
	if !m.g.HasEdge(source, target) {
		return fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, graph.EdgeKey(source, target))
	}
	speed, length, _ := m.g.Transit(source)
	m.set(State{Kind: EdgeSelected, Edge: EdgeSelection{Source: source, Target: target, Speed: speed, Length: length}})
	return nil
}

// createAt adds a location at p connected to its nearest neighbours.
func (m *Machine) createAt(p core.Vec2) error {
	nearest := m.nearestLocations(p, autoConnectCount)

	loc := m.defaults
	loc.ID = m.newID()
	loc.X, loc.Y = model.Float(p.X), model.Float(p.Y)
	if err := m.gw.CreateLocation(loc); err != nil {
		m.log.Warn(context.Background(), "create location rejected", logging.String("location_id", loc.ID), logging.Err(err))
		return err
	}
	for _, target := range nearest {
		if err := m.gw.CreateConnection(loc.ID, target); err != nil {
			m.log.Warn(context.Background(), "auto-connect rejected",
				logging.String("source_id", loc.ID), logging.String("target_id", target), logging.Err(err))
		}
	}
	return nil
}

// nearestLocations returns up to n location ids ordered by distance from
// p. Equal distances keep graph insertion order.
func (m *Machine) nearestLocations(p core.Vec2, n int) []string {
	type candidate struct {
		id   string
		dist float64
	}
	var cands []candidate
	for _, id := range m.g.NodeIDs(graph.TypeLocation) {
		pos, ok := m.g.Position(id)
		if !ok {
			continue
		}
		cands = append(cands, candidate{id: id, dist: p.DistanceTo(pos)})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > n {
		cands = cands[:n]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// ToggleReversed flips which endpoint of the selected connection is being
// edited and loads that endpoint's speed and length.
func (m *Machine) ToggleReversed() (EdgeSelection, error) {
	if m.state.Kind != EdgeSelected {
		return EdgeSelection{}, ErrNoSelection
	}
	next := m.state
	next.Edge.Reversed = !next.Edge.Reversed
	speed, length, _ := m.g.Transit(next.Edge.Editing())
	next.Edge.Speed, next.Edge.Length = speed, length
	m.set(next)
	return next.Edge, nil
}

// Key handles a keyboard command.
func (m *Machine) Key(k Key) error {
	switch k {
	case KeyDelete:
		return m.DeleteSelection()
	case KeyEscape:
		m.Cancel()
	}
	return nil
}

// DeleteSelection removes the selected location or connection and returns
// to Idle.
func (m *Machine) DeleteSelection() error {
	var err error
	switch m.state.Kind {
	case NodeSelected:
		id := m.state.NodeID
		if m.g.NodeType(id) == graph.TypeItem {
			return fmt.Errorf("%w: item %q", ErrNotDeletable, id)
		}
		err = m.gw.DeleteLocation(id)
	case EdgeSelected:
		err = m.gw.DeleteConnection(m.state.Edge.Source, m.state.Edge.Target)
	default:
		return ErrNoSelection
	}
	if err != nil {
		return err
	}
	m.set(State{})
	return nil
}

// Cancel abandons any gesture or selection. A cancelled drag puts the node
// back where it started.
func (m *Machine) Cancel() {
	if m.state.Kind == DraggingNode && m.moved {
		id := m.state.NodeID
		if err := m.g.SetPosition(id, m.origin); err == nil {
			m.gw.SavePosition(id, m.origin)
		}
	}
	if m.state.Kind != Idle {
		m.set(State{})
	}
}

// Clear drops the selection after an editor submit.
func (m *Machine) Clear() {
	if _, ok := m.Selection(); ok {
		m.set(State{})
	}
}
