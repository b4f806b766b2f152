// Package graph holds the authoritative in-memory node/edge set that the
// rendering surface reads each frame.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/SimoneErba/Flumen/core"
)

var (
	// ErrDuplicateEntity indicates a node with the same ID already exists.
	ErrDuplicateEntity = errors.New("entity already exists")
	// ErrDanglingReference indicates an edge endpoint is not in the graph.
	// It is non-fatal: the edge is skipped.
	ErrDanglingReference = errors.New("edge references unknown node")
	// ErrNodeNotFound indicates a requested node was not found.
	ErrNodeNotFound = errors.New("node not found")
	// ErrEdgeNotFound indicates a requested edge was not found.
	ErrEdgeNotFound = errors.New("edge not found")
	// ErrInvalidEdge indicates an edge that can never be valid (self loop,
	// or an endpoint that is not a location).
	ErrInvalidEdge = errors.New("invalid edge")
	// ErrReadOnlyAttribute indicates an attempt to overwrite the node type.
	ErrReadOnlyAttribute = errors.New("attribute is read-only")
)

// NodeType distinguishes locations from items.
type NodeType string

const (
	TypeLocation NodeType = "location"
	TypeItem     NodeType = "item"
)

// Attribute keys shared with the rendering surface.
const (
	AttrType     = "type"
	AttrLabel    = "label"
	AttrX        = "x"
	AttrY        = "y"
	AttrSize     = "size"
	AttrSpeed    = "speed"
	AttrLength   = "length"
	AttrActive   = "active"
	AttrLocation = "location" // id of the location an item is at
)

// Node is a rendered vertex.
type Node struct {
	ID    string         `json:"id"`
	Type  NodeType       `json:"type"`
	Attrs map[string]any `json:"attributes"`
}

// Edge is a directed connection between two location nodes.
type Edge struct {
	Source string         `json:"source"`
	Target string         `json:"target"`
	Attrs  map[string]any `json:"attributes,omitempty"`
}

// Key returns the identity of the edge: its ordered endpoint pair.
func (e Edge) Key() string { return EdgeKey(e.Source, e.Target) }

// EdgeKey builds the identity of the directed edge source->target.
func EdgeKey(source, target string) string { return source + "->" + target }

// Snapshot is a full node/edge listing, used for Load and Export.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Removal records what RemoveNode took out of the graph so it can be put
// back with Restore.
type Removal struct {
	Node  Node
	Order int
	Edges []Edge
	Items []string // items that were attached to the removed location
}

// CountsRecorder receives entity counts after structural changes.
type CountsRecorder interface {
	SetGraphCounts(locations, items, edges int)
}

// Option customises Graph construction.
type Option func(*Graph)

// WithMetricsRecorder attaches a recorder for node and edge gauges.
func WithMetricsRecorder(r CountsRecorder) Option {
	return func(g *Graph) {
		g.metrics = r
	}
}

// Graph is a thread-safe directed graph of location and item nodes. Node
// insertion order is preserved and is the "discovery order" used for
// tie-breaks.
type Graph struct {
	mu sync.RWMutex

	nodes     map[string]*Node
	order     []string
	edges     map[string]*Edge
	edgeOrder []string
	out       map[string][]string // source -> targets, insertion order
	in        map[string][]string // target -> sources, insertion order

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int

	metrics CountsRecorder
}

// New constructs an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{subs: make(map[int]func(Event))}
	g.resetLocked()
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func (g *Graph) resetLocked() {
	g.nodes = make(map[string]*Node)
	g.order = nil
	g.edges = make(map[string]*Edge)
	g.edgeOrder = nil
	g.out = make(map[string][]string)
	g.in = make(map[string][]string)
}

// AddLocationNode inserts a location node.
func (g *Graph) AddLocationNode(id string, attrs map[string]any) error {
	return g.addNode(id, TypeLocation, attrs)
}

// AddItemNode inserts an item node.
func (g *Graph) AddItemNode(id string, attrs map[string]any) error {
	return g.addNode(id, TypeItem, attrs)
}

func (g *Graph) addNode(id string, typ NodeType, attrs map[string]any) error {
	if id == "" {
		return fmt.Errorf("%w: empty node id", ErrNodeNotFound)
	}
	g.mu.Lock()
	if err := g.addNodeLocked(&Node{ID: id, Type: typ, Attrs: copyAttrs(attrs)}, -1); err != nil {
		g.mu.Unlock()
		return err
	}
	g.updateMetricsLocked()
	g.mu.Unlock()

	g.notify(Event{Type: EventNodeAdded, NodeID: id})
	return nil
}

// addNodeLocked inserts n at position pos in the discovery order, or at the
// end when pos is out of range. Caller must hold g.mu.
func (g *Graph) addNodeLocked(n *Node, pos int) error {
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateEntity, n.ID)
	}
	if n.Attrs == nil {
		n.Attrs = make(map[string]any)
	}
	n.Attrs[AttrType] = string(n.Type)
	g.nodes[n.ID] = n
	if pos < 0 || pos >= len(g.order) {
		g.order = append(g.order, n.ID)
		return nil
	}
	g.order = append(g.order, "")
	copy(g.order[pos+1:], g.order[pos:])
	g.order[pos] = n.ID
	return nil
}

// AddConnectionEdge inserts the directed edge source->target. Adding an edge
// that already exists is a no-op. A missing endpoint yields
// ErrDanglingReference and leaves the graph untouched.
func (g *Graph) AddConnectionEdge(source, target string) error {
	g.mu.Lock()
	added, err := g.addEdgeLocked(&Edge{Source: source, Target: target})
	if added {
		g.updateMetricsLocked()
	}
	g.mu.Unlock()

	if err != nil {
		return err
	}
	if added {
		g.notify(Event{Type: EventEdgeAdded, Source: source, Target: target})
	}
	return nil
}

func (g *Graph) addEdgeLocked(e *Edge) (bool, error) {
	if e.Source == e.Target {
		return false, fmt.Errorf("%w: self loop on %q", ErrInvalidEdge, e.Source)
	}
	src, ok := g.nodes[e.Source]
	if !ok {
		return false, fmt.Errorf("%w: source %q", ErrDanglingReference, e.Source)
	}
	tgt, ok := g.nodes[e.Target]
	if !ok {
		return false, fmt.Errorf("%w: target %q", ErrDanglingReference, e.Target)
	}
	if src.Type != TypeLocation || tgt.Type != TypeLocation {
		return false, fmt.Errorf("%w: %s connects non-location nodes", ErrInvalidEdge, e.Key())
	}
	key := e.Key()
	if _, exists := g.edges[key]; exists {
		return false, nil
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	g.edges[key] = e
	g.edgeOrder = append(g.edgeOrder, key)
	g.out[e.Source] = append(g.out[e.Source], e.Target)
	g.in[e.Target] = append(g.in[e.Target], e.Source)
	return true, nil
}

// RemoveEdge deletes the directed edge source->target and returns it.
func (g *Graph) RemoveEdge(source, target string) (Edge, error) {
	g.mu.Lock()
	e, ok := g.removeEdgeLocked(source, target)
	if ok {
		g.updateMetricsLocked()
	}
	g.mu.Unlock()

	if !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrEdgeNotFound, EdgeKey(source, target))
	}
	g.notify(Event{Type: EventEdgeRemoved, Source: source, Target: target})
	return e, nil
}

func (g *Graph) removeEdgeLocked(source, target string) (Edge, bool) {
	key := EdgeKey(source, target)
	e, ok := g.edges[key]
	if !ok {
		return Edge{}, false
	}
	delete(g.edges, key)
	g.edgeOrder = removeString(g.edgeOrder, key)
	g.out[source] = removeString(g.out[source], target)
	if len(g.out[source]) == 0 {
		delete(g.out, source)
	}
	g.in[target] = removeString(g.in[target], source)
	if len(g.in[target]) == 0 {
		delete(g.in, target)
	}
	return copyEdge(e), true
}

// RemoveNode deletes a node together with every edge incident to it. Items
// attached to a removed location are detached but stay in the graph.
func (g *Graph) RemoveNode(id string) (Removal, error) {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return Removal{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}

	removal := Removal{Node: copyNode(n), Order: indexOf(g.order, id)}
	for _, target := range append([]string(nil), g.out[id]...) {
		if e, ok := g.removeEdgeLocked(id, target); ok {
			removal.Edges = append(removal.Edges, e)
		}
	}
	for _, source := range append([]string(nil), g.in[id]...) {
		if e, ok := g.removeEdgeLocked(source, id); ok {
			removal.Edges = append(removal.Edges, e)
		}
	}
	if n.Type == TypeLocation {
		for _, nid := range g.order {
			item := g.nodes[nid]
			if item.Type == TypeItem && item.Attrs[AttrLocation] == id {
				delete(item.Attrs, AttrLocation)
				removal.Items = append(removal.Items, nid)
			}
		}
	}
	delete(g.nodes, id)
	g.order = removeString(g.order, id)
	g.updateMetricsLocked()
	g.mu.Unlock()

	for _, e := range removal.Edges {
		g.notify(Event{Type: EventEdgeRemoved, Source: e.Source, Target: e.Target})
	}
	g.notify(Event{Type: EventNodeRemoved, NodeID: id})
	return removal, nil
}

// Restore reinserts a node removed by RemoveNode together with its edges
// and item attachments. Edges whose other endpoint has since disappeared
// are skipped.
func (g *Graph) Restore(r Removal) error {
	g.mu.Lock()
	n := copyNode(&r.Node)
	if err := g.addNodeLocked(&n, r.Order); err != nil {
		g.mu.Unlock()
		return err
	}
	var restored []Edge
	for i := range r.Edges {
		e := copyEdge(&r.Edges[i])
		if added, err := g.addEdgeLocked(&e); err == nil && added {
			restored = append(restored, e)
		}
	}
	for _, itemID := range r.Items {
		if item, ok := g.nodes[itemID]; ok && item.Type == TypeItem {
			if _, attached := item.Attrs[AttrLocation]; !attached {
				item.Attrs[AttrLocation] = r.Node.ID
			}
		}
	}
	g.updateMetricsLocked()
	g.mu.Unlock()

	g.notify(Event{Type: EventNodeAdded, NodeID: r.Node.ID})
	for _, e := range restored {
		g.notify(Event{Type: EventEdgeAdded, Source: e.Source, Target: e.Target})
	}
	return nil
}

// SetNodeAttribute sets a single attribute on a node. The node type cannot
// be changed this way.
func (g *Graph) SetNodeAttribute(id, key string, value any) error {
	if key == AttrType {
		return fmt.Errorf("%w: %q", ErrReadOnlyAttribute, key)
	}
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	n.Attrs[key] = value
	g.mu.Unlock()

	g.notify(Event{Type: EventNodeUpdated, NodeID: id, Keys: []string{key}})
	return nil
}

// SetNodeAttributes sets several attributes in one step. Unknown keys are
// added; AttrType is ignored.
func (g *Graph) SetNodeAttributes(id string, attrs map[string]any) error {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if k == AttrType {
			continue
		}
		n.Attrs[k] = v
		keys = append(keys, k)
	}
	g.mu.Unlock()

	g.notify(Event{Type: EventNodeUpdated, NodeID: id, Keys: keys})
	return nil
}

// DeleteNodeAttribute removes an attribute from a node.
func (g *Graph) DeleteNodeAttribute(id, key string) error {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	delete(n.Attrs, key)
	g.mu.Unlock()

	g.notify(Event{Type: EventNodeUpdated, NodeID: id, Keys: []string{key}})
	return nil
}

// GetNodeAttribute returns a single attribute of a node.
func (g *Graph) GetNodeAttribute(id, key string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	v, ok := n.Attrs[key]
	return v, ok
}

// HasNode reports whether a node exists.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// HasEdge reports whether the directed edge source->target exists.
func (g *Graph) HasEdge(source, target string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[EdgeKey(source, target)]
	return ok
}

// OutgoingEdgesOf lists edges leaving id in insertion order.
func (g *Graph) OutgoingEdgesOf(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	targets := g.out[id]
	res := make([]Edge, 0, len(targets))
	for _, t := range targets {
		res = append(res, copyEdge(g.edges[EdgeKey(id, t)]))
	}
	return res
}

// OutgoingTargets lists the unique targets reachable from id in one hop.
func (g *Graph) OutgoingTargets(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.out[id]...)
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return copyNode(n), true
}

// NodeType returns the type of a node, or "" when it does not exist.
func (g *Graph) NodeType(id string) NodeType {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.Type
	}
	return ""
}

// NodeIDs lists IDs of nodes of the given type in discovery order.
func (g *Graph) NodeIDs(typ NodeType) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if g.nodes[id].Type == typ {
			res = append(res, id)
		}
	}
	return res
}

// Nodes returns copies of all nodes in discovery order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		res = append(res, copyNode(g.nodes[id]))
	}
	return res
}

// Edges returns copies of all edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res := make([]Edge, 0, len(g.edgeOrder))
	for _, key := range g.edgeOrder {
		res = append(res, copyEdge(g.edges[key]))
	}
	return res
}

// Position returns the x/y attributes of a node.
func (g *Graph) Position(id string) (core.Vec2, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return core.Vec2{}, false
	}
	return positionOf(n)
}

// SetPosition writes both coordinates of a node in one step.
func (g *Graph) SetPosition(id string, p core.Vec2) error {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	n.Attrs[AttrX] = p.X
	n.Attrs[AttrY] = p.Y
	g.mu.Unlock()

	g.notify(Event{Type: EventNodeUpdated, NodeID: id, Keys: []string{AttrX, AttrY}})
	return nil
}

// Float returns a numeric attribute of a node.
func (g *Graph) Float(id, key string) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return 0, false
	}
	return toFloat(n.Attrs[key])
}

// Transit returns the speed and length of a location.
func (g *Graph) Transit(id string) (speed, length float64, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, exists := g.nodes[id]
	if !exists || n.Type != TypeLocation {
		return 0, 0, false
	}
	speed, _ = toFloat(n.Attrs[AttrSpeed])
	length, _ = toFloat(n.Attrs[AttrLength])
	return speed, length, true
}

// ItemLocation returns the location an item is attached to, or "".
func (g *Graph) ItemLocation(itemID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[itemID]
	if !ok {
		return ""
	}
	loc, _ := n.Attrs[AttrLocation].(string)
	return loc
}

// AttachItem places an item at a location, moving it onto the location's
// coordinates. An empty locationID detaches the item where it stands.
func (g *Graph) AttachItem(itemID, locationID string) error {
	g.mu.Lock()
	item, ok := g.nodes[itemID]
	if !ok || item.Type != TypeItem {
		g.mu.Unlock()
		return fmt.Errorf("%w: item %q", ErrNodeNotFound, itemID)
	}
	keys := []string{AttrLocation}
	if locationID == "" {
		delete(item.Attrs, AttrLocation)
	} else {
		loc, ok := g.nodes[locationID]
		if !ok || loc.Type != TypeLocation {
			g.mu.Unlock()
			return fmt.Errorf("%w: location %q", ErrNodeNotFound, locationID)
		}
		item.Attrs[AttrLocation] = locationID
		if p, ok := positionOf(loc); ok {
			item.Attrs[AttrX] = p.X
			item.Attrs[AttrY] = p.Y
			keys = append(keys, AttrX, AttrY)
		}
	}
	g.mu.Unlock()

	g.notify(Event{Type: EventNodeUpdated, NodeID: itemID, Keys: keys})
	return nil
}

// Load replaces the whole graph with snapshot s in one step. The new node
// and edge set is built aside and swapped in under the write lock, so
// readers never observe a partially built graph. Edges with a missing
// endpoint are skipped and counted; a duplicate node ID aborts the load and
// leaves the current graph in place.
func (g *Graph) Load(s Snapshot) (skipped int, err error) {
	next := &Graph{}
	next.resetLocked()
	for i := range s.Nodes {
		n := copyNode(&s.Nodes[i])
		if n.Type == "" {
			if t, ok := n.Attrs[AttrType].(string); ok {
				n.Type = NodeType(t)
			} else {
				n.Type = TypeLocation
			}
		}
		if err := next.addNodeLocked(&n, -1); err != nil {
			return 0, err
		}
	}
	for i := range s.Edges {
		e := copyEdge(&s.Edges[i])
		if _, err := next.addEdgeLocked(&e); err != nil {
			skipped++
		}
	}

	g.mu.Lock()
	g.nodes, g.order = next.nodes, next.order
	g.edges, g.edgeOrder = next.edges, next.edgeOrder
	g.out, g.in = next.out, next.in
	g.updateMetricsLocked()
	g.mu.Unlock()

	g.notify(Event{Type: EventLoaded})
	return skipped, nil
}

// Export returns a deep copy of the graph as a snapshot.
func (g *Graph) Export() Snapshot {
	return Snapshot{Nodes: g.Nodes(), Edges: g.Edges()}
}

// Counts returns the number of locations, items and edges.
func (g *Graph) Counts() (locations, items, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.countsLocked()
}

func (g *Graph) countsLocked() (locations, items, edges int) {
	for _, n := range g.nodes {
		switch n.Type {
		case TypeLocation:
			locations++
		case TypeItem:
			items++
		}
	}
	return locations, items, len(g.edges)
}

func (g *Graph) updateMetricsLocked() {
	if g.metrics == nil {
		return
	}
	g.metrics.SetGraphCounts(g.countsLocked())
}

func positionOf(n *Node) (core.Vec2, bool) {
	x, okX := toFloat(n.Attrs[AttrX])
	y, okY := toFloat(n.Attrs[AttrY])
	if !okX || !okY {
		return core.Vec2{}, false
	}
	return core.Vec2{X: x, Y: y}, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func copyAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyNode(n *Node) Node {
	return Node{ID: n.ID, Type: n.Type, Attrs: copyAttrs(n.Attrs)}
}

func copyEdge(e *Edge) Edge {
	return Edge{Source: e.Source, Target: e.Target, Attrs: copyAttrs(e.Attrs)}
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
