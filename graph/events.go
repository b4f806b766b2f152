package graph

// EventType indicates what kind of change happened in the graph.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventNodeRemoved
	EventNodeUpdated
	EventEdgeAdded
	EventEdgeRemoved
	// EventLoaded is emitted once after Load swapped in a new graph.
	EventLoaded
)

func (t EventType) String() string {
	switch t {
	case EventNodeAdded:
		return "node_added"
	case EventNodeRemoved:
		return "node_removed"
	case EventNodeUpdated:
		return "node_updated"
	case EventEdgeAdded:
		return "edge_added"
	case EventEdgeRemoved:
		return "edge_removed"
	case EventLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after a mutation has been applied.
type Event struct {
	Type   EventType
	NodeID string
	Source string
	Target string
	Keys   []string // attribute keys touched by EventNodeUpdated
}

// Subscribe registers a callback for graph events. It returns an
// unsubscribe function that is safe to call more than once.
func (g *Graph) Subscribe(fn func(Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	g.subMu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = fn
	g.subMu.Unlock()

	return func() {
		g.subMu.Lock()
		delete(g.subs, id)
		g.subMu.Unlock()
	}
}

// notify fans an event out to subscribers. It must be called without g.mu
// held so callbacks may read the graph.
func (g *Graph) notify(e Event) {
	g.subMu.Lock()
	if len(g.subs) == 0 {
		g.subMu.Unlock()
		return
	}
	subs := make([]func(Event), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	g.subMu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}
