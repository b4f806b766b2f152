package remote

import (
	"context"
	"fmt"

	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/model"
)

// Undo reverts the local effect of a Command.
type Undo func()

// Command is one user edit. Apply performs the optimistic local mutation
// and returns how to revert it; Commit performs the remote write. The
// gateway runs the Undo if and only if Commit fails.
type Command interface {
	Op() string
	Apply() (Undo, error)
	Commit(ctx context.Context, api API) error
}

// CreateLocation adds a location node and posts it.
type CreateLocation struct {
	Graph    *graph.Graph
	Location model.Location
	Scale    float64
}

func (c *CreateLocation) Op() string { return OpCreateLocation }

func (c *CreateLocation) Apply() (Undo, error) {
	id := c.Location.ID
	if err := c.Graph.AddLocationNode(id, graph.LocationAttrs(c.Location, c.Scale)); err != nil {
		return nil, err
	}
	return func() {
		if c.Graph.HasNode(id) {
			_, _ = c.Graph.RemoveNode(id)
		}
	}, nil
}

func (c *CreateLocation) Commit(ctx context.Context, api API) error {
	p := graph.LocationPosition(c.Location, c.Scale)
	return api.CreateLocation(ctx, model.LocationInput{
		ID:        c.Location.ID,
		Name:      c.Location.Name,
		Longitude: p.X,
		Latitude:  p.Y,
		Speed:     c.Location.Speed,
		Length:    c.Location.Length,
		Active:    c.Location.Active,
	})
}

// CreateConnection adds the edge Source -> Target and posts it.
type CreateConnection struct {
	Graph          *graph.Graph
	Source, Target string
}

func (c *CreateConnection) Op() string { return OpCreateConnection }

func (c *CreateConnection) Apply() (Undo, error) {
	if c.Graph.HasEdge(c.Source, c.Target) {
		return nil, fmt.Errorf("%w: %s", graph.ErrDuplicateEntity, graph.EdgeKey(c.Source, c.Target))
	}
	if err := c.Graph.AddConnectionEdge(c.Source, c.Target); err != nil {
		return nil, err
	}
	return func() {
		_, _ = c.Graph.RemoveEdge(c.Source, c.Target)
	}, nil
}

func (c *CreateConnection) Commit(ctx context.Context, api API) error {
	return api.CreateConnection(ctx, model.ConnectionInput{Location1ID: c.Source, Location2ID: c.Target})
}

// UpdateLocation merges backend properties into a node and patches them.
type UpdateLocation struct {
	Graph      *graph.Graph
	ID         string
	Properties map[string]any
	op         string
}

func (c *UpdateLocation) Op() string {
	if c.op != "" {
		return c.op
	}
	return OpUpdateLocation
}

func (c *UpdateLocation) Apply() (Undo, error) {
	prev, err := captureAttrs(c.Graph, c.ID, c.Properties)
	if err != nil {
		return nil, err
	}
	if err := c.Graph.MergeNodeProperties(c.ID, c.Properties); err != nil {
		return nil, err
	}
	return prev.restore, nil
}

func (c *UpdateLocation) Commit(ctx context.Context, api API) error {
	return api.UpdateLocation(ctx, model.UpdateModel{ID: c.ID, Properties: c.Properties})
}

// DeleteLocation removes a location with its incident connections. The
// backend cascades, so a single remote call is made.
type DeleteLocation struct {
	Graph *graph.Graph
	ID    string
}

func (c *DeleteLocation) Op() string { return OpDeleteLocation }

func (c *DeleteLocation) Apply() (Undo, error) {
	if c.Graph.NodeType(c.ID) != graph.TypeLocation {
		return nil, fmt.Errorf("%w: location %q", graph.ErrNodeNotFound, c.ID)
	}
	removal, err := c.Graph.RemoveNode(c.ID)
	if err != nil {
		return nil, err
	}
	return func() {
		_ = c.Graph.Restore(removal)
	}, nil
}

func (c *DeleteLocation) Commit(ctx context.Context, api API) error {
	return api.DeleteLocation(ctx, c.ID)
}

// DeleteConnection removes the edge Source -> Target.
type DeleteConnection struct {
	Graph          *graph.Graph
	Source, Target string
}

func (c *DeleteConnection) Op() string { return OpDeleteConnection }

func (c *DeleteConnection) Apply() (Undo, error) {
	if _, err := c.Graph.RemoveEdge(c.Source, c.Target); err != nil {
		return nil, err
	}
	return func() {
		_ = c.Graph.AddConnectionEdge(c.Source, c.Target)
	}, nil
}

func (c *DeleteConnection) Commit(ctx context.Context, api API) error {
	return api.DeleteConnection(ctx, c.Source, c.Target)
}

// ReverseConnection replaces Source -> Target with Target -> Source and
// writes Properties onto the new source (the old Target). The backend sees
// a delete followed by a create, which is not atomic.
type ReverseConnection struct {
	Graph          *graph.Graph
	Source, Target string
	Properties     map[string]any

	existed bool // the opposite edge was already present
}

func (c *ReverseConnection) Op() string { return OpReverseConnection }

func (c *ReverseConnection) Apply() (Undo, error) {
	if !c.Graph.HasEdge(c.Source, c.Target) {
		return nil, fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, graph.EdgeKey(c.Source, c.Target))
	}
	prev, err := captureAttrs(c.Graph, c.Target, c.Properties)
	if err != nil {
		return nil, err
	}
	c.existed = c.Graph.HasEdge(c.Target, c.Source)

	if _, err := c.Graph.RemoveEdge(c.Source, c.Target); err != nil {
		return nil, err
	}
	if !c.existed {
		if err := c.Graph.AddConnectionEdge(c.Target, c.Source); err != nil {
			_ = c.Graph.AddConnectionEdge(c.Source, c.Target)
			return nil, err
		}
	}
	if len(c.Properties) > 0 {
		if err := c.Graph.MergeNodeProperties(c.Target, c.Properties); err != nil {
			if !c.existed {
				_, _ = c.Graph.RemoveEdge(c.Target, c.Source)
			}
			_ = c.Graph.AddConnectionEdge(c.Source, c.Target)
			return nil, err
		}
	}

	existed := c.existed
	return func() {
		if !existed {
			_, _ = c.Graph.RemoveEdge(c.Target, c.Source)
		}
		_ = c.Graph.AddConnectionEdge(c.Source, c.Target)
		prev.restore()
	}, nil
}

func (c *ReverseConnection) Commit(ctx context.Context, api API) error {
	if err := api.DeleteConnection(ctx, c.Source, c.Target); err != nil {
		return err
	}
	if !c.existed {
		if err := api.CreateConnection(ctx, model.ConnectionInput{Location1ID: c.Target, Location2ID: c.Source}); err != nil {
			return err
		}
	}
	if len(c.Properties) == 0 {
		return nil
	}
	return api.UpdateLocation(ctx, model.UpdateModel{ID: c.Target, Properties: c.Properties})
}

// attrSnapshot remembers the values of a set of node attributes so they
// can be put back, including attributes that did not exist.
type attrSnapshot struct {
	g       *graph.Graph
	id      string
	present map[string]any
	absent  []string
}

func captureAttrs(g *graph.Graph, id string, props map[string]any) (attrSnapshot, error) {
	if !g.HasNode(id) {
		return attrSnapshot{}, fmt.Errorf("%w: %q", graph.ErrNodeNotFound, id)
	}
	s := attrSnapshot{g: g, id: id, present: make(map[string]any, len(props))}
	for k := range props {
		key := graph.PropertyAttr(k)
		if v, ok := g.GetNodeAttribute(id, key); ok {
			s.present[key] = v
		} else {
			s.absent = append(s.absent, key)
		}
	}
	return s, nil
}

func (s attrSnapshot) restore() {
	if s.g == nil || !s.g.HasNode(s.id) {
		return
	}
	if len(s.present) > 0 {
		_ = s.g.SetNodeAttributes(s.id, s.present)
	}
	for _, key := range s.absent {
		_ = s.g.DeleteNodeAttribute(s.id, key)
	}
}
