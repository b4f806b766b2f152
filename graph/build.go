package graph

import (
	"github.com/SimoneErba/Flumen/core"
	"github.com/SimoneErba/Flumen/model"
)

// Default rendered sizes for the two node kinds.
const (
	LocationSize = 10.0
	ItemSize     = 8.0
)

// LocationPosition returns the explicit position of loc, or a position
// hashed from its ID and stretched by scale when none was assigned.
func LocationPosition(loc model.Location, scale float64) core.Vec2 {
	if loc.HasPosition() {
		return core.Vec2{X: *loc.X, Y: *loc.Y}
	}
	return core.ScaledPosition(loc.ID, scale)
}

// LocationAttrs builds the attribute set of a rendered location node.
func LocationAttrs(loc model.Location, scale float64) map[string]any {
	attrs := make(map[string]any, len(loc.Properties)+6)
	for k, v := range loc.Properties {
		attrs[PropertyAttr(k)] = v
	}
	p := LocationPosition(loc, scale)
	label := loc.Name
	if label == "" {
		label = loc.ID
	}
	attrs[AttrLabel] = label
	attrs[AttrX] = p.X
	attrs[AttrY] = p.Y
	attrs[AttrSize] = LocationSize
	attrs[AttrSpeed] = loc.Speed
	attrs[AttrLength] = loc.Length
	attrs[AttrActive] = loc.Active
	return attrs
}

// FromGraphData translates a backend snapshot into renderable nodes and
// edges. Items listed on a location become item nodes sitting on that
// location; an item listed twice keeps its first location.
func FromGraphData(data model.GraphData, scale float64) Snapshot {
	s := Snapshot{
		Nodes: make([]Node, 0, len(data.Locations)),
		Edges: make([]Edge, 0, len(data.Connections)),
	}
	seen := make(map[string]bool, len(data.Locations))

	for _, loc := range data.Locations {
		if loc.ID == "" || seen[loc.ID] {
			continue
		}
		seen[loc.ID] = true
		s.Nodes = append(s.Nodes, Node{ID: loc.ID, Type: TypeLocation, Attrs: LocationAttrs(loc, scale)})
	}
	for _, loc := range data.Locations {
		p := LocationPosition(loc, scale)
		for _, item := range loc.Items {
			if item.ID == "" || seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			label := item.Name
			if label == "" {
				label = item.ID
			}
			attrs := make(map[string]any, len(item.Properties)+5)
			for k, v := range item.Properties {
				attrs[PropertyAttr(k)] = v
			}
			attrs[AttrLabel] = label
			attrs[AttrX] = p.X
			attrs[AttrY] = p.Y
			attrs[AttrSize] = ItemSize
			attrs[AttrLocation] = loc.ID
			s.Nodes = append(s.Nodes, Node{ID: item.ID, Type: TypeItem, Attrs: attrs})
		}
	}
	for _, c := range data.Connections {
		s.Edges = append(s.Edges, Edge{Source: c.SourceID, Target: c.TargetID})
	}
	return s
}

// PropertyAttr maps a backend property name onto the attribute key used in
// the graph.
func PropertyAttr(prop string) string {
	switch prop {
	case "name":
		return AttrLabel
	case "longitude":
		return AttrX
	case "latitude":
		return AttrY
	default:
		return prop
	}
}

// AttrProperty is the inverse of PropertyAttr.
func AttrProperty(attr string) string {
	switch attr {
	case AttrLabel:
		return "name"
	case AttrX:
		return "longitude"
	case AttrY:
		return "latitude"
	default:
		return attr
	}
}

// MergeNodeProperties merges backend properties into an existing node.
// Keys that would change the node type or the item's location are ignored.
func (g *Graph) MergeNodeProperties(id string, props map[string]any) error {
	attrs := make(map[string]any, len(props))
	for k, v := range props {
		key := PropertyAttr(k)
		if key == AttrType || key == AttrLocation {
			continue
		}
		if f, ok := toFloat(v); ok {
			v = f
		}
		attrs[key] = v
	}
	return g.SetNodeAttributes(id, attrs)
}
