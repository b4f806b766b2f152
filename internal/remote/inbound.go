package remote

import (
	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/logging"
	"github.com/SimoneErba/Flumen/model"
)

// ApplyPosition moves an item onto the location named by u, or detaches it
// when the location is null, and resets its animation. Updates naming an
// unknown item or location are dropped. Applying the same update twice
// leaves the graph as applying it once.
func (gw *Gateway) ApplyPosition(u model.PositionUpdate) bool {
	if gw.g.NodeType(u.ItemID) != graph.TypeItem {
		gw.log.Debug(gw.ctx, "position update for unknown item dropped", logging.String("item_id", u.ItemID))
		return false
	}
	target := ""
	if u.LocationID != nil {
		target = *u.LocationID
	}
	if target != "" && gw.g.NodeType(target) != graph.TypeLocation {
		gw.log.Debug(gw.ctx, "position update for unknown location dropped",
			logging.String("item_id", u.ItemID), logging.String("location_id", target))
		return false
	}
	if gw.anim != nil {
		gw.anim.Forget(u.ItemID)
	}
	if err := gw.g.AttachItem(u.ItemID, target); err != nil {
		gw.log.Warn(gw.ctx, "apply position update", logging.String("item_id", u.ItemID), logging.Err(err))
		return false
	}
	return true
}

// ApplyNode merges pushed properties into an existing node. Updates for
// unknown nodes are dropped. A pushed update arriving while a local drag
// save is pending wins until the next local move.
func (gw *Gateway) ApplyNode(u model.NodeUpdate) bool {
	if !gw.g.HasNode(u.ID) {
		gw.log.Debug(gw.ctx, "node update for unknown node dropped", logging.String("node_id", u.ID))
		return false
	}
	if len(u.Properties) == 0 {
		return true
	}
	if err := gw.g.MergeNodeProperties(u.ID, u.Properties); err != nil {
		gw.log.Warn(gw.ctx, "apply node update", logging.String("node_id", u.ID), logging.Err(err))
		return false
	}
	return true
}
