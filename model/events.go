package model

// PositionUpdate moves an item to a location. A nil LocationID detaches the
// item from any location.
type PositionUpdate struct {
	ItemID     string  `json:"itemId"`
	LocationID *string `json:"locationId"`
}

// NodeUpdate merges Properties into an existing node.
type NodeUpdate struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// Feed topics published by the backend.
const (
	TopicPositions = "/topic/positions"
	TopicNodes     = "/topic/nodes/*"
)
