package model

// Connection is a directed edge between two locations. It has no identity
// beyond its endpoint pair.
type Connection struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}

// ConnectionInput is the body of POST /connections.
type ConnectionInput struct {
	Location1ID string `json:"location1Id"`
	Location2ID string `json:"location2Id"`
}

// GraphData is the initial GET /graph snapshot.
type GraphData struct {
	Locations   []Location   `json:"locations"`
	Connections []Connection `json:"connections"`
}
