package model

// Item is a mobile entity that travels along connections. Items listed on a
// Location in a graph snapshot are "at" that location.
type Item struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Speed      float64        `json:"speed,omitempty"`
	Active     bool           `json:"active"`
	Properties map[string]any `json:"properties,omitempty"`
}
