package model

// Location is a place in the transit graph. Speed and Length govern how
// quickly items leave it towards its outbound neighbour.
//
// X and Y are optional: a nil coordinate is derived from the ID by the
// coordinate hasher when the location is rendered. On the wire the backend
// stores them as longitude (x) and latitude (y).
type Location struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	X          *float64       `json:"longitude,omitempty"`
	Y          *float64       `json:"latitude,omitempty"`
	Speed      float64        `json:"speed"`
	Length     float64        `json:"length"`
	Type       string         `json:"type,omitempty"`
	Active     bool           `json:"active"`
	Properties map[string]any `json:"properties,omitempty"`
	Items      []Item         `json:"items,omitempty"`
}

// HasPosition reports whether both coordinates were assigned explicitly.
func (l Location) HasPosition() bool {
	return l.X != nil && l.Y != nil
}

// LocationInput is the body of POST /locations.
type LocationInput struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Speed     float64 `json:"speed"`
	Length    float64 `json:"length"`
	Active    bool    `json:"active"`
}

// UpdateModel is the body of PATCH /locations: a partial merge of fields.
type UpdateModel struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// Float returns a pointer to v, for optional coordinates.
func Float(v float64) *float64 { return &v }
