// Package editor builds property forms for the current selection and
// submits them through the remote gateway.
package editor

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/interaction"
)

// ErrInvalidForm reports a form that failed validation.
var ErrInvalidForm = errors.New("invalid form")

// Gateway is the subset of the remote gateway forms submit through.
type Gateway interface {
	UpdateLocation(id string, props map[string]any) error
	ReverseConnection(source, target string, props map[string]any) error
}

// LocationForm edits a location's name and transit properties.
type LocationForm struct {
	ID     string
	Name   string
	Speed  float64
	Length float64
}

// LocationFormFor loads the form for the location selected in s.
func LocationFormFor(g *graph.Graph, s interaction.State) (LocationForm, error) {
	if s.Kind != interaction.NodeSelected {
		return LocationForm{}, interaction.ErrNoSelection
	}
	if g.NodeType(s.NodeID) != graph.TypeLocation {
		return LocationForm{}, fmt.Errorf("%w: %q is not a location", ErrInvalidForm, s.NodeID)
	}
	speed, length, _ := g.Transit(s.NodeID)
	name, _ := g.GetNodeAttribute(s.NodeID, graph.AttrLabel)
	label, _ := name.(string)
	return LocationForm{ID: s.NodeID, Name: label, Speed: speed, Length: length}, nil
}

// Validate checks that the name is set and speed and length are finite and
// not negative.
func (f LocationForm) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("%w: location id is required", ErrInvalidForm)
	}
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidForm)
	}
	return validateTransit(f.Speed, f.Length)
}

// Properties returns the PATCH body fields of the form.
func (f LocationForm) Properties() map[string]any {
	return map[string]any{
		"name":   strings.TrimSpace(f.Name),
		"speed":  f.Speed,
		"length": f.Length,
	}
}

// Submit validates f and sends it.
func (f LocationForm) Submit(gw Gateway) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return gw.UpdateLocation(f.ID, f.Properties())
}

// ConnectionForm edits the speed and length governing a connection. They
// belong to the source location, or to the target when Reversed; a
// reversed submit also turns the connection around.
type ConnectionForm struct {
	Source   string
	Target   string
	Speed    float64
	Length   float64
	Reversed bool
}

// ConnectionFormFor loads the form for the connection selected in s.
func ConnectionFormFor(s interaction.State) (ConnectionForm, error) {
	if s.Kind != interaction.EdgeSelected {
		return ConnectionForm{}, interaction.ErrNoSelection
	}
	e := s.Edge
	return ConnectionForm{Source: e.Source, Target: e.Target, Speed: e.Speed, Length: e.Length, Reversed: e.Reversed}, nil
}

// Validate checks the endpoints and the transit values.
func (f ConnectionForm) Validate() error {
	if f.Source == "" || f.Target == "" {
		return fmt.Errorf("%w: connection endpoints are required", ErrInvalidForm)
	}
	if f.Source == f.Target {
		return fmt.Errorf("%w: connection %s loops onto itself", ErrInvalidForm, graph.EdgeKey(f.Source, f.Target))
	}
	return validateTransit(f.Speed, f.Length)
}

// Properties returns the location fields the form writes.
func (f ConnectionForm) Properties() map[string]any {
	return map[string]any{"speed": f.Speed, "length": f.Length}
}

// Submit validates f and sends it. A reversed form replaces Source->Target
// with Target->Source and writes the values onto Target, the new source.
func (f ConnectionForm) Submit(gw Gateway) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Reversed {
		return gw.ReverseConnection(f.Source, f.Target, f.Properties())
	}
	return gw.UpdateLocation(f.Source, f.Properties())
}

func validateTransit(speed, length float64) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed < 0 {
		return fmt.Errorf("%w: speed must be a finite number >= 0, got %v", ErrInvalidForm, speed)
	}
	if math.IsNaN(length) || math.IsInf(length, 0) || length < 0 {
		return fmt.Errorf("%w: length must be a finite number >= 0, got %v", ErrInvalidForm, length)
	}
	return nil
}
