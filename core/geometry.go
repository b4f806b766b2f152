package core

import "math"

// Vec2 is a point in graph (canvas-independent) coordinates.
type Vec2 struct {
	X, Y float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec2) DistanceTo(other Vec2) float64 {
	dx := v.X - other.X
	dy := v.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Sub returns v - other.
func (v Vec2) Sub(other Vec2) Vec2 {
	return Vec2{X: v.X - other.X, Y: v.Y - other.Y}
}

// Add returns v + other.
func (v Vec2) Add(other Vec2) Vec2 {
	return Vec2{X: v.X + other.X, Y: v.Y + other.Y}
}

// Scale returns v multiplied by k.
func (v Vec2) Scale(k float64) Vec2 {
	return Vec2{X: v.X * k, Y: v.Y * k}
}

// Lerp interpolates linearly between a and b. t is not clamped; callers
// pass a progress value already limited to [0,1].
func Lerp(a, b Vec2, t float64) Vec2 {
	return a.Add(b.Sub(a).Scale(t))
}

// Clamp01 limits v to the closed interval [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
