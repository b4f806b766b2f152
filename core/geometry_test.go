package core

import (
	"math"
	"testing"
)

func TestVec2DistanceTo(t *testing.T) {
	a := Vec2{X: 0, Y: 0}
	b := Vec2{X: 3, Y: 4}
	if got := a.DistanceTo(b); got != 5 {
		t.Fatalf("DistanceTo = %v, want 5", got)
	}
	if got := b.DistanceTo(a); got != 5 {
		t.Fatalf("DistanceTo reversed = %v, want 5", got)
	}
}

func TestLerp(t *testing.T) {
	a := Vec2{X: 0, Y: 10}
	b := Vec2{X: 10, Y: 30}
	tests := []struct {
		t    float64
		want Vec2
	}{
		{0, a},
		{0.5, Vec2{X: 5, Y: 20}},
		{1, b},
	}
	for _, tc := range tests {
		if got := Lerp(a, b, tc.t); got != tc.want {
			t.Fatalf("Lerp(t=%v) = %+v, want %+v", tc.t, got, tc.want)
		}
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{0.25, 0.25},
		{1, 1},
		{7, 1},
		{math.Inf(1), 1},
		{math.NaN(), 0},
	}
	for _, tc := range tests {
		if got := Clamp01(tc.in); got != tc.want {
			t.Fatalf("Clamp01(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
