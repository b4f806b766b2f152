package core

import (
	"math"
	"unicode/utf16"
)

// YSalt is appended to an identifier before hashing its y coordinate so the
// two axes of the same id do not collapse onto the diagonal.
const YSalt = "random"

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// Hash maps an arbitrary identifier onto a stable pseudo-random value in
// [0,1) with an FNV-1a walk over its UTF-16 code units.
//
// The multiply is carried out in float64 and the XOR on the value truncated
// to int32, the way browser clients evaluate the same loop in JavaScript.
// Past the first few characters the product exceeds 2^53 and drops low
// bits, so the result is not the textbook 32-bit FNV-1a, but every client
// places a given id on the same spot.
func Hash(id string) float64 {
	h := float64(fnvOffset32)
	for _, c := range utf16.Encode([]rune(id)) {
		h = float64(toInt32(h) ^ int32(c))
		h *= fnvPrime32
	}
	return float64(toUint32(h)) / (1 << 32)
}

// toUint32 truncates f and wraps it modulo 2^32. Non-finite values map to 0.
func toUint32(f float64) uint32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	m := math.Mod(math.Trunc(f), 1<<32)
	if m < 0 {
		m += 1 << 32
	}
	return uint32(m)
}

func toInt32(f float64) int32 { return int32(toUint32(f)) }

// HashPosition returns the unit-square position derived from id.
func HashPosition(id string) Vec2 {
	return Vec2{X: Hash(id), Y: Hash(id + YSalt)}
}

// ScaledPosition returns HashPosition(id) stretched by scale on both axes.
func ScaledPosition(id string, scale float64) Vec2 {
	return HashPosition(id).Scale(scale)
}
